package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gelson12/bjj-video-analysis/internal/core"
	"github.com/gelson12/bjj-video-analysis/internal/types"
)

// ProcessRequest is the validated body of POST /process_video
type ProcessRequest struct {
	VideoURL     string
	PositionName string
	StartTime    float64
	EndTime      float64
}

// Request converts the body into a service request
func (p ProcessRequest) Request() core.Request {
	name := p.PositionName
	return core.Request{
		VideoURL:     p.VideoURL,
		StartTime:    p.StartTime,
		EndTime:      p.EndTime,
		PositionName: &name,
	}
}

type processBody struct {
	VideoURL     *string    `json:"video_url"`
	PositionName *string    `json:"position_name"`
	StartTime    *TimeValue `json:"start_time"`
	EndTime      *TimeValue `json:"end_time"`
}

// TimeValue is a JSON time offset given either as a number of seconds or as
// an "hh:mm:ss", "mm:ss" or "ss" string
type TimeValue struct {
	Seconds float64
	set     bool
}

// UnmarshalJSON implements json.Unmarshaler
func (t *TimeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		v, err := ParseTimeString(s)
		if err != nil {
			return err
		}
		*t = TimeValue{Seconds: v, set: true}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid time value: %s", data)
	}
	*t = TimeValue{Seconds: v, set: true}
	return nil
}

// ParseTimeString converts "hh:mm:ss", "mm:ss" or "ss" into seconds.
// Each part may carry a fraction.
func ParseTimeString(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid time format: %q", s)
	}

	total := 0.0
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid time format: %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}

// ParseProcessRequest decodes and validates a process_video body.
// Every failure matches types.ErrValidation.
func ParseProcessRequest(data []byte) (ProcessRequest, error) {
	const op = "api.process_video"

	var body processBody
	if err := json.Unmarshal(data, &body); err != nil {
		return ProcessRequest{}, types.Wrap(types.ErrValidation, op, fmt.Errorf("invalid JSON data: %w", err))
	}

	var missing []string
	if body.VideoURL == nil || strings.TrimSpace(*body.VideoURL) == "" {
		missing = append(missing, "video_url")
	}
	if body.PositionName == nil || strings.TrimSpace(*body.PositionName) == "" {
		missing = append(missing, "position_name")
	}
	if body.StartTime == nil || !body.StartTime.set {
		missing = append(missing, "start_time")
	}
	if body.EndTime == nil || !body.EndTime.set {
		missing = append(missing, "end_time")
	}
	if len(missing) > 0 {
		return ProcessRequest{}, types.Errorf(types.ErrValidation, op, "missing required parameters: %s", strings.Join(missing, ", "))
	}

	req := ProcessRequest{
		VideoURL:     strings.TrimSpace(*body.VideoURL),
		PositionName: *body.PositionName,
		StartTime:    body.StartTime.Seconds,
		EndTime:      body.EndTime.Seconds,
	}
	if !(req.StartTime >= 0 && req.StartTime < req.EndTime) {
		return ProcessRequest{}, types.Errorf(types.ErrValidation, op,
			"invalid time range: start_time must be less than end_time and non-negative (got %v, %v)", req.StartTime, req.EndTime)
	}

	return req, nil
}
