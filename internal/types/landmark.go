package types

import "time"

// PoseLandmarkCount is the size of the detector's fixed body topology
const PoseLandmarkCount = 33

// Landmark is a single body keypoint in normalized image coordinates.
// X and Y are conventionally in [0,1] but may fall outside for off-frame points.
type Landmark struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Z          float64 `json:"z" msgpack:"z"`
	Visibility float64 `json:"visibility" msgpack:"visibility"`
}

// LandmarkSet is the full keypoint set the detector returns for one frame.
// The index of each landmark is its landmark id.
type LandmarkSet struct {
	Landmarks []Landmark `json:"landmarks"`
}

// Records expands the set into one LandmarkRecord per landmark id.
// An empty position name is stored as NULL, like a nil one.
func (s *LandmarkSet) Records(frame int, positionName *string) []LandmarkRecord {
	if s == nil {
		return nil
	}
	if positionName != nil && *positionName == "" {
		positionName = nil
	}
	out := make([]LandmarkRecord, len(s.Landmarks))
	for id, lm := range s.Landmarks {
		out[id] = LandmarkRecord{
			Frame:        frame,
			LandmarkID:   id,
			X:            lm.X,
			Y:            lm.Y,
			Visibility:   lm.Visibility,
			PositionName: positionName,
		}
	}
	return out
}

// LandmarkRecord is one persisted row: a single landmark of a single frame.
type LandmarkRecord struct {
	// Frame is the source container position at detection time, not the output index
	Frame        int     `json:"frame"`
	LandmarkID   int     `json:"landmark_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Visibility   float64 `json:"visibility"`
	PositionName *string `json:"position_name,omitempty"`
}

// TimingStats summarizes per-frame processing time in milliseconds
type TimingStats struct {
	MeanMS   float64 `json:"mean_ms"`
	StdDevMS float64 `json:"stddev_ms"`
	MinMS    float64 `json:"min_ms"`
	MaxMS    float64 `json:"max_ms"`
	JitterMS float64 `json:"jitter_ms"`
	BudgetMS float64 `json:"budget_ms"` // 1/fps, zero when fps is unusable
}

// RunSummary is the result of one pipeline run
type RunSummary struct {
	RunID              string        `json:"run_id"`
	TotalSourceFrames  int           `json:"total_source_frames"`
	ProcessedFrames    int           `json:"processed_frames"`
	OutputPath         string        `json:"output_path"`
	DetectedFrames     int           `json:"detected_frames"`
	RecordsPersisted   int           `json:"records_persisted"`
	Batches            int           `json:"batches"`
	DeadlineMisses     int           `json:"deadline_misses"`
	ReportedFrameCount int           `json:"reported_frame_count"`
	FPS                float64       `json:"fps"`
	Duration           time.Duration `json:"duration"`
	Timing             TimingStats   `json:"timing"`
}
