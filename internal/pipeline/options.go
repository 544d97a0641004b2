package pipeline

import (
	"log/slog"
	"math"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/metrics"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/gelson12/bjj-video-analysis/internal/types"
)

// Options tunes a single run
type Options struct {
	ScaleFactor  float64 // > 0, values above 1 upscale
	SkipRate     int     // every SkipRate-th source frame goes through inference
	BatchSize    int     // records buffered per insert transaction
	PositionName *string // nil stores NULL position_name
	OutputPath   string
	RunID        string

	Logger  *slog.Logger
	Events  progress.Publisher
	Metrics *metrics.Metrics
}

// OptionsFrom copies the pipeline tunables from a validated config
func OptionsFrom(cfg config.PipelineConfig) Options {
	return Options{
		ScaleFactor: cfg.ScaleFactor,
		SkipRate:    cfg.SkipRate,
		BatchSize:   cfg.BatchSize,
	}
}

// Validate rejects tunables the frame loop cannot honor. Failures match types.ErrValidation.
func (o Options) Validate() error {
	const op = "pipeline.options"

	if o.ScaleFactor <= 0 || math.IsNaN(o.ScaleFactor) || math.IsInf(o.ScaleFactor, 0) {
		return types.Errorf(types.ErrValidation, op, "scale_factor must be > 0, got %v", o.ScaleFactor)
	}
	if o.SkipRate < 1 {
		return types.Errorf(types.ErrValidation, op, "skip_rate must be >= 1, got %d", o.SkipRate)
	}
	if o.BatchSize < 1 {
		return types.Errorf(types.ErrValidation, op, "batch_size must be >= 1, got %d", o.BatchSize)
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) events() progress.Publisher {
	if o.Events == nil {
		return progress.Discard
	}
	return o.Events
}
