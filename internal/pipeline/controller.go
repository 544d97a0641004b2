package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/metrics"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/gelson12/bjj-video-analysis/internal/store"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/gelson12/bjj-video-analysis/internal/video"
	"github.com/gelson12/bjj-video-analysis/internal/worker"
)

// Job is one video to process
type Job struct {
	RunID        string
	InputPath    string
	OutputPath   string
	PositionName *string
}

// Deps are the resource constructors a Controller uses. Nil fields fall back to
// the configured backends.
type Deps struct {
	OpenSource  func(path string) (video.Source, error)
	OpenSink    func(cfg video.SinkConfig) (video.Sink, error)
	NewDetector func(ctx context.Context, runID string) (Detector, error)
	OpenStore   func(ctx context.Context) (LandmarkStore, error)
}

// Controller opens the resources of a job and hands them to Run
type Controller struct {
	cfg     *config.Config
	deps    Deps
	events  progress.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewController builds a controller over cfg. events and m may be nil.
func NewController(cfg *config.Config, deps Deps, events progress.Publisher, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = progress.Discard
	}

	c := &Controller{cfg: cfg, deps: deps, events: events, metrics: m, logger: logger}

	if c.deps.OpenSource == nil {
		c.deps.OpenSource = func(path string) (video.Source, error) {
			return video.OpenSource(cfg.Video.Backend, path, logger)
		}
	}
	if c.deps.OpenSink == nil {
		c.deps.OpenSink = func(sc video.SinkConfig) (video.Sink, error) {
			sc.Codec = cfg.Video.Codec
			return video.OpenSink(cfg.Video.Backend, sc, logger)
		}
	}
	if c.deps.NewDetector == nil {
		c.deps.NewDetector = c.startPoseWorker
	}
	if c.deps.OpenStore == nil {
		c.deps.OpenStore = func(ctx context.Context) (LandmarkStore, error) {
			return store.Open(ctx, cfg.Database, logger)
		}
	}

	return c
}

// startPoseWorker spawns a fresh MediaPipe subprocess for one run
func (c *Controller) startPoseWorker(ctx context.Context, runID string) (Detector, error) {
	d := c.cfg.Detector
	w, err := worker.NewPosePython(worker.PosePythonConfig{
		WorkerID:               "pose-" + runID,
		PythonPath:             d.PythonPath,
		ScriptPath:             d.ScriptPath,
		ModelComplexity:        d.ModelComplexity,
		MinDetectionConfidence: d.MinDetectionConfidence,
		MinTrackingConfidence:  d.MinTrackingConfidence,
		Timeout:                d.Timeout,
	}, c.logger)
	if err != nil {
		return nil, err
	}
	// The worker must outlive request-scoped contexts; Close stops it
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return w, nil
}

// Process runs job to completion and publishes its terminal event
func (c *Controller) Process(ctx context.Context, job Job) (*types.RunSummary, error) {
	summary, err := c.process(ctx, job)
	c.metrics.RunFinished(err)

	ev := progress.Event{RunID: job.RunID, Kind: progress.KindCompleted, Summary: summary}
	if err != nil {
		ev.Kind = progress.KindFailed
		ev.Error = err.Error()
	}
	c.events.Publish(ev)

	return summary, err
}

func (c *Controller) process(ctx context.Context, job Job) (*types.RunSummary, error) {
	logger := c.logger.With("run_id", job.RunID)

	opts := OptionsFrom(c.cfg.Pipeline)
	opts.PositionName = job.PositionName
	opts.OutputPath = job.OutputPath
	opts.RunID = job.RunID
	opts.Logger = c.logger
	opts.Events = c.events
	opts.Metrics = c.metrics
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if job.InputPath == "" || job.OutputPath == "" {
		return nil, types.Errorf(types.ErrValidation, "pipeline.job", "input and output paths are required")
	}

	src, err := c.deps.OpenSource(job.InputPath)
	if err != nil {
		return nil, types.Ensure(types.ErrSourceUnavailable, "pipeline.open_source", err)
	}

	fps := src.FPS()
	if !video.UsableFPS(fps) {
		fps = video.DefaultFPS
	}
	w, h := video.ScaledSize(src.Width(), src.Height(), opts.ScaleFactor)

	sink, err := c.deps.OpenSink(video.SinkConfig{Path: job.OutputPath, Width: w, Height: h, FPS: fps})
	if err != nil {
		closeQuietly(logger, "source", src.Close)
		return nil, types.Ensure(types.ErrSinkUnavailable, "pipeline.open_sink", err)
	}

	det, err := c.deps.NewDetector(ctx, job.RunID)
	if err != nil {
		closeQuietly(logger, "source", src.Close)
		closeQuietly(logger, "sink", sink.Close)
		return nil, types.Ensure(types.ErrProcessing, "pipeline.open_detector", fmt.Errorf("start detector: %w", err))
	}

	st, err := c.deps.OpenStore(ctx)
	if err != nil {
		closeQuietly(logger, "source", src.Close)
		closeQuietly(logger, "sink", sink.Close)
		closeQuietly(logger, "detector", det.Close)
		return nil, types.Ensure(types.ErrPersistence, "pipeline.open_store", err)
	}

	logger.Info("resources opened",
		"input", job.InputPath,
		"output", job.OutputPath,
		"output_size", fmt.Sprintf("%dx%d", w, h),
	)
	return Run(ctx, src, det, sink, st, opts)
}

func closeQuietly(logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("failed to close resource", "resource", name, "error", err)
	}
}
