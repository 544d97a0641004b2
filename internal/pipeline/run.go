// Package pipeline drives one video through decode, downsample, inference,
// annotation, encode and batched persistence.
//
// A run is sequential and single threaded. The context bounds individual
// detector calls and store transactions; the frame loop itself is never
// cancelled mid-stream, so every frame read is also written.
package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/annotate"
	"github.com/gelson12/bjj-video-analysis/internal/metrics"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/gelson12/bjj-video-analysis/internal/video"
	"gocv.io/x/gocv"
)

// Detector finds a pose in an RGB frame. A nil set means no pose.
type Detector interface {
	Detect(ctx context.Context, rgb gocv.Mat, frame int) (*types.LandmarkSet, error)
	Close() error
}

// LandmarkStore commits landmark records in all-or-nothing batches
type LandmarkStore interface {
	InsertBatch(ctx context.Context, records []types.LandmarkRecord) error
	Close() error
}

type run struct {
	src   video.Source
	det   Detector
	sink  video.Sink
	store LandmarkStore
	opts  Options

	logger  *slog.Logger
	events  progress.Publisher
	metrics *metrics.Metrics

	now    func() time.Time
	resize func(src gocv.Mat, dst *gocv.Mat, size image.Point)

	width   int
	height  int
	budget  time.Duration
	buffer  []types.LandmarkRecord
	samples []time.Duration
	summary types.RunSummary
}

// Run processes every frame of src into sink and persists detected landmarks to store.
//
// Run owns all four resources and closes them in order (source, sink, detector,
// store) on every path. Fatal errors match exactly one kind in internal/types.
// The summary is returned on failure too, reflecting the progress made.
func Run(ctx context.Context, src video.Source, det Detector, sink video.Sink, store LandmarkStore, opts Options) (*types.RunSummary, error) {
	return newRun(src, det, sink, store, opts).execute(ctx)
}

func newRun(src video.Source, det Detector, sink video.Sink, store LandmarkStore, opts Options) *run {
	if opts.PositionName != nil && *opts.PositionName == "" {
		opts.PositionName = nil
	}
	return &run{
		src:     src,
		det:     det,
		sink:    sink,
		store:   store,
		opts:    opts,
		logger:  opts.logger().With("run_id", opts.RunID),
		events:  opts.events(),
		metrics: opts.Metrics,
		now:     time.Now,
		resize: func(src gocv.Mat, dst *gocv.Mat, size image.Point) {
			gocv.Resize(src, dst, size, 0, 0, gocv.InterpolationLinear)
		},
	}
}

func (r *run) execute(ctx context.Context) (*types.RunSummary, error) {
	if err := r.opts.Validate(); err != nil {
		return nil, errors.Join(err, r.close(false))
	}

	start := time.Now()
	err := r.process(ctx)
	r.summary.Duration = time.Since(start)
	r.summary.Timing = CalculateTimingStats(r.samples, r.budget)

	if closeErr := r.close(err == nil); closeErr != nil {
		if err == nil {
			err = closeErr
		} else {
			err = errors.Join(err, closeErr)
		}
	}

	summary := r.summary
	if err != nil {
		r.logger.Error("run failed",
			"error", err,
			"frames_read", summary.TotalSourceFrames,
			"processed_frames", summary.ProcessedFrames,
			"records_persisted", summary.RecordsPersisted,
		)
		return &summary, err
	}

	r.logger.Info("run complete",
		"output", summary.OutputPath,
		"total_frames", summary.TotalSourceFrames,
		"processed_frames", summary.ProcessedFrames,
		"detected_frames", summary.DetectedFrames,
		"records_persisted", summary.RecordsPersisted,
		"batches", summary.Batches,
		"deadline_misses", summary.DeadlineMisses,
		"duration", summary.Duration,
	)
	return &summary, nil
}

func (r *run) process(ctx context.Context) error {
	r.width, r.height = video.ScaledSize(r.src.Width(), r.src.Height(), r.opts.ScaleFactor)

	fps := r.src.FPS()
	r.summary = types.RunSummary{
		RunID:              r.opts.RunID,
		OutputPath:         r.sink.Path(),
		ReportedFrameCount: r.src.FrameCount(),
		FPS:                fps,
	}
	if r.summary.OutputPath == "" {
		r.summary.OutputPath = r.opts.OutputPath
	}

	if video.UsableFPS(fps) {
		r.budget = time.Duration(float64(time.Second) / fps)
	} else {
		r.logger.Warn("source reports no usable frame rate, deadline check disabled", "fps", fps)
	}

	r.buffer = make([]types.LandmarkRecord, 0, r.opts.BatchSize+types.PoseLandmarkCount)

	r.logger.Info("run started",
		"input_size", [2]int{r.src.Width(), r.src.Height()},
		"output_size", [2]int{r.width, r.height},
		"fps", fps,
		"frame_budget", r.budget,
		"reported_frames", r.summary.ReportedFrameCount,
		"skip_rate", r.opts.SkipRate,
		"batch_size", r.opts.BatchSize,
	)
	r.events.Publish(progress.Event{
		RunID:       r.opts.RunID,
		Kind:        progress.KindStarted,
		TotalFrames: r.summary.ReportedFrameCount,
		BudgetMS:    ms(r.budget),
	})

	resized := gocv.NewMat()
	defer resized.Close()
	rgb := gocv.NewMat()
	defer rgb.Close()

	for {
		frame, err := r.src.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.abort(ctx, types.Wrap(types.ErrProcessing, "pipeline.read", err))
		}

		err = r.step(ctx, frame, &resized, &rgb)
		frame.Mat.Close()
		if err != nil {
			return err
		}
	}

	if len(r.buffer) > 0 {
		return r.flush(ctx)
	}
	return nil
}

// step handles one source frame. Errors it returns are final.
func (r *run) step(ctx context.Context, frame video.Frame, resized, rgb *gocv.Mat) error {
	r.summary.TotalSourceFrames++
	counter := r.summary.TotalSourceFrames
	r.metrics.FrameRead()

	if counter%r.opts.SkipRate != 0 {
		r.resize(frame.Mat, resized, image.Pt(r.width, r.height))
		if err := r.sink.Write(*resized); err != nil {
			return r.abort(ctx, types.Wrap(types.ErrProcessing, "pipeline.write", err))
		}
		return nil
	}

	// The frame budget covers resize through write
	start := r.now()
	r.resize(frame.Mat, resized, image.Pt(r.width, r.height))

	gocv.CvtColor(*resized, rgb, gocv.ColorBGRToRGB)
	set, err := r.det.Detect(ctx, *rgb, frame.Index)
	if err != nil {
		return r.abort(ctx, types.Wrap(types.ErrProcessing, "pipeline.detect", err))
	}
	r.summary.ProcessedFrames++

	detected := set != nil && len(set.Landmarks) > 0
	if detected {
		annotate.Draw(resized, set)
		r.summary.DetectedFrames++
		r.buffer = append(r.buffer, set.Records(frame.Index, r.opts.PositionName)...)

		r.events.Publish(progress.Event{
			RunID:     r.opts.RunID,
			Kind:      progress.KindLandmarks,
			Frame:     frame.Index,
			Landmarks: set,
		})

		if len(r.buffer) >= r.opts.BatchSize {
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
	}

	if err := r.sink.Write(*resized); err != nil {
		return r.abort(ctx, types.Wrap(types.ErrProcessing, "pipeline.write", err))
	}

	elapsed := r.now().Sub(start)
	r.samples = append(r.samples, elapsed)
	r.metrics.FrameProcessed(elapsed, detected)

	r.logger.Debug("frame processed",
		"frame", frame.Index,
		"processed", r.summary.ProcessedFrames,
		"total", r.summary.ReportedFrameCount,
		"elapsed_ms", ms(elapsed),
		"detected", detected,
	)
	r.events.Publish(progress.Event{
		RunID:           r.opts.RunID,
		Kind:            progress.KindFrame,
		Frame:           frame.Index,
		FramesRead:      r.summary.TotalSourceFrames,
		ProcessedFrames: r.summary.ProcessedFrames,
		TotalFrames:     r.summary.ReportedFrameCount,
		ElapsedMS:       ms(elapsed),
	})

	if r.budget > 0 && elapsed > r.budget {
		r.summary.DeadlineMisses++
		r.metrics.DeadlineMissed()
		r.logger.Warn("processing time exceeds frame duration",
			"frame", frame.Index,
			"elapsed_ms", ms(elapsed),
			"budget_ms", ms(r.budget),
		)
		r.events.Publish(progress.Event{
			RunID:     r.opts.RunID,
			Kind:      progress.KindDeadlineMiss,
			Frame:     frame.Index,
			ElapsedMS: ms(elapsed),
			BudgetMS:  ms(r.budget),
		})
	}

	return nil
}

// flush inserts the whole buffer in one transaction. A failed batch is not retried.
func (r *run) flush(ctx context.Context) error {
	n := len(r.buffer)
	start := time.Now()
	err := r.store.InsertBatch(ctx, r.buffer)
	r.metrics.Flushed(n, time.Since(start), err)
	if err != nil {
		return types.Ensure(types.ErrPersistence, "pipeline.flush", err)
	}

	r.buffer = make([]types.LandmarkRecord, 0, cap(r.buffer))
	r.summary.RecordsPersisted += n
	r.summary.Batches++

	r.logger.Debug("batch flushed", "records", n, "batches", r.summary.Batches)
	r.events.Publish(progress.Event{
		RunID:   r.opts.RunID,
		Kind:    progress.KindFlush,
		Records: n,
	})
	return nil
}

// abort makes one best-effort attempt to persist what is buffered before a
// non-persistence failure ends the run.
func (r *run) abort(ctx context.Context, cause error) error {
	if len(r.buffer) == 0 {
		return cause
	}

	pending := len(r.buffer)
	if err := r.flush(ctx); err != nil {
		r.logger.Error("failed to persist buffered records after fatal error",
			"records", pending,
			"error", err,
		)
		return errors.Join(cause, err)
	}

	r.logger.Info("persisted buffered records after fatal error", "records", pending)
	return cause
}

// close releases source, sink, detector and store in that order.
// On success only a sink failure is fatal: it means the container was not finalized.
func (r *run) close(success bool) error {
	var errs []error

	closers := []struct {
		name  string
		close func() error
	}{
		{"source", r.src.Close},
		{"sink", r.sink.Close},
		{"detector", r.det.Close},
		{"store", r.store.Close},
	}

	for _, c := range closers {
		err := c.close()
		if err == nil {
			r.logger.Debug("resource closed", "resource", c.name)
			continue
		}

		r.logger.Warn("failed to close resource", "resource", c.name, "error", err)
		switch {
		case !success:
			errs = append(errs, err)
		case c.name == "sink":
			errs = append(errs, types.Wrap(types.ErrProcessing, "pipeline.close_sink", err))
		}
	}

	return errors.Join(errs...)
}
