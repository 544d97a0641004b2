// Package core owns the long-running service: a bounded run queue drained by a
// single worker goroutine, the registry of runs and the MQTT surfaces.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/control"
	"github.com/gelson12/bjj-video-analysis/internal/emitter"
	"github.com/gelson12/bjj-video-analysis/internal/metrics"
	"github.com/gelson12/bjj-video-analysis/internal/pipeline"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/google/uuid"
)

var (
	ErrQueueFull = errors.New("core: run queue is full")
	ErrStopped   = errors.New("core: service is not accepting runs")
)

// historyLimit bounds how many finished runs stay queryable
const historyLimit = 256

// Processor runs one pipeline job
type Processor interface {
	Process(ctx context.Context, job pipeline.Job) (*types.RunSummary, error)
}

// Fetcher brings a remote video segment onto local disk
type Fetcher interface {
	Fetch(ctx context.Context, url string, start, end float64) (string, error)
	Cleanup(path string)
}

// Request describes a run: either a local InputPath or a VideoURL with a time range
type Request struct {
	InputPath    string
	VideoURL     string
	StartTime    float64
	EndTime      float64
	OutputPath   string // derived from the input name when empty
	PositionName *string
}

// Result is delivered once per submitted run
type Result struct {
	Run Run
	Err error
}

type task struct {
	run  *Run
	req  Request
	done chan Result
}

// Service queues runs and executes them one at a time
type Service struct {
	cfg     *config.Config
	proc    Processor
	fetcher Fetcher
	bus     progress.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan *task

	mu      sync.RWMutex
	runs    map[string]*Run
	history []string
	current string
	running bool
	closed  bool
	started time.Time
	now     func() time.Time

	emitter *emitter.MQTTEmitter
	control *control.Handler
}

// NewService creates the service. m may be nil.
func NewService(cfg *config.Config, proc Processor, fetcher Fetcher, bus progress.Bus, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &Service{
		cfg:     cfg,
		proc:    proc,
		fetcher: fetcher,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "core"),
		queue:   make(chan *task, size),
		runs:    make(map[string]*Run),
		started: time.Now(),
		now:     time.Now,
	}
}

// Events returns the progress bus runs publish to
func (s *Service) Events() progress.Bus { return s.bus }

// Uptime returns the time since the service was created
func (s *Service) Uptime() time.Duration { return time.Since(s.started) }

// Ready reports whether the worker is consuming the queue
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.closed
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
}

// Submit queues a run. The returned channel receives exactly one Result and is
// buffered, so callers may ignore it.
func (s *Service) Submit(req Request) (Run, <-chan Result, error) {
	const op = "core.submit"

	if (req.InputPath == "") == (req.VideoURL == "") {
		return Run{}, nil, types.Errorf(types.ErrValidation, op, "exactly one of input path and video url is required")
	}

	input := req.InputPath
	if input == "" {
		input = req.VideoURL
	}
	run := &Run{
		ID:           uuid.NewString(),
		Status:       StatusQueued,
		Input:        input,
		OutputPath:   req.OutputPath,
		PositionName: req.PositionName,
		QueuedAt:     s.now(),
	}
	t := &task{run: run, req: req, done: make(chan Result, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Run{}, nil, ErrStopped
	}
	s.runs[run.ID] = run
	select {
	case s.queue <- t:
	default:
		delete(s.runs, run.ID)
		s.mu.Unlock()
		return Run{}, nil, ErrQueueFull
	}
	snapshot := *run
	s.mu.Unlock()

	s.metrics.SetQueueDepth(len(s.queue))
	s.bus.Publish(progress.Event{RunID: run.ID, Kind: progress.KindQueued})
	s.logger.Info("run queued", "run_id", run.ID, "input", input, "queue_depth", len(s.queue))

	return snapshot, t.done, nil
}

// Get returns a snapshot of a run
func (s *Service) Get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Run executes queued runs until ctx is cancelled. A run in progress is
// finished before Run returns; runs still queued fail with ErrStopped.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("core: service is already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("run worker started", "queue_size", cap(s.queue))

	for {
		if ctx.Err() != nil {
			s.drain()
			return nil
		}

		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case t := <-s.queue:
			s.metrics.SetQueueDepth(len(s.queue))
			// A started run is not interrupted by shutdown
			s.execute(context.WithoutCancel(ctx), t)
		}
	}
}

// drain stops intake and fails everything still queued
func (s *Service) drain() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for {
		select {
		case t := <-s.queue:
			s.bus.Publish(progress.Event{RunID: t.run.ID, Kind: progress.KindFailed, Error: ErrStopped.Error()})
			s.finish(t, "", nil, ErrStopped)
		default:
			s.metrics.SetQueueDepth(0)
			s.logger.Info("run worker stopped")
			return
		}
	}
}

func (s *Service) execute(ctx context.Context, t *task) {
	id := t.run.ID
	logger := s.logger.With("run_id", id)

	s.mu.Lock()
	t.run.Status = StatusRunning
	t.run.StartedAt = s.now()
	s.current = id
	s.mu.Unlock()

	input := t.req.InputPath
	if t.req.VideoURL != "" {
		path, err := s.fetcher.Fetch(ctx, t.req.VideoURL, t.req.StartTime, t.req.EndTime)
		if err != nil {
			logger.Error("acquisition failed", "url", t.req.VideoURL, "error", err)
			s.metrics.RunFinished(err)
			s.bus.Publish(progress.Event{RunID: id, Kind: progress.KindFailed, Error: err.Error()})
			s.finish(t, "", nil, err)
			return
		}
		input = path
	}

	output := t.req.OutputPath
	if output == "" {
		output = filepath.Join(s.cfg.Server.OutputDir, "processed_"+filepath.Base(input))
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		logger.Warn("failed to create output directory", "path", output, "error", err)
	}

	summary, err := s.proc.Process(ctx, pipeline.Job{
		RunID:        id,
		InputPath:    input,
		OutputPath:   output,
		PositionName: t.req.PositionName,
	})
	if t.req.VideoURL != "" {
		s.fetcher.Cleanup(input)
	}
	s.finish(t, output, summary, err)
}

func (s *Service) finish(t *task, output string, summary *types.RunSummary, err error) {
	s.mu.Lock()
	run := t.run
	run.FinishedAt = s.now()
	run.Summary = summary
	if output != "" {
		run.OutputPath = output
	}
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		run.ErrorKind = metrics.KindLabel(err)
	} else {
		run.Status = StatusSucceeded
	}
	if s.current == run.ID {
		s.current = ""
	}

	s.history = append(s.history, run.ID)
	if len(s.history) > historyLimit {
		delete(s.runs, s.history[0])
		s.history = s.history[1:]
	}
	snapshot := *run
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("run failed", "run_id", run.ID, "kind", run.ErrorKind, "error", err)
	} else {
		s.logger.Info("run succeeded",
			"run_id", run.ID,
			"output", run.OutputPath,
			"frames", summary.TotalSourceFrames,
			"processed", summary.ProcessedFrames,
		)
	}

	t.done <- Result{Run: snapshot, Err: err}
}

// Status returns a service status snapshot for the control plane
func (s *Service) Status() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[Status]int{}
	for _, r := range s.runs {
		counts[r.Status]++
	}

	status := map[string]any{
		"running":          s.running && !s.closed,
		"uptime_s":         time.Since(s.started).Seconds(),
		"queue_depth":      len(s.queue),
		"queue_capacity":   cap(s.queue),
		"current_run":      s.current,
		"runs":             counts,
		"events_published": s.bus.Published(),
		"pipeline": map[string]any{
			"scale_factor": s.cfg.Pipeline.ScaleFactor,
			"skip_rate":    s.cfg.Pipeline.SkipRate,
			"batch_size":   s.cfg.Pipeline.BatchSize,
		},
		"video_backend": s.cfg.Video.Backend,
		"database_kind": s.cfg.Database.Kind,
	}

	if s.emitter != nil {
		st := s.emitter.Stats()
		status["mqtt"] = map[string]any{
			"connected": st.Connected,
			"published": st.Published,
			"errors":    st.Errors,
		}
	}

	return status
}
