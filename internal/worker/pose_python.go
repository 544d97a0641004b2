/*
POSE WORKER (Python MediaPipe subprocess)

  ┌──────────────┐  Detect(rgb)  ┌────────────┐  stdin (msgpack)   ┌────────────────┐
  │ pipeline.Run │ ────────────> │ PosePython │ ─────────────────> │ pose_worker.py │
  └──────────────┘ <──────────── └────────────┘ <───────────────── └────────────────┘
                     LandmarkSet               stdout (msgpack)

One PosePython belongs to exactly one pipeline run: MediaPipe keeps tracking
state between frames, so a worker is never shared.

Calls are synchronous. Each Detect writes one request and blocks for exactly
one response. A timed-out or malformed exchange leaves the stream
unsynchronized, so the worker marks itself broken and fails every later call.

Wire format, both directions: 4-byte big-endian length, then a msgpack map.

  request:  {frame_data: <RGB24 bytes>, width, height, format: "RGB24",
             meta: {worker_id, seq, frame}}
  response: {seq, landmarks: [{x, y, z, visibility} x33] | [], timing: {...}, error}

stderr lines are forwarded to the logger: [ERROR]/[CRITICAL] at error,
[WARNING]/[WARN] at warn, everything else at debug.
*/

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"gocv.io/x/gocv"
)

var (
	ErrNotStarted = errors.New("worker: not started")
	ErrBroken     = errors.New("worker: stream out of sync, worker must be restarted")
)

// PosePythonConfig configures the subprocess
type PosePythonConfig struct {
	WorkerID               string
	PythonPath             string
	ScriptPath             string
	ModelComplexity        int
	MinDetectionConfidence float64
	MinTrackingConfidence  float64
	Timeout                time.Duration // per Detect call
}

// Metrics is a point-in-time snapshot of worker counters
type Metrics struct {
	FramesSent   uint64
	Detections   uint64
	Empty        uint64
	AvgLatencyMS float64
	LastSeenAt   time.Time
}

// PosePython runs MediaPipe Pose in a Python subprocess
type PosePython struct {
	id     string
	cfg    PosePythonConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.ReadCloser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	exited chan struct{}

	mu       sync.Mutex // serializes request/response exchanges
	isActive atomic.Bool
	broken   atomic.Bool
	seq      uint64

	framesSent     uint64
	detections     uint64
	empty          uint64
	totalLatencyUS uint64
	lastSeenAt     atomic.Value // time.Time
}

// NewPosePython validates cfg and returns an unstarted worker
func NewPosePython(cfg PosePythonConfig, logger *slog.Logger) (*PosePython, error) {
	if cfg.PythonPath == "" {
		return nil, fmt.Errorf("worker: python_path is required")
	}
	if cfg.ScriptPath == "" {
		return nil, fmt.Errorf("worker: script_path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &PosePython{
		id:     cfg.WorkerID,
		cfg:    cfg,
		logger: logger.With("worker_id", cfg.WorkerID),
		exited: make(chan struct{}),
	}

	w.logger.Debug("pose worker created",
		"script", cfg.ScriptPath,
		"model_complexity", cfg.ModelComplexity,
		"min_detection_confidence", cfg.MinDetectionConfidence,
		"min_tracking_confidence", cfg.MinTrackingConfidence,
	)

	return w, nil
}

// ID returns the worker id
func (w *PosePython) ID() string {
	return w.id
}

// Start spawns the Python process
func (w *PosePython) Start(ctx context.Context) error {
	if w.isActive.Load() {
		return fmt.Errorf("worker: already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	args := []string{
		w.cfg.ScriptPath,
		"--model-complexity", strconv.Itoa(w.cfg.ModelComplexity),
		"--min-detection-confidence", fmt.Sprintf("%.2f", w.cfg.MinDetectionConfidence),
		"--min-tracking-confidence", fmt.Sprintf("%.2f", w.cfg.MinTrackingConfidence),
	}
	w.cmd = exec.CommandContext(w.ctx, w.cfg.PythonPath, args...)

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker: failed to create stdin pipe: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker: failed to create stdout pipe: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker: failed to create stderr pipe: %w", err)
	}

	if err := w.cmd.Start(); err != nil {
		w.cancel()
		return fmt.Errorf("worker: failed to start python process: %w", err)
	}

	w.attach(stdin, stdout, stderr)

	w.wg.Add(1)
	go w.waitProcess()

	w.logger.Info("pose worker started", "pid", w.cmd.Process.Pid)
	return nil
}

// attach wires the process streams and starts the stderr forwarder
func (w *PosePython) attach(stdin io.WriteCloser, stdout io.Reader, stderr io.ReadCloser) {
	w.stdin = stdin
	w.stdout = bufio.NewReaderSize(stdout, 64<<10)
	w.stderr = stderr
	w.lastSeenAt.Store(time.Now())
	w.isActive.Store(true)

	if stderr != nil {
		w.wg.Add(1)
		go w.logStderr()
	}
}

// Detect runs pose estimation on an RGB image of source frame position frame.
// It returns nil when no pose was found, otherwise a full landmark set.
func (w *PosePython) Detect(ctx context.Context, rgb gocv.Mat, frame int) (*types.LandmarkSet, error) {
	if rgb.Empty() {
		return nil, fmt.Errorf("worker: empty frame")
	}
	if rgb.Channels() != 3 {
		return nil, fmt.Errorf("worker: expected 3-channel RGB frame, got %d channels", rgb.Channels())
	}
	return w.detect(ctx, rgb.ToBytes(), rgb.Cols(), rgb.Rows(), frame)
}

func (w *PosePython) detect(ctx context.Context, data []byte, width, height, frame int) (*types.LandmarkSet, error) {
	if !w.isActive.Load() {
		return nil, ErrNotStarted
	}
	if w.broken.Load() {
		return nil, ErrBroken
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	req := poseRequest{
		FrameData: data,
		Width:     width,
		Height:    height,
		Format:    "RGB24",
		Meta:      requestMeta{WorkerID: w.id, Seq: w.seq, Frame: frame},
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan struct{})
	var (
		resp poseResponse
		err  error
	)
	go func() {
		defer close(done)
		if err = writeMessage(w.stdin, req); err != nil {
			return
		}
		err = readMessage(w.stdout, &resp)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// The exchange goroutine may still be mid-read; the stream can no longer be trusted
		w.broken.Store(true)
		return nil, fmt.Errorf("worker: inference timeout after %v (python worker may be hung): %w", w.cfg.Timeout, ctx.Err())
	case <-w.exited:
		select {
		case <-done:
		default:
			w.broken.Store(true)
			return nil, fmt.Errorf("worker: python process exited")
		}
	}

	atomic.AddUint64(&w.framesSent, 1)

	if err != nil {
		w.broken.Store(true)
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("worker: python worker closed stdout: %w", err)
		}
		return nil, fmt.Errorf("worker: exchange failed: %w", err)
	}
	if resp.Seq != 0 && resp.Seq != w.seq {
		w.broken.Store(true)
		return nil, fmt.Errorf("worker: response seq %d does not match request seq %d", resp.Seq, w.seq)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker: python worker error: %s", resp.Error)
	}

	atomic.AddUint64(&w.totalLatencyUS, uint64(time.Since(start).Microseconds()))
	w.lastSeenAt.Store(time.Now())

	switch len(resp.Landmarks) {
	case 0:
		atomic.AddUint64(&w.empty, 1)
		return nil, nil
	case types.PoseLandmarkCount:
		atomic.AddUint64(&w.detections, 1)
		return &types.LandmarkSet{Landmarks: resp.Landmarks}, nil
	default:
		return nil, fmt.Errorf("worker: partial landmark set (%d of %d)", len(resp.Landmarks), types.PoseLandmarkCount)
	}
}

func (w *PosePython) logStderr() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("python worker error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			w.logger.Warn("python worker warning", "log", line)
		default:
			w.logger.Debug("python worker log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		w.logger.Debug("stderr reader stopped", "error", err)
	}
}

// waitProcess reaps the child so it never lingers as a zombie
func (w *PosePython) waitProcess() {
	defer w.wg.Done()
	defer close(w.exited)

	err := w.cmd.Wait()
	pid := w.cmd.Process.Pid

	if err == nil {
		w.logger.Info("python process exited cleanly", "pid", pid)
		return
	}

	select {
	case <-w.ctx.Done():
		w.logger.Debug("python process exited (shutdown)", "pid", pid)
	default:
		if w.isActive.Load() {
			w.logger.Error("python process exited unexpectedly", "pid", pid, "error", err)
		}
	}
}

// Metrics returns a snapshot of the worker counters
func (w *PosePython) Metrics() Metrics {
	sent := atomic.LoadUint64(&w.framesSent)
	detections := atomic.LoadUint64(&w.detections)
	empty := atomic.LoadUint64(&w.empty)

	var avg float64
	if ok := detections + empty; ok > 0 {
		avg = float64(atomic.LoadUint64(&w.totalLatencyUS)) / float64(ok) / 1000
	}

	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}

	return Metrics{
		FramesSent:   sent,
		Detections:   detections,
		Empty:        empty,
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
	}
}

// Close closes stdin so the worker exits on its own, then force-kills after 2s.
func (w *PosePython) Close() error {
	if !w.isActive.Swap(false) {
		return nil
	}

	w.logger.Debug("stopping pose worker")

	var closeErr error
	if w.stdin != nil {
		if err := w.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			closeErr = fmt.Errorf("worker: close stdin: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		w.logger.Warn("pose worker stop timeout, force killing process")
		if w.cmd != nil && w.cmd.Process != nil {
			if err := w.cmd.Process.Kill(); err != nil {
				w.logger.Error("failed to kill python process", "error", err)
			}
		}
		if w.cancel != nil {
			w.cancel()
		}
		<-done
	}
	if w.cancel != nil {
		w.cancel()
	}

	m := w.Metrics()
	w.logger.Info("pose worker stopped",
		"frames_sent", m.FramesSent,
		"detections", m.Detections,
		"avg_latency_ms", m.AvgLatencyMS,
	)

	return closeErr
}
