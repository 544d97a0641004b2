package video

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"gocv.io/x/gocv"
)

// finalizeTimeout bounds how long Close waits for mp4mux to write its index
const finalizeTimeout = 10 * time.Second

// GstSink encodes BGR frames to H.264 in an MP4 container:
//
//	appsrc → videoconvert → x264enc → mp4mux → filesink
type GstSink struct {
	logger   *slog.Logger
	cfg      SinkConfig
	pipeline *gst.Pipeline
	appsrc   *app.Source
	scratch  gocv.Mat

	frameDuration time.Duration
	written       int
}

// OpenGstSink creates the output file and starts the encode pipeline
func OpenGstSink(cfg SinkConfig, logger *slog.Logger) (*GstSink, error) {
	const op = "video.open_sink"

	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.Wrap(types.ErrSinkUnavailable, op, err)
		}
	}

	// x264enc negotiates I420, which needs even dimensions. Write resizes to fit.
	if w, h := evenDim(cfg.Width), evenDim(cfg.Height); w != cfg.Width || h != cfg.Height {
		logger.Debug("gst sink size rounded to even", "requested", describe(cfg.Width, cfg.Height, cfg.FPS), "width", w, "height", h)
		cfg.Width, cfg.Height = w, h
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, types.Wrap(types.ErrSinkUnavailable, op, fmt.Errorf("failed to create pipeline: %w", err))
	}

	appsrc, err := app.NewAppSrc()
	if err != nil {
		return nil, types.Wrap(types.ErrSinkUnavailable, op, fmt.Errorf("failed to create appsrc: %w", err))
	}

	num, den := fpsFraction(cfg.FPS)
	appsrc.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/%d",
		cfg.Width, cfg.Height, num, den,
	)))
	appsrc.SetProperty("format", gst.FormatTime)
	appsrc.SetProperty("block", true)
	appsrc.SetProperty("is-live", false)

	chain := []*gst.Element{appsrc.Element}
	for _, name := range []string{"videoconvert", "x264enc", "mp4mux", "filesink"} {
		el, err := gst.NewElement(name)
		if err != nil {
			return nil, types.Wrap(types.ErrSinkUnavailable, op, fmt.Errorf("failed to create %s: %w", name, err))
		}
		chain = append(chain, el)
	}
	encoder, filesink := chain[2], chain[4]
	encoder.SetProperty("speed-preset", "veryfast")
	filesink.SetProperty("location", cfg.Path)

	pipeline.AddMany(chain...)
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, types.Wrap(types.ErrSinkUnavailable, op, fmt.Errorf("failed to link pipeline: %w", err))
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, types.Wrap(types.ErrSinkUnavailable, op, fmt.Errorf("failed to start pipeline: %w", err))
	}

	logger.Debug("gst sink opened",
		"path", cfg.Path,
		"format", describe(cfg.Width, cfg.Height, cfg.FPS),
	)

	return &GstSink{
		logger:        logger,
		cfg:           cfg,
		pipeline:      pipeline,
		appsrc:        appsrc,
		scratch:       gocv.NewMat(),
		frameDuration: time.Duration(float64(time.Second) / cfg.FPS),
	}, nil
}

// Write pushes one frame with a timestamp derived from its position and the sink rate
func (s *GstSink) Write(img gocv.Mat) error {
	if s.pipeline == nil {
		return fmt.Errorf("video: write to closed sink %s", s.cfg.Path)
	}
	if err := s.pendingError(); err != nil {
		return err
	}

	frame := fitTo(img, &s.scratch, s.cfg.Width, s.cfg.Height)
	buffer := gst.NewBufferFromBytes(stridedBGR(frame))
	buffer.SetPresentationTimestamp(time.Duration(s.written) * s.frameDuration)
	buffer.SetDuration(s.frameDuration)

	if ret := s.appsrc.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("video: push frame %d: flow %s", s.written+1, ret)
	}
	s.written++
	return nil
}

func (s *GstSink) pendingError() error {
	bus := s.pipeline.GetPipelineBus()
	for msg := bus.TimedPop(0); msg != nil; msg = bus.TimedPop(0) {
		if msg.Type() == gst.MessageError {
			return fmt.Errorf("video: encode %s: %w", s.cfg.Path, gstError(msg.ParseError()))
		}
	}
	return nil
}

func (s *GstSink) Path() string { return s.cfg.Path }

// evenDim rounds n down to an even size of at least 2
func evenDim(n int) int {
	if n < 2 {
		return 2
	}
	return n &^ 1
}

// Written returns the number of frames pushed so far
func (s *GstSink) Written() int { return s.written }

// Close sends end-of-stream and waits for the muxer to finalize the file
func (s *GstSink) Close() error {
	if s.pipeline == nil {
		return nil
	}
	defer func() {
		s.pipeline.SetState(gst.StateNull)
		s.pipeline = nil
		s.scratch.Close()
	}()

	s.appsrc.EndStream()

	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(finalizeTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Debug("gst sink finalized", "path", s.cfg.Path, "frames", s.written)
			return nil
		case gst.MessageError:
			return fmt.Errorf("video: finalize %s: %w", s.cfg.Path, gstError(msg.ParseError()))
		}
	}

	s.logger.Warn("gst sink: EOS not reached before timeout",
		"path", s.cfg.Path,
		"timeout", finalizeTimeout,
	)
	return fmt.Errorf("video: finalize %s: timed out after %v", s.cfg.Path, finalizeTimeout)
}

// fpsFraction expresses fps as a reduced fraction with millihertz precision
func fpsFraction(fps float64) (int, int) {
	num := int(math.Round(fps * 1000))
	den := 1000
	if g := gcd(num, den); g > 1 {
		num, den = num/g, den/g
	}
	return num, den
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
