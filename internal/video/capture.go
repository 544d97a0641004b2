package video

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"gocv.io/x/gocv"
)

// CaptureSource reads frames through OpenCV's VideoCapture
type CaptureSource struct {
	cap    *gocv.VideoCapture
	path   string
	width  int
	height int
	fps    float64
	count  int
	read   int
}

// OpenCaptureSource opens a video file for sequential reading
func OpenCaptureSource(path string) (*CaptureSource, error) {
	const op = "video.open_source"

	info, err := os.Stat(path)
	if err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, types.Errorf(types.ErrSourceUnavailable, op, "%s is not a video file", path)
	}

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, types.Errorf(types.ErrSourceUnavailable, op, "cannot open %s", path)
	}

	s := &CaptureSource{
		cap:    vc,
		path:   path,
		width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
		fps:    vc.Get(gocv.VideoCaptureFPS),
		count:  int(vc.Get(gocv.VideoCaptureFrameCount)),
	}
	if s.width <= 0 || s.height <= 0 {
		vc.Close()
		return nil, types.Errorf(types.ErrSourceUnavailable, op, "%s reports no frame size", path)
	}

	return s, nil
}

// Read returns the next frame, or io.EOF when the container is exhausted
func (s *CaptureSource) Read() (Frame, error) {
	mat := gocv.NewMat()
	if ok := s.cap.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return Frame{}, io.EOF
	}
	s.read++

	// POS_FRAMES points past the frame just decoded
	index := int(s.cap.Get(gocv.VideoCapturePosFrames))
	if index <= 0 {
		index = s.read
	}

	return Frame{Mat: mat, Index: index}, nil
}

func (s *CaptureSource) Width() int      { return s.width }
func (s *CaptureSource) Height() int     { return s.height }
func (s *CaptureSource) FPS() float64    { return s.fps }
func (s *CaptureSource) FrameCount() int { return s.count }

// Close releases the capture handle
func (s *CaptureSource) Close() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	if err != nil {
		return fmt.Errorf("video: close capture %s: %w", s.path, err)
	}
	return nil
}

// WriterSink encodes frames through OpenCV's VideoWriter
type WriterSink struct {
	vw      *gocv.VideoWriter
	cfg     SinkConfig
	scratch gocv.Mat
	written int
}

// OpenWriterSink creates the output file, including missing parent directories
func OpenWriterSink(cfg SinkConfig) (*WriterSink, error) {
	const op = "video.open_sink"

	if cfg.Codec == "" {
		cfg.Codec = "mp4v"
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.Wrap(types.ErrSinkUnavailable, op, err)
		}
	}

	vw, err := gocv.VideoWriterFile(cfg.Path, cfg.Codec, cfg.FPS, cfg.Width, cfg.Height, true)
	if err != nil {
		return nil, types.Wrap(types.ErrSinkUnavailable, op, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, types.Errorf(types.ErrSinkUnavailable, op, "codec %s cannot write %s (%s)",
			cfg.Codec, cfg.Path, describe(cfg.Width, cfg.Height, cfg.FPS))
	}

	return &WriterSink{vw: vw, cfg: cfg, scratch: gocv.NewMat()}, nil
}

// Write appends one frame, resizing it to the container size if needed
func (s *WriterSink) Write(img gocv.Mat) error {
	if s.vw == nil {
		return fmt.Errorf("video: write to closed sink %s", s.cfg.Path)
	}
	if err := s.vw.Write(fitTo(img, &s.scratch, s.cfg.Width, s.cfg.Height)); err != nil {
		return fmt.Errorf("video: write frame %d: %w", s.written+1, err)
	}
	s.written++
	return nil
}

func (s *WriterSink) Path() string { return s.cfg.Path }

// Written returns the number of frames encoded so far
func (s *WriterSink) Written() int { return s.written }

// Close finalizes the container
func (s *WriterSink) Close() error {
	if s.vw == nil {
		return nil
	}
	s.scratch.Close()
	err := s.vw.Close()
	s.vw = nil
	if err != nil {
		return fmt.Errorf("video: finalize %s: %w", s.cfg.Path, err)
	}
	return nil
}
