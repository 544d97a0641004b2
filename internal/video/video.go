// Package video adapts decodable containers to a sequential frame source
// and re-encodable containers to an ordered frame sink.
//
// Two backends are available: gocv (OpenCV VideoCapture/VideoWriter) and
// gst (GStreamer decodebin/appsink and appsrc/x264enc/mp4mux). Both hand
// out BGR gocv.Mat frames.
package video

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"gocv.io/x/gocv"
)

// DefaultFPS is used for output containers when the source reports no usable rate
const DefaultFPS = 30.0

// Frame is one decoded BGR frame. The receiver owns Mat and must Close it.
type Frame struct {
	Mat gocv.Mat
	// Index is the container's reported position right after this frame was read
	Index int
}

// Source reads frames sequentially from a container
type Source interface {
	// Read returns the next frame, or io.EOF at end of stream
	Read() (Frame, error)
	Width() int
	Height() int
	// FPS may be 0 or non-finite for malformed containers
	FPS() float64
	FrameCount() int
	Close() error
}

// Sink encodes frames in order. The file is only guaranteed playable after Close.
type Sink interface {
	Write(img gocv.Mat) error
	Path() string
	Close() error
}

// SinkConfig describes the output container
type SinkConfig struct {
	Path   string
	Width  int
	Height int
	FPS    float64
	Codec  string // fourcc, gocv backend only
}

// OpenSource opens path with the selected backend.
// Failures match types.ErrSourceUnavailable.
func OpenSource(backend, path string, logger *slog.Logger) (Source, error) {
	switch backend {
	case config.BackendGst:
		return OpenGstSource(path, logger)
	case config.BackendGoCV, "":
		return OpenCaptureSource(path)
	default:
		return nil, types.Errorf(types.ErrSourceUnavailable, "video.open_source", "unknown backend %q", backend)
	}
}

// OpenSink creates the output container with the selected backend.
// Failures match types.ErrSinkUnavailable.
func OpenSink(backend string, cfg SinkConfig, logger *slog.Logger) (Sink, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, types.Errorf(types.ErrSinkUnavailable, "video.open_sink", "invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if !UsableFPS(cfg.FPS) {
		cfg.FPS = DefaultFPS
	}

	switch backend {
	case config.BackendGst:
		return OpenGstSink(cfg, logger)
	case config.BackendGoCV, "":
		return OpenWriterSink(cfg)
	default:
		return nil, types.Errorf(types.ErrSinkUnavailable, "video.open_sink", "unknown backend %q", backend)
	}
}

// UsableFPS reports whether fps can be used as a frame rate and deadline base
func UsableFPS(fps float64) bool {
	return fps > 0 && !math.IsNaN(fps) && !math.IsInf(fps, 0)
}

// ScaledSize applies a uniform scale factor, never returning a zero dimension
func ScaledSize(width, height int, scale float64) (int, int) {
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	return max(w, 1), max(h, 1)
}

// fitTo returns img unchanged when it already has the given size,
// otherwise a resized copy in scratch.
func fitTo(img gocv.Mat, scratch *gocv.Mat, width, height int) gocv.Mat {
	if img.Cols() == width && img.Rows() == height {
		return img
	}
	gocv.Resize(img, scratch, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	return *scratch
}

func describe(w, h int, fps float64) string {
	return fmt.Sprintf("%dx%d@%.2f", w, h, fps)
}
