package video

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"gocv.io/x/gocv"
)

// prerollTimeout bounds how long opening a file may take to produce its first frame
const prerollTimeout = 10 * time.Second

var (
	capsWidth     = regexp.MustCompile(`width=\(int\)(\d+)`)
	capsHeight    = regexp.MustCompile(`height=\(int\)(\d+)`)
	capsFramerate = regexp.MustCompile(`framerate=\(fraction\)(\d+)/(\d+)`)
)

// GstSource decodes a file through GStreamer:
//
//	filesrc → decodebin → videoconvert → capsfilter(BGR) → appsink
//
// appsink does not expose the container position, so Frame.Index is a running count.
type GstSource struct {
	logger   *slog.Logger
	path     string
	pipeline *gst.Pipeline
	appsink  *app.Sink

	width  int
	height int
	fps    float64
	count  int
	read   int
}

// OpenGstSource builds the decode pipeline and prerolls it to learn the frame geometry
func OpenGstSource(path string, logger *slog.Logger) (*GstSource, error) {
	const op = "video.open_source"

	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, err)
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, fmt.Errorf("failed to create pipeline: %w", err))
	}

	elements := make(map[string]*gst.Element)
	for _, name := range []string{"filesrc", "decodebin", "videoconvert", "capsfilter"} {
		el, err := gst.NewElement(name)
		if err != nil {
			return nil, types.Wrap(types.ErrSourceUnavailable, op, fmt.Errorf("failed to create %s: %w", name, err))
		}
		elements[name] = el
	}
	elements["filesrc"].SetProperty("location", path)
	elements["capsfilter"].SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=BGR"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, fmt.Errorf("failed to create appsink: %w", err))
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 8)
	appsink.SetProperty("drop", false) // every decoded frame must reach the pipeline

	pipeline.AddMany(elements["filesrc"], elements["decodebin"], elements["videoconvert"], elements["capsfilter"], appsink.Element)

	if err := elements["filesrc"].Link(elements["decodebin"]); err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, fmt.Errorf("failed to link filesrc: %w", err))
	}
	if err := gst.ElementLinkMany(elements["videoconvert"], elements["capsfilter"], appsink.Element); err != nil {
		return nil, types.Wrap(types.ErrSourceUnavailable, op, fmt.Errorf("failed to link pipeline: %w", err))
	}

	convert := elements["videoconvert"]
	elements["decodebin"].Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		onDecodedPad(logger, srcPad, convert)
	})

	s := &GstSource{logger: logger, path: path, pipeline: pipeline, appsink: appsink}

	if err := s.preroll(); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, types.Wrap(types.ErrSourceUnavailable, op, err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, types.Wrap(types.ErrSourceUnavailable, op, fmt.Errorf("failed to start pipeline: %w", err))
	}

	logger.Debug("gst source opened",
		"path", path,
		"format", describe(s.width, s.height, s.fps),
		"frame_count", s.count,
	)
	return s, nil
}

// onDecodedPad links the first video pad decodebin exposes; audio pads stay unlinked
func onDecodedPad(logger *slog.Logger, srcPad *gst.Pad, convert *gst.Element) {
	caps := srcPad.GetCurrentCaps()
	if caps == nil || !strings.HasPrefix(caps.String(), "video/") {
		logger.Debug("gst source: ignoring non-video pad", "pad", srcPad.GetName())
		return
	}

	sinkPad := convert.GetStaticPad("sink")
	if sinkPad == nil || sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		logger.Error("gst source: failed to link decoded pad",
			"src_pad", srcPad.GetName(),
			"ret", ret,
		)
	}
}

// preroll pauses the pipeline until the first frame is ready and reads its caps
func (s *GstSource) preroll() error {
	if err := s.pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("failed to pause pipeline: %w", err)
	}

	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(prerollTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			return gstError(msg.ParseError())
		case gst.MessageAsyncDone:
			sample := s.appsink.PullPreroll()
			if sample == nil {
				return fmt.Errorf("no video stream in %s", s.path)
			}
			return s.readCaps(sample.GetCaps().String())
		case gst.MessageEOS:
			return fmt.Errorf("%s contains no frames", s.path)
		}
	}
	return fmt.Errorf("preroll timed out after %v", prerollTimeout)
}

func (s *GstSource) readCaps(caps string) error {
	s.width = capsInt(capsWidth, caps)
	s.height = capsInt(capsHeight, caps)
	if s.width <= 0 || s.height <= 0 {
		return fmt.Errorf("unexpected caps %q", caps)
	}

	if m := capsFramerate.FindStringSubmatch(caps); m != nil {
		num, _ := strconv.ParseFloat(m[1], 64)
		den, _ := strconv.ParseFloat(m[2], 64)
		if den > 0 {
			s.fps = num / den
		}
	}

	if ok, dur := s.pipeline.QueryDuration(gst.FormatTime); ok && dur > 0 && UsableFPS(s.fps) {
		s.count = int(math.Round(time.Duration(dur).Seconds() * s.fps))
	}
	return nil
}

func capsInt(re *regexp.Regexp, caps string) int {
	m := re.FindStringSubmatch(caps)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Read pulls the next decoded frame. A pipeline error surfaces here instead of io.EOF.
func (s *GstSource) Read() (Frame, error) {
	sample := s.appsink.PullSample()
	if sample == nil {
		if err := s.pendingError(); err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return Frame{}, fmt.Errorf("video: sample without buffer at frame %d", s.read+1)
	}

	mapInfo := buffer.Map(gst.MapRead)
	mat, err := matFromBGR(mapInfo.Bytes(), s.width, s.height)
	buffer.Unmap()
	if err != nil {
		return Frame{}, fmt.Errorf("video: frame %d: %w", s.read+1, err)
	}

	s.read++
	return Frame{Mat: mat, Index: s.read}, nil
}

// pendingError drains the bus without blocking and returns the first error message
func (s *GstSource) pendingError() error {
	bus := s.pipeline.GetPipelineBus()
	for msg := bus.TimedPop(0); msg != nil; msg = bus.TimedPop(0) {
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			s.logger.Error("gst source: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", ClassifyGStreamerError(gerr).String(),
				"path", s.path,
				"frames_read", s.read,
			)
			return gstError(gerr)
		}
	}
	return nil
}

func (s *GstSource) Width() int      { return s.width }
func (s *GstSource) Height() int     { return s.height }
func (s *GstSource) FPS() float64    { return s.fps }
func (s *GstSource) FrameCount() int { return s.count }

// Close stops the pipeline and releases its resources
func (s *GstSource) Close() error {
	if s.pipeline == nil {
		return nil
	}
	err := s.pipeline.SetState(gst.StateNull)
	s.pipeline = nil
	if err != nil {
		return fmt.Errorf("video: stop gst source: %w", err)
	}
	return nil
}

func gstError(gerr *gst.GError) error {
	if gerr == nil {
		return fmt.Errorf("gstreamer: unknown error")
	}
	return fmt.Errorf("gstreamer [%s]: %s", ClassifyGStreamerError(gerr), gerr.Error())
}

// matFromBGR copies a BGR buffer into a new Mat, dropping GStreamer's 4-byte row padding
func matFromBGR(data []byte, width, height int) (gocv.Mat, error) {
	rowBytes := width * 3
	if height <= 0 || len(data) < rowBytes*height {
		return gocv.Mat{}, fmt.Errorf("buffer of %d bytes too small for %dx%d BGR", len(data), width, height)
	}

	packed := make([]byte, rowBytes*height)
	stride := len(data) / height
	if stride == rowBytes {
		copy(packed, data)
	} else {
		for y := 0; y < height; y++ {
			copy(packed[y*rowBytes:(y+1)*rowBytes], data[y*stride:y*stride+rowBytes])
		}
	}

	view, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, packed)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer view.Close()
	return view.Clone(), nil
}

// stridedBGR lays out a packed BGR Mat with rows padded to 4 bytes as raw video caps expect
func stridedBGR(img gocv.Mat) []byte {
	data := img.ToBytes()
	rowBytes := img.Cols() * 3
	stride := (rowBytes + 3) &^ 3
	if stride == rowBytes {
		return data
	}

	out := make([]byte, stride*img.Rows())
	for y := 0; y < img.Rows(); y++ {
		copy(out[y*stride:], data[y*rowBytes:(y+1)*rowBytes])
	}
	return out
}
