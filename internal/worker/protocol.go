package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message (a 4K RGB frame is ~25MB)
const maxMessageSize = 64 << 20

// poseRequest is sent to the worker on stdin, one per frame
type poseRequest struct {
	FrameData []byte      `msgpack:"frame_data"` // raw RGB24, row-major
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Format    string      `msgpack:"format"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	WorkerID string `msgpack:"worker_id"`
	Seq      uint64 `msgpack:"seq"`
	Frame    int    `msgpack:"frame"`
}

// poseResponse is read from the worker's stdout, one per request.
// Landmarks is empty when no pose was found.
type poseResponse struct {
	Seq       uint64             `msgpack:"seq"`
	Landmarks []types.Landmark   `msgpack:"landmarks"`
	Timing    map[string]float64 `msgpack:"timing"`
	Error     string             `msgpack:"error"`
}

// writeMessage encodes v as msgpack behind a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
// A clean end of stream before the prefix is returned as io.EOF.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
