package video

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer pipeline errors for logging
type ErrorCategory int

const (
	// ErrCategoryResource: file missing, unreadable or unwritable
	ErrCategoryResource ErrorCategory = iota
	// ErrCategoryCodec: demux, decode, encode or caps negotiation failures
	ErrCategoryCodec
	// ErrCategoryNetwork: remote locations that could not be reached
	ErrCategoryNetwork
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// Most specific first
	{ErrCategoryResource, []string{
		"resource not found", "no such file", "could not open", "could not read",
		"could not write", "permission denied", "no space left",
	}},
	{ErrCategoryCodec, []string{
		"codec", "decode", "encode", "demux", "format", "negotiation", "not negotiated",
		"caps", "h264", "h265", "no decoder", "missing plugin", "stream type",
	}},
	{ErrCategoryNetwork, []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket",
		"could not connect", "failed to connect",
	}},
}

// ClassifyGStreamerError categorizes an error message by keyword.
// go-gst's GError does not expose the domain, so matching is string based.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyMessage(gerr.Error(), gerr.DebugString())
}

func classifyMessage(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
