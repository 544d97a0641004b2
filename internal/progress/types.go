package progress

import (
	"errors"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
)

var (
	ErrBusClosed          = errors.New("progress: bus is closed")
	ErrSubscriberExists   = errors.New("progress: subscriber already exists")
	ErrSubscriberNotFound = errors.New("progress: subscriber not found")
	ErrNilChannel         = errors.New("progress: nil channel provided")
)

// DropPolicy defines how the bus handles events when a subscriber cannot keep up
type DropPolicy int

const (
	// DropNew discards the incoming event when the subscriber channel is full
	DropNew DropPolicy = iota
	// DropOld keeps only the most recent event per subscriber
	DropOld
)

// Kind identifies what happened in a run
type Kind string

const (
	KindQueued       Kind = "queued"
	KindStarted      Kind = "started"
	KindFrame        Kind = "frame"
	KindLandmarks    Kind = "landmarks"
	KindFlush        Kind = "flush"
	KindDeadlineMiss Kind = "deadline_miss"
	KindCompleted    Kind = "completed"
	KindFailed       Kind = "failed"
)

// Terminal reports whether no further events follow for the run.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// Event is one progress notification of a pipeline run
type Event struct {
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// Frame is the source frame position the event refers to
	Frame           int `json:"frame,omitempty"`
	FramesRead      int `json:"frames_read,omitempty"`
	ProcessedFrames int `json:"processed_frames,omitempty"`
	TotalFrames     int `json:"total_frames,omitempty"` // as reported by the container

	ElapsedMS float64 `json:"elapsed_ms,omitempty"`
	BudgetMS  float64 `json:"budget_ms,omitempty"`
	Records   int     `json:"records,omitempty"`

	Landmarks *types.LandmarkSet `json:"landmarks,omitempty"`
	Summary   *types.RunSummary  `json:"summary,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Receiver provides blocking and non-blocking access to the latest event
type Receiver interface {
	// Receive blocks until an event newer than the last received one exists.
	// It returns false once the receiver is closed.
	Receive() (Event, bool)
	TryReceive() (Event, bool)
	Close()
}

// SubscriberStats tracks event distribution per subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Publisher is the write side of the bus, the only part a run needs
type Publisher interface {
	Publish(ev Event)
}

// Bus distributes run events to multiple subscribers.
// Publish never blocks.
type Bus interface {
	Publisher
	Subscribe(id string, ch chan<- Event) error
	SubscribeDropOld(id string) (Receiver, error)
	Unsubscribe(id string) error
	Stats(id string) (*SubscriberStats, error)
	Published() uint64
	Close()
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
