package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

type subscriber struct {
	id     string
	policy DropPolicy
	stats  SubscriberStats

	// DropNew
	ch chan<- Event

	// DropOld
	latest *latestEvent
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   uint64
	closed      bool
}

// New creates an empty progress bus
func New() Bus {
	return &bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a channel with the DropNew policy
func (b *bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber{id: id, policy: DropNew, ch: ch}
	return nil
}

// SubscribeDropOld registers a subscriber that only ever sees the newest event
func (b *bus) SubscribeDropOld(id string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	s := &subscriber{id: id, policy: DropOld, latest: newLatestEvent()}
	b.subscribers[id] = s
	return s.latest, nil
}

// Publish stamps ev with a bus-wide sequence number and fans it out
func (b *bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	ev.Seq = atomic.AddUint64(&b.published, 1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, s := range b.subscribers {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- ev:
				atomic.AddUint64(&s.stats.Sent, 1)
			default:
				atomic.AddUint64(&s.stats.Dropped, 1)
			}

		case DropOld:
			if s.latest.set(ev) {
				atomic.AddUint64(&s.stats.Dropped, 1)
			}
			atomic.AddUint64(&s.stats.Sent, 1)
		}
	}
}

// Unsubscribe removes a subscriber. DropNew channels are not closed: the caller owns them.
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}

	delete(b.subscribers, id)
	return nil
}

// Stats returns delivery counters for a subscriber
func (b *bus) Stats(id string) (*SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.subscribers[id]
	if !exists {
		return nil, ErrSubscriberNotFound
	}

	return &SubscriberStats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}, nil
}

// Published returns the number of events published so far
func (b *bus) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}

// Close shuts down the bus and wakes all DropOld receivers
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
}

// latestEvent implements Receiver for the DropOld policy
type latestEvent struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ev     Event
	has    bool
	seen   bool // ev was handed out by Receive
	closed bool
}

func newLatestEvent() *latestEvent {
	l := &latestEvent{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// set stores ev and reports whether an unseen event was overwritten
func (l *latestEvent) set(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	overwrote := l.has && !l.seen
	l.ev = ev
	l.has = true
	l.seen = false
	l.cond.Broadcast()
	return overwrote
}

func (l *latestEvent) Receive() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for (!l.has || l.seen) && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return Event{}, false
	}

	l.seen = true
	return l.ev, true
}

func (l *latestEvent) TryReceive() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.has {
		return Event{}, false
	}
	return l.ev, true
}

func (l *latestEvent) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}
