package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sgu731/studycap/internal/protocol"
)

// Notifier receives session events. Implementations must not block.
type Notifier interface {
	Notify(protocol.SessionEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(protocol.SessionEvent)

func (f NotifierFunc) Notify(ev protocol.SessionEvent) { f(ev) }

// MultiNotifier fans events out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ev protocol.SessionEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// AsyncNotifier delivers events to next from its own goroutine, in order, so
// slow sinks never hold up the controller loop. When the buffer is full tick
// and interim events are dropped; other events wait for room.
type AsyncNotifier struct {
	next   Notifier
	events chan protocol.SessionEvent
	done   chan struct{}
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsyncNotifier(next Notifier, buffer int, logger *slog.Logger) *AsyncNotifier {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &AsyncNotifier{
		next:   next,
		events: make(chan protocol.SessionEvent, buffer),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "session-events")),
	}
	go n.run()
	return n
}

func (n *AsyncNotifier) Notify(ev protocol.SessionEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
		return
	default:
	}
	if ev.Type == protocol.EventTick || ev.Type == protocol.EventInterim {
		if dropped := n.dropped.Add(1); dropped%100 == 1 {
			n.logger.Warn("session events dropped", slog.Int64("dropped", dropped))
		}
		return
	}
	n.events <- ev
}

// Dropped returns the number of tick and interim events lost to a full buffer.
func (n *AsyncNotifier) Dropped() int64 { return n.dropped.Load() }

// Close delivers every queued event and stops the goroutine.
func (n *AsyncNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()
	<-n.done
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for ev := range n.events {
		n.next.Notify(ev)
	}
}

// Uploader persists a finished recording.
type Uploader interface {
	Upload(ctx context.Context, rec protocol.RecordingUpload) (protocol.UploadAck, error)
}
