package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler consumes one event. Handlers run on the bus goroutine and must
// not block.
type Handler func(*Event)

type subscription struct {
	id      string
	typ     Type
	handler Handler
}

// Bus fans kernel events out to subscribers. Publish never blocks the
// caller: when the queue is full the event is dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	queue   chan *Event
	stopCh  chan struct{}
	running bool

	published int64
	dropped   int64
}

// NewBus creates a bus with the given queue depth.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = 1024
	}
	return &Bus{queue: make(chan *Event, depth)}
}

// Subscribe registers a handler for one event type, or for every event
// when typ is empty. The id names the subscriber for Unsubscribe.
func (b *Bus) Subscribe(id string, typ Type, h Handler) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{id: id, typ: typ, handler: h})
	return b
}

// Unsubscribe removes every subscription registered under id.
func (b *Bus) Unsubscribe(id string) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	b.subs = kept
	return b
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.queue <- ev:
		atomic.AddInt64(&b.published, 1)
	default:
		atomic.AddInt64(&b.dropped, 1)
	}
}

// Start begins delivering queued events.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()
	go b.loop()
}

// Stop halts delivery. Queued events remain for the next Start.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
}

func (b *Bus) loop() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopCh:
			return
		}
	}
}

// Drain synchronously delivers everything currently queued. For tests and
// shutdown paths where the loop is not running.
func (b *Bus) Drain() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev *Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.typ != "" && s.typ != ev.Type {
			continue
		}
		s.handler(ev)
	}
}

// Stats reports publish and drop counters.
func (b *Bus) Stats() (published, dropped int64) {
	return atomic.LoadInt64(&b.published), atomic.LoadInt64(&b.dropped)
}

// LogSink subscribes a structured-log sink that records every event.
func LogSink(b *Bus, logger *slog.Logger) {
	b.Subscribe("log-sink", "", func(ev *Event) {
		logger.Info("kernel event",
			"type", ev.Type,
			"case_id", ev.CaseID,
			"task_id", ev.TaskID,
			"instance_id", ev.InstanceID,
			"seq", ev.Seq,
		)
	})
}
