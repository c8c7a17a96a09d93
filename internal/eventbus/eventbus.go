// Package eventbus implements the in-process, synchronous pub/sub channel
// described in §2 C3 and §6.2: typed events, unsubscribe handles, and
// subscriber fan-out that is safe against mid-delivery subscribe/unsubscribe.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/devhollow/taskqueue/internal/domain"
)

// Type identifies one of the five events the queue/processor subsystem
// publishes (§6.2).
type Type string

const (
	JobEnqueued              Type = "job.enqueued"
	JobCompleted             Type = "job.completed"
	JobFailed                Type = "job.failed"
	JobCancelled             Type = "job.cancelled"
	JobCancellationRequested Type = "job.cancellation_requested"
)

// Event is the payload delivered to subscribers. For the three terminal
// event types (Completed/Failed/Cancelled) Job carries the full terminal
// state, since the row backing it is deleted immediately after
// publication (§4.1) — the event is the only place that state is ever
// observable again (P5).
type Event struct {
	Type   Type
	JobID  string
	Job    *domain.Job
	Reason string
}

// Handler receives one event. It runs synchronously on the publisher's
// goroutine, so handlers that might block should hand off to their own
// goroutine.
type Handler func(Event)

// Unsubscribe removes a previously registered handler. Calling it more
// than once is a no-op.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed, in-process event bus. The zero value is not usable; use
// New. A Bus is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[Type][]*subscription
	nextID uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]*subscription)}
}

// Subscribe registers h to run for every event of type t, returning a
// handle that removes the registration. Multiple subscribers per type and
// per job id are allowed; delivery order within one Publish call matches
// subscription order.
func (b *Bus) Subscribe(t Type, h Handler) Unsubscribe {
	id := atomic.AddUint64(&b.nextID, 1)
	sub := &subscription{id: id, handler: h}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[t]
			for i, s := range list {
				if s.id == id {
					b.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish fans e out to every subscriber of e.Type, synchronously, on the
// calling goroutine. The subscriber list is copied before iteration so a
// handler that subscribes or unsubscribes during delivery never races with
// the in-flight fan-out (see design notes on subscriber fan-out).
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	list := b.subs[e.Type]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.handler(e)
	}
}
