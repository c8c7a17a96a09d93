// Package cancellation implements the cooperative-cancellation carrier
// object passed to job handlers (§2 C4, §4.5).
package cancellation

import (
	"sync"
	"sync/atomic"

	"github.com/devhollow/taskqueue/internal/domain"
)

// Token is handed to every job handler invocation. It is single-shot: the
// first call to its private cancel function wins, and later calls are
// no-ops that preserve the original reason.
type Token struct {
	done      chan struct{}
	closeOnce sync.Once
	cancelled atomic.Bool
	mu        sync.Mutex
	reason    string
}

// New creates a Token together with its cancel function. The cancel
// function is intentionally not a method on Token: only the caller that
// receives it (processor.Service) may trigger cancellation, while the
// handler that receives the Token can only observe it.
func New() (*Token, func(reason string)) {
	t := &Token{done: make(chan struct{})}
	return t, t.cancel
}

func (t *Token) cancel(reason string) {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	t.reason = reason
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
}

// IsCancelled reports whether cancellation has been requested.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Reason returns the reason passed to the first cancel call, or "" if the
// token has not been cancelled.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// WhenCancelled returns a channel that is closed the moment cancellation
// occurs, suitable for use in a select alongside other blocking work.
func (t *Token) WhenCancelled() <-chan struct{} {
	return t.done
}

// ThrowIfCancelled returns a *domain.CancellationSignal carrying the
// cancellation reason if the token has been cancelled, or nil otherwise.
// Handlers call this at cooperative checkpoints instead of polling
// IsCancelled when they want cancellation to unwind control flow.
func (t *Token) ThrowIfCancelled() error {
	if !t.IsCancelled() {
		return nil
	}
	return &domain.CancellationSignal{Reason: t.Reason()}
}
