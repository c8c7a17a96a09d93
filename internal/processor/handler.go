package processor

import (
	"context"

	"github.com/devhollow/taskqueue/internal/cancellation"
)

// Handler processes one job and returns its result payload, or an error.
// Handlers are keyed by job type in a process-local registry (§4.3, §9
// "Polymorphism": a registry of function values rather than subclassing).
// A handler observes cancellation via token — isCancelled, whenCancelled,
// or throwIfCancelled — and is expected to cooperate rather than be killed.
type Handler func(ctx context.Context, job HandlerJob, token *cancellation.Token) ([]byte, error)

// HandlerJob is the read-only view of a job passed to handlers, avoiding a
// direct dependency from handler authors on the full persistent domain.Job.
type HandlerJob struct {
	ID            string
	Type          string
	Payload       []byte
	RetryCount    int
	MaxRetries    int
	Priority      int
	ReferenceType string
	ReferenceID   string
}
