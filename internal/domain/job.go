// Package domain holds the persistent types shared by the job queue and
// key rotation subsystems: jobs, their state machine, and the key record.
package domain

import "time"

// Status is the lifecycle state of a Job. See the state machine in §4.2
// of the design: pending -> running -> {completed, failed, cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ExecutionMode governs whether a job participates in the
// one-active-job-per-reference uniqueness invariant (I1).
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeConcurrent ExecutionMode = "concurrent"
)

// Job is the persistent unit of work dispatched by the processor.
//
// Invariants (enforced exclusively by queue.Service, never by callers):
//   - I1: at most one job with Status in {pending, running} and
//     Mode=sequential exists per (ReferenceType, ReferenceID).
//   - I2: Status == running iff ProcessInstanceID != "" and StartedAt != nil.
//   - I3: terminal statuses always have CompletedAt set.
//   - I4: RetryCount <= MaxRetries.
//   - I5: CancelledAt is write-once; once set it is never cleared.
type Job struct {
	ID                string
	Type              string
	Status            Status
	Mode              ExecutionMode
	Payload           []byte // opaque; encrypted at rest when a provider is configured
	Result            []byte // opaque; handler result, failure detail, or cancel reason
	ProcessInstanceID string
	RetryCount        int
	MaxRetries        int
	Priority          int
	ReferenceType     string
	ReferenceID       string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      string
}

// HasReference reports whether the job names an external (type, id) pair
// subject to the uniqueness invariant.
func (j *Job) HasReference() bool {
	return j.ReferenceType != "" && j.ReferenceID != ""
}

// NewJob is the constructor used by queue.Service.Enqueue to build a job
// in its initial pending state. ID and CreatedAt are assigned by the caller
// immediately before insertion so that ordering ties break on insertion order.
type NewJob struct {
	Type          string
	Mode          ExecutionMode
	Payload       []byte
	MaxRetries    int
	Priority      int
	ReferenceType string
	ReferenceID   string
}

// CancellationStatus is the read-only projection returned by
// queue.Service.GetCancellationStatus.
type CancellationStatus struct {
	CancelledAt time.Time
	Reason      string
}

// JobCounts summarizes queue depth for monitoring. Only non-terminal rows
// are counted because terminal rows are deleted immediately (§4.1/§4.2).
type JobCounts struct {
	Pending int
	Running int
}
