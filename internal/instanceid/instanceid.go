// Package instanceid assigns a process-lifetime-unique identifier used to
// tag job claims (§2 C1) so that orphan recovery can distinguish this
// process's in-flight jobs from a crashed predecessor's.
package instanceid

import "github.com/google/uuid"

// ID is a per-process identifier, generated once and reused until exit. It
// is never persisted beyond the job rows that reference it, and it is
// diagnostic only — it is not a distributed lease or leader-election token.
type ID string

// New generates a fresh instance identifier. Called once at process
// startup; callers should hold onto the returned value for the process's
// lifetime rather than calling New repeatedly.
func New() ID {
	return ID(uuid.NewString())
}

func (i ID) String() string {
	return string(i)
}
