// Package engine owns transfer records and their lifecycle: admission
// under the concurrency bound, pause/resume with checkpoints, cooperative
// cancellation, priority reordering, and progress accounting.
package engine

import (
	"time"

	"github.com/quintal-io/stevedore/backend"
)

// Status is the lifecycle state of a transfer record.
//
// Transitions: queued→running, running→{completed|failed|cancelled|paused},
// paused→queued (resume), queued→cancelled. Terminal states (completed,
// failed, cancelled) are never left.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transfer is the unit of scheduled work. All fields are owned by the
// scheduler and mutated only under its lock; callers see copies through
// Snapshot.
type Transfer struct {
	ID          string
	Op          backend.Op
	Status      Status
	Sources     []string
	Destination string
	Source      backend.ID
	Dest        backend.ID

	// Priority orders queued records, lower admitted first. Assigned
	// from the clock at enqueue and resume time so default order is
	// FIFO by arrival; mutated only by explicit reordering of queued
	// records.
	Priority int64

	Progress   *backend.Progress
	Checkpoint *backend.Checkpoint
	Password   string
	Error      string
	CreatedAt  time.Time

	speed speedEstimator
}

// Snapshot is a read-only copy of a transfer record handed to callers.
type Snapshot struct {
	ID          string
	Op          backend.Op
	Status      Status
	Sources     []string
	Destination string
	Source      backend.ID
	Dest        backend.ID
	Priority    int64
	Progress    *backend.Progress
	Checkpoint  bool
	Error       string
	CreatedAt   time.Time

	// Rate is the smoothed throughput estimate in bytes per second,
	// zero until enough samples arrived.
	Rate float64
}

func (t *Transfer) snapshot() Snapshot {
	s := Snapshot{
		ID:          t.ID,
		Op:          t.Op,
		Status:      t.Status,
		Sources:     append([]string(nil), t.Sources...),
		Destination: t.Destination,
		Source:      t.Source,
		Dest:        t.Dest,
		Priority:    t.Priority,
		Checkpoint:  t.Checkpoint != nil,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		Rate:        t.speed.value(),
	}
	if t.Progress != nil {
		p := *t.Progress
		s.Progress = &p
	}
	return s
}

// Aggregate is the combined view over all running records.
type Aggregate struct {
	Running int
	// Percent is round(100 × Σbytes_done / Σbytes_total) over running
	// records only; 0 when nothing is running or total bytes is 0.
	Percent int
	// Rate is the summed throughput estimate of running records.
	Rate float64
}
