package domain

import (
	"context"
	"fmt"
	"time"
)

// Field keys accepted by CompareAndTransition. They double as the JSON keys
// of Task and the column names of the SQL backend.
const (
	FieldAcceptedBy      = "accepted_by"
	FieldAcceptedAt      = "accepted_at"
	FieldStartedAt       = "started_at"
	FieldCompletedAt     = "completed_at"
	FieldWorkerCompleted = "worker_completed"
)

// TaskRepository is the system-of-record contract for tasks. The dispatch
// core treats it as the authority for the accept race: CompareAndTransition
// is the single atomic primitive every guarded status write goes through.
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)

	// Delete removes a task. Callers only invoke it while the task is
	// still OPEN/SEARCHING; there is no history to preserve.
	Delete(ctx context.Context, id string) error

	// CompareAndTransition atomically moves the task to next iff its
	// current status is one of expected, applying fields in the same
	// indivisible write. Exactly one of N concurrent callers observes
	// success; the rest get ErrTaskNotAvailable. A missing task yields
	// ErrTaskNotFound. Any other error is a transient infrastructure
	// failure and leaves the task untouched. The hidden flag is ignored:
	// hidden tasks keep their state machine, and visibility guards belong
	// to the callers that need them.
	CompareAndTransition(ctx context.Context, id string, expected []TaskStatus, next TaskStatus, fields map[string]any) (*Task, error)

	// SetLastAlerted records the broadcast cooldown timestamp. Plain
	// write, no status predicate.
	SetLastAlerted(ctx context.Context, id string, at time.Time) error

	// SetHidden flips the moderation flag without touching the state
	// machine.
	SetHidden(ctx context.Context, id string, hidden bool) error

	// WorkerHasActiveTask reports whether the worker currently holds a
	// task in ACCEPTED or IN_PROGRESS.
	WorkerHasActiveTask(ctx context.Context, workerID string) (bool, error)

	// ListOverdueAccepted returns tasks in ACCEPTED whose acceptedAt is
	// before cutoff and whose startedAt is unset. The reclaim sweep's
	// query.
	ListOverdueAccepted(ctx context.Context, cutoff time.Time) ([]*Task, error)
}

// applyTransition is shared by backends that materialize the write from the
// in-memory record (etcd, test fakes). The SQL backend maps fields straight
// to columns instead.
func (t *Task) applyTransition(next TaskStatus, fields map[string]any) error {
	t.Status = next
	for key, val := range fields {
		switch key {
		case FieldAcceptedBy:
			s, ok := val.(string)
			if !ok && val != nil {
				return fmt.Errorf("field %s: expected string, got %T", key, val)
			}
			t.AcceptedBy = s
		case FieldAcceptedAt:
			ts, err := fieldTime(key, val)
			if err != nil {
				return err
			}
			t.AcceptedAt = ts
		case FieldStartedAt:
			ts, err := fieldTime(key, val)
			if err != nil {
				return err
			}
			t.StartedAt = ts
		case FieldCompletedAt:
			ts, err := fieldTime(key, val)
			if err != nil {
				return err
			}
			t.CompletedAt = ts
		case FieldWorkerCompleted:
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("field %s: expected bool, got %T", key, val)
			}
			t.WorkerCompleted = b
		default:
			return fmt.Errorf("unknown transition field %q", key)
		}
	}
	t.UpdatedAt = time.Now()
	return nil
}

// ApplyTransition mutates the task for backends that write whole records.
func (t *Task) ApplyTransition(next TaskStatus, fields map[string]any) error {
	return t.applyTransition(next, fields)
}

func fieldTime(key string, val any) (*time.Time, error) {
	if val == nil {
		return nil, nil
	}
	switch v := val.(type) {
	case time.Time:
		return &v, nil
	case *time.Time:
		return v, nil
	}
	return nil, fmt.Errorf("field %s: expected time, got %T", key, val)
}

// WorkerStats carries the counters the acceptance protocol maintains about a
// worker's behavior.
type WorkerStats struct {
	WorkerID     string `json:"worker_id"`
	DailyCancels int    `json:"daily_cancels"`
	NoShows      int    `json:"no_shows"`
}

// WorkerStatsRepository persists per-worker counters. Daily cancel counts
// are keyed by local calendar day so they reset at local midnight without a
// sweeper.
type WorkerStatsRepository interface {
	IncrCancelCount(ctx context.Context, workerID string, day string) (int, error)
	CancelCount(ctx context.Context, workerID string, day string) (int, error)
	IncrNoShowCount(ctx context.Context, workerID string) (int, error)
	Stats(ctx context.Context, workerID string, day string) (*WorkerStats, error)
}

// DayKey formats the local-calendar-day key used for cancel counters.
func DayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
