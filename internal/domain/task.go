package domain

import (
	"fmt"
	"time"
)

// TaskStatus defines the lifecycle status of a task.
type TaskStatus string

const (
	StatusOpen              TaskStatus = "OPEN"
	StatusSearching         TaskStatus = "SEARCHING"
	StatusAccepted          TaskStatus = "ACCEPTED"
	StatusInProgress        TaskStatus = "IN_PROGRESS"
	StatusCompleted         TaskStatus = "COMPLETED"
	StatusCancelledByPoster TaskStatus = "CANCELLED_BY_POSTER"
	StatusCancelledByWorker TaskStatus = "CANCELLED_BY_WORKER"
	StatusCancelledByAdmin  TaskStatus = "CANCELLED_BY_ADMIN"
)

// AvailableStatuses are the statuses in which a task can still be accepted.
// OPEN and SEARCHING are kept distinct for display but are identical for
// dispatch purposes.
var AvailableStatuses = []TaskStatus{StatusOpen, StatusSearching}

// IsAvailable reports whether a task in this status can still be accepted.
func (s TaskStatus) IsAvailable() bool {
	return s == StatusOpen || s == StatusSearching
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByPoster, StatusCancelledByWorker, StatusCancelledByAdmin:
		return true
	}
	return false
}

// Location is a geographic point plus a free-text area label.
type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Area string  `json:"area,omitempty"`
}

// Valid reports whether the coordinates are in range. Out-of-range points are
// skipped by callers rather than rejected deeper down.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// Task represents a single postable unit of location-bound work.
type Task struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Category string   `json:"category,omitempty"`
	Budget   float64  `json:"budget"`
	Location Location `json:"location"`

	Status   TaskStatus `json:"status"`
	PostedBy string     `json:"posted_by"`

	// AcceptedBy is non-empty iff status is ACCEPTED, IN_PROGRESS or
	// COMPLETED. At most one worker holds a task at any time; the
	// repository's CompareAndTransition is the only thing that sets it.
	AcceptedBy string `json:"accepted_by,omitempty"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// WorkerCompleted marks the first half of the two-phase completion
	// handshake: the worker is done, the poster has not confirmed yet.
	WorkerCompleted bool `json:"worker_completed"`

	// LastAlertedAt guards the re-broadcast cooldown.
	LastAlertedAt *time.Time `json:"last_alerted_at,omitempty"`

	// IsHidden excludes the task from dispatch and listings while keeping
	// its state machine intact.
	IsHidden bool `json:"is_hidden"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks whether the task definition is well formed.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if t.PostedBy == "" {
		return fmt.Errorf("task poster cannot be empty")
	}
	if t.Budget < 0 {
		return fmt.Errorf("task budget cannot be negative")
	}
	if !t.Location.Valid() {
		return fmt.Errorf("task location out of range: lat=%v lng=%v", t.Location.Lat, t.Location.Lng)
	}
	return nil
}

// Dispatchable reports whether the task should be offered to workers at all.
func (t *Task) Dispatchable() bool {
	return !t.IsHidden && t.Status.IsAvailable()
}
