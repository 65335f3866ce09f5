package domain

// Event names pushed to client connections.
const (
	EventNewTaskAlert      = "task:new"
	EventRetractTask       = "task:retract"
	EventTaskAccepted      = "task:accepted"
	EventTaskCancelled     = "task:cancelled"
	EventTaskStatusChanged = "task:status"
)

// NewTaskAlert is delivered to eligible workers when a task enters (or
// re-enters) the available pool.
type NewTaskAlert struct {
	TaskID     string   `json:"task_id"`
	Title      string   `json:"title"`
	Category   string   `json:"category,omitempty"`
	Budget     float64  `json:"budget"`
	DistanceKm float64  `json:"distance_km"`
	Location   Location `json:"location"`
}

// RetractTask tells a worker to drop a candidate from its local list.
type RetractTask struct {
	TaskID string `json:"task_id"`
}

// TaskAccepted is delivered to the poster when a worker wins the accept race.
type TaskAccepted struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// TaskCancelled is delivered to the counterpart of whoever cancelled.
type TaskCancelled struct {
	TaskID      string `json:"task_id"`
	CancelledBy string `json:"cancelled_by"`
}

// TaskStatusChanged keeps both parties in sync on every transition.
type TaskStatusChanged struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// EventSender abstracts event delivery to live connections. The dispatch
// core depends only on this; the transport behind it is a collaborator
// concern. Delivery is best effort: Send errors are logged and swallowed at
// the caller, Broadcast never reports per-target failures.
type EventSender interface {
	Send(connectionHandle string, event string, payload any) error
	Broadcast(connectionHandles []string, event string, payload any)
}
