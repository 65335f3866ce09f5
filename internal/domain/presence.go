package domain

// WorkerPresence is a point-in-time copy of one online worker's entry, as
// handed to the broadcast engine. Location is nil when the worker has not
// reported one yet.
type WorkerPresence struct {
	UserID   string
	Handle   string
	Location *Location
	RadiusKm float64
}

// PresenceView is the read side of the presence registry. The acceptance
// protocol and the broadcast engine only ever read presence; mutation stays
// with connection lifecycle events.
type PresenceView interface {
	Count() int
	IsWorkerOnline(userID string) bool
	SocketFor(userID string) (string, bool)

	// WorkersWithLocation returns a snapshot copy, never a live view, so
	// concurrent mutation during a fan-out cannot corrupt the pass.
	WorkersWithLocation() []WorkerPresence

	// OnlineHandles returns the connection handles of all online workers,
	// optionally excluding one user. Used for retractions.
	OnlineHandles(exceptUserID string) []string

	// AlreadyAlerted reports whether the task was already pushed to the
	// connection, and MarkAlerted records that it now has been.
	// ClearAlert takes the mark back when the push never arrived, so the
	// next alert cycle may retry the connection.
	AlreadyAlerted(handle, taskID string) bool
	MarkAlerted(handle, taskID string)
	ClearAlert(handle, taskID string)
}

// ActionLimiter throttles repeated actions per (userId, actionKind). It is a
// UX debounce, not a correctness mechanism: on backend failure it fails open.
type ActionLimiter interface {
	Allow(userID, action string) bool
}
