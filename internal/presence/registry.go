// internal/presence/registry.go
package presence

import (
	"log/slog"
	"sync"

	"task-dispatch/internal/domain"
)

type role int

const (
	roleUser role = iota
	roleWorker
)

type entry struct {
	userID   string
	handle   string
	role     role
	location *domain.Location
	radiusKm float64
}

// Registry is the single source of truth for which users are reachable right
// now. It owns all presence state exclusively: only connection lifecycle
// events mutate it, everything else reads. All operations are total over
// well-formed input; unknown keys are no-ops, never errors.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]*entry
	byHandle map[string]string
	// alerted holds the per-connection alert de-duplication sets, keyed by
	// connection handle so they die with the connection.
	alerted map[string]map[string]struct{}

	defaultRadiusKm float64
	minRadiusKm     float64
	maxRadiusKm     float64
	logger          *slog.Logger
}

// NewRegistry creates an empty registry. Radius bounds clamp whatever the
// worker reports.
func NewRegistry(defaultRadiusKm, minRadiusKm, maxRadiusKm float64, logger *slog.Logger) *Registry {
	return &Registry{
		byUser:          make(map[string]*entry),
		byHandle:        make(map[string]string),
		alerted:         make(map[string]map[string]struct{}),
		defaultRadiusKm: defaultRadiusKm,
		minRadiusKm:     minRadiusKm,
		maxRadiusKm:     maxRadiusKm,
		logger:          logger.With("component", "presence-registry"),
	}
}

// UpsertWorker registers or updates a worker presence. A reconnect with a
// new handle supersedes the previous entry for that user: last connection
// wins, the old handle resolves to nothing afterwards.
func (r *Registry) UpsertWorker(connectionHandle, userID string, location *domain.Location, radiusKm float64) {
	if radiusKm <= 0 {
		radiusKm = r.defaultRadiusKm
	}
	if radiusKm < r.minRadiusKm {
		radiusKm = r.minRadiusKm
	}
	if radiusKm > r.maxRadiusKm {
		radiusKm = r.maxRadiusKm
	}
	if location != nil && !location.Valid() {
		location = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.supersedeLocked(connectionHandle, userID)
	e := &entry{
		userID:   userID,
		handle:   connectionHandle,
		role:     roleWorker,
		location: location,
		radiusKm: radiusKm,
	}
	if prev, ok := r.byUser[userID]; ok && location == nil && prev.handle == connectionHandle {
		// A go-online without coordinates keeps the last known location.
		e.location = prev.location
	}
	r.byUser[userID] = e
	r.byHandle[connectionHandle] = userID
}

// UpsertUser registers a non-worker presence, used for delivering
// poster-facing events.
func (r *Registry) UpsertUser(connectionHandle, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.supersedeLocked(connectionHandle, userID)
	r.byUser[userID] = &entry{userID: userID, handle: connectionHandle, role: roleUser}
	r.byHandle[connectionHandle] = userID
}

// supersedeLocked removes whatever previously occupied either side of the
// bidirectional index so no two simultaneous entries exist for one user.
func (r *Registry) supersedeLocked(connectionHandle, userID string) {
	if prev, ok := r.byUser[userID]; ok && prev.handle != connectionHandle {
		delete(r.byHandle, prev.handle)
		delete(r.alerted, prev.handle)
	}
	if prevUser, ok := r.byHandle[connectionHandle]; ok && prevUser != userID {
		delete(r.byUser, prevUser)
	}
}

// Remove drops whatever entry is keyed to the connection. Idempotent.
func (r *Registry) Remove(connectionHandle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[connectionHandle]
	if !ok {
		delete(r.alerted, connectionHandle)
		return
	}
	delete(r.byHandle, connectionHandle)
	delete(r.alerted, connectionHandle)
	if e, ok := r.byUser[userID]; ok && e.handle == connectionHandle {
		delete(r.byUser, userID)
	}
}

// Offline marks a worker unavailable while keeping the connection reachable
// for generic user events. The alert dedup set is cleared with it.
func (r *Registry) Offline(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byUser[userID]
	if !ok || e.role != roleWorker {
		return
	}
	delete(r.alerted, e.handle)
	r.byUser[userID] = &entry{userID: userID, handle: e.handle, role: roleUser}
}

// IsWorkerOnline reports whether the user has a live worker entry.
func (r *Registry) IsWorkerOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	return ok && e.role == roleWorker
}

// SocketFor resolves a user to its live connection handle, worker or not.
func (r *Registry) SocketFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	return e.handle, true
}

// Count returns the number of online workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.byUser {
		if e.role == roleWorker {
			n++
		}
	}
	return n
}

// WorkersWithLocation returns a point-in-time copy of all online workers.
// Entries without a known location are included; the broadcast engine skips
// them.
func (r *Registry) WorkersWithLocation() []domain.WorkerPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.WorkerPresence, 0, len(r.byUser))
	for _, e := range r.byUser {
		if e.role != roleWorker {
			continue
		}
		wp := domain.WorkerPresence{
			UserID:   e.userID,
			Handle:   e.handle,
			RadiusKm: e.radiusKm,
		}
		if e.location != nil {
			loc := *e.location
			wp.Location = &loc
		}
		out = append(out, wp)
	}
	return out
}

// OnlineHandles returns the handles of all online workers, optionally
// skipping one user. Used for retraction fan-out.
func (r *Registry) OnlineHandles(exceptUserID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for _, e := range r.byUser {
		if e.role != roleWorker || e.userID == exceptUserID {
			continue
		}
		out = append(out, e.handle)
	}
	return out
}

// AlreadyAlerted reports whether the task was already pushed to this
// connection.
func (r *Registry) AlreadyAlerted(connectionHandle, taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.alerted[connectionHandle]
	if !ok {
		return false
	}
	_, seen := set[taskID]
	return seen
}

// MarkAlerted records that the task was pushed to this connection. No-op for
// handles that are no longer registered.
func (r *Registry) MarkAlerted(connectionHandle, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHandle[connectionHandle]; !ok {
		return
	}
	set, ok := r.alerted[connectionHandle]
	if !ok {
		set = make(map[string]struct{})
		r.alerted[connectionHandle] = set
	}
	set[taskID] = struct{}{}
}

// ClearAlert removes a task from the connection's dedup set, used when a
// delivery failed after the mark was taken. Idempotent.
func (r *Registry) ClearAlert(connectionHandle, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.alerted[connectionHandle]; ok {
		delete(set, taskID)
	}
}
