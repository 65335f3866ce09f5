package usecase

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"task-dispatch/internal/domain"
)

// memTaskRepo is an in-memory system of record whose CompareAndTransition is
// atomic under one mutex, mirroring what the storage backends guarantee.
type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]*domain.Task)}
}

func (r *memTaskRepo) put(task *domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.tasks[task.ID] = &cp
}

func (r *memTaskRepo) Create(_ context.Context, task *domain.Task) error {
	r.put(task)
	return nil
}

func (r *memTaskRepo) Get(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *memTaskRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memTaskRepo) CompareAndTransition(_ context.Context, id string, expected []domain.TaskStatus, next domain.TaskStatus, fields map[string]any) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	matched := false
	for _, st := range expected {
		if task.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return nil, domain.ErrTaskNotAvailable
	}
	if err := task.ApplyTransition(next, fields); err != nil {
		return nil, err
	}
	cp := *task
	return &cp, nil
}

func (r *memTaskRepo) SetLastAlerted(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		task.LastAlertedAt = &at
	}
	return nil
}

func (r *memTaskRepo) SetHidden(_ context.Context, id string, hidden bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	task.IsHidden = hidden
	return nil
}

func (r *memTaskRepo) WorkerHasActiveTask(_ context.Context, workerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range r.tasks {
		if task.AcceptedBy == workerID &&
			(task.Status == domain.StatusAccepted || task.Status == domain.StatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memTaskRepo) ListOverdueAccepted(_ context.Context, cutoff time.Time) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, task := range r.tasks {
		if task.Status == domain.StatusAccepted && task.StartedAt == nil &&
			task.AcceptedAt != nil && task.AcceptedAt.Before(cutoff) {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memStatsRepo struct {
	mu      sync.Mutex
	cancels map[string]int // workerID|day
	noShows map[string]int
}

func newMemStatsRepo() *memStatsRepo {
	return &memStatsRepo{cancels: make(map[string]int), noShows: make(map[string]int)}
}

func (r *memStatsRepo) IncrCancelCount(_ context.Context, workerID, day string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[workerID+"|"+day]++
	return r.cancels[workerID+"|"+day], nil
}

func (r *memStatsRepo) CancelCount(_ context.Context, workerID, day string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancels[workerID+"|"+day], nil
}

func (r *memStatsRepo) IncrNoShowCount(_ context.Context, workerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noShows[workerID]++
	return r.noShows[workerID], nil
}

func (r *memStatsRepo) Stats(_ context.Context, workerID, day string) (*domain.WorkerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &domain.WorkerStats{
		WorkerID:     workerID,
		DailyCancels: r.cancels[workerID+"|"+day],
		NoShows:      r.noShows[workerID],
	}, nil
}

// fakePresence declares everyone in online as reachable at handle "conn-"+id.
type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func newFakePresence(userIDs ...string) *fakePresence {
	p := &fakePresence{online: make(map[string]bool)}
	for _, id := range userIDs {
		p.online[id] = true
	}
	return p
}

func (p *fakePresence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

func (p *fakePresence) IsWorkerOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) SocketFor(userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return "", false
	}
	return "conn-" + userID, true
}

func (p *fakePresence) WorkersWithLocation() []domain.WorkerPresence { return nil }
func (p *fakePresence) OnlineHandles(string) []string                { return nil }
func (p *fakePresence) AlreadyAlerted(string, string) bool           { return false }
func (p *fakePresence) MarkAlerted(string, string)                   {}
func (p *fakePresence) ClearAlert(string, string)                    {}

type fakeSender struct {
	mu     sync.Mutex
	events []struct {
		handle  string
		event   string
		payload any
	}
}

func (s *fakeSender) Send(handle, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, struct {
		handle  string
		event   string
		payload any
	}{handle, event, payload})
	return nil
}

func (s *fakeSender) Broadcast(handles []string, event string, payload any) {
	for _, h := range handles {
		_ = s.Send(h, event, payload)
	}
}

func (s *fakeSender) received(handle, event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.handle == handle && e.event == event {
			n++
		}
	}
	return n
}

type fakeDispatcher struct {
	mu         sync.Mutex
	broadcasts []string
	retracts   []string
	realerts   []string
	realertErr error
}

func (d *fakeDispatcher) Broadcast(_ context.Context, task *domain.Task) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts = append(d.broadcasts, task.ID)
	return 1
}

func (d *fakeDispatcher) Realert(_ context.Context, task *domain.Task) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.realertErr != nil {
		return 0, d.realertErr
	}
	d.realerts = append(d.realerts, task.ID)
	return 1, nil
}

func (d *fakeDispatcher) Retract(_ context.Context, taskID string, _ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retracts = append(d.retracts, taskID)
}

func (d *fakeDispatcher) retractCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.retracts {
		if id == taskID {
			n++
		}
	}
	return n
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(string, string) bool { return true }

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string, string) bool { return false }

// countingLimiter records how often it was consulted, so tests can assert
// which paths spend the debounce window.
type countingLimiter struct {
	mu    sync.Mutex
	allow bool
	calls int
}

func (l *countingLimiter) Allow(string, string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.allow
}

func (l *countingLimiter) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
