package usecase

import (
	"context"
	"testing"
	"time"

	"task-dispatch/internal/domain"
)

func newReclaimFixture(online ...string) (*serviceFixture, *ReclaimService) {
	f := newServiceFixture(online...)
	svc := NewReclaimService(f.repo, f.stats, f.presence, f.dispatcher, f.sender, nil,
		"node-1", 15*time.Minute, 30*time.Minute, quietLogger())
	return f, svc
}

func seedAcceptedTask(f *serviceFixture, id, poster, worker string, acceptedAgo time.Duration) *domain.Task {
	at := time.Now().Add(-acceptedAgo)
	task := &domain.Task{
		ID:         id,
		Title:      "Move a couch",
		Budget:     1200,
		Status:     domain.StatusAccepted,
		PostedBy:   poster,
		AcceptedBy: worker,
		AcceptedAt: &at,
		Location:   domain.Location{Lat: 12.9716, Lng: 77.5946},
	}
	f.repo.put(task)
	return task
}

func TestSweepReclaimsOverdueTask(t *testing.T) {
	f, svc := newReclaimFixture("worker-1", "poster-1")
	seedAcceptedTask(f, "t1", "poster-1", "worker-1", time.Hour)

	svc.Sweep(context.Background())

	task, _ := f.repo.Get(context.Background(), "t1")
	if task.Status != domain.StatusSearching {
		t.Fatalf("status = %s, want SEARCHING", task.Status)
	}
	if task.AcceptedBy != "" || task.AcceptedAt != nil {
		t.Fatalf("acceptance not cleared: %+v", task)
	}
	if f.stats.noShows["worker-1"] != 1 {
		t.Fatalf("no-show counter = %d, want 1", f.stats.noShows["worker-1"])
	}
	if f.sender.received("conn-worker-1", domain.EventTaskCancelled) != 1 {
		t.Fatal("no-show worker must get a cancellation notice")
	}
	if f.sender.received("conn-poster-1", domain.EventTaskStatusChanged) != 1 {
		t.Fatal("poster must get a status-change notice")
	}
	if len(f.dispatcher.broadcasts) != 1 || f.dispatcher.broadcasts[0] != "t1" {
		t.Fatalf("reclaimed task must be re-broadcast, got %v", f.dispatcher.broadcasts)
	}
}

func TestSweepReclaimsHiddenOverdueTask(t *testing.T) {
	f, svc := newReclaimFixture("worker-1", "poster-1")
	task := seedAcceptedTask(f, "t1", "poster-1", "worker-1", time.Hour)
	task.IsHidden = true
	f.repo.put(task)

	svc.Sweep(context.Background())

	got, _ := f.repo.Get(context.Background(), "t1")
	if got.Status != domain.StatusSearching {
		t.Fatalf("hidden overdue task must still be reclaimed, status = %s", got.Status)
	}
	if f.stats.noShows["worker-1"] != 1 {
		t.Fatalf("no-show counter = %d, want 1", f.stats.noShows["worker-1"])
	}
}

func TestSweepLeavesRecentAndStartedTasksAlone(t *testing.T) {
	f, svc := newReclaimFixture("worker-1")

	seedAcceptedTask(f, "recent", "poster-1", "worker-1", 5*time.Minute)

	started := seedAcceptedTask(f, "started", "poster-2", "worker-2", time.Hour)
	startedAt := time.Now().Add(-30 * time.Minute)
	started.Status = domain.StatusInProgress
	started.StartedAt = &startedAt
	f.repo.put(started)

	svc.Sweep(context.Background())

	for _, id := range []string{"recent", "started"} {
		task, _ := f.repo.Get(context.Background(), id)
		if task.Status == domain.StatusSearching {
			t.Fatalf("task %s must not be reclaimed", id)
		}
	}
	if len(f.dispatcher.broadcasts) != 0 {
		t.Fatalf("nothing to re-broadcast, got %v", f.dispatcher.broadcasts)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f, svc := newReclaimFixture("worker-1", "poster-1")
	seedAcceptedTask(f, "t1", "poster-1", "worker-1", time.Hour)

	svc.Sweep(context.Background())
	svc.Sweep(context.Background())

	if f.stats.noShows["worker-1"] != 1 {
		t.Fatalf("no-show counter = %d after double sweep, want 1", f.stats.noShows["worker-1"])
	}
	if len(f.dispatcher.broadcasts) != 1 {
		t.Fatalf("re-broadcasts = %d after double sweep, want 1", len(f.dispatcher.broadcasts))
	}
}

func TestSweepSurvivesPerTaskFailure(t *testing.T) {
	f, svc := newReclaimFixture("worker-1", "worker-2")
	seedAcceptedTask(f, "t1", "poster-1", "worker-1", time.Hour)
	seedAcceptedTask(f, "t2", "poster-2", "worker-2", time.Hour)

	// Simulate the race where t1 moves on between query and write: the
	// conditional transition finds it gone and the sweep just continues.
	tasks, _ := f.repo.ListOverdueAccepted(context.Background(), time.Now())
	if len(tasks) != 2 {
		t.Fatalf("expected 2 overdue tasks, got %d", len(tasks))
	}
	f.repo.CompareAndTransition(context.Background(), "t1",
		[]domain.TaskStatus{domain.StatusAccepted}, domain.StatusInProgress,
		map[string]any{domain.FieldStartedAt: time.Now()})

	svc.Sweep(context.Background())

	t2, _ := f.repo.Get(context.Background(), "t2")
	if t2.Status != domain.StatusSearching {
		t.Fatal("t2 must be reclaimed even though t1 was no longer eligible")
	}
}

func TestReclaimedTaskCanBeAcceptedAgain(t *testing.T) {
	f, svc := newReclaimFixture("worker-1", "worker-2", "poster-1")
	seedAcceptedTask(f, "t1", "poster-1", "worker-1", time.Hour)

	svc.Sweep(context.Background())

	if _, err := f.svc.Accept(context.Background(), "t1", "worker-2"); err != nil {
		t.Fatalf("reclaimed task must be acceptable again: %v", err)
	}
	task, _ := f.repo.Get(context.Background(), "t1")
	if task.AcceptedBy != "worker-2" {
		t.Fatalf("acceptedBy = %q, want worker-2", task.AcceptedBy)
	}
}
