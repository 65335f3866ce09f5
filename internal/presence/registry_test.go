package presence

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"task-dispatch/internal/domain"
)

func newTestRegistry() *Registry {
	return NewRegistry(5, 1, 10, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func loc(lat, lng float64) *domain.Location {
	return &domain.Location{Lat: lat, Lng: lng}
}

func TestUpsertWorkerAndLookup(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("conn-1", "worker-a", loc(12.97, 77.59), 5)

	if !r.IsWorkerOnline("worker-a") {
		t.Fatal("expected worker-a online")
	}
	if h, ok := r.SocketFor("worker-a"); !ok || h != "conn-1" {
		t.Fatalf("SocketFor = %q, %v; want conn-1, true", h, ok)
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
}

func TestSupersedeSecondConnectionWins(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("conn-old", "worker-a", loc(1, 1), 5)
	r.MarkAlerted("conn-old", "task-1")
	r.UpsertWorker("conn-new", "worker-a", loc(1, 1), 5)

	if !r.IsWorkerOnline("worker-a") {
		t.Fatal("worker should still be online after reconnect")
	}
	if h, _ := r.SocketFor("worker-a"); h != "conn-new" {
		t.Fatalf("SocketFor = %q, want conn-new", h)
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1 after supersede", got)
	}

	// The old handle resolves to nothing: removing it must not evict the
	// new entry, and its dedup set is gone.
	r.Remove("conn-old")
	if !r.IsWorkerOnline("worker-a") {
		t.Fatal("removing superseded handle must not evict live entry")
	}
	if r.AlreadyAlerted("conn-new", "task-1") {
		t.Fatal("dedup set must not carry over to the new connection")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("conn-1", "worker-a", loc(1, 1), 5)
	r.Remove("conn-1")
	r.Remove("conn-1")
	r.Remove("never-existed")

	if r.IsWorkerOnline("worker-a") {
		t.Fatal("worker should be gone after remove")
	}
	if _, ok := r.SocketFor("worker-a"); ok {
		t.Fatal("handle should not resolve after remove")
	}
}

func TestOfflineKeepsUserReachable(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("conn-1", "worker-a", loc(1, 1), 5)
	r.MarkAlerted("conn-1", "task-1")

	r.Offline("worker-a")

	if r.IsWorkerOnline("worker-a") {
		t.Fatal("worker should not be online after going offline")
	}
	if _, ok := r.SocketFor("worker-a"); !ok {
		t.Fatal("connection should remain reachable for user events")
	}
	if r.AlreadyAlerted("conn-1", "task-1") {
		t.Fatal("going offline must clear the dedup set")
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
}

func TestRadiusClamping(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("c1", "w1", loc(1, 1), 0)   // default
	r.UpsertWorker("c2", "w2", loc(1, 1), 0.2) // below min
	r.UpsertWorker("c3", "w3", loc(1, 1), 99)  // above max

	want := map[string]float64{"w1": 5, "w2": 1, "w3": 10}
	for _, wp := range r.WorkersWithLocation() {
		if wp.RadiusKm != want[wp.UserID] {
			t.Fatalf("radius for %s = %v, want %v", wp.UserID, wp.RadiusKm, want[wp.UserID])
		}
	}
}

func TestGoOnlineWithoutLocationKeepsLastKnown(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("conn-1", "worker-a", loc(12.97, 77.59), 5)
	r.UpsertWorker("conn-1", "worker-a", nil, 7)

	ws := r.WorkersWithLocation()
	if len(ws) != 1 {
		t.Fatalf("got %d workers, want 1", len(ws))
	}
	if ws[0].Location == nil || ws[0].Location.Lat != 12.97 {
		t.Fatalf("expected last known location retained, got %+v", ws[0].Location)
	}
	if ws[0].RadiusKm != 7 {
		t.Fatalf("radius = %v, want 7", ws[0].RadiusKm)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("conn-1", "worker-a", loc(10, 10), 5)

	snap := r.WorkersWithLocation()
	snap[0].Location.Lat = 99

	again := r.WorkersWithLocation()
	if again[0].Location.Lat != 10 {
		t.Fatal("mutating the snapshot leaked into the registry")
	}
}

func TestOnlineHandlesExcludes(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("c1", "w1", loc(1, 1), 5)
	r.UpsertWorker("c2", "w2", loc(1, 1), 5)
	r.UpsertUser("c3", "poster-1")

	handles := r.OnlineHandles("w1")
	if len(handles) != 1 || handles[0] != "c2" {
		t.Fatalf("OnlineHandles = %v, want [c2]", handles)
	}
}

func TestMarkAlertedDedup(t *testing.T) {
	r := newTestRegistry()
	r.UpsertWorker("c1", "w1", loc(1, 1), 5)

	if r.AlreadyAlerted("c1", "task-1") {
		t.Fatal("fresh connection should have empty dedup set")
	}
	r.MarkAlerted("c1", "task-1")
	if !r.AlreadyAlerted("c1", "task-1") {
		t.Fatal("expected task-1 marked alerted")
	}

	// A failed delivery hands the mark back.
	r.ClearAlert("c1", "task-1")
	if r.AlreadyAlerted("c1", "task-1") {
		t.Fatal("cleared task must be alertable again")
	}
	r.ClearAlert("c1", "task-1")

	// Unregistered handles do not accumulate state.
	r.MarkAlerted("ghost", "task-1")
	if r.AlreadyAlerted("ghost", "task-1") {
		t.Fatal("unregistered handle must not retain dedup state")
	}
}

func TestConcurrentLifecycle(t *testing.T) {
	r := newTestRegistry()
	const users = 50

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("w-%d", i)
			for j := 0; j < 50; j++ {
				handle := fmt.Sprintf("conn-%d-%d", i, j)
				r.UpsertWorker(handle, user, loc(float64(i%90), float64(i%180)), 5)
				r.MarkAlerted(handle, "task-1")
				_ = r.IsWorkerOnline(user)
				_, _ = r.SocketFor(user)
			}
		}(i)
	}

	// Readers iterate snapshots while writers churn.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			for range r.WorkersWithLocation() {
			}
			_ = r.Count()
			_ = r.OnlineHandles("")
		}
	}()

	wg.Wait()

	if got := r.Count(); got != users {
		t.Fatalf("Count = %d, want %d (one live entry per user)", got, users)
	}
}
