package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"task-dispatch/internal/domain"
	"task-dispatch/internal/presence"
)

func newHub(t *testing.T) (*presence.Registry, *EventHub) {
	t.Helper()
	registry := presence.NewRegistry(5, 1, 10, testLogger())
	return registry, NewEventHub(registry, testLogger())
}

// openStream runs one SSE connection in the background and returns the
// accumulated body after the context ends.
func openStream(ctx context.Context, t *testing.T, hub *EventHub, userID string) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(
			context.WithValue(ctx, userIDKey, userID))
		rr := httptest.NewRecorder()
		hub.ServeHTTP(rr, req)
		out <- rr.Body.String()
	}()
	return out
}

func waitForConnection(t *testing.T, registry *presence.Registry, userID string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handle, ok := registry.SocketFor(userID); ok {
			return handle
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection for %s never registered", userID)
	return ""
}

func TestStreamRegistersAndUnregisters(t *testing.T) {
	registry, hub := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := openStream(ctx, t, hub, "user-1")
	handle := waitForConnection(t, registry, "user-1")

	cancel()
	body := <-done

	if !strings.Contains(body, "event: connected") || !strings.Contains(body, handle) {
		t.Fatalf("stream must announce the connection handle, got: %q", body)
	}
	if _, ok := registry.SocketFor("user-1"); ok {
		t.Fatal("connection must be removed from the registry on disconnect")
	}
}

func TestSendDeliversFrame(t *testing.T) {
	registry, hub := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := openStream(ctx, t, hub, "worker-1")
	handle := waitForConnection(t, registry, "worker-1")

	err := hub.Send(handle, domain.EventNewTaskAlert, domain.NewTaskAlert{TaskID: "t1", Title: "Fix a door", DistanceKm: 2.5})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Give the stream loop a moment to flush before closing.
	time.Sleep(20 * time.Millisecond)
	cancel()
	body := <-done

	if !strings.Contains(body, "event: "+domain.EventNewTaskAlert) {
		t.Fatalf("frame missing event name: %q", body)
	}
	if !strings.Contains(body, `"task_id":"t1"`) || !strings.Contains(body, `"distance_km":2.5`) {
		t.Fatalf("frame missing payload: %q", body)
	}
}

func TestSendToUnknownHandleFails(t *testing.T) {
	_, hub := newHub(t)
	if err := hub.Send("ghost", domain.EventNewTaskAlert, domain.NewTaskAlert{}); err == nil {
		t.Fatal("sending to an unknown handle must fail")
	}
}

func TestBroadcastSkipsGoneConnections(t *testing.T) {
	registry, hub := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := openStream(ctx, t, hub, "worker-1")
	handle := waitForConnection(t, registry, "worker-1")

	// One live handle, one gone. The broadcast must not error or block.
	hub.Broadcast([]string{handle, "gone"}, domain.EventRetractTask, domain.RetractTask{TaskID: "t1"})

	time.Sleep(20 * time.Millisecond)
	cancel()
	body := <-done
	if !strings.Contains(body, "event: "+domain.EventRetractTask) {
		t.Fatalf("live connection missed the broadcast: %q", body)
	}
}
