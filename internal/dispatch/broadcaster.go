// internal/dispatch/broadcaster.go
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"task-dispatch/internal/domain"
	"task-dispatch/internal/geo"
	"task-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broadcaster decides which online workers hear about a task and delivers
// the alert at most once per worker per alert cycle. It only reads the
// presence registry and only writes the task's lastAlertedAt cooldown stamp.
type Broadcaster struct {
	presence domain.PresenceView
	sender   domain.EventSender
	tasks    domain.TaskRepository

	fanoutCap       int
	realertCooldown time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewBroadcaster creates a broadcast engine. fanoutCap bounds the number of
// targets per alert cycle so a crowded city cannot produce unbounded fan-out.
func NewBroadcaster(presence domain.PresenceView, sender domain.EventSender, tasks domain.TaskRepository, fanoutCap int, realertCooldown time.Duration, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		presence:        presence,
		sender:          sender,
		tasks:           tasks,
		fanoutCap:       fanoutCap,
		realertCooldown: realertCooldown,
		logger:          logger.With("component", "broadcaster"),
		tracer:          otel.Tracer("task-dispatch-broadcaster"),
		now:             time.Now,
	}
}

// Broadcast alerts every eligible online worker about the task and returns
// how many alerts went out. Delivery is fire and forget: a failed push to
// one connection never aborts the rest and never fails the request that
// triggered the broadcast.
func (b *Broadcaster) Broadcast(ctx context.Context, task *domain.Task) int {
	ctx, span := b.tracer.Start(ctx, "broadcast.Fanout",
		trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	if b.presence.Count() == 0 {
		span.SetAttributes(attribute.Int("alerts_sent", 0))
		return 0
	}

	if !task.Dispatchable() {
		b.logger.Warn("refusing to broadcast non-dispatchable task", "task_id", task.ID, "status", task.Status)
		return 0
	}

	targets := b.eligibleTargets(task)
	span.SetAttributes(attribute.Int("eligible_targets", len(targets)))

	if len(targets) > b.fanoutCap {
		b.logger.Warn("fan-out capped", "task_id", task.ID, "eligible", len(targets), "cap", b.fanoutCap)
		targets = targets[:b.fanoutCap]
	}

	var wg sync.WaitGroup
	for _, tgt := range targets {
		// Mark before sending so a concurrent second pass for the same
		// task cannot double-alert the connection.
		b.presence.MarkAlerted(tgt.handle, task.ID)

		wg.Add(1)
		go func(tgt target) {
			defer wg.Done()
			alert := domain.NewTaskAlert{
				TaskID:     task.ID,
				Title:      task.Title,
				Category:   task.Category,
				Budget:     task.Budget,
				DistanceKm: tgt.distanceKm,
				Location:   task.Location,
			}
			if err := b.sender.Send(tgt.handle, domain.EventNewTaskAlert, alert); err != nil {
				b.logger.Warn("alert delivery failed", "task_id", task.ID, "handle", tgt.handle, "error", err)
				// Give the mark back so a later pass can retry this
				// connection.
				b.presence.ClearAlert(tgt.handle, task.ID)
				return
			}
			metrics.AlertsSentTotal.Inc()
		}(tgt)
	}
	wg.Wait()

	if len(targets) > 0 {
		if err := b.tasks.SetLastAlerted(ctx, task.ID, b.now()); err != nil {
			b.logger.Warn("failed to stamp last alert time", "task_id", task.ID, "error", err)
		}
	}

	span.SetAttributes(attribute.Int("alerts_sent", len(targets)))
	return len(targets)
}

// Realert re-broadcasts an edited task, honoring the cooldown so posters
// cannot spam workers. Rejected with a cooldown reason when called too soon.
func (b *Broadcaster) Realert(ctx context.Context, task *domain.Task) (int, error) {
	if task.LastAlertedAt != nil && b.now().Sub(*task.LastAlertedAt) < b.realertCooldown {
		return 0, domain.Rejected(domain.ReasonCooldownActive)
	}
	return b.Broadcast(ctx, task), nil
}

// Retract tells every online worker except the one named to drop the task
// from its local candidate list.
func (b *Broadcaster) Retract(ctx context.Context, taskID string, exceptUserID string) {
	_, span := b.tracer.Start(ctx, "broadcast.Retract",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	handles := b.presence.OnlineHandles(exceptUserID)
	if len(handles) == 0 {
		return
	}
	b.sender.Broadcast(handles, domain.EventRetractTask, domain.RetractTask{TaskID: taskID})
	metrics.RetractionsSentTotal.Add(float64(len(handles)))
	span.SetAttributes(attribute.Int("targets", len(handles)))
}

type target struct {
	handle     string
	distanceKm float64
}

// eligibleTargets applies the geofence filter chain over a point-in-time
// presence snapshot: never the poster, never a worker without a location,
// never a connection that already saw this task, and only within the
// worker's own radius (boundary distance == radius is in).
func (b *Broadcaster) eligibleTargets(task *domain.Task) []target {
	if !geo.InRange(task.Location.Lat, task.Location.Lng) {
		b.logger.Warn("task location out of range, nobody alerted", "task_id", task.ID)
		return nil
	}

	workers := b.presence.WorkersWithLocation()
	targets := make([]target, 0, len(workers))
	for _, w := range workers {
		if w.UserID == task.PostedBy {
			continue
		}
		if w.Location == nil || !geo.InRange(w.Location.Lat, w.Location.Lng) {
			continue
		}
		if b.presence.AlreadyAlerted(w.Handle, task.ID) {
			continue
		}
		d := geo.DistanceKm(task.Location.Lat, task.Location.Lng, w.Location.Lat, w.Location.Lng)
		if d > w.RadiusKm {
			continue
		}
		targets = append(targets, target{handle: w.Handle, distanceKm: d})
	}
	return targets
}
