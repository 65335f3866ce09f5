package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"task-dispatch/internal/domain"
	"task-dispatch/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReclaimService returns no-show tasks to the available pool. Only the
// elected leader runs the sweep, so a multi-node deployment reclaims each
// task once. The sweep itself is idempotent regardless: the conditional
// transition from ACCEPTED simply finds nothing to do the second time.
type ReclaimService struct {
	repo          domain.TaskRepository
	stats         domain.WorkerStatsRepository
	presence      domain.PresenceView
	dispatcher    Dispatcher
	sender        domain.EventSender
	leaderManager domain.LeaderElectionManager

	nodeID        string
	interval      time.Duration
	startDeadline time.Duration

	cron   *cron.Cron
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewReclaimService creates the reclaim sweep runner.
func NewReclaimService(repo domain.TaskRepository, stats domain.WorkerStatsRepository, presence domain.PresenceView, dispatcher Dispatcher, sender domain.EventSender, leaderManager domain.LeaderElectionManager, nodeID string, interval, startDeadline time.Duration, logger *slog.Logger) *ReclaimService {
	return &ReclaimService{
		repo:          repo,
		stats:         stats,
		presence:      presence,
		dispatcher:    dispatcher,
		sender:        sender,
		leaderManager: leaderManager,
		nodeID:        nodeID,
		interval:      interval,
		startDeadline: startDeadline,
		logger:        logger.With("component", "reclaim"),
		tracer:        otel.Tracer("task-dispatch-reclaim"),
		now:           time.Now,
	}
}

// Run campaigns for leadership and keeps the periodic sweep alive while this
// node holds it. On losing the lease the sweep stops and the node campaigns
// again. Blocks until ctx is cancelled.
func (s *ReclaimService) Run(ctx context.Context) error {
	s.logger.Info("reclaim service starting", "node_id", s.nodeID, "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reclaim service shutting down", "node_id", s.nodeID)
			s.stopSweep()
			return ctx.Err()
		default:
			lostLeadershipCh, err := s.leaderManager.Campaign(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("leadership campaign failed, retrying", "node_id", s.nodeID, "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			s.logger.Info("became reclaim leader", "node_id", s.nodeID)
			metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
			s.startSweep(ctx)

			select {
			case <-lostLeadershipCh:
				s.logger.Warn("lost reclaim leadership", "node_id", s.nodeID)
				metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
				s.stopSweep()
			case <-ctx.Done():
				metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
				s.stopSweep()
				return ctx.Err()
			}
		}
	}
}

func (s *ReclaimService) startSweep(ctx context.Context) {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.Sweep(ctx)
	})
	if err != nil {
		s.logger.Error("failed to schedule reclaim sweep", "error", err)
		return
	}
	s.cron.Start()
}

func (s *ReclaimService) stopSweep() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// Sweep processes every overdue accepted task once. Tasks are independent:
// one failed write is logged and the sweep moves on.
func (s *ReclaimService) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "reclaim.Sweep")
	defer span.End()

	cutoff := s.now().Add(-s.startDeadline)
	tasks, err := s.repo.ListOverdueAccepted(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list overdue tasks")
		s.logger.Error("reclaim query failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("overdue_tasks", len(tasks)))
	if len(tasks) == 0 {
		return
	}

	reclaimed := 0
	for _, task := range tasks {
		if err := s.reclaimOne(ctx, task); err != nil {
			s.logger.Error("failed to reclaim task", "task_id", task.ID, "error", err)
			continue
		}
		reclaimed++
	}
	s.logger.Info("reclaim sweep finished", "overdue", len(tasks), "reclaimed", reclaimed)
}

func (s *ReclaimService) reclaimOne(ctx context.Context, task *domain.Task) error {
	ctx, span := s.tracer.Start(ctx, "reclaim.Task",
		trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	worker := task.AcceptedBy

	updated, err := s.repo.CompareAndTransition(ctx, task.ID,
		[]domain.TaskStatus{domain.StatusAccepted},
		domain.StatusSearching,
		map[string]any{
			domain.FieldAcceptedBy: "",
			domain.FieldAcceptedAt: nil,
		})
	if err != nil {
		// The task moved between query and write: started, cancelled, or
		// already reclaimed by an earlier pass. Nothing left to do.
		if err == domain.ErrTaskNotAvailable || err == domain.ErrTaskNotFound {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return err
	}

	metrics.ReclaimedTasksTotal.Inc()
	s.logger.Info("reclaimed no-show task", "task_id", task.ID, "worker_id", worker)

	if worker != "" {
		if _, err := s.stats.IncrNoShowCount(ctx, worker); err != nil {
			s.logger.Warn("failed to charge no-show counter", "worker_id", worker, "error", err)
		}
		s.notify(worker, domain.EventTaskCancelled, domain.TaskCancelled{TaskID: task.ID, CancelledBy: "system"})
	}
	s.notify(updated.PostedBy, domain.EventTaskStatusChanged, domain.TaskStatusChanged{TaskID: task.ID, Status: updated.Status})

	s.dispatcher.Broadcast(ctx, updated)
	return nil
}

func (s *ReclaimService) notify(userID, event string, payload any) {
	handle, ok := s.presence.SocketFor(userID)
	if !ok {
		return
	}
	if err := s.sender.Send(handle, event, payload); err != nil {
		s.logger.Warn("event delivery failed", "user_id", userID, "event", event, "error", err)
	}
}
