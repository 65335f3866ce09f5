package usecase

import (
	"context"
	"log/slog"
	"time"

	"task-dispatch/internal/domain"
	"task-dispatch/internal/metrics"
	"task-dispatch/internal/ratelimit"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher is the slice of the broadcast engine the task service drives.
type Dispatcher interface {
	Broadcast(ctx context.Context, task *domain.Task) int
	Realert(ctx context.Context, task *domain.Task) (int, error)
	Retract(ctx context.Context, taskID string, exceptUserID string)
}

// TaskService implements the task lifecycle: creation and dispatch, the
// race-safe acceptance protocol, the two-phase completion handshake, and
// cancellation with daily caps. Every guarded status write goes through the
// repository's CompareAndTransition so concurrent callers cannot interleave.
type TaskService struct {
	repo       domain.TaskRepository
	stats      domain.WorkerStatsRepository
	presence   domain.PresenceView
	dispatcher Dispatcher
	sender     domain.EventSender
	limiter    domain.ActionLimiter

	dailyCancelCap int

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewTaskService creates a new TaskService instance.
func NewTaskService(repo domain.TaskRepository, stats domain.WorkerStatsRepository, presence domain.PresenceView, dispatcher Dispatcher, sender domain.EventSender, limiter domain.ActionLimiter, dailyCancelCap int, logger *slog.Logger) *TaskService {
	return &TaskService{
		repo:           repo,
		stats:          stats,
		presence:       presence,
		dispatcher:     dispatcher,
		sender:         sender,
		limiter:        limiter,
		dailyCancelCap: dailyCancelCap,
		logger:         logger.With("component", "task-service"),
		tracer:         otel.Tracer("task-dispatch-usecase"),
		now:            time.Now,
	}
}

// Create persists a new task and fans it out to nearby online workers. The
// broadcast outcome never fails the creation; with nobody eligible online the
// task simply waits in OPEN and the offline push fallback is recorded.
func (s *TaskService) Create(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateTask")
	defer span.End()

	if err := task.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	task.ID = uuid.New().String()
	task.Status = domain.StatusOpen
	task.AcceptedBy = ""
	task.AcceptedAt = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	task.WorkerCompleted = false
	task.IsHidden = false
	task.CreatedAt = now
	task.UpdatedAt = now
	span.SetAttributes(attribute.String("task.id", task.ID))

	if err := s.repo.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create task in repository")
		return nil, err
	}

	sent := s.dispatcher.Broadcast(ctx, task)
	if sent == 0 {
		metrics.OfflinePushFallbackTotal.Inc()
		s.logger.Info("no online workers in range, deferring to offline push", "task_id", task.ID)
	}
	span.SetAttributes(attribute.Int("alerts_sent", sent))
	return task, nil
}

// Get fetches a single task.
func (s *TaskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task from repository")
	}
	return task, err
}

// Accept runs the race-critical acceptance. All guards are evaluated first;
// the compare-and-transition at the system of record then decides the winner.
// Losing the race returns ErrTaskNotAvailable, which callers surface as "just
// taken" rather than an error.
func (s *TaskService) Accept(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.AcceptTask",
		trace.WithAttributes(attribute.String("task.id", taskID), attribute.String("worker.id", workerID)))
	defer span.End()

	if !s.limiter.Allow(workerID, ratelimit.ActionAccept) {
		metrics.AcceptAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, domain.Rejected(domain.ReasonRateLimited)
	}

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		metrics.AcceptAttemptsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task")
		return nil, err
	}

	if err := s.acceptGuards(ctx, task, workerID); err != nil {
		metrics.AcceptAttemptsTotal.WithLabelValues("rejected").Inc()
		if reason, ok := domain.IsRejected(err); ok {
			s.logger.Info("accept rejected", "task_id", taskID, "worker_id", workerID, "reason", string(reason))
		}
		return nil, err
	}

	now := s.now()
	updated, err := s.repo.CompareAndTransition(ctx, taskID, domain.AvailableStatuses, domain.StatusAccepted, map[string]any{
		domain.FieldAcceptedBy: workerID,
		domain.FieldAcceptedAt: now,
	})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			metrics.AcceptAttemptsTotal.WithLabelValues("lost").Inc()
			s.logger.Info("accept race lost", "task_id", taskID, "worker_id", workerID)
			return nil, err
		}
		metrics.AcceptAttemptsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	metrics.AcceptAttemptsTotal.WithLabelValues("won").Inc()
	s.logger.Info("task accepted", "task_id", taskID, "worker_id", workerID)

	s.dispatcher.Retract(ctx, taskID, workerID)
	s.notify(updated.PostedBy, domain.EventTaskAccepted, domain.TaskAccepted{TaskID: taskID, WorkerID: workerID})
	s.notifyStatus(updated, updated.PostedBy)
	return updated, nil
}

// acceptGuards checks everything about the caller that the storage-layer CAS
// cannot: identity, presence, concurrency with the worker's other tasks, and
// the behavioral cap. The task-state half of the guard lives in the CAS.
func (s *TaskService) acceptGuards(ctx context.Context, task *domain.Task, workerID string) error {
	if task.PostedBy == workerID {
		return domain.Rejected(domain.ReasonSelfAccept)
	}
	if task.IsHidden {
		return domain.Rejected(domain.ReasonTaskHidden)
	}
	if !s.presence.IsWorkerOnline(workerID) {
		return domain.Rejected(domain.ReasonWorkerOffline)
	}

	busy, err := s.repo.WorkerHasActiveTask(ctx, workerID)
	if err != nil {
		return err
	}
	if busy {
		return domain.Rejected(domain.ReasonWorkerBusy)
	}

	cancels, err := s.stats.CancelCount(ctx, workerID, domain.DayKey(s.now()))
	if err != nil {
		return err
	}
	if cancels >= s.dailyCancelCap {
		return domain.Rejected(domain.ReasonCancelCapReached)
	}
	return nil
}

// Start moves an accepted task into progress. Only the accepting worker may
// drive it.
func (s *TaskService) Start(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.StartTask",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AcceptedBy != workerID {
		return nil, domain.Rejected(domain.ReasonNotOwner)
	}
	if task.IsHidden {
		return nil, domain.Rejected(domain.ReasonTaskHidden)
	}

	updated, err := s.repo.CompareAndTransition(ctx, taskID, []domain.TaskStatus{domain.StatusAccepted}, domain.StatusInProgress, map[string]any{
		domain.FieldStartedAt: s.now(),
	})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			return nil, domain.Rejected(domain.ReasonBadState)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	s.notifyStatus(updated, updated.PostedBy, updated.AcceptedBy)
	return updated, nil
}

// WorkerComplete records the worker's half of the completion handshake. The
// status stays IN_PROGRESS; only the workerCompleted flag flips.
func (s *TaskService) WorkerComplete(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.WorkerComplete",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AcceptedBy != workerID {
		return nil, domain.Rejected(domain.ReasonNotOwner)
	}

	updated, err := s.repo.CompareAndTransition(ctx, taskID, []domain.TaskStatus{domain.StatusInProgress}, domain.StatusInProgress, map[string]any{
		domain.FieldWorkerCompleted: true,
	})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			return nil, domain.Rejected(domain.ReasonBadState)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	s.notifyStatus(updated, updated.PostedBy)
	return updated, nil
}

// PosterConfirm closes the handshake: the poster confirms the work the worker
// already marked done, which is the only path into COMPLETED.
func (s *TaskService) PosterConfirm(ctx context.Context, taskID, posterID string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.PosterConfirm",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PostedBy != posterID {
		return nil, domain.Rejected(domain.ReasonNotOwner)
	}
	if !task.WorkerCompleted {
		return nil, domain.Rejected(domain.ReasonHandshakePending)
	}

	updated, err := s.repo.CompareAndTransition(ctx, taskID, []domain.TaskStatus{domain.StatusInProgress}, domain.StatusCompleted, map[string]any{
		domain.FieldCompletedAt: s.now(),
	})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			return nil, domain.Rejected(domain.ReasonBadState)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	s.logger.Info("task completed", "task_id", taskID, "worker_id", updated.AcceptedBy)
	s.notifyStatus(updated, updated.PostedBy, updated.AcceptedBy)
	return updated, nil
}

// Cancel ends a task early. The poster may cancel anywhere before completion;
// the worker only while holding the task and while under the daily cap, which
// also charges the worker's cancel counter.
func (s *TaskService) Cancel(ctx context.Context, taskID, callerID string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelTask",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch callerID {
	case task.PostedBy:
		return s.cancelByPoster(ctx, span, task)
	case task.AcceptedBy:
		if task.AcceptedBy == "" {
			return nil, domain.Rejected(domain.ReasonNotOwner)
		}
		return s.cancelByWorker(ctx, span, task, callerID)
	default:
		return nil, domain.Rejected(domain.ReasonNotOwner)
	}
}

func (s *TaskService) cancelByPoster(ctx context.Context, span trace.Span, task *domain.Task) (*domain.Task, error) {
	wasAvailable := task.Status.IsAvailable()
	worker := task.AcceptedBy

	updated, err := s.repo.CompareAndTransition(ctx, task.ID,
		[]domain.TaskStatus{domain.StatusOpen, domain.StatusSearching, domain.StatusAccepted, domain.StatusInProgress},
		domain.StatusCancelledByPoster,
		map[string]any{domain.FieldAcceptedBy: ""})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			return nil, domain.Rejected(domain.ReasonBadState)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	s.logger.Info("task cancelled by poster", "task_id", task.ID)
	if worker != "" {
		s.notify(worker, domain.EventTaskCancelled, domain.TaskCancelled{TaskID: task.ID, CancelledBy: task.PostedBy})
	}
	s.notifyStatus(updated, updated.PostedBy, worker)
	if wasAvailable {
		s.dispatcher.Retract(ctx, task.ID, "")
	}
	return updated, nil
}

func (s *TaskService) cancelByWorker(ctx context.Context, span trace.Span, task *domain.Task, workerID string) (*domain.Task, error) {
	day := domain.DayKey(s.now())
	cancels, err := s.stats.CancelCount(ctx, workerID, day)
	if err != nil {
		return nil, err
	}
	if cancels >= s.dailyCancelCap {
		return nil, domain.Rejected(domain.ReasonCancelCapReached)
	}

	updated, err := s.repo.CompareAndTransition(ctx, task.ID,
		[]domain.TaskStatus{domain.StatusAccepted, domain.StatusInProgress},
		domain.StatusCancelledByWorker,
		map[string]any{domain.FieldAcceptedBy: ""})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			return nil, domain.Rejected(domain.ReasonBadState)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	if _, err := s.stats.IncrCancelCount(ctx, workerID, day); err != nil {
		s.logger.Warn("failed to charge cancel counter", "worker_id", workerID, "error", err)
	}
	s.logger.Info("task cancelled by worker", "task_id", task.ID, "worker_id", workerID)
	s.notify(task.PostedBy, domain.EventTaskCancelled, domain.TaskCancelled{TaskID: task.ID, CancelledBy: workerID})
	s.notifyStatus(updated, updated.PostedBy, workerID)
	return updated, nil
}

// AdminCancel force-cancels a task regardless of who holds it.
func (s *TaskService) AdminCancel(ctx context.Context, taskID string) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "service.AdminCancel",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	worker := task.AcceptedBy
	updated, err := s.repo.CompareAndTransition(ctx, taskID,
		[]domain.TaskStatus{domain.StatusOpen, domain.StatusSearching, domain.StatusAccepted, domain.StatusInProgress},
		domain.StatusCancelledByAdmin,
		map[string]any{domain.FieldAcceptedBy: ""})
	if err != nil {
		if err == domain.ErrTaskNotAvailable {
			return nil, domain.Rejected(domain.ReasonBadState)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "compare-and-transition failed")
		return nil, err
	}

	s.logger.Warn("task cancelled by admin", "task_id", taskID)
	s.notify(task.PostedBy, domain.EventTaskCancelled, domain.TaskCancelled{TaskID: taskID, CancelledBy: "admin"})
	if worker != "" {
		s.notify(worker, domain.EventTaskCancelled, domain.TaskCancelled{TaskID: taskID, CancelledBy: "admin"})
	}
	s.notifyStatus(updated, updated.PostedBy, worker)
	s.dispatcher.Retract(ctx, taskID, "")
	return updated, nil
}

// SetHidden flips the moderation flag. Hiding an available task also retracts
// it from worker candidate lists.
func (s *TaskService) SetHidden(ctx context.Context, taskID string, hidden bool) error {
	ctx, span := s.tracer.Start(ctx, "service.SetHidden",
		trace.WithAttributes(attribute.String("task.id", taskID), attribute.Bool("hidden", hidden)))
	defer span.End()

	if err := s.repo.SetHidden(ctx, taskID, hidden); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update hidden flag")
		return err
	}
	if hidden {
		s.dispatcher.Retract(ctx, taskID, "")
	}
	return nil
}

// Realert re-broadcasts a still-available task on the poster's request,
// subject to the cooldown.
func (s *TaskService) Realert(ctx context.Context, taskID, posterID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "service.Realert",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.PostedBy != posterID {
		return 0, domain.Rejected(domain.ReasonNotOwner)
	}
	if !task.Dispatchable() {
		return 0, domain.Rejected(domain.ReasonBadState)
	}

	// Checked last so a rejected request does not consume the window.
	if !s.limiter.Allow(posterID, ratelimit.ActionRealert) {
		return 0, domain.Rejected(domain.ReasonRateLimited)
	}

	sent, err := s.dispatcher.Realert(ctx, task)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("alerts_sent", sent))
	return sent, nil
}

// Delete removes a task that never left the available pool.
func (s *TaskService) Delete(ctx context.Context, taskID, posterID string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteTask",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.PostedBy != posterID {
		return domain.Rejected(domain.ReasonNotOwner)
	}
	if !task.Status.IsAvailable() {
		return domain.Rejected(domain.ReasonBadState)
	}

	if err := s.repo.Delete(ctx, taskID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete task")
		return err
	}
	s.dispatcher.Retract(ctx, taskID, "")
	return nil
}

// WorkerStats reads the behavioral counters for a worker, scoped to today's
// cancel window.
func (s *TaskService) WorkerStats(ctx context.Context, workerID string) (*domain.WorkerStats, error) {
	ctx, span := s.tracer.Start(ctx, "service.WorkerStats",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	stats, err := s.stats.Stats(ctx, workerID, domain.DayKey(s.now()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read worker stats")
	}
	return stats, err
}

// notify delivers an event to a user's live connection if they have one.
// Best effort by design of the event channel.
func (s *TaskService) notify(userID, event string, payload any) {
	handle, ok := s.presence.SocketFor(userID)
	if !ok {
		return
	}
	if err := s.sender.Send(handle, event, payload); err != nil {
		s.logger.Warn("event delivery failed", "user_id", userID, "event", event, "error", err)
	}
}

func (s *TaskService) notifyStatus(task *domain.Task, userIDs ...string) {
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		s.notify(id, domain.EventTaskStatusChanged, domain.TaskStatusChanged{TaskID: task.ID, Status: task.Status})
	}
}
