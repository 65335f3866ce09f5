// internal/infra/etcd/task_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"task-dispatch/internal/domain"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TaskSaveDir = "/dispatch/tasks/"

	// casMaxAttempts bounds the ModRevision retry loop. Each retry re-reads
	// the record, so a genuine status change surfaces as not-available long
	// before the bound is hit; the bound only guards against a pathological
	// stream of unrelated concurrent writes.
	casMaxAttempts = 5
)

type etcdTaskRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdTaskRepository creates the etcd-backed system of record for tasks.
// The accept race is decided here: a transactional put conditioned on the
// record's ModRevision is the single atomic compare-and-swap.
func NewEtcdTaskRepository(client *clientv3.Client, logger *slog.Logger) domain.TaskRepository {
	return &etcdTaskRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("task-dispatch-etcd-repo"),
	}
}

func taskKey(id string) string {
	return path.Join(TaskSaveDir, id)
}

// Create persists a new task record.
func (r *etcdTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CreateTask")
	defer span.End()

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task to JSON: %w", err)
	}

	key := taskKey(task.ID)
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("etcd.key", key),
	)

	_, err = r.client.Put(ctx, key, string(taskJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put task to etcd")
		return fmt.Errorf("failed to save task %s to etcd: %w", task.ID, err)
	}
	return nil
}

// Get retrieves a task record.
func (r *etcdTaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, _, err := r.getWithRevision(ctx, id)
	if err != nil {
		if err != domain.ErrTaskNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to get task from etcd")
		}
		return nil, err
	}
	return task, nil
}

// Delete removes a task record.
func (r *etcdTaskRepository) Delete(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	_, err := r.client.Delete(ctx, taskKey(id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete task from etcd")
		return fmt.Errorf("failed to delete task %s from etcd: %w", id, err)
	}
	return nil
}

// CompareAndTransition performs the guarded status write. The status
// predicate is evaluated against the freshly read record, and the put only
// commits if the record's ModRevision has not moved since that read. Exactly
// one of N racing callers commits; the rest re-read, find the status gone,
// and report not-available. The hidden flag is not consulted here: a hidden
// task keeps its state machine, and the visibility guards live with the
// accept and start paths.
func (r *etcdTaskRepository) CompareAndTransition(ctx context.Context, id string, expected []domain.TaskStatus, next domain.TaskStatus, fields map[string]any) (*domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CompareAndTransition",
		trace.WithAttributes(attribute.String("task.id", id), attribute.String("task.next_status", string(next))))
	defer span.End()

	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		task, rev, err := r.getWithRevision(ctx, id)
		if err != nil {
			return nil, err
		}

		if !statusIn(task.Status, expected) {
			return nil, domain.ErrTaskNotAvailable
		}

		if err := task.ApplyTransition(next, fields); err != nil {
			return nil, err
		}
		taskJSON, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task to JSON: %w", err)
		}

		txn, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(taskKey(id)), "=", rev)).
			Then(clientv3.OpPut(taskKey(id), string(taskJSON))).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transition txn failed")
			return nil, fmt.Errorf("failed to transition task %s: %w", id, err)
		}
		if txn.Succeeded {
			span.SetAttributes(attribute.Int("cas.attempts", attempt+1))
			return task, nil
		}
		// Somebody else wrote first. The re-read at the top of the loop
		// decides whether the task is still eligible.
	}

	r.logger.Warn("transition retries exhausted", "task_id", id)
	return nil, domain.ErrTaskNotAvailable
}

// SetLastAlerted stamps the broadcast cooldown. Goes through the same
// revision-guarded write so it cannot clobber a concurrent transition.
func (r *etcdTaskRepository) SetLastAlerted(ctx context.Context, id string, at time.Time) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SetLastAlerted")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	return r.patch(ctx, id, func(task *domain.Task) {
		task.LastAlertedAt = &at
	})
}

// SetHidden flips the moderation flag.
func (r *etcdTaskRepository) SetHidden(ctx context.Context, id string, hidden bool) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SetHidden")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id), attribute.Bool("hidden", hidden))

	return r.patch(ctx, id, func(task *domain.Task) {
		task.IsHidden = hidden
		task.UpdatedAt = time.Now()
	})
}

// WorkerHasActiveTask scans for a task the worker currently holds. The task
// space is the active pool of a city, small enough that a prefix scan beats
// maintaining a secondary index under the CAS writes.
func (r *etcdTaskRepository) WorkerHasActiveTask(ctx context.Context, workerID string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.WorkerHasActiveTask")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	tasks, err := r.list(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to scan tasks")
		return false, err
	}
	for _, task := range tasks {
		if task.AcceptedBy == workerID &&
			(task.Status == domain.StatusAccepted || task.Status == domain.StatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

// ListOverdueAccepted returns the reclaim sweep's candidates.
func (r *etcdTaskRepository) ListOverdueAccepted(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListOverdueAccepted")
	defer span.End()

	tasks, err := r.list(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to scan tasks")
		return nil, err
	}

	overdue := make([]*domain.Task, 0)
	for _, task := range tasks {
		if task.Status == domain.StatusAccepted && task.StartedAt == nil &&
			task.AcceptedAt != nil && task.AcceptedAt.Before(cutoff) {
			overdue = append(overdue, task)
		}
	}
	span.SetAttributes(attribute.Int("overdue_tasks", len(overdue)))
	return overdue, nil
}

func (r *etcdTaskRepository) getWithRevision(ctx context.Context, id string) (*domain.Task, int64, error) {
	resp, err := r.client.Get(ctx, taskKey(id))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get task %s from etcd: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, domain.ErrTaskNotFound
	}

	var task domain.Task
	if err := json.Unmarshal(resp.Kvs[0].Value, &task); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal task %s from JSON: %w", id, err)
	}
	return &task, resp.Kvs[0].ModRevision, nil
}

// patch applies a field mutation under the same revision guard as
// CompareAndTransition, without a status predicate.
func (r *etcdTaskRepository) patch(ctx context.Context, id string, mutate func(*domain.Task)) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		task, rev, err := r.getWithRevision(ctx, id)
		if err != nil {
			return err
		}
		mutate(task)

		taskJSON, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task to JSON: %w", err)
		}

		txn, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(taskKey(id)), "=", rev)).
			Then(clientv3.OpPut(taskKey(id), string(taskJSON))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to patch task %s: %w", id, err)
		}
		if txn.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("failed to patch task %s: retries exhausted", id)
}

func (r *etcdTaskRepository) list(ctx context.Context) ([]*domain.Task, error) {
	resp, err := r.client.Get(ctx, TaskSaveDir, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks from etcd: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var task domain.Task
		if err := json.Unmarshal(kv.Value, &task); err != nil {
			r.logger.Warn("failed to unmarshal task from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func statusIn(status domain.TaskStatus, set []domain.TaskStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}
