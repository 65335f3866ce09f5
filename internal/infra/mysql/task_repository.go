// internal/infra/mysql/task_repository.go
package mysql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"task-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// taskRecord is the relational shape of a task.
type taskRecord struct {
	ID       string  `gorm:"primaryKey;type:varchar(36)"`
	Title    string  `gorm:"type:varchar(255);not null"`
	Category string  `gorm:"type:varchar(64)"`
	Budget   float64 `gorm:"type:decimal(15,2);not null"`

	Lat  float64 `gorm:"not null"`
	Lng  float64 `gorm:"not null"`
	Area string  `gorm:"type:varchar(128)"`

	Status   string `gorm:"type:varchar(32);not null;index"`
	PostedBy string `gorm:"type:varchar(64);not null;index"`

	AcceptedBy      string `gorm:"type:varchar(64);index"`
	AcceptedAt      *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	WorkerCompleted bool `gorm:"not null;default:0"`

	LastAlertedAt *time.Time
	IsHidden      bool `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (taskRecord) TableName() string { return "tasks" }

func toRecord(t *domain.Task) *taskRecord {
	return &taskRecord{
		ID:              t.ID,
		Title:           t.Title,
		Category:        t.Category,
		Budget:          t.Budget,
		Lat:             t.Location.Lat,
		Lng:             t.Location.Lng,
		Area:            t.Location.Area,
		Status:          string(t.Status),
		PostedBy:        t.PostedBy,
		AcceptedBy:      t.AcceptedBy,
		AcceptedAt:      t.AcceptedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		WorkerCompleted: t.WorkerCompleted,
		LastAlertedAt:   t.LastAlertedAt,
		IsHidden:        t.IsHidden,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func (r *taskRecord) toDomain() *domain.Task {
	return &domain.Task{
		ID:              r.ID,
		Title:           r.Title,
		Category:        r.Category,
		Budget:          r.Budget,
		Location:        domain.Location{Lat: r.Lat, Lng: r.Lng, Area: r.Area},
		Status:          domain.TaskStatus(r.Status),
		PostedBy:        r.PostedBy,
		AcceptedBy:      r.AcceptedBy,
		AcceptedAt:      r.AcceptedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		WorkerCompleted: r.WorkerCompleted,
		LastAlertedAt:   r.LastAlertedAt,
		IsHidden:        r.IsHidden,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type mysqlTaskRepository struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// NewMysqlTaskRepository creates the MySQL-backed system of record. The
// accept race is decided by a conditional UPDATE whose WHERE clause carries
// the expected statuses; the row lock makes it atomic and RowsAffected tells
// the losers apart.
func NewMysqlTaskRepository(db *gorm.DB, logger *slog.Logger) domain.TaskRepository {
	return &mysqlTaskRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("task-dispatch-mysql-repo"),
	}
}

func (r *mysqlTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.CreateTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID))

	if err := r.db.WithContext(ctx).Create(toRecord(task)).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert task")
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

func (r *mysqlTaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	var rec taskRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read task")
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return rec.toDomain(), nil
}

func (r *mysqlTaskRepository) Delete(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.DeleteTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	if err := r.db.WithContext(ctx).Delete(&taskRecord{}, "id = ?", id).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete task")
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

func (r *mysqlTaskRepository) CompareAndTransition(ctx context.Context, id string, expected []domain.TaskStatus, next domain.TaskStatus, fields map[string]any) (*domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.CompareAndTransition",
		trace.WithAttributes(attribute.String("task.id", id), attribute.String("task.next_status", string(next))))
	defer span.End()

	values, err := transitionColumns(next, fields)
	if err != nil {
		return nil, err
	}

	statuses := make([]string, len(expected))
	for i, s := range expected {
		statuses[i] = string(s)
	}

	res := r.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(values)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, "transition update failed")
		return nil, fmt.Errorf("failed to transition task %s: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		// Either the task is gone or its status moved. One read decides.
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrTaskNotAvailable
	}

	return r.Get(ctx, id)
}

// transitionColumns maps transition fields onto columns. Unknown fields are
// rejected rather than passed through so a typo cannot silently write a
// stray column.
func transitionColumns(next domain.TaskStatus, fields map[string]any) (map[string]any, error) {
	values := map[string]any{
		"status":     string(next),
		"updated_at": time.Now(),
	}
	for key, val := range fields {
		switch key {
		case domain.FieldAcceptedBy, domain.FieldAcceptedAt, domain.FieldStartedAt,
			domain.FieldCompletedAt, domain.FieldWorkerCompleted:
			values[key] = val
		default:
			return nil, fmt.Errorf("unknown transition field %q", key)
		}
	}
	return values, nil
}

func (r *mysqlTaskRepository) SetLastAlerted(ctx context.Context, id string, at time.Time) error {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.SetLastAlerted")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	err := r.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ?", id).
		Update("last_alerted_at", at).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stamp last alert time")
		return fmt.Errorf("failed to stamp task %s: %w", id, err)
	}
	return nil
}

func (r *mysqlTaskRepository) SetHidden(ctx context.Context, id string, hidden bool) error {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.SetHidden")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id), attribute.Bool("hidden", hidden))

	res := r.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ?", id).
		Update("is_hidden", hidden)
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, "failed to update hidden flag")
		return fmt.Errorf("failed to update task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *mysqlTaskRepository) WorkerHasActiveTask(ctx context.Context, workerID string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.WorkerHasActiveTask")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	var count int64
	err := r.db.WithContext(ctx).Model(&taskRecord{}).
		Where("accepted_by = ? AND status IN ?", workerID,
			[]string{string(domain.StatusAccepted), string(domain.StatusInProgress)}).
		Count(&count).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count active tasks")
		return false, fmt.Errorf("failed to check active tasks for %s: %w", workerID, err)
	}
	return count > 0, nil
}

func (r *mysqlTaskRepository) ListOverdueAccepted(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.ListOverdueAccepted")
	defer span.End()

	var recs []taskRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at IS NULL AND accepted_at < ?", string(domain.StatusAccepted), cutoff).
		Find(&recs).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query overdue tasks")
		return nil, fmt.Errorf("failed to list overdue tasks: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, recs[i].toDomain())
	}
	span.SetAttributes(attribute.Int("overdue_tasks", len(tasks)))
	return tasks, nil
}
