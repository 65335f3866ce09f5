// internal/infra/mysql/worker_stats_repository.go
package mysql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"task-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type workerCancelRecord struct {
	WorkerID string `gorm:"primaryKey;type:varchar(64)"`
	Day      string `gorm:"primaryKey;type:varchar(10)"`
	Count    int    `gorm:"not null;default:0"`
}

func (workerCancelRecord) TableName() string { return "worker_cancels" }

type workerNoShowRecord struct {
	WorkerID string `gorm:"primaryKey;type:varchar(64)"`
	Count    int    `gorm:"not null;default:0"`
}

func (workerNoShowRecord) TableName() string { return "worker_no_shows" }

type mysqlWorkerStatsRepository struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// NewMysqlWorkerStatsRepository persists per-worker behavioral counters.
// Increments go through an upsert so two concurrent writes both land.
func NewMysqlWorkerStatsRepository(db *gorm.DB, logger *slog.Logger) domain.WorkerStatsRepository {
	return &mysqlWorkerStatsRepository{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("task-dispatch-mysql-stats"),
	}
}

func (r *mysqlWorkerStatsRepository) IncrCancelCount(ctx context.Context, workerID, day string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.IncrCancelCount",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("count + 1")}),
	}).Create(&workerCancelRecord{WorkerID: workerID, Day: day, Count: 1}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to increment cancel count for %s: %w", workerID, err)
	}
	return r.CancelCount(ctx, workerID, day)
}

func (r *mysqlWorkerStatsRepository) CancelCount(ctx context.Context, workerID, day string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.CancelCount",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	var rec workerCancelRecord
	err := r.db.WithContext(ctx).First(&rec, "worker_id = ? AND day = ?", workerID, day).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cancel count for %s: %w", workerID, err)
	}
	return rec.Count, nil
}

func (r *mysqlWorkerStatsRepository) IncrNoShowCount(ctx context.Context, workerID string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.IncrNoShowCount",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("count + 1")}),
	}).Create(&workerNoShowRecord{WorkerID: workerID, Count: 1}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to increment no-show count for %s: %w", workerID, err)
	}

	var rec workerNoShowRecord
	if err := r.db.WithContext(ctx).First(&rec, "worker_id = ?", workerID).Error; err != nil {
		return 0, fmt.Errorf("failed to read no-show count for %s: %w", workerID, err)
	}
	return rec.Count, nil
}

func (r *mysqlWorkerStatsRepository) Stats(ctx context.Context, workerID, day string) (*domain.WorkerStats, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mysql.WorkerStats",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	cancels, err := r.CancelCount(ctx, workerID, day)
	if err != nil {
		return nil, err
	}

	var rec workerNoShowRecord
	noShows := 0
	err = r.db.WithContext(ctx).First(&rec, "worker_id = ?", workerID).Error
	if err == nil {
		noShows = rec.Count
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read no-show count for %s: %w", workerID, err)
	}

	return &domain.WorkerStats{
		WorkerID:     workerID,
		DailyCancels: cancels,
		NoShows:      noShows,
	}, nil
}
