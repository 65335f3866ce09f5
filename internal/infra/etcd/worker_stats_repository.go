// internal/infra/etcd/worker_stats_repository.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"task-dispatch/internal/domain"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const WorkerStatsDir = "/dispatch/workers/"

type etcdWorkerStatsRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdWorkerStatsRepository persists per-worker behavioral counters in
// etcd. Counters are plain integers under revision-guarded keys; cancel
// counts embed the local day in the key so yesterday's entries just stop
// being read.
func NewEtcdWorkerStatsRepository(client *clientv3.Client, logger *slog.Logger) domain.WorkerStatsRepository {
	return &etcdWorkerStatsRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("task-dispatch-etcd-stats"),
	}
}

func cancelKey(workerID, day string) string {
	return path.Join(WorkerStatsDir, workerID, "cancels", day)
}

func noShowKey(workerID string) string {
	return path.Join(WorkerStatsDir, workerID, "noshows")
}

func (r *etcdWorkerStatsRepository) IncrCancelCount(ctx context.Context, workerID, day string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.IncrCancelCount",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	return r.incr(ctx, cancelKey(workerID, day))
}

func (r *etcdWorkerStatsRepository) CancelCount(ctx context.Context, workerID, day string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CancelCount",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	return r.read(ctx, cancelKey(workerID, day))
}

func (r *etcdWorkerStatsRepository) IncrNoShowCount(ctx context.Context, workerID string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.IncrNoShowCount",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	return r.incr(ctx, noShowKey(workerID))
}

func (r *etcdWorkerStatsRepository) Stats(ctx context.Context, workerID, day string) (*domain.WorkerStats, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.WorkerStats",
		trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	cancels, err := r.read(ctx, cancelKey(workerID, day))
	if err != nil {
		return nil, err
	}
	noShows, err := r.read(ctx, noShowKey(workerID))
	if err != nil {
		return nil, err
	}
	return &domain.WorkerStats{
		WorkerID:     workerID,
		DailyCancels: cancels,
		NoShows:      noShows,
	}, nil
}

// incr bumps a counter key atomically. A missing key has CreateRevision 0,
// which lets one transaction both create and increment without a race.
func (r *etcdWorkerStatsRepository) incr(ctx context.Context, key string) (int, error) {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		resp, err := r.client.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
		}

		current := 0
		var cmp clientv3.Cmp
		if len(resp.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			current, err = strconv.Atoi(string(resp.Kvs[0].Value))
			if err != nil {
				return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
			}
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
		}

		next := current + 1
		txn, err := r.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, strconv.Itoa(next))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
		}
		if txn.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("failed to increment counter %s: retries exhausted", key)
}

func (r *etcdWorkerStatsRepository) read(ctx context.Context, key string) (int, error) {
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return n, nil
}
