package domain

import "context"

// LeaderElectionManager elects the one process that runs the reclaim sweep.
// Campaign blocks until leadership is won; the returned channel closes when
// leadership is lost.
type LeaderElectionManager interface {
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
