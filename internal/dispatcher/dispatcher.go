// Package dispatcher manages worker fan-out over the frontier.
package dispatcher

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a worker loop. A non-nil error is fatal for the whole pool.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher runs a fixed pool of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until every one has returned. The first
// fatal error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	err := g.Wait()
	if err != nil {
		d.logger.Error("worker pool stopped on fatal error", zap.Error(err))
		return err
	}
	d.logger.Info("workers stopped")
	return nil
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}
