package jobs

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool runs submitted tasks with at most size running at once.
type Pool struct {
	sem   *semaphore.Weighted
	group *errgroup.Group
	ctx   context.Context
}

// NewPool creates a pool bound to ctx. The returned context is cancelled
// when ctx is cancelled or a task returns an error.
func NewPool(ctx context.Context, size int) (*Pool, context.Context) {
	if size < 1 {
		size = 1
	}
	group, gctx := errgroup.WithContext(ctx)
	return &Pool{
		sem:   semaphore.NewWeighted(int64(size)),
		group: group,
		ctx:   gctx,
	}, gctx
}

// Submit blocks until a slot is free, then starts task. It returns the
// context error without starting task once the pool is cancelled.
func (p *Pool) Submit(task func(ctx context.Context) error) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return err
	}
	p.group.Go(func() error {
		defer p.sem.Release(1)
		return task(p.ctx)
	})
	return nil
}

// Wait blocks until every started task has returned and reports the
// first task error.
func (p *Pool) Wait() error {
	return p.group.Wait()
}
