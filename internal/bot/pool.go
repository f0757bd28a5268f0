package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// unitPool runs background units with bounded concurrency. Go never blocks the caller: the unit's
// goroutine waits for a slot itself.
type unitPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newUnitPool(size int) *unitPool {
	if size < 1 {
		size = 1
	}
	return &unitPool{sem: semaphore.NewWeighted(int64(size))}
}

// Go runs fn in the background and always calls done with its outcome. A panic in fn is
// reported to done as an error; so is a ctx that ends before a slot frees up.
func (p *unitPool) Go(ctx context.Context, fn func(ctx context.Context) error, done func(err error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			done(fmt.Errorf("waiting for a unit slot: %w", err))
			return
		}
		err := p.run(ctx, fn)
		p.sem.Release(1)
		done(err)
	}()
}

func (p *unitPool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("unitPool.run: unit recovered from panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("unit panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every unit has finished or ctx ends.
func (p *unitPool) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
