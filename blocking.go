package tenantdb

import (
	"context"
	"sync"
)

// blockingExecutor runs synchronous work on a fixed set of dedicated worker
// goroutines, away from the goroutines that serve acquisitions. Jobs are
// handed over on a channel; each job reports back on its own one-shot
// channel. Workers start on first use.
type blockingExecutor struct {
	workers int
	jobs    chan func()
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newBlockingExecutor(workers int) *blockingExecutor {
	return &blockingExecutor{
		workers: workers,
		jobs:    make(chan func()),
		done:    make(chan struct{}),
	}
}

func (e *blockingExecutor) start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.work()
		}
	})
}

func (e *blockingExecutor) work() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-e.done:
			return
		}
	}
}

// stop lets running jobs finish and rejects new ones.
func (e *blockingExecutor) stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

// runBlocking hands fn to a worker and waits for its result. ctx only bounds
// the handoff: once a worker has accepted fn, runBlocking waits for it to
// return even if ctx ends, so state owned by fn is never abandoned mid-use.
// fn is expected to observe ctx itself.
func runBlocking[T any](ctx context.Context, e *blockingExecutor, fn func() T) (T, error) {
	var zero T
	select {
	case <-e.done:
		return zero, ErrPoolClosed
	default:
	}
	e.start()

	result := make(chan T, 1)
	job := func() { result <- fn() }

	select {
	case e.jobs <- job:
	case <-e.done:
		return zero, ErrPoolClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	return <-result, nil
}
