// Package compute provides the fixed-size worker pool shared by statistics,
// histogram and tile compression tasks.
package compute

import (
	"context"
	"runtime"
	"sync"
)

// Pool executes submitted tasks on a fixed number of workers. Message
// handling enqueues work here without blocking the accept path.
type Pool struct {
	queue    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates a pool with the given number of workers; zero or negative
// means one worker per CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{queue: make(chan func(), 256)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		task()
	}
}

// Submit enqueues a task. It returns the context error when the caller's
// context is cancelled before the task could be accepted.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the queue and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
	})
}

// Chunks returns the number of range partitions used for n elements: one
// per CPU, never more than n.
func Chunks(n int) int {
	c := runtime.NumCPU()
	if c > n {
		c = n
	}
	if c < 1 {
		c = 1
	}
	return c
}

// ParallelFor partitions [0, n) into `chunks` contiguous ranges and runs fn
// on each concurrently. The chunk index lets callers accumulate per-chunk
// partials and merge them in a fixed order, keeping reductions
// deterministic. A cancellation checkpoint runs after every chunk, so
// abandoned requests stop after at most one chunk of extra work per worker.
func ParallelFor(ctx context.Context, n, chunks int, fn func(chunk, start, end int)) error {
	if n <= 0 {
		return ctx.Err()
	}
	if chunks <= 0 {
		chunks = Chunks(n)
	}
	if chunks > n {
		chunks = n
	}
	size := (n + chunks - 1) / chunks

	var wg sync.WaitGroup
	sem := make(chan struct{}, runtime.NumCPU())
	for c := 0; c < chunks; c++ {
		start := c * size
		end := start + size
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(chunk, start, end int) {
			defer wg.Done()
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}
			fn(chunk, start, end)
		}(c, start, end)
	}
	wg.Wait()
	return ctx.Err()
}
