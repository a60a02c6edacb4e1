package feed

import (
	"context"
	"sync"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// Results are handed to a completion callback instead of a reply channel so
// workers never block on a caller that has gone away.
type workerPool[T, R any] struct {
	queue   chan T
	process func(ctx context.Context, t T) (R, error)
	done    func(t T, r R, err error)
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// newWorkerPool starts n goroutines reading from a queue of capacity depth.
func newWorkerPool[T, R any](ctx context.Context, n, depth int, fn func(context.Context, T) (R, error), done func(T, R, error)) *workerPool[T, R] {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &workerPool[T, R]{
		queue:   make(chan T, depth),
		process: fn,
		done:    done,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T, R]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			r, err := p.process(ctx, t)
			if p.done != nil {
				p.done(t, r, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a job without blocking (returns false if full or drained).
func (p *workerPool[T, R]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain closes the queue and waits for queued jobs to finish.
func (p *workerPool[T, R]) Drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Utilization returns queue used / capacity (0–1).
func (p *workerPool[T, R]) Utilization() float64 {
	return float64(len(p.queue)) / float64(cap(p.queue))
}
