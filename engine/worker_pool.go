package engine

import (
	"context"
	"sync"
)

// TaskChannel queues tasks for the workers of a pool.
type TaskChannel chan Task

// TaskHandler processes one task. Errors are the handler's to record; the
// pool only keeps workers running.
type TaskHandler func(context.Context, Task) error

// WorkerPool drains a TaskChannel with a resizable set of goroutines.
type WorkerPool struct {
	tasks   TaskChannel
	handler TaskHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	retire []chan struct{}
	wg     sync.WaitGroup
}

// NewWorkerPool returns a pool with no workers. Call SetWorkerCount to
// start draining tasks.
func NewWorkerPool(ctx context.Context, tasks TaskChannel, handler TaskHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		tasks:   tasks,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetWorkerCount grows or shrinks the pool to count workers, at least one.
// A retired worker finishes the task it holds before exiting.
func (p *WorkerPool) SetWorkerCount(count int) {
	if count < 1 {
		count = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.retire) < count {
		quit := make(chan struct{})
		p.retire = append(p.retire, quit)
		p.wg.Add(1)
		go p.work(quit)
	}
	for len(p.retire) > count {
		last := len(p.retire) - 1
		close(p.retire[last])
		p.retire = p.retire[:last]
	}
}

// WorkerCount returns the number of workers the pool is sized to.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retire)
}

func (p *WorkerPool) work(quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		// A retired or stopped worker takes no new task even if one is ready.
		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		default:
		}

		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			_ = p.handler(p.ctx, task)
		}
	}
}

// Stop cancels running handlers and waits for every worker to exit.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
