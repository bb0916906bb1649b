package pool

import (
	"context"
	"fmt"
	"sync"
)

// WorkerPool bounds the number of tasks running at once. The bound can be
// changed while tasks run; lowering it never interrupts running tasks, it only
// holds back new acquisitions until enough of them finish.
type WorkerPool struct {
	mu       sync.Mutex
	limit    int
	active   int
	wg       sync.WaitGroup
	released chan struct{}
}

func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		limit:    maxWorkers,
		released: make(chan struct{}, 1),
	}
}

func (p *WorkerPool) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	raised := n > p.limit
	p.limit = n
	p.mu.Unlock()

	if raised {
		p.notify()
	}
}

func (p *WorkerPool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

func (p *WorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Free returns how many more slots can be acquired right now.
func (p *WorkerPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active >= p.limit {
		return 0
	}
	return p.limit - p.active
}

func (p *WorkerPool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active >= p.limit {
		return false
	}
	p.active++
	p.wg.Add(1)
	return true
}

func (p *WorkerPool) Release() {
	p.mu.Lock()
	if p.active == 0 {
		p.mu.Unlock()
		panic("pool: release without acquire")
	}
	p.active--
	p.mu.Unlock()

	p.wg.Done()
	p.notify()
}

// Run executes fn in its own goroutine on a slot obtained from TryAcquire.
// The slot is released when fn returns, even if fn or onDone panics.
func (p *WorkerPool) Run(ctx context.Context, fn func(context.Context) error, onDone func(error)) {
	go func() {
		defer p.Release()

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
			if onDone != nil {
				callDone(onDone, err)
			}
		}()
		err = fn(ctx)
	}()
}

// callDone runs onDone and drops a panic raised by it.
func callDone(onDone func(error), err error) {
	defer func() { _ = recover() }()
	onDone(err)
}

// Released is signalled after a slot is returned or the limit is raised.
func (p *WorkerPool) Released() <-chan struct{} {
	return p.released
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) notify() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}
