package aio

import (
	"runtime"
	"sync"
)

// workPool is the small pool of worker goroutines that run completion
// callbacks, kept separate from the expiration goroutines so a slow
// callback never delays a timer scan.
type workPool struct {
	tasks chan func()
	once  sync.Once
}

var (
	defaultWork     *workPool
	defaultWorkOnce sync.Once
)

func defaultWorkPool() *workPool {
	defaultWorkOnce.Do(func() {
		defaultWork = newWorkPool(0)
	})
	return defaultWork
}

// newWorkPool starts n worker goroutines (min 1); n <= 0 defaults to
// one per CPU core.
func newWorkPool(n int) *workPool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	p := &workPool{tasks: make(chan func(), 64)}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *workPool) worker() {
	for fn := range p.tasks {
		fn()
	}
}

func (p *workPool) submit(fn func()) {
	p.tasks <- fn
}

// submitWork dispatches fn to the default completion-callback worker pool.
func submitWork(fn func()) {
	defaultWorkPool().submit(fn)
}
