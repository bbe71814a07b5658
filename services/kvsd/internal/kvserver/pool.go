package kvserver

import (
	"runtime"
	"sync"
)

// Pool runs request handlers on a fixed set of goroutines shared by every
// connection. Submit blocks while the queue is full.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4 * runtime.GOMAXPROCS(0)
	}
	p := &Pool{tasks: make(chan func(), workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Close stops the workers after the queued tasks finish. No Submit may
// follow.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}
