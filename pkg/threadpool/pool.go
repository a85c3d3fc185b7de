// Package threadpool provides a fixed-size ring of worker slots used to run
// per-view projection tasks.
//
// Enqueue hands a job to the next slot in the ring and only blocks while that
// slot's previous job is still running. The number of concurrent jobs is
// therefore bounded by the pool size and no job queue grows without bound.
package threadpool

import (
	"runtime"
	"sync"
)

// slot holds the completion signal of the job last launched in it.
// A nil done channel means the slot has never been used.
type slot struct {
	done chan struct{}
}

// Pool is a ring buffer of worker slots. A Pool must not be copied.
// Enqueue and Wait are safe for concurrent use, but submission order is only
// meaningful from a single goroutine.
type Pool struct {
	mu     sync.Mutex
	slots  []slot
	cursor int
}

// New creates a pool with n slots. n <= 0 selects runtime.NumCPU().
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Pool{slots: make([]slot, n)}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Enqueue launches f in the next ring slot, first waiting for the job that
// previously occupied that slot to finish.
func (p *Pool) Enqueue(f func()) {
	p.mu.Lock()
	s := &p.slots[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.slots)
	if s.done != nil {
		<-s.done
	}
	done := make(chan struct{})
	s.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		f()
	}()
}

// Wait blocks until every slot has drained.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].done != nil {
			<-p.slots[i].done
		}
	}
}

// Close drains the pool. The pool stays usable afterwards.
func (p *Pool) Close() {
	p.Wait()
}
