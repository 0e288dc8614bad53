package worker

import (
	"sync"
)

// Pool runs jobs on at most size goroutines. It never queues: TryGo reports
// false when every slot is busy and the caller retries on its next tick.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) TryGo(fn func()) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

// Free is the number of idle slots.
func (p *Pool) Free() int { return cap(p.sem) - len(p.sem) }

func (p *Pool) InFlight() int { return len(p.sem) }

func (p *Pool) Size() int { return cap(p.sem) }

// Wait blocks until every started job has returned.
func (p *Pool) Wait() { p.wg.Wait() }
