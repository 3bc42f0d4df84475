// Package threadpool runs jobs on a fixed set of worker goroutines fed by an
// unbounded FIFO queue.
//
// The pool has three phases. While accepting, Dispatch appends to the tail of
// the queue and wakes one idle worker. Destroy stops accepting (later
// Dispatch calls are dropped without an error), waits until the queue has
// been emptied, then tells every worker to exit and joins them. Jobs already
// taken by a worker always run to completion.
package threadpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultMaxSize is the largest pool accepted when the caller passes limit <= 0.
const DefaultMaxSize = 200

// ErrInvalidSize is returned by New for a pool size outside [1, limit].
var ErrInvalidSize = errors.New("threadpool: illegal number of workers")

// Job is one unit of work. It runs synchronously on a worker goroutine.
type Job func()

// Pool is a fixed-size worker pool. The zero value is not usable; call New.
type Pool struct {
	mu       sync.Mutex
	notEmpty *sync.Cond // queue gained a job, or shutdown began
	drained  *sync.Cond // queue became empty while not accepting

	queue      []Job
	dontAccept bool
	shutdown   bool

	size int
	wg   sync.WaitGroup
}

// New starts size workers. limit bounds size; limit <= 0 means DefaultMaxSize.
func New(size, limit int) (*Pool, error) {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	if size <= 0 || size > limit {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidSize, size, limit)
	}
	p := &Pool{size: size}
	p.notEmpty = sync.NewCond(&p.mu)
	p.drained = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}
	log.Debug().Int("workers", size).Msg("threadpool started")
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dispatch enqueues job. Once Destroy has been called the job is dropped
// silently; the caller gets no indication.
func (p *Pool) Dispatch(job Job) {
	if job == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dontAccept {
		return
	}
	p.queue = append(p.queue, job)
	p.notEmpty.Signal()
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.notEmpty.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if len(p.queue) == 0 && p.dontAccept {
			p.drained.Broadcast()
		}
		p.mu.Unlock()

		p.run(id, job)
	}
}

// run executes job and keeps the worker alive if it panics.
func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("worker", id).Msg("job panicked")
		}
	}()
	job()
}

// Destroy stops accepting work, waits for the queue to drain, then stops and
// joins every worker. It is safe to call more than once.
func (p *Pool) Destroy() {
	p.mu.Lock()
	p.dontAccept = true
	for len(p.queue) > 0 {
		p.drained.Wait()
	}
	p.shutdown = true
	p.notEmpty.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	log.Debug().Int("workers", p.size).Msg("threadpool stopped")
}
