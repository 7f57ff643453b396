package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrStopTimeout is returned by Stop when in-flight jobs outlived the grace period.
var ErrStopTimeout = errors.New("server: timeout waiting for ongoing requests to finish")

type job func(ctx context.Context)

// pool runs jobs on a fixed number of workers off a bounded queue. submit blocks
// while the queue is full.
type pool struct {
	jobs   chan job
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newPool(workers, queueSize int) *pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:   make(chan job, queueSize),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *pool) work() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j(p.ctx)
		case <-p.quit:
			// finish what is already queued
			for {
				select {
				case j := <-p.jobs:
					j(p.ctx)
				default:
					return
				}
			}
		}
	}
}

// submit queues j, blocking while the queue is full. It reports false once the
// pool is shutting down.
func (p *pool) submit(j job) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- j:
		return true
	case <-p.quit:
		return false
	}
}

// shutdown stops accepting jobs and waits up to grace for queued and running
// ones to finish, then cancels their context.
func (p *pool) shutdown(grace time.Duration) error {
	p.once.Do(func() { close(p.quit) })
	defer p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
