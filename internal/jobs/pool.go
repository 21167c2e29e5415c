package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/parley/internal/models"
)

// Handler executes one decoded job.
type Handler interface {
	Handle(ctx context.Context, p Payload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p Payload) error

func (f HandlerFunc) Handle(ctx context.Context, p Payload) error { return f(ctx, p) }

type registration struct {
	queue       string
	concurrency int
	exclusive   bool
	handler     Handler
}

// Pool runs workers that poll the queue.
type Pool struct {
	queue    *Queue
	interval time.Duration
	regs     []registration
}

// NewPool creates a Pool polling every interval when a queue is idle.
func NewPool(q *Queue, interval time.Duration) *Pool {
	if interval <= 0 {
		interval = time.Second
	}
	return &Pool{queue: q, interval: interval}
}

// Register attaches handler to queue with concurrency workers. exclusive
// serializes jobs sharing a partition key.
func (p *Pool) Register(queue string, concurrency int, exclusive bool, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.regs = append(p.regs, registration{queue: queue, concurrency: concurrency, exclusive: exclusive, handler: handler})
}

// Run starts all workers and blocks until ctx is cancelled and every
// in-flight job has returned.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.regs) == 0 {
		return fmt.Errorf("jobs: no handlers registered")
	}
	var wg sync.WaitGroup
	for _, r := range p.regs {
		for i := 0; i < r.concurrency; i++ {
			wg.Add(1)
			go func(r registration) {
				defer wg.Done()
				p.work(ctx, r)
			}(r)
		}
		log.Printf("jobs: %d worker(s) on %s", r.concurrency, r.queue)
	}
	wg.Wait()
	return nil
}

func (p *Pool) work(ctx context.Context, r registration) {
	for {
		ran, err := p.runOne(ctx, r)
		if err != nil && ctx.Err() == nil {
			log.Printf("jobs: %s: %v", r.queue, err)
		}
		if ran {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// RunOnce claims and runs at most one job of queue using its registered
// handler. It reports whether a job was run.
func (p *Pool) RunOnce(ctx context.Context, queue string) (bool, error) {
	for _, r := range p.regs {
		if r.queue == queue {
			return p.runOne(ctx, r)
		}
	}
	return false, fmt.Errorf("jobs: no handler for queue %s", queue)
}

func (p *Pool) runOne(ctx context.Context, r registration) (bool, error) {
	job, err := p.queue.Claim(ctx, r.queue, r.exclusive)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Finish bookkeeping even when the pool is shutting down.
	bookCtx := context.WithoutCancel(ctx)
	if herr := p.execute(ctx, r.handler, job); herr != nil {
		if IsPermanent(herr) {
			log.Printf("jobs: %s job %d (%s) failed permanently: %v", r.queue, job.ID, job.Kind, herr)
		} else {
			log.Printf("jobs: %s job %d (%s) attempt %d failed: %v", r.queue, job.ID, job.Kind, job.Attempts, herr)
		}
		return true, p.queue.Fail(bookCtx, job, herr)
	}
	return true, p.queue.Complete(bookCtx, job)
}

func (p *Pool) execute(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("jobs: handler panic: %v", rec)
		}
	}()
	payload, err := Decode(Kind(job.Kind), []byte(job.Payload))
	if err != nil {
		return err
	}
	return h.Handle(ctx, payload)
}
