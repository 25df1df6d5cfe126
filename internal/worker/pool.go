// Package worker runs best-effort background jobs on a fixed set of
// goroutines fed by a bounded queue. Jobs are detached from the request that
// submitted them: they receive the pool's own context, which is cancelled only
// when a shutdown deadline expires.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Shutdown when called twice.
var ErrClosed = errors.New("worker pool closed")

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "treebot_worker_queue_depth",
		Help: "Jobs waiting in the background worker queue.",
	})
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "treebot_worker_jobs_total",
		Help: "Background jobs by name and outcome (done, dropped, panic).",
	}, []string{"job", "outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth, jobsTotal)
}

// Job is a unit of background work.
type Job func(ctx context.Context)

type item struct {
	name string
	fn   Job
}

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	log    zerolog.Logger
	queue  chan item
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines reading from a queue of the given capacity.
// Non-positive values fall back to 1 worker and an unbuffered queue.
func New(workers, capacity int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:    log.With().Str("component", "worker").Logger(),
		queue:  make(chan item, capacity),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the pool is shutting down; the job is then dropped.
func (p *Pool) Submit(name string, fn Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		jobsTotal.WithLabelValues(name, "dropped").Inc()
		return false
	}
	select {
	case p.queue <- item{name: name, fn: fn}:
		queueDepth.Inc()
		return true
	default:
		jobsTotal.WithLabelValues(name, "dropped").Inc()
		p.log.Warn().Str("job", name).Msg("queue full, job dropped")
		return false
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. If ctx
// expires first, running jobs see their context cancelled and ctx.Err() is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for it := range p.queue {
		queueDepth.Dec()
		p.exec(it)
	}
}

func (p *Pool) exec(it item) {
	defer func() {
		if r := recover(); r != nil {
			jobsTotal.WithLabelValues(it.name, "panic").Inc()
			p.log.Error().Str("job", it.name).Interface("panic", r).Msg("background job panicked")
		}
	}()
	it.fn(p.ctx)
	jobsTotal.WithLabelValues(it.name, "done").Inc()
}
