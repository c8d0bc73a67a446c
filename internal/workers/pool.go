// Package workers runs persistence work off the connection goroutines on a
// fixed set of workers partitioned by key. Tasks sharing a key run in
// submission order; different keys proceed in parallel.
package workers

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool closed")

// ErrQueueFull is returned when a partition's queue has no room.
var ErrQueueFull = errors.New("worker queue full")

// Task is a unit of work. The context is detached from the submitter's
// cancellation so a write is never abandoned half way.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

// Config sizes the pool.
type Config struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// Pool is a keyed worker pool.
type Pool struct {
	queues []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a pool. Zero values pick 16 workers with 256 queued tasks each.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	p := &Pool{queues: make([]chan job, cfg.Workers)}
	for i := range p.queues {
		p.queues[i] = make(chan job, cfg.QueueSize)
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

func (p *Pool) run(queue <-chan job) {
	defer p.wg.Done()
	for j := range queue {
		j.done <- j.task(j.ctx)
	}
}

func (p *Pool) partition(key string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Do runs task on the worker owning key and waits for its result. Waiting
// stops when ctx is done, but the task itself still runs to completion.
func (p *Pool) Do(ctx context.Context, key string, task Task) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, key, task, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues task on the worker owning key without waiting for it. It never
// blocks; a full partition yields ErrQueueFull. Tasks may call Go.
func (p *Pool) Go(ctx context.Context, key string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	j := job{ctx: context.WithoutCancel(ctx), task: task, done: make(chan error, 1)}
	select {
	case p.partition(key) <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) enqueue(ctx context.Context, key string, task Task, done chan error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	j := job{ctx: context.WithoutCancel(ctx), task: task, done: done}
	select {
	case p.partition(key) <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	// Queue is momentarily full; wait for room unless the caller gives up.
	select {
	case p.partition(key) <- j:
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
