// Package worker runs detached background tasks on a fixed set of goroutines
// fed by a bounded queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/metrics"
)

// Task is a unit of detached work. Its error is logged and counted, never
// returned to whoever submitted it.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config defines the pool size and per-task limits
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// Pool is a bounded worker pool.
type Pool struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	config  Config

	queue chan Task

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates the pool and starts its workers.
func NewPool(config Config, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger.Named("worker-pool"),
		metrics: m,
		config:  config,
		queue:   make(chan Task, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go p.work(i)
	}

	p.logger.Info("Started worker pool",
		zap.Int("workers", config.Workers),
		zap.Int("queue_size", config.QueueSize))
	return p
}

// Submit enqueues task without blocking. It returns ErrQueueFull when the queue
// is at capacity.
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- task:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		p.metrics.TaskDropped(task.Name)
		return ErrQueueFull
	}
}

// QueueDepth returns the number of queued tasks.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Stop rejects new tasks and waits for queued ones to finish. When ctx expires
// first the running tasks are cancelled and ctx.Err() is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool", zap.Int("queued", len(p.queue)))

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
		return ctx.Err()
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for task := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.TaskDone(task.Name, metrics.TaskPanicked)
			p.logger.Error("Task panicked",
				zap.Int("worker", id),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	if err := task.Run(ctx); err != nil {
		p.metrics.TaskDone(task.Name, metrics.TaskFailed)
		p.logger.Error("Task failed",
			zap.Int("worker", id),
			zap.String("task", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}

	p.metrics.TaskDone(task.Name, metrics.TaskSucceeded)
	p.logger.Debug("Task completed",
		zap.Int("worker", id),
		zap.String("task", task.Name),
		zap.Duration("duration", time.Since(start)))
}
