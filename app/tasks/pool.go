package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/feed"
)

var _ PoolInterface = (*Pool)(nil)

var ErrQueueFull = errors.New("task queue is full")

type PoolConfig struct {
	WorkerCount    int
	QueueSize      int
	TaskTimeout    time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Clock drives retry backoff. Nil means the wall clock.
	Clock clockwork.Clock
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		WorkerCount:    4,
		QueueSize:      300,
		TaskTimeout:    5 * time.Minute,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  60 * time.Second,
		Clock:          clockwork.NewRealClock(),
	}
}

// RetryDelay is the wait before attempt retryCount+1: base * 2^(retryCount-1),
// capped at ceiling.
func RetryDelay(retryCount int, base, ceiling time.Duration) time.Duration {
	if retryCount < 1 {
		return base
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return min(delay, ceiling)
}

type Pool struct {
	cfg       PoolConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	retries   sync.WaitGroup
	taskQueue chan TaskInterface
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan TaskInterface, cfg.QueueSize),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Debug("Task pool started", "workers", p.cfg.WorkerCount, "queue_size", p.cfg.QueueSize)
}

// Stop cancels running tasks and completes everything still queued with the
// cancellation error.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.retries.Wait()

	for {
		select {
		case task := <-p.taskQueue:
			task.Complete(p.ctx.Err())
		default:
			return
		}
	}
}

func (p *Pool) EnqueueTask(task TaskInterface) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.taskQueue:
			p.executeTask(id, task)

		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		task.Complete(nil)
		return
	}

	slog.Error("Worker task execution failed",
		"worker_id", workerID,
		"type", string(task.GetType()),
		"id", task.GetID(),
		"feed_url", task.GetFeedURL(),
		"retry_count", task.GetRetryCount(),
		"error", err)

	if p.ctx.Err() != nil {
		task.Complete(err)
		return
	}

	if !task.CanRetry(err) {
		if feed.ClassifyError(err).Retryable() {
			err = &feed.TooManyRetriesError{Attempts: task.GetRetryCount() + 1, Err: err}
			slog.Error("Task failed after maximum retries",
				"type", string(task.GetType()),
				"id", task.GetID(),
				"retry_count", task.GetRetryCount(),
				"max_retries", task.GetMaxRetries(),
				"last_error", err)
		}
		task.Complete(err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := RetryDelay(task.GetRetryCount(), p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay)

	slog.Warn("Task retry scheduled",
		"type", string(task.GetType()),
		"feed_url", task.GetFeedURL(),
		"retry_count", task.GetRetryCount(),
		"max_retries", task.GetMaxRetries(),
		"delay", retryDelay.String())

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()

		timer := p.cfg.Clock.NewTimer(retryDelay)
		defer timer.Stop()

		select {
		case <-p.ctx.Done():
			slog.Debug("Pool stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
			task.Complete(fmt.Errorf("retry abandoned: %w", err))
		case <-timer.Chan():
			if retryErr := p.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry",
					"type", string(task.GetType()),
					"id", task.GetID(),
					"retry_count", task.GetRetryCount(),
					"error", retryErr)
				task.Complete(err)
			}
		}
	}()
}
