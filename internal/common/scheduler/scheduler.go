package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lc-server/internal/common/logger"
)

// Task runs a job periodically until stopped
type Task struct {
	name     string
	interval time.Duration
	aligned  bool
	job      func(ctx context.Context)
	logger   logger.Logger

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	done      chan struct{}
}

// Option configures a Task
type Option func(*Task)

// Aligned makes ticks fire on wall clock multiples of the interval
// (every 10 minutes means :00, :10, :20 ...) instead of relative to Start.
func Aligned() Option {
	return func(t *Task) { t.aligned = true }
}

// NewTask creates a new periodic task
func NewTask(name string, interval time.Duration, job func(ctx context.Context), log logger.Logger, opts ...Option) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		job:      job,
		logger:   log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NextTick returns the first wall clock multiple of interval after now
func NextTick(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Start begins the tick loop
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isRunning {
		return fmt.Errorf("task %s is already running", t.name)
	}
	if t.interval <= 0 {
		return fmt.Errorf("task %s has no interval", t.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancelFn = cancel
	t.done = make(chan struct{})
	t.isRunning = true

	t.logger.Debug("Starting task", "task", t.name, "interval", t.interval, "aligned", t.aligned)

	go t.loop(ctx, t.done)
	return nil
}

// Stop cancels the task and waits for the loop to exit. No job runs after
// Stop returns. It must not be called from inside the job.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return
	}
	t.cancelFn()
	done := t.done
	t.isRunning = false
	t.mu.Unlock()

	<-done
	t.logger.Debug("Task stopped", "task", t.name)
}

// IsRunning returns whether the task is active
func (t *Task) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isRunning
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(t.wait(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			t.job(ctx)
			timer.Reset(t.wait(time.Now()))
		}
	}
}

func (t *Task) wait(now time.Time) time.Duration {
	if !t.aligned {
		return t.interval
	}
	return NextTick(now, t.interval).Sub(now)
}
