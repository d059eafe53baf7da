package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tuner/internal/common/logging"
	"github.com/G-Research/tuner/internal/common/tunererrors"
	"github.com/G-Research/tuner/internal/tuner/metrics"
)

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// InMemoryDispatcher runs handlers on goroutines scheduled with timers.
// Delivery is at-least-once: transient handler errors are retried under the task's policy.
type InMemoryDispatcher struct {
	handlers map[string]registration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	timers   map[*time.Timer]struct{}
	stopped  bool
}

func NewInMemoryDispatcher() *InMemoryDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryDispatcher{
		handlers: map[string]registration{},
		ctx:      ctx,
		cancel:   cancel,
		timers:   map[*time.Timer]struct{}{},
	}
}

// Register binds a handler and its retry policy to a task name. Must be called before Send.
func (d *InMemoryDispatcher) Register(name string, policy RetryPolicy, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = registration{handler: handler, policy: policy}
}

func (d *InMemoryDispatcher) Send(task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.Errorf("dispatcher is stopped, dropping task %s", task)
	}
	reg, ok := d.handlers[task.Name]
	if !ok {
		return errors.WithStack(&tunererrors.ErrNotFound{Type: "task", Value: task.Name, Message: "no handler registered"})
	}
	d.scheduleLocked(Invocation{Task: task, Policy: reg.policy}, task.Countdown)
	return nil
}

func (d *InMemoryDispatcher) scheduleLocked(invocation Invocation, delay time.Duration) {
	d.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.timers, timer)
		d.mu.Unlock()
		d.run(invocation)
	})
	d.timers[timer] = struct{}{}
}

func (d *InMemoryDispatcher) run(invocation Invocation) {
	if d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	reg := d.handlers[invocation.Task.Name]
	d.mu.Unlock()

	logger := log.WithField(logging.TaskName, invocation.Task.Name).WithField(logging.TaskAttempt, invocation.Retries)
	start := time.Now()
	outcome, err := reg.handler(d.ctx, invocation)
	metrics.TaskLatency.WithLabelValues(invocation.Task.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		class := tunererrors.ClassFromError(err)
		metrics.TasksProcessed.WithLabelValues(invocation.Task.Name, "error_"+class.String()).Inc()
		if class == tunererrors.ClassStale {
			logger.Debugf("ignoring stale task %s: %s", invocation.Task, err)
			return
		}
		if class == tunererrors.ClassConfiguration || !invocation.CanRetry() {
			logging.WithStacktrace(logger, err).Errorf("task %s failed", invocation.Task)
			return
		}
		logger.Warnf("task %s failed, retrying in %s: %s", invocation.Task, reg.policy.Interval, err)
		d.retry(invocation)
		return
	}

	metrics.TasksProcessed.WithLabelValues(invocation.Task.Name, outcome.String()).Inc()
	if outcome.ShouldRetry() {
		if !invocation.CanRetry() {
			if invocation.Policy.MaxRetries > 0 {
				logger.Warnf("task %s exhausted its %d retries, giving up", invocation.Task, invocation.Policy.MaxRetries)
			}
			return
		}
		d.retry(invocation)
	}
	for _, next := range outcome.Next() {
		if err := d.Send(next); err != nil {
			logging.WithStacktrace(logger, err).Errorf("failed to send follow-up task %s", next)
		}
	}
}

func (d *InMemoryDispatcher) retry(invocation Invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	next := invocation
	next.Retries++
	d.scheduleLocked(next, invocation.Policy.Interval)
}

// Stop cancels pending timers and waits up to timeout for running handlers to return.
func (d *InMemoryDispatcher) Stop(timeout time.Duration) bool {
	d.mu.Lock()
	d.stopped = true
	for timer := range d.timers {
		if timer.Stop() {
			d.wg.Done()
		}
		delete(d.timers, timer)
	}
	d.mu.Unlock()
	d.cancel()

	c := make(chan struct{})
	go func() {
		defer close(c)
		d.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

// RecordingDispatcher collects sent tasks without running them.
type RecordingDispatcher struct {
	mu    sync.Mutex
	Tasks []Task
}

func (r *RecordingDispatcher) Send(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tasks = append(r.Tasks, task)
	return nil
}

func (r *RecordingDispatcher) Sent() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Task, len(r.Tasks))
	copy(result, r.Tasks)
	return result
}

func (r *RecordingDispatcher) Names() []string {
	var names []string
	for _, t := range r.Sent() {
		names = append(names, t.Name)
	}
	return names
}
