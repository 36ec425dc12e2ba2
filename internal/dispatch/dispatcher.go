// Package dispatch serializes enforcement work per subscriber. Each MSISDN
// owns a FIFO queue; a fixed worker pool drains the queues with at most one
// task in flight per subscriber, so rule mutations for one phone never
// reorder or overlap. Failed attempts re-enter the head of their queue
// after an exponential backoff, which preserves order while retrying.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/telemetry"
)

// Executor runs a single enforcement task against the rule facade.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) error
}

// Options tunes the dispatcher.
type Options struct {
	Workers             int
	QueueCap            int           // total tasks admitted across all queues
	MaxRetries          int           // attempts before a task is abandoned
	BackpressureTimeout time.Duration // how long Enqueue blocks when full

	// OnFatal is invoked once for an unrecoverable failure (auth rejection,
	// missing table). The composition root uses it to halt the pipeline.
	OnFatal func(err error)
}

type queuedTask struct {
	task      *model.Task
	notBefore time.Time
	retry     *backoff.ExponentialBackOff
}

// Dispatcher owns the per-subscriber queues and the worker pool.
type Dispatcher struct {
	exec    Executor
	opts    Options
	logger  *zap.Logger
	metrics *telemetry.Pipeline

	slots chan struct{} // one token per admitted task; enforces QueueCap
	wake  chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	queues   map[string][]*queuedTask
	inflight map[string]bool
}

// New creates a stopped Dispatcher; call Start to launch the workers.
func New(exec Executor, opts Options, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		exec:     exec,
		opts:     opts,
		logger:   logger,
		metrics:  telemetry.NewPipeline("enforcement-dispatcher"),
		slots:    make(chan struct{}, opts.QueueCap),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		queues:   make(map[string][]*queuedTask),
		inflight: make(map[string]bool),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.opts.Workers),
		zap.Int("queue_cap", d.opts.QueueCap),
	)
}

// Enqueue admits a task into its subscriber's queue, blocking up to the
// backpressure timeout when the dispatcher is at capacity. A timeout
// surfaces as a transient error so the caller leaves the event
// unacknowledged and the broker redelivers it.
func (d *Dispatcher) Enqueue(ctx context.Context, task *model.Task) error {
	timer := time.NewTimer(d.opts.BackpressureTimeout)
	defer timer.Stop()

	select {
	case d.slots <- struct{}{}:
	case <-timer.C:
		return model.Transient(fmt.Errorf("dispatch queue full, task for %s not admitted", task.MSISDN))
	case <-ctx.Done():
		return model.Transient(fmt.Errorf("enqueue for %s: %w", task.MSISDN, ctx.Err()))
	}

	if task.Attempt == 0 {
		task.Attempt = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // the attempt cap is ours, not the clock's

	d.mu.Lock()
	d.queues[task.MSISDN] = append(d.queues[task.MSISDN], &queuedTask{task: task, retry: bo})
	d.mu.Unlock()

	d.signal()
	return nil
}

// Shutdown signals the workers to stop and waits for them to exit, up to
// the context deadline. Workers keep draining runnable queued tasks until
// their queues go quiet; tasks still waiting out a backoff delay when that
// happens are dropped, and their source events were never acknowledged.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	close(d.stop)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

// Stats reports queue depth for the ops API.
func (d *Dispatcher) Stats() (queued, inflight, subscribers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		queued += len(q)
	}
	return queued, len(d.inflight), len(d.queues)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ── worker loop ───────────────────────────────────────────────────────────

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.logger.With(zap.Int("worker", id))

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		qt, msisdn := d.next(time.Now())
		if qt == nil {
			select {
			case <-d.stop:
				return
			case <-d.wake:
			case <-ticker.C: // re-check for tasks whose notBefore has passed
			}
			continue
		}

		d.run(log, qt, msisdn)
	}
}

// next pops the head of some ready queue: subscriber not in flight and the
// head's backoff deadline passed. Returns nil when nothing is runnable.
func (d *Dispatcher) next(now time.Time) (*queuedTask, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for msisdn, q := range d.queues {
		if d.inflight[msisdn] || len(q) == 0 {
			continue
		}
		head := q[0]
		if now.Before(head.notBefore) {
			continue
		}
		if len(q) == 1 {
			delete(d.queues, msisdn)
		} else {
			d.queues[msisdn] = q[1:]
		}
		d.inflight[msisdn] = true
		return head, msisdn
	}
	return nil, ""
}

// run executes one task and decides between completion, retry, and
// abandonment. The in-flight mark is cleared only once that decision has
// taken effect: a retried task is back at the head of its queue before any
// other worker can see the subscriber as idle, so a queued later task can
// never overtake it.
func (d *Dispatcher) run(log *zap.Logger, qt *queuedTask, msisdn string) {
	task := qt.task
	err := d.exec.Execute(context.Background(), task)

	switch {
	case err == nil:
		d.finish(msisdn)
		d.release()

	case model.KindOf(err) == model.KindRateLimited:
		// Server-paced pushback: honor Retry-After and do not burn an
		// attempt.
		delay := model.RetryAfterOf(err)
		if delay <= 0 {
			delay = time.Second
		}
		log.Warn("task rate limited",
			zap.String("msisdn", msisdn),
			zap.String("kind", string(task.Kind)),
			zap.Duration("retry_after", delay),
		)
		d.metrics.TaskRetry(context.Background(), string(task.Kind))
		d.requeue(qt, delay)

	case model.IsRetryable(err) && task.Attempt < d.opts.MaxRetries:
		task.Attempt++
		delay := qt.retry.NextBackOff()
		log.Warn("task failed, retrying",
			zap.String("msisdn", msisdn),
			zap.String("kind", string(task.Kind)),
			zap.Int("attempt", task.Attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		d.metrics.TaskRetry(context.Background(), string(task.Kind))
		d.requeue(qt, delay)

	default:
		// Terminal: non-retryable kind or attempts exhausted. The executor
		// already wrote the failed history row for this attempt; the
		// reconciliation sweep catches anything left dangling on the device.
		log.Error("task abandoned",
			zap.String("msisdn", msisdn),
			zap.String("kind", string(task.Kind)),
			zap.Int("attempt", task.Attempt),
			zap.String("error_kind", string(model.KindOf(err))),
			zap.Error(err),
		)
		d.finish(msisdn)
		d.release()
		if model.KindOf(err) == model.KindFatal && d.opts.OnFatal != nil {
			d.opts.OnFatal(err)
		}
	}
}

// requeue puts a task back at the head of its queue and clears the in-flight
// mark in the same critical section. Splitting the two would open a window
// where next() pops the subscriber's following task ahead of the retry.
func (d *Dispatcher) requeue(qt *queuedTask, delay time.Duration) {
	qt.notBefore = time.Now().Add(delay)
	d.mu.Lock()
	d.queues[qt.task.MSISDN] = append([]*queuedTask{qt}, d.queues[qt.task.MSISDN]...)
	delete(d.inflight, qt.task.MSISDN)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) finish(msisdn string) {
	d.mu.Lock()
	delete(d.inflight, msisdn)
	d.mu.Unlock()
}

func (d *Dispatcher) release() {
	<-d.slots
	d.signal()
}
