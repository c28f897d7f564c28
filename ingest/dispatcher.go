// Package ingest serializes updates per owner on top of a rate limited work
// queue. The queue never hands the same owner to two workers at once, which
// is the ordering guarantee engine.Engine.HandleUpdate relies on.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/engine"
	rlog "github.com/recomma/flipledger/log"
	"github.com/recomma/flipledger/metrics"
)

const DefaultMaxRetries = 5

var ErrShutdown = errors.New("ingest: dispatcher is shut down")

// UpdateHandler applies one update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u bazaar.Update) (engine.Report, error)
}

type Dispatcher struct {
	handler    UpdateHandler
	queue      workqueue.TypedRateLimitingInterface[string]
	maxRetries int
	timeout    time.Duration
	onReport   func(engine.Report)
	metrics    *metrics.Recorder
	logger     *slog.Logger

	mu       sync.Mutex
	mailbox  map[string][]bazaar.Update
	pending  int
	shutdown bool
	wg       sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithRateLimiter replaces the default exponential retry backoff.
func WithRateLimiter(rl workqueue.TypedRateLimiter[string]) Option {
	return func(d *Dispatcher) {
		if rl != nil {
			d.queue = workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[string]{Name: "updates"})
		}
	}
}

// WithUpdateTimeout bounds a single HandleUpdate call.
func WithUpdateTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithReportHook is called after every applied update.
func WithReportHook(fn func(engine.Report)) Option {
	return func(d *Dispatcher) { d.onReport = fn }
}

func New(handler UpdateHandler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:    handler,
		maxRetries: DefaultMaxRetries,
		timeout:    30 * time.Second,
		logger:     slog.Default(),
		mailbox:    make(map[string][]bazaar.Update),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queue == nil {
		rl := workqueue.NewTypedMaxOfRateLimiter(
			workqueue.NewTypedItemExponentialFailureRateLimiter[string](100*time.Millisecond, 30*time.Second),
		)
		d.queue = workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[string]{Name: "updates"})
	}
	d.logger = d.logger.WithGroup("ingest")
	return d
}

// Enqueue appends u to its owner's mailbox. Updates of one owner are applied
// in enqueue order.
func (d *Dispatcher) Enqueue(u bazaar.Update) error {
	if u.OwnerID == "" {
		return bazaar.ErrMissingOwner
	}
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return ErrShutdown
	}
	d.mailbox[u.OwnerID] = append(d.mailbox[u.OwnerID], u)
	d.pending++
	d.mu.Unlock()

	d.queue.Add(u.OwnerID)
	return nil
}

// Pending counts enqueued updates not yet applied or dropped.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Start launches workers that run until ctx ends or Shutdown is called.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for range workers {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
	go func() {
		<-ctx.Done()
		d.queue.ShutDown()
	}()
}

// Shutdown stops accepting updates and waits for the workers to exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
	d.queue.ShutDown()
	d.wg.Wait()
}

// WaitIdle blocks until every enqueued update was applied or dropped.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		owner, shutdown := d.queue.Get()
		if shutdown {
			return
		}
		d.processWorkItem(ctx, owner)
	}
}

// processWorkItem drains the owner's mailbox in order. A failing update stays
// at the head of the mailbox and the owner is requeued with backoff.
func (d *Dispatcher) processWorkItem(ctx context.Context, owner string) {
	defer d.queue.Done(owner)
	logger := rlog.ForOwner(d.logger, owner)
	ctx = rlog.ContextWithLogger(ctx, logger)

	for {
		u, ok := d.head(owner)
		if !ok {
			d.queue.Forget(owner)
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		report, err := d.handler.HandleUpdate(reqCtx, u)
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				d.queue.Forget(owner)
				return
			}
			if errors.Is(err, bazaar.ErrMissingOwner) {
				logger.Error("discarding update", slog.String("reason", err.Error()))
				d.pop(owner)
				d.metrics.Ingest("dropped")
				continue
			}
			if d.queue.NumRequeues(owner) < d.maxRetries {
				logger.Debug("error handling update, retrying", slog.String("error", err.Error()))
				d.metrics.Ingest("retry")
				d.queue.AddRateLimited(owner)
				return
			}
			logger.Error("giving up on update",
				slog.Time("received_at", u.ReceivedAt),
				slog.String("error", err.Error()),
			)
			d.pop(owner)
			d.metrics.Ingest("dropped")
			d.queue.Forget(owner)
			continue
		}

		d.pop(owner)
		d.queue.Forget(owner)
		d.metrics.Ingest("applied")
		if d.onReport != nil {
			d.onReport(report)
		}
	}
}

func (d *Dispatcher) head(owner string) (bazaar.Update, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	box := d.mailbox[owner]
	if len(box) == 0 {
		delete(d.mailbox, owner)
		return bazaar.Update{}, false
	}
	return box[0], true
}

func (d *Dispatcher) pop(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	box := d.mailbox[owner]
	if len(box) == 0 {
		return
	}
	box[0] = bazaar.Update{}
	d.mailbox[owner] = box[1:]
	d.pending--
}
