// Package engine routes owner updates to the snapshot reconciler and the
// chat event processor and keeps the per-owner offer state between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/chatevents"
	"github.com/recomma/flipledger/metrics"
	"github.com/recomma/flipledger/offerstore"
	"github.com/recomma/flipledger/reconcile"
)

// OfferPersistence saves and restores an owner's open offers.
type OfferPersistence interface {
	SaveOffers(ctx context.Context, ownerID string, offers []bazaar.Offer) error
	LoadOffers(ctx context.Context, ownerID string) ([]bazaar.Offer, bool, error)
}

// Report summarizes one handled update.
type Report struct {
	OwnerID string
	// Snapshot is set when an orders screen was reconciled.
	Snapshot *reconcile.Result
	// ConfirmStored reports that a confirmation screen was retained.
	ConfirmStored bool
	Lines         []chatevents.Outcome
	// PersistErr holds a failed offer save; the update itself was applied.
	PersistErr error
	Elapsed    time.Duration
}

// StorageErrors joins the durable write failures of all chat lines.
func (r Report) StorageErrors() error {
	var errs []error
	for _, o := range r.Lines {
		if o.StorageErr != nil {
			errs = append(errs, o.StorageErr)
		}
	}
	return errors.Join(errs...)
}

type ownerState struct {
	offers  *offerstore.Store
	confirm atomic.Pointer[bazaar.Snapshot]
}

type Engine struct {
	reconciler *reconcile.Reconciler
	processor  *chatevents.Processor

	persistence     OfferPersistence
	lineConcurrency int
	metrics         *metrics.Recorder
	logger          *slog.Logger
	now             func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerState
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithOfferPersistence saves offers after each update and restores them on
// the first update of an owner.
func WithOfferPersistence(p OfferPersistence) Option {
	return func(e *Engine) {
		e.persistence = p
	}
}

// WithLineConcurrency processes up to n chat lines of one update at once.
func WithLineConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.lineConcurrency = n
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(reconciler *reconcile.Reconciler, processor *chatevents.Processor, opts ...Option) *Engine {
	e := &Engine{
		reconciler:      reconciler,
		processor:       processor,
		lineConcurrency: 1,
		logger:          slog.Default(),
		now:             time.Now,
		owners:          make(map[string]*ownerState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithGroup("engine")
	return e
}

// HandleUpdate applies u: a confirmation screen is retained, an orders screen
// is reconciled, then the chat lines are processed.
//
// Callers must not run two updates of the same owner concurrently. Updates of
// different owners may run in parallel. An error means nothing was applied
// and the update may be retried.
func (e *Engine) HandleUpdate(ctx context.Context, u bazaar.Update) (Report, error) {
	if u.OwnerID == "" {
		return Report{}, bazaar.ErrMissingOwner
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	start := e.now()
	receivedAt := u.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = start
	}

	st, err := e.state(ctx, u.OwnerID)
	if err != nil {
		return Report{}, err
	}

	report := Report{OwnerID: u.OwnerID}
	changed := false

	switch snap := u.Snapshot; {
	case snap == nil:
	case snap.IsConfirmScreen():
		st.confirm.Store(snap)
		report.ConfirmStored = true
	case snap.IsOrderScreen():
		res, err := e.reconciler.Apply(ctx, u.OwnerID, st.offers, snap, receivedAt)
		if err != nil {
			return Report{}, fmt.Errorf("reconcile snapshot: %w", err)
		}
		report.Snapshot = &res
		changed = true
	default:
		e.logger.DebugContext(ctx, "ignoring screen",
			slog.String("owner", u.OwnerID),
			slog.String("title", bazaar.StripMarkup(snap.Title)),
		)
	}

	if len(u.ChatLines) > 0 {
		sess := chatevents.Session{
			OwnerID:    u.OwnerID,
			Offers:     st.offers,
			Confirm:    st.confirm.Load(),
			ReceivedAt: receivedAt,
		}
		lines, err := e.processLines(ctx, sess, u.ChatLines)
		if err != nil {
			return report, err
		}
		report.Lines = lines
		for _, o := range lines {
			if o.Result == chatevents.ResultApplied {
				changed = true
			}
		}
	}

	if changed && e.persistence != nil {
		if err := e.persistence.SaveOffers(ctx, u.OwnerID, st.offers.List()); err != nil {
			report.PersistErr = err
			e.logger.ErrorContext(ctx, "could not persist offers",
				slog.String("owner", u.OwnerID),
				slog.String("error", err.Error()),
			)
		}
	}

	report.Elapsed = e.now().Sub(start)
	e.metrics.Update(updateKind(u), report.Elapsed)
	return report, nil
}

func (e *Engine) processLines(ctx context.Context, sess chatevents.Session, lines []string) ([]chatevents.Outcome, error) {
	outcomes := make([]chatevents.Outcome, len(lines))
	if e.lineConcurrency <= 1 || len(lines) == 1 {
		for i, line := range lines {
			out, err := e.processor.Process(ctx, sess, line)
			if err != nil {
				return outcomes[:i], err
			}
			outcomes[i] = out
		}
		return outcomes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.lineConcurrency)
	for i, line := range lines {
		g.Go(func() error {
			out, err := e.processor.Process(gctx, sess, line)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (e *Engine) state(ctx context.Context, ownerID string) (*ownerState, error) {
	e.mu.Lock()
	st, ok := e.owners[ownerID]
	e.mu.Unlock()
	if ok {
		return st, nil
	}

	var restored []bazaar.Offer
	if e.persistence != nil {
		offers, found, err := e.persistence.LoadOffers(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("load offers: %w", err)
		}
		if found {
			restored = offers
			e.logger.InfoContext(ctx, "restored offers",
				slog.String("owner", ownerID),
				slog.Int("count", len(offers)),
			)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.owners[ownerID]; ok {
		return st, nil
	}
	st = &ownerState{offers: offerstore.New(restored)}
	e.owners[ownerID] = st
	return st, nil
}

// Offers returns the current open offers of ownerID.
func (e *Engine) Offers(ownerID string) []bazaar.Offer {
	e.mu.Lock()
	st, ok := e.owners[ownerID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return st.offers.List()
}

// Owners lists the owners seen so far in sorted order.
func (e *Engine) Owners() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	owners := make([]string, 0, len(e.owners))
	for id := range e.owners {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners
}

func updateKind(u bazaar.Update) string {
	switch {
	case u.Snapshot != nil && len(u.ChatLines) > 0:
		return "mixed"
	case u.Snapshot != nil:
		return "snapshot"
	case len(u.ChatLines) > 0:
		return "chat"
	default:
		return "empty"
	}
}
