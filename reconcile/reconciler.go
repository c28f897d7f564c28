// Package reconcile folds orders-screen snapshots into an owner's offer
// store, keeping creation and fill timestamps stable across snapshots.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/besteffort"
	"github.com/recomma/flipledger/metrics"
	"github.com/recomma/flipledger/offerstore"
	"github.com/recomma/flipledger/ttlcache"
)

// Result describes one applied snapshot.
type Result struct {
	Offers []bazaar.Offer
	// Vanished lists previous buy orders missing from the snapshot.
	Vanished []bazaar.Offer
	// Correlated counts offers matched to a previously known offer.
	Correlated int
	// ParseErrors holds malformed order tiles that were skipped.
	ParseErrors []error
	// Notifications holds the outcomes of reminder cleanup calls.
	Notifications []besteffort.Result
}

type Reconciler struct {
	vanishing *ttlcache.Cache
	notifier  bazaar.Notifier
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNotifier enables cleanup of reminders whose order disappeared.
func WithNotifier(n bazaar.Notifier) Option {
	return func(r *Reconciler) {
		r.notifier = n
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New returns a reconciler writing vanished buy orders into vanishing.
func New(vanishing *ttlcache.Cache, opts ...Option) *Reconciler {
	r := &Reconciler{
		vanishing: vanishing,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithGroup("reconcile")
	return r
}

// Apply parses snap, correlates it with the offers in store and replaces the
// store contents. The caller serializes calls per owner.
func (r *Reconciler) Apply(ctx context.Context, ownerID string, store *offerstore.Store, snap *bazaar.Snapshot, receivedAt time.Time) (Result, error) {
	if ownerID == "" {
		return Result{}, bazaar.ErrMissingOwner
	}

	parsed, parseErrs := ParseSnapshot(snap, receivedAt)
	for _, err := range parseErrs {
		r.logger.WarnContext(ctx, "skipping order tile",
			slog.String("owner", ownerID),
			slog.String("error", err.Error()),
		)
	}

	prev := store.List()
	correlated := Correlate(prev, parsed)

	vanished := VanishedBuys(prev, parsed)
	for _, o := range vanished {
		if r.vanishing != nil {
			r.vanishing.Set(ttlcache.NewKey(ownerID, o.ItemName, o.Amount), o.Total())
		}
		r.logger.DebugContext(ctx, "buy order vanished",
			slog.String("owner", ownerID),
			slog.String("item", o.ItemName),
			slog.Int64("amount", o.Amount),
			slog.String("total", o.Total().String()),
		)
	}
	r.metrics.Vanished(len(vanished))

	store.Replace(parsed)

	res := Result{
		Offers:      parsed,
		Vanished:    vanished,
		Correlated:  correlated,
		ParseErrors: parseErrs,
	}
	if len(parsed) != len(prev) {
		res.Notifications = r.cleanupReminders(ctx, ownerID, parsed)
	}
	return res, nil
}

func (r *Reconciler) cleanupReminders(ctx context.Context, ownerID string, current []bazaar.Offer) []besteffort.Result {
	if r.notifier == nil {
		return nil
	}

	var reminders []bazaar.Reminder
	listed := besteffort.Do(ctx, r.logger, "notify.list", func(ctx context.Context) error {
		var err error
		reminders, err = r.notifier.List(ctx, ownerID)
		return err
	})
	if !listed.OK() {
		r.metrics.BestEffortFailure(listed.Op)
		return []besteffort.Result{listed}
	}

	live := make(map[string]struct{}, len(current))
	for _, o := range current {
		live[o.Fingerprint()] = struct{}{}
	}

	results := []besteffort.Result{listed}
	for _, rem := range reminders {
		if _, ok := live[rem.Fingerprint]; ok {
			continue
		}
		fp := rem.Fingerprint
		res := besteffort.Do(ctx, r.logger, "notify.cancel", func(ctx context.Context) error {
			return r.notifier.Cancel(ctx, ownerID, fp)
		})
		if !res.OK() {
			r.metrics.BestEffortFailure(res.Op)
		}
		results = append(results, res)
	}
	return results
}

// Correlate copies creation and fill timestamps from prev onto matching
// offers in next, in place, and returns how many offers were matched. Each
// previous offer is matched at most once.
func Correlate(prev, next []bazaar.Offer) int {
	byFP := make(map[string][]int, len(prev))
	for i, o := range prev {
		fp := o.Fingerprint()
		byFP[fp] = append(byFP[fp], i)
	}

	used := make([]bool, len(prev))
	var matched int
	for i := range next {
		offer := &next[i]
		best, bestScore := -1, 0
		for _, idx := range byFP[offer.Fingerprint()] {
			if used[idx] {
				continue
			}
			if s := score(prev[idx], *offer); best < 0 || s > bestScore {
				best, bestScore = idx, s
			}
		}
		if best < 0 {
			continue
		}
		used[best] = true
		matched++
		inherit(offer, prev[best])
	}
	return matched
}

// score favours an equal first counterparty and penalizes differing fill
// counts.
func score(prev, next bazaar.Offer) int {
	s := 0
	if prev.FirstCounterparty() == next.FirstCounterparty() {
		s += 10
	}
	diff := len(prev.Fills) - len(next.Fills)
	if diff < 0 {
		diff = -diff
	}
	return s - diff
}

func inherit(offer *bazaar.Offer, prev bazaar.Offer) {
	offer.CreatedAt = prev.CreatedAt
	if offer.ItemTag == "" {
		offer.ItemTag = prev.ItemTag
	}

	seen := make(map[string][]time.Time, len(prev.Fills))
	for _, f := range prev.Fills {
		seen[f.Counterparty] = append(seen[f.Counterparty], f.Timestamp)
	}
	for i := range offer.Fills {
		f := &offer.Fills[i]
		if ts := seen[f.Counterparty]; len(ts) > 0 {
			f.Timestamp = ts[0]
			seen[f.Counterparty] = ts[1:]
		}
	}
}

// VanishedBuys returns the buy orders of prev without a counterpart in next
// by item, amount and side.
func VanishedBuys(prev, next []bazaar.Offer) []bazaar.Offer {
	type identity struct {
		side   bazaar.Side
		item   string
		amount int64
	}
	remaining := make(map[identity]int, len(next))
	for _, o := range next {
		remaining[identity{o.Side, bazaar.StripMarkup(o.ItemName), o.Amount}]++
	}

	var vanished []bazaar.Offer
	for _, o := range prev {
		if o.Side != bazaar.SideBuy {
			continue
		}
		id := identity{o.Side, bazaar.StripMarkup(o.ItemName), o.Amount}
		if remaining[id] > 0 {
			remaining[id]--
			continue
		}
		vanished = append(vanished, o)
	}
	return vanished
}
