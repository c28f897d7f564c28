// Package profit records claimed buy orders as cost lots and matches claimed
// sells against them first in, first out.
package profit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/lotid"
)

// DefaultLotLifetime bounds how long a claimed buy stays matchable.
const DefaultLotLifetime = 14 * 24 * time.Hour

var ErrInvalidAmount = errors.New("profit: amount must be positive")

// Store is the durable side of the tracker.
type Store interface {
	InsertLot(ctx context.Context, lot bazaar.CostLot) error
	// ListLots returns the lots of owner/item not expired at now, oldest
	// claim first.
	ListLots(ctx context.Context, ownerID, itemID string, now time.Time) ([]bazaar.CostLot, error)
	ListOwnerLots(ctx context.Context, ownerID string, now time.Time) ([]bazaar.CostLot, error)
	// CommitMatch applies the lot updates and stores the flip atomically.
	CommitMatch(ctx context.Context, settlement bazaar.Settlement) error
	ListFlips(ctx context.Context, ownerID string, year int) ([]bazaar.Flip, error)
	PurgeExpiredLots(ctx context.Context, now time.Time) (int64, error)
}

// Tracker implements FIFO cost matching on top of a Store.
type Tracker struct {
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	lotLifetime time.Duration
	newFlipID   func() string
	seq         atomic.Uint32
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLotLifetime overrides DefaultLotLifetime.
func WithLotLifetime(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.lotLifetime = d
		}
	}
}

// WithFlipIDs overrides the uuid flip id generator.
func WithFlipIDs(fn func() string) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.newFlipID = fn
		}
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:       store,
		logger:      logger.WithGroup("profit"),
		now:         time.Now,
		lotLifetime: DefaultLotLifetime,
		newFlipID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LotLifetime returns the configured lifetime of new lots.
func (t *Tracker) LotLifetime() time.Duration {
	return t.lotLifetime
}

// RecordBuyOrder stores a new cost lot for a claimed buy.
func (t *Tracker) RecordBuyOrder(ctx context.Context, ownerID, itemID string, amount int64, totalCost bazaar.Tenths, claimedAt time.Time) (bazaar.CostLot, error) {
	if ownerID == "" {
		return bazaar.CostLot{}, bazaar.ErrMissingOwner
	}
	if amount <= 0 {
		return bazaar.CostLot{}, ErrInvalidAmount
	}

	claimedAt = claimedAt.UTC()
	id := lotid.New(ownerID, itemID, claimedAt, uint16(t.seq.Add(1)))
	lot := bazaar.CostLot{
		LotID:     id.Hex(),
		OwnerID:   ownerID,
		ItemID:    itemID,
		Amount:    amount,
		Remaining: amount,
		TotalCost: totalCost,
		ClaimedAt: id.ClaimedAt,
		ExpiresAt: id.ClaimedAt.Add(t.lotLifetime),
	}
	if err := t.store.InsertLot(ctx, lot); err != nil {
		return bazaar.CostLot{}, fmt.Errorf("insert cost lot: %w", err)
	}

	t.logger.DebugContext(ctx, "recorded cost lot",
		slog.String("owner", ownerID),
		slog.String("item", itemID),
		slog.Int64("amount", amount),
		slog.String("cost", totalCost.String()),
		slog.String("lot", lot.LotID),
	)
	return lot, nil
}

// RecordSellOrder matches a claimed sell against outstanding lots oldest
// first. It returns nil without error when no unit could be matched.
//
// Only the matched units are attributed: the flip carries the matched amount,
// the matched share of the proceeds and the proportional cost of the consumed
// lots. Prorating the proceeds on a partial match is intentional: the
// unmatched units have no known cost, so their proceeds are not profit.
// Lot updates and the flip are committed together.
func (t *Tracker) RecordSellOrder(ctx context.Context, ownerID, itemID, itemName string, amount int64, totalProceeds bazaar.Tenths, soldAt time.Time) (*bazaar.Flip, error) {
	if ownerID == "" {
		return nil, bazaar.ErrMissingOwner
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := t.now()
	lots, err := t.store.ListLots(ctx, ownerID, itemID, now)
	if err != nil {
		return nil, fmt.Errorf("list cost lots: %w", err)
	}

	match := Match(lots, amount, now)
	if match.Matched == 0 {
		t.logger.InfoContext(ctx, "sell claimed without buy record",
			slog.String("owner", ownerID),
			slog.String("item", itemID),
			slog.Int64("amount", amount),
		)
		return nil, nil
	}

	proceeds := totalProceeds
	if match.Matched < amount {
		proceeds = bazaar.Tenths(int64(totalProceeds) * match.Matched / amount)
		t.logger.WarnContext(ctx, "sell only partially matched",
			slog.String("owner", ownerID),
			slog.String("item", itemID),
			slog.Int64("amount", amount),
			slog.Int64("matched", match.Matched),
			slog.Int64("unmatched", amount-match.Matched),
		)
	}

	soldAt = soldAt.UTC().Truncate(time.Millisecond)
	flip := &bazaar.Flip{
		ID:           t.newFlipID(),
		OwnerID:      ownerID,
		ItemID:       itemID,
		ItemName:     bazaar.StripMarkup(itemName),
		Amount:       match.Matched,
		BuyCost:      match.Cost,
		SellProceeds: proceeds,
		Profit:       proceeds - match.Cost,
		Year:         soldAt.Year(),
		SoldAt:       soldAt,
	}

	settlement := bazaar.Settlement{
		OwnerID: ownerID,
		ItemID:  itemID,
		Lots:    match.Updates,
		Flip:    flip,
	}
	if err := t.store.CommitMatch(ctx, settlement); err != nil {
		return nil, fmt.Errorf("commit flip: %w", err)
	}

	t.logger.InfoContext(ctx, "recorded flip",
		slog.String("owner", ownerID),
		slog.String("item", itemID),
		slog.Int64("amount", flip.Amount),
		slog.String("cost", flip.BuyCost.String()),
		slog.String("proceeds", flip.SellProceeds.String()),
		slog.String("profit", flip.Profit.String()),
	)
	return flip, nil
}

// MatchResult is the pure outcome of matching against a lot list.
type MatchResult struct {
	Matched int64
	Cost    bazaar.Tenths
	Updates []bazaar.LotUpdate
}

// Match consumes lots in the given order until amount units are covered.
// Lots with nothing remaining or already expired at now are skipped. A
// partially consumed lot keeps its original expiry; it is deleted instead
// when that expiry has passed.
func Match(lots []bazaar.CostLot, amount int64, now time.Time) MatchResult {
	var res MatchResult
	toMatch := amount
	for _, lot := range lots {
		if toMatch == 0 {
			break
		}
		if lot.Remaining <= 0 || lot.Expired(now) {
			continue
		}

		used := min(toMatch, lot.Remaining)
		res.Cost += lot.CostFor(used)
		toMatch -= used

		lot.Remaining -= used
		res.Updates = append(res.Updates, bazaar.LotUpdate{
			Lot:    lot,
			Delete: lot.Remaining == 0 || lot.Expired(now),
		})
	}
	res.Matched = amount - toMatch
	return res
}

// GetFlips returns the flips of owner sold in year, newest first.
func (t *Tracker) GetFlips(ctx context.Context, ownerID string, year int) ([]bazaar.Flip, error) {
	if ownerID == "" {
		return nil, bazaar.ErrMissingOwner
	}
	flips, err := t.store.ListFlips(ctx, ownerID, year)
	if err != nil {
		return nil, fmt.Errorf("list flips: %w", err)
	}
	return flips, nil
}

// GetOutstandingOrders returns the unexpired lots of owner that still have
// units to match.
func (t *Tracker) GetOutstandingOrders(ctx context.Context, ownerID string) ([]bazaar.CostLot, error) {
	if ownerID == "" {
		return nil, bazaar.ErrMissingOwner
	}
	lots, err := t.store.ListOwnerLots(ctx, ownerID, t.now())
	if err != nil {
		return nil, fmt.Errorf("list owner lots: %w", err)
	}
	out := lots[:0]
	for _, lot := range lots {
		if lot.Remaining > 0 {
			out = append(out, lot)
		}
	}
	return out, nil
}

// PurgeExpired drops lots past their lifetime.
func (t *Tracker) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := t.store.PurgeExpiredLots(ctx, t.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired lots: %w", err)
	}
	if n > 0 {
		t.logger.InfoContext(ctx, "purged expired cost lots", slog.Int64("count", n))
	}
	return n, nil
}
