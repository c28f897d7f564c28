package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/chatevents"
	"github.com/recomma/flipledger/internal/testutil"
	"github.com/recomma/flipledger/profit"
	"github.com/recomma/flipledger/reconcile"
	"github.com/recomma/flipledger/storage"
	"github.com/recomma/flipledger/ttlcache"
)

type fixture struct {
	engine  *Engine
	tracker *profit.Tracker
	store   *storage.Memory
	clock   *testutil.Clock
}

func newFixture(t *testing.T, store *storage.Memory, opts ...Option) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	clock := testutil.NewClock(testutil.Base)
	logger := testutil.NewLogger(t)

	vanishing := ttlcache.New(ttlcache.VanishingOrderTTL, ttlcache.WithClock(clock.Now))
	recent := ttlcache.New(ttlcache.RecentFillTTL, ttlcache.WithClock(clock.Now))
	tracker := profit.New(store, logger, profit.WithClock(clock.Now))

	opts = append([]Option{WithLogger(logger), WithClock(clock.Now), WithOfferPersistence(store)}, opts...)
	e := New(
		reconcile.New(vanishing, reconcile.WithLogger(logger)),
		chatevents.New(tracker, vanishing, recent, chatevents.WithLogger(logger)),
		opts...,
	)
	return &fixture{engine: e, tracker: tracker, store: store, clock: clock}
}

func (f *fixture) handle(t *testing.T, u bazaar.Update) Report {
	t.Helper()
	if u.OwnerID == "" {
		u.OwnerID = "owner"
	}
	u.ReceivedAt = f.clock.Now()
	report, err := f.engine.HandleUpdate(context.Background(), u)
	require.NoError(t, err)
	return report
}

func TestBuyClaimThenSellClaimRealizesProfit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.handle(t, bazaar.Update{Snapshot: testutil.OrdersSnapshot(
		testutil.OrderTile(bazaar.SideBuy, "Enchanted Coal", 64, 21),
	)})
	require.Len(t, f.engine.Offers("owner"), 1)

	f.clock.Advance(time.Minute)
	f.handle(t, bazaar.Update{ChatLines: []string{
		"[Bazaar] Your Buy Order for 64x Enchanted Coal was filled!",
		"[Bazaar] Claimed 64x Enchanted Coal worth 134.4 coins bought for 2.1 each!",
	}})
	require.Empty(t, f.engine.Offers("owner"))

	f.clock.Advance(time.Minute)
	f.handle(t, bazaar.Update{ChatLines: []string{"[Bazaar] Sell Offer Setup! 64x Enchanted Coal for 303.7 coins."}})

	f.clock.Advance(time.Hour)
	report := f.handle(t, bazaar.Update{ChatLines: []string{"[Bazaar] Claimed 307.2 coins from selling 64x Enchanted Coal at 4.8 each!"}})
	require.Len(t, report.Lines, 1)
	require.NotNil(t, report.Lines[0].Flip)
	require.EqualValues(t, 1728, report.Lines[0].Flip.Profit)

	flips, err := f.tracker.GetFlips(context.Background(), "owner", testutil.Base.Year())
	require.NoError(t, err)
	require.Len(t, flips, 1)
}

func TestVanishedBuyFeedsLateFlip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.handle(t, bazaar.Update{Snapshot: testutil.OrdersSnapshot(
		testutil.OrderTile(bazaar.SideBuy, "Enchanted Coal", 64, 21),
	)})

	// the snapshot loses the order before the chat line arrives
	f.clock.Advance(10 * time.Second)
	report := f.handle(t, bazaar.Update{
		Snapshot: testutil.OrdersSnapshot(),
		ChatLines: []string{
			"[Bazaar] Order Flipped! 64x Enchanted Coal for 307.2 coins of total expected profit 172.8 coins.",
		},
	})
	require.Len(t, report.Snapshot.Vanished, 1)
	require.Equal(t, chatevents.ResultApplied, report.Lines[0].Result)
	require.NotNil(t, report.Lines[0].Lot)

	offers := f.engine.Offers("owner")
	require.Len(t, offers, 1)
	require.Equal(t, bazaar.SideSell, offers[0].Side)
	require.EqualValues(t, 48, offers[0].PricePerUnit)
}

func TestConfirmScreenIsRetainedForPriceRecovery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	report := f.handle(t, bazaar.Update{Snapshot: testutil.ConfirmSnapshot(bazaar.SideBuy, "Enchanted Diamond", 10, 12345)})
	require.True(t, report.ConfirmStored)
	require.Nil(t, report.Snapshot)
	require.Empty(t, f.engine.Offers("owner"))

	report = f.handle(t, bazaar.Update{ChatLines: []string{"[Bazaar] Buy Order Setup! 10x Enchanted Diamond for 12.3k coins."}})
	require.EqualValues(t, 12345, report.Lines[0].Offer.PricePerUnit)
}

func TestOffersSurviveRestart(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	first := newFixture(t, store)
	first.handle(t, bazaar.Update{Snapshot: testutil.OrdersSnapshot(
		testutil.OrderTile(bazaar.SideSell, "Wheat", 64, 48),
	)})

	second := newFixture(t, store)
	report := second.handle(t, bazaar.Update{ChatLines: []string{"[Bazaar] Your Sell Offer for 64x Wheat was filled!"}})
	require.Equal(t, chatevents.ResultApplied, report.Lines[0].Result)

	offers := second.engine.Offers("owner")
	require.Len(t, offers, 1)
	require.EqualValues(t, 64, offers[0].FilledAmount())
}

func TestLineFanOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, WithLineConcurrency(4))
	var lines []string
	for i := 1; i <= 16; i++ {
		lines = append(lines, fmt.Sprintf("[Bazaar] Buy Order Setup! %dx Coal for %d coins.", i, i*2))
	}
	report := f.handle(t, bazaar.Update{ChatLines: lines})
	require.Len(t, report.Lines, 16)
	for i, out := range report.Lines {
		require.EqualValues(t, i+1, out.Event.Amount, "outcomes keep line order")
	}
	require.Len(t, f.engine.Offers("owner"), 16)
}

func TestOwnersAreIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.handle(t, bazaar.Update{OwnerID: "alice", Snapshot: testutil.OrdersSnapshot(
		testutil.OrderTile(bazaar.SideBuy, "Coal", 64, 21),
	)})
	f.handle(t, bazaar.Update{OwnerID: "bob", Snapshot: testutil.OrdersSnapshot()})

	require.Len(t, f.engine.Offers("alice"), 1)
	require.Empty(t, f.engine.Offers("bob"))
	require.Equal(t, []string{"alice", "bob"}, f.engine.Owners())
}

func TestHandleUpdateRequiresOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.engine.HandleUpdate(context.Background(), bazaar.Update{ChatLines: []string{"x"}})
	require.ErrorIs(t, err, bazaar.ErrMissingOwner)
}

type brokenPersistence struct{ err error }

func (b brokenPersistence) SaveOffers(context.Context, string, []bazaar.Offer) error { return b.err }

func (b brokenPersistence) LoadOffers(context.Context, string) ([]bazaar.Offer, bool, error) {
	return nil, false, b.err
}

func TestLoadFailureIsRetryable(t *testing.T) {
	t.Parallel()

	down := errors.New("database is locked")
	f := newFixture(t, nil, WithOfferPersistence(brokenPersistence{err: down}))
	_, err := f.engine.HandleUpdate(context.Background(), bazaar.Update{OwnerID: "owner", Snapshot: testutil.OrdersSnapshot()})
	require.ErrorIs(t, err, down)
	require.Empty(t, f.engine.Owners())
}

type saveFailure struct {
	*storage.Memory
}

func (saveFailure) SaveOffers(context.Context, string, []bazaar.Offer) error {
	return errors.New("read-only")
}

func TestSaveFailureDoesNotAbortUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, WithOfferPersistence(saveFailure{storage.NewMemory()}))
	report := f.handle(t, bazaar.Update{Snapshot: testutil.OrdersSnapshot(
		testutil.OrderTile(bazaar.SideBuy, "Coal", 64, 21),
	)})
	require.Error(t, report.PersistErr)
	require.Len(t, f.engine.Offers("owner"), 1)
}
