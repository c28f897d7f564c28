package storage

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/recomma/flipledger/bazaar"
)

// lotStore is the surface shared by Storage and Memory.
type lotStore interface {
	InsertLot(ctx context.Context, lot bazaar.CostLot) error
	ListLots(ctx context.Context, ownerID, itemID string, now time.Time) ([]bazaar.CostLot, error)
	ListOwnerLots(ctx context.Context, ownerID string, now time.Time) ([]bazaar.CostLot, error)
	CommitMatch(ctx context.Context, settlement bazaar.Settlement) error
	ListFlips(ctx context.Context, ownerID string, year int) ([]bazaar.Flip, error)
	PurgeExpiredLots(ctx context.Context, now time.Time) (int64, error)
	SaveOffers(ctx context.Context, ownerID string, offers []bazaar.Offer) error
	LoadOffers(ctx context.Context, ownerID string) ([]bazaar.Offer, bool, error)
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	return newTestStorageWithLogger(t, nil)
}

func newTestStorageWithLogger(t *testing.T, logger *slog.Logger) *Storage {
	t.Helper()

	var opts []Option
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	store, err := New(":memory:", opts...)
	if err != nil {
		t.Fatalf("open sqlite storage: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite storage: %v", err)
		}
	})

	return store
}

var base = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func lot(owner, item, id string, claimed time.Time, amount, remaining int64, cost bazaar.Tenths) bazaar.CostLot {
	return bazaar.CostLot{
		LotID:     id,
		OwnerID:   owner,
		ItemID:    item,
		Amount:    amount,
		Remaining: remaining,
		TotalCost: cost,
		ClaimedAt: claimed,
		ExpiresAt: claimed.Add(14 * 24 * time.Hour),
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store lotStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		fn(t, newTestStorage(t))
	})
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
}

func TestListLotsOrderedOldestFirst(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store lotStore) {
		ctx := context.Background()
		newer := lot("owner", "COAL", "b", base.Add(time.Hour), 10, 10, 100)
		older := lot("owner", "COAL", "a", base, 5, 5, 50)
		drained := lot("owner", "COAL", "c", base.Add(-time.Hour), 5, 0, 50)
		otherItem := lot("owner", "IRON", "d", base, 5, 5, 50)
		otherOwner := lot("other", "COAL", "e", base, 5, 5, 50)

		for _, l := range []bazaar.CostLot{newer, older, drained, otherItem, otherOwner} {
			require.NoError(t, store.InsertLot(ctx, l))
		}

		got, err := store.ListLots(ctx, "owner", "COAL", base.Add(2*time.Hour))
		require.NoError(t, err)
		if diff := cmp.Diff([]bazaar.CostLot{older, newer}, got); diff != "" {
			t.Fatalf("lots mismatch (-want +got):\n%s", diff)
		}

		all, err := store.ListOwnerLots(ctx, "owner", base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, all, 4, "drained lots are part of the broad read")
	})
}

func TestListLotsSkipsExpired(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store lotStore) {
		ctx := context.Background()
		l := lot("owner", "COAL", "a", base, 5, 5, 50)
		require.NoError(t, store.InsertLot(ctx, l))

		got, err := store.ListLots(ctx, "owner", "COAL", l.ExpiresAt.Add(-time.Millisecond))
		require.NoError(t, err)
		require.Len(t, got, 1)

		got, err = store.ListLots(ctx, "owner", "COAL", l.ExpiresAt)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestCommitMatchRewritesAndDeletes(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store lotStore) {
		ctx := context.Background()
		first := lot("owner", "COAL", "a", base, 10, 10, 100)
		second := lot("owner", "COAL", "b", base.Add(time.Minute), 10, 10, 200)
		require.NoError(t, store.InsertLot(ctx, first))
		require.NoError(t, store.InsertLot(ctx, second))

		rewritten := second
		rewritten.Remaining = 4
		flip := &bazaar.Flip{
			ID: "flip-1", OwnerID: "owner", ItemID: "COAL", ItemName: "Coal",
			Amount: 16, BuyCost: 220, SellProceeds: 400, Profit: 180,
			Year: 2026, SoldAt: base.Add(time.Hour),
		}
		err := store.CommitMatch(ctx, bazaar.Settlement{
			OwnerID: "owner",
			ItemID:  "COAL",
			Lots: []bazaar.LotUpdate{
				{Lot: first, Delete: true},
				{Lot: rewritten},
			},
			Flip: flip,
		})
		require.NoError(t, err)

		lots, err := store.ListLots(ctx, "owner", "COAL", base.Add(time.Hour))
		require.NoError(t, err)
		if diff := cmp.Diff([]bazaar.CostLot{rewritten}, lots); diff != "" {
			t.Fatalf("lots mismatch (-want +got):\n%s", diff)
		}

		flips, err := store.ListFlips(ctx, "owner", 2026)
		require.NoError(t, err)
		if diff := cmp.Diff([]bazaar.Flip{*flip}, flips); diff != "" {
			t.Fatalf("flips mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestListFlipsNewestFirstPerYear(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store lotStore) {
		ctx := context.Background()
		mk := func(id string, soldAt time.Time) bazaar.Flip {
			return bazaar.Flip{ID: id, OwnerID: "owner", ItemID: "COAL", ItemName: "Coal", Amount: 1, Year: soldAt.Year(), SoldAt: soldAt}
		}
		old := mk("old", base)
		recent := mk("recent", base.Add(48*time.Hour))
		lastYear := mk("last-year", base.AddDate(-1, 0, 0))

		for _, f := range []bazaar.Flip{old, recent, lastYear} {
			require.NoError(t, store.CommitMatch(ctx, bazaar.Settlement{OwnerID: "owner", ItemID: "COAL", Flip: &f}))
		}

		flips, err := store.ListFlips(ctx, "owner", 2026)
		require.NoError(t, err)
		if diff := cmp.Diff([]bazaar.Flip{recent, old}, flips); diff != "" {
			t.Fatalf("flips mismatch (-want +got):\n%s", diff)
		}

		flips, err = store.ListFlips(ctx, "owner", 2025)
		require.NoError(t, err)
		require.Len(t, flips, 1)

		flips, err = store.ListFlips(ctx, "nobody", 2026)
		require.NoError(t, err)
		require.Empty(t, flips)
	})
}

func TestPurgeExpiredLots(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store lotStore) {
		ctx := context.Background()
		require.NoError(t, store.InsertLot(ctx, lot("owner", "COAL", "a", base, 1, 1, 1)))
		require.NoError(t, store.InsertLot(ctx, lot("owner", "COAL", "b", base.Add(48*time.Hour), 1, 1, 1)))

		n, err := store.PurgeExpiredLots(ctx, base.Add(15*24*time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		all, err := store.ListOwnerLots(ctx, "owner", base)
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, "b", all[0].LotID)
	})
}

func TestOffersRoundTrip(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store lotStore) {
		ctx := context.Background()

		_, ok, err := store.LoadOffers(ctx, "owner")
		require.NoError(t, err)
		require.False(t, ok)

		offers := []bazaar.Offer{{
			Side:         bazaar.SideBuy,
			ItemName:     "Enchanted Coal",
			Amount:       64,
			PricePerUnit: 21,
			CreatedAt:    base,
			Fills:        []bazaar.Fill{{Amount: 3, Counterparty: "Steve", Timestamp: base.Add(time.Minute)}},
		}}
		require.NoError(t, store.SaveOffers(ctx, "owner", offers))

		got, ok, err := store.LoadOffers(ctx, "owner")
		require.NoError(t, err)
		require.True(t, ok)
		if diff := cmp.Diff(offers, got); diff != "" {
			t.Fatalf("offers mismatch (-want +got):\n%s", diff)
		}

		require.NoError(t, store.SaveOffers(ctx, "owner", nil))
		got, ok, err = store.LoadOffers(ctx, "owner")
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, got)
	})
}

func TestStorageTracesStatements(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := newTestStorageWithLogger(t, logger)

	require.NoError(t, store.InsertLot(context.Background(), lot("owner", "COAL", "a", base, 1, 1, 1)))
	require.Contains(t, buf.String(), "sql exec")
	require.Contains(t, buf.String(), "INSERT INTO cost_lots")
}

func TestStorageClosed(t *testing.T) {
	t.Parallel()

	store, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.ListFlips(context.Background(), "owner", 2026)
	require.ErrorIs(t, err, ErrClosed)
}
