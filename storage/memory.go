package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/recomma/flipledger/bazaar"
)

// farFuture sorts before every real sale in the descending flip order.
var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Memory is an in-process store with the same access pattern as Storage,
// backed by ordered btrees.
type Memory struct {
	mu     sync.RWMutex
	lots   *btree.BTreeG[bazaar.CostLot]
	flips  *btree.BTreeG[bazaar.Flip]
	offers map[string][]bazaar.Offer
}

func NewMemory() *Memory {
	return &Memory{
		lots:   btree.NewG(16, lotLess),
		flips:  btree.NewG(16, flipLess),
		offers: make(map[string][]bazaar.Offer),
	}
}

func lotLess(a, b bazaar.CostLot) bool {
	if c := strings.Compare(a.OwnerID, b.OwnerID); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.ItemID, b.ItemID); c != 0 {
		return c < 0
	}
	if !a.ClaimedAt.Equal(b.ClaimedAt) {
		return a.ClaimedAt.Before(b.ClaimedAt)
	}
	return a.LotID < b.LotID
}

func flipLess(a, b bazaar.Flip) bool {
	if c := strings.Compare(a.OwnerID, b.OwnerID); c != 0 {
		return c < 0
	}
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	if !a.SoldAt.Equal(b.SoldAt) {
		return a.SoldAt.After(b.SoldAt)
	}
	return a.ID < b.ID
}

func (m *Memory) InsertLot(_ context.Context, lot bazaar.CostLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lots.ReplaceOrInsert(lot)
	return nil
}

func (m *Memory) ListLots(_ context.Context, ownerID, itemID string, now time.Time) ([]bazaar.CostLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []bazaar.CostLot
	m.lots.AscendGreaterOrEqual(bazaar.CostLot{OwnerID: ownerID, ItemID: itemID}, func(lot bazaar.CostLot) bool {
		if lot.OwnerID != ownerID || lot.ItemID != itemID {
			return false
		}
		if lot.Remaining > 0 && !lot.Expired(now) {
			out = append(out, lot)
		}
		return true
	})
	return out, nil
}

func (m *Memory) ListOwnerLots(_ context.Context, ownerID string, now time.Time) ([]bazaar.CostLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []bazaar.CostLot
	m.lots.AscendGreaterOrEqual(bazaar.CostLot{OwnerID: ownerID}, func(lot bazaar.CostLot) bool {
		if lot.OwnerID != ownerID {
			return false
		}
		if !lot.Expired(now) {
			out = append(out, lot)
		}
		return true
	})
	return out, nil
}

// CommitMatch applies the settlement under one lock so readers never see a
// half applied match.
func (m *Memory) CommitMatch(_ context.Context, settlement bazaar.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, upd := range settlement.Lots {
		m.lots.Delete(upd.Lot)
		if !upd.Delete {
			m.lots.ReplaceOrInsert(upd.Lot)
		}
	}
	if settlement.Flip != nil {
		m.flips.ReplaceOrInsert(*settlement.Flip)
	}
	return nil
}

func (m *Memory) ListFlips(_ context.Context, ownerID string, year int) ([]bazaar.Flip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []bazaar.Flip
	pivot := bazaar.Flip{OwnerID: ownerID, Year: year, SoldAt: farFuture}
	m.flips.AscendGreaterOrEqual(pivot, func(f bazaar.Flip) bool {
		if f.OwnerID != ownerID || f.Year != year {
			return false
		}
		out = append(out, f)
		return true
	})
	return out, nil
}

func (m *Memory) PurgeExpiredLots(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []bazaar.CostLot
	m.lots.Ascend(func(lot bazaar.CostLot) bool {
		if lot.Expired(now) {
			expired = append(expired, lot)
		}
		return true
	})
	for _, lot := range expired {
		m.lots.Delete(lot)
	}
	return int64(len(expired)), nil
}

func (m *Memory) SaveOffers(_ context.Context, ownerID string, offers []bazaar.Offer) error {
	cp := make([]bazaar.Offer, len(offers))
	for i, o := range offers {
		cp[i] = o.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[ownerID] = cp
	return nil
}

func (m *Memory) LoadOffers(_ context.Context, ownerID string) ([]bazaar.Offer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offers, ok := m.offers[ownerID]
	if !ok {
		return nil, false, nil
	}
	cp := make([]bazaar.Offer, len(offers))
	for i, o := range offers {
		cp[i] = o.Clone()
	}
	return cp, true, nil
}

func (m *Memory) Close() error {
	return nil
}
