package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

const lotColumns = `owner_id, item_id, claimed_at_utc, lot_id, amount, remaining, total_cost, expires_at_utc`

const insertLot = `
INSERT INTO cost_lots (` + lotColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const deleteLot = `
DELETE FROM cost_lots
WHERE owner_id = ? AND item_id = ? AND claimed_at_utc = ? AND lot_id = ?`

const listLots = `
SELECT ` + lotColumns + `
FROM cost_lots
WHERE owner_id = ? AND item_id = ? AND expires_at_utc > ? AND remaining > 0
ORDER BY claimed_at_utc ASC, lot_id ASC`

const listOwnerLots = `
SELECT ` + lotColumns + `
FROM cost_lots
WHERE owner_id = ? AND expires_at_utc > ?
ORDER BY item_id ASC, claimed_at_utc ASC, lot_id ASC`

const purgeExpiredLots = `DELETE FROM cost_lots WHERE expires_at_utc <= ?`

const flipColumns = `owner_id, year, sold_at_utc, flip_id, item_id, item_name, amount, buy_cost, sell_proceeds, profit`

const insertFlip = `
INSERT INTO flips (` + flipColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const listFlips = `
SELECT ` + flipColumns + `
FROM flips
WHERE owner_id = ? AND year = ?
ORDER BY sold_at_utc DESC, flip_id ASC`

// InsertLot stores a new cost lot.
func (s *Storage) InsertLot(ctx context.Context, lot bazaar.CostLot) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	return execInsertLot(ctx, s.q(), lot)
}

// ListLots returns the unexpired lots of owner/item with units left, oldest
// claim first.
func (s *Storage) ListLots(ctx context.Context, ownerID, itemID string, now time.Time) ([]bazaar.CostLot, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rows, err := s.q().QueryContext(ctx, listLots, ownerID, itemID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query cost lots: %w", err)
	}
	return scanLots(rows)
}

// ListOwnerLots returns every unexpired lot of owner, drained ones included.
func (s *Storage) ListOwnerLots(ctx context.Context, ownerID string, now time.Time) ([]bazaar.CostLot, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rows, err := s.q().QueryContext(ctx, listOwnerLots, ownerID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query owner lots: %w", err)
	}
	return scanLots(rows)
}

// CommitMatch applies lot updates and inserts the flip in one transaction.
// A rewritten lot is deleted and inserted again, mirroring a store without
// in-place TTL updates.
func (s *Storage) CommitMatch(ctx context.Context, settlement bazaar.Settlement) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	return s.withTx(ctx, func(q DBTX) error {
		for _, upd := range settlement.Lots {
			lot := upd.Lot
			if _, err := q.ExecContext(ctx, deleteLot, lot.OwnerID, lot.ItemID, toMillis(lot.ClaimedAt), lot.LotID); err != nil {
				return fmt.Errorf("delete lot %s: %w", lot.LotID, err)
			}
			if upd.Delete {
				continue
			}
			if err := execInsertLot(ctx, q, lot); err != nil {
				return err
			}
		}

		if settlement.Flip == nil {
			return nil
		}
		f := settlement.Flip
		_, err := q.ExecContext(ctx, insertFlip,
			f.OwnerID, f.Year, toMillis(f.SoldAt), f.ID,
			f.ItemID, f.ItemName, f.Amount,
			int64(f.BuyCost), int64(f.SellProceeds), int64(f.Profit),
		)
		if err != nil {
			return fmt.Errorf("insert flip: %w", err)
		}
		return nil
	})
}

// ListFlips returns the flips of owner in year, newest first.
func (s *Storage) ListFlips(ctx context.Context, ownerID string, year int) ([]bazaar.Flip, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rows, err := s.q().QueryContext(ctx, listFlips, ownerID, year)
	if err != nil {
		return nil, fmt.Errorf("query flips: %w", err)
	}
	defer rows.Close()

	var flips []bazaar.Flip
	for rows.Next() {
		var (
			f                         bazaar.Flip
			soldAt                    int64
			cost, proceeds, profitVal int64
		)
		if err := rows.Scan(&f.OwnerID, &f.Year, &soldAt, &f.ID, &f.ItemID, &f.ItemName, &f.Amount, &cost, &proceeds, &profitVal); err != nil {
			return nil, fmt.Errorf("scan flip: %w", err)
		}
		f.SoldAt = fromMillis(soldAt)
		f.BuyCost = bazaar.Tenths(cost)
		f.SellProceeds = bazaar.Tenths(proceeds)
		f.Profit = bazaar.Tenths(profitVal)
		flips = append(flips, f)
	}
	return flips, rows.Err()
}

// PurgeExpiredLots deletes lots whose lifetime ended at or before now.
func (s *Storage) PurgeExpiredLots(ctx context.Context, now time.Time) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	res, err := s.q().ExecContext(ctx, purgeExpiredLots, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge lots: %w", err)
	}
	return res.RowsAffected()
}

func execInsertLot(ctx context.Context, q DBTX, lot bazaar.CostLot) error {
	_, err := q.ExecContext(ctx, insertLot,
		lot.OwnerID, lot.ItemID, toMillis(lot.ClaimedAt), lot.LotID,
		lot.Amount, lot.Remaining, int64(lot.TotalCost), toMillis(lot.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert lot %s: %w", lot.LotID, err)
	}
	return nil
}

func scanLots(rows *sql.Rows) ([]bazaar.CostLot, error) {
	defer rows.Close()

	var lots []bazaar.CostLot
	for rows.Next() {
		var (
			lot              bazaar.CostLot
			claimed, expires int64
			totalCost        int64
		)
		if err := rows.Scan(&lot.OwnerID, &lot.ItemID, &claimed, &lot.LotID, &lot.Amount, &lot.Remaining, &totalCost, &expires); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lot.ClaimedAt = fromMillis(claimed)
		lot.ExpiresAt = fromMillis(expires)
		lot.TotalCost = bazaar.Tenths(totalCost)
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}
