package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

const upsertOffers = `
INSERT INTO open_offers (owner_id, updated_at_utc, payload)
VALUES (?, ?, ?)
ON CONFLICT(owner_id) DO UPDATE SET
    updated_at_utc = excluded.updated_at_utc,
    payload = excluded.payload`

const selectOffers = `SELECT payload FROM open_offers WHERE owner_id = ?`

// SaveOffers replaces the persisted open orders of owner.
func (s *Storage) SaveOffers(ctx context.Context, ownerID string, offers []bazaar.Offer) error {
	if offers == nil {
		offers = []bazaar.Offer{}
	}
	raw, err := json.Marshal(offers)
	if err != nil {
		return fmt.Errorf("marshal offers: %w", err)
	}

	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, err := s.q().ExecContext(ctx, upsertOffers, ownerID, toMillis(time.Now()), raw); err != nil {
		return fmt.Errorf("save offers: %w", err)
	}
	return nil
}

// LoadOffers returns the persisted open orders of owner. The bool reports
// whether a row existed.
func (s *Storage) LoadOffers(ctx context.Context, ownerID string) ([]bazaar.Offer, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()

	var raw []byte
	err := s.q().QueryRowContext(ctx, selectOffers, ownerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load offers: %w", err)
	}

	var offers []bazaar.Offer
	if err := json.Unmarshal(raw, &offers); err != nil {
		return nil, false, fmt.Errorf("decode offers: %w", err)
	}
	return offers, true, nil
}
