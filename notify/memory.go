// Package notify keeps order expiry reminders in process.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

// Memory is a reminder registry keyed by owner and order fingerprint.
type Memory struct {
	mu        sync.Mutex
	reminders map[string]map[string]bazaar.Reminder
	logger    *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		reminders: make(map[string]map[string]bazaar.Reminder),
		logger:    logger.WithGroup("notify"),
	}
}

// Schedule stores r, replacing a reminder with the same fingerprint.
func (m *Memory) Schedule(ctx context.Context, r bazaar.Reminder) error {
	if r.OwnerID == "" {
		return bazaar.ErrMissingOwner
	}
	m.mu.Lock()
	byFP, ok := m.reminders[r.OwnerID]
	if !ok {
		byFP = make(map[string]bazaar.Reminder)
		m.reminders[r.OwnerID] = byFP
	}
	byFP[r.Fingerprint] = r
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "scheduled reminder",
		slog.String("owner", r.OwnerID),
		slog.String("fingerprint", r.Fingerprint),
		slog.Time("at", r.At),
	)
	return nil
}

// Cancel removes the reminder of fingerprint. Unknown fingerprints are not
// an error.
func (m *Memory) Cancel(ctx context.Context, ownerID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byFP, ok := m.reminders[ownerID]; ok {
		delete(byFP, fingerprint)
		if len(byFP) == 0 {
			delete(m.reminders, ownerID)
		}
	}
	return nil
}

// List returns the reminders of owner ordered by due time.
func (m *Memory) List(_ context.Context, ownerID string) ([]bazaar.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]bazaar.Reminder, 0, len(m.reminders[ownerID]))
	for _, r := range m.reminders[ownerID] {
		out = append(out, r)
	}
	sortReminders(out)
	return out, nil
}

// Due removes and returns every reminder due at or before now.
func (m *Memory) Due(now time.Time) []bazaar.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []bazaar.Reminder
	for owner, byFP := range m.reminders {
		for fp, r := range byFP {
			if !r.At.After(now) {
				due = append(due, r)
				delete(byFP, fp)
			}
		}
		if len(byFP) == 0 {
			delete(m.reminders, owner)
		}
	}
	sortReminders(due)
	return due
}

func sortReminders(rs []bazaar.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].At.Equal(rs[j].At) {
			return rs[i].At.Before(rs[j].At)
		}
		if rs[i].OwnerID != rs[j].OwnerID {
			return rs[i].OwnerID < rs[j].OwnerID
		}
		return rs[i].Fingerprint < rs[j].Fingerprint
	})
}
