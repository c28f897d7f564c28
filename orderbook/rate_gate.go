package orderbook

import (
	"context"
	"sync"
	"time"
)

// RateGate spaces calls that share an upstream limit. Safe for concurrent
// use.
type RateGate interface {
	Wait(ctx context.Context) error
	Cooldown(d time.Duration)
}

const defaultSpacing = 250 * time.Millisecond

// NewRateGate enforces minSpacing between successive Wait returns. A
// non-positive spacing uses the default.
func NewRateGate(minSpacing time.Duration) RateGate {
	if minSpacing <= 0 {
		minSpacing = defaultSpacing
	}
	return &rateGate{spacing: minSpacing, next: time.Now()}
}

type rateGate struct {
	mu      sync.Mutex
	spacing time.Duration
	next    time.Time
}

func (g *rateGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := time.Until(g.next)
		if wait <= 0 {
			g.next = time.Now().Add(g.spacing)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Cooldown pushes the next slot at least d into the future.
func (g *rateGate) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if next := time.Now().Add(d); next.After(g.next) {
		g.next = next
	}
}
