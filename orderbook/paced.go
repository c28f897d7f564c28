// Package orderbook decorates an order book publisher with pacing.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

// ErrThrottled is returned by upstream order books that want the caller to
// back off. Paced reacts to it with a cooldown.
var ErrThrottled = errors.New("orderbook: throttled")

const defaultCooldown = 5 * time.Second

// Paced forwards calls to an inner order book through a RateGate.
type Paced struct {
	inner    bazaar.OrderBook
	gate     RateGate
	cooldown time.Duration
	logger   *slog.Logger
}

type PacedOption func(*Paced)

func WithCooldown(d time.Duration) PacedOption {
	return func(p *Paced) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

func WithLogger(logger *slog.Logger) PacedOption {
	return func(p *Paced) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPaced(inner bazaar.OrderBook, gate RateGate, opts ...PacedOption) *Paced {
	if gate == nil {
		gate = NewRateGate(0)
	}
	p := &Paced{
		inner:    inner,
		gate:     gate,
		cooldown: defaultCooldown,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithGroup("orderbook")
	return p
}

func (p *Paced) Add(ctx context.Context, entry bazaar.OrderBookEntry) error {
	return p.call(ctx, "add", entry, p.inner.Add)
}

func (p *Paced) Remove(ctx context.Context, entry bazaar.OrderBookEntry) error {
	return p.call(ctx, "remove", entry, p.inner.Remove)
}

func (p *Paced) call(ctx context.Context, op string, entry bazaar.OrderBookEntry, fn func(context.Context, bazaar.OrderBookEntry) error) error {
	if err := p.gate.Wait(ctx); err != nil {
		return fmt.Errorf("orderbook %s: wait: %w", op, err)
	}
	err := fn(ctx, entry)
	if errors.Is(err, ErrThrottled) {
		p.gate.Cooldown(p.cooldown)
		p.logger.WarnContext(ctx, "order book throttled, cooling down",
			slog.String("op", op),
			slog.String("item", entry.ItemID),
			slog.Duration("cooldown", p.cooldown),
		)
	}
	if err != nil {
		return fmt.Errorf("orderbook %s: %w", op, err)
	}
	return nil
}
