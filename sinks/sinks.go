// Package sinks provides ledger and order book collaborators that only log,
// for deployments without the upstream services.
package sinks

import (
	"context"
	"log/slog"

	"github.com/recomma/flipledger/bazaar"
)

// LogLedger writes every transaction as an info record.
type LogLedger struct {
	logger *slog.Logger
}

func NewLogLedger(logger *slog.Logger) *LogLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogLedger{logger: logger.WithGroup("ledger")}
}

func (l *LogLedger) Append(ctx context.Context, txs ...bazaar.Transaction) error {
	for _, tx := range txs {
		amount := slog.Int64("amount", tx.Amount)
		if tx.Flags.Has(bazaar.TxCoins) {
			amount = slog.String("amount", bazaar.Tenths(tx.Amount).String())
		}
		l.logger.InfoContext(ctx, "transaction",
			slog.String("owner", tx.OwnerID),
			slog.String("item", tx.ItemID),
			amount,
			slog.String("flags", tx.Flags.String()),
			slog.Time("at", tx.Timestamp),
		)
	}
	return nil
}

// LogOrderBook logs listings instead of publishing them.
type LogOrderBook struct {
	logger *slog.Logger
}

func NewLogOrderBook(logger *slog.Logger) *LogOrderBook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOrderBook{logger: logger.WithGroup("orderbook")}
}

func (b *LogOrderBook) Add(ctx context.Context, e bazaar.OrderBookEntry) error {
	b.log(ctx, "listing added", e)
	return nil
}

func (b *LogOrderBook) Remove(ctx context.Context, e bazaar.OrderBookEntry) error {
	b.log(ctx, "listing removed", e)
	return nil
}

func (b *LogOrderBook) log(ctx context.Context, msg string, e bazaar.OrderBookEntry) {
	b.logger.InfoContext(ctx, msg,
		slog.String("owner", e.OwnerID),
		slog.String("item", e.ItemID),
		slog.String("side", e.Side.String()),
		slog.Int64("amount", e.Amount),
		slog.String("price_per_unit", e.PricePerUnit.String()),
	)
}
