package sinks

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/flipledger/bazaar"
)

func TestLogLedgerFormatsCoins(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ledger := NewLogLedger(slog.New(slog.NewTextHandler(&buf, nil)))

	err := ledger.Append(context.Background(),
		bazaar.Transaction{OwnerID: "o", ItemID: bazaar.CoinsItemID, Amount: 1344, Flags: bazaar.TxRemove | bazaar.TxCoins, Timestamp: time.Now()},
		bazaar.Transaction{OwnerID: "o", ItemID: "COAL", Amount: 64, Flags: bazaar.TxReceive | bazaar.TxItem, Timestamp: time.Now()},
	)
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "ledger.amount=134.4")
	require.Contains(t, out, "ledger.flags=remove|coins")
	require.Contains(t, out, "ledger.amount=64")
}

func TestLogOrderBook(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	book := NewLogOrderBook(slog.New(slog.NewTextHandler(&buf, nil)))
	entry := bazaar.OrderBookEntry{ItemID: "COAL", Side: bazaar.SideSell, PricePerUnit: 48, Amount: 64, OwnerID: "o"}

	require.NoError(t, book.Add(context.Background(), entry))
	require.NoError(t, book.Remove(context.Background(), entry))
	require.Contains(t, buf.String(), "listing added")
	require.Contains(t, buf.String(), "orderbook.price_per_unit=4.8")
}
