package orderbook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/flipledger/bazaar"
)

func TestRateGateEnforcesSpacing(t *testing.T) {
	gate := NewRateGate(30 * time.Millisecond)

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))
	require.NoError(t, gate.Wait(context.Background()))

	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateGateRespectsContext(t *testing.T) {
	gate := NewRateGate(100 * time.Millisecond)
	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, gate.Wait(ctx), context.DeadlineExceeded)
}

type recordingBook struct {
	mu     sync.Mutex
	calls  []string
	addErr error
}

func (b *recordingBook) Add(_ context.Context, e bazaar.OrderBookEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "add:"+e.ItemID)
	return b.addErr
}

func (b *recordingBook) Remove(_ context.Context, e bazaar.OrderBookEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "remove:"+e.ItemID)
	return nil
}

type countingGate struct {
	waits     int
	cooldowns []time.Duration
}

func (g *countingGate) Wait(context.Context) error {
	g.waits++
	return nil
}

func (g *countingGate) Cooldown(d time.Duration) {
	g.cooldowns = append(g.cooldowns, d)
}

func TestPacedForwardsThroughGate(t *testing.T) {
	t.Parallel()

	book := &recordingBook{}
	gate := &countingGate{}
	paced := NewPaced(book, gate, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx := context.Background()
	require.NoError(t, paced.Add(ctx, bazaar.OrderBookEntry{ItemID: "COAL"}))
	require.NoError(t, paced.Remove(ctx, bazaar.OrderBookEntry{ItemID: "COAL"}))

	require.Equal(t, []string{"add:COAL", "remove:COAL"}, book.calls)
	require.Equal(t, 2, gate.waits)
	require.Empty(t, gate.cooldowns)
}

func TestPacedCoolsDownWhenThrottled(t *testing.T) {
	t.Parallel()

	book := &recordingBook{addErr: fmt.Errorf("429: %w", ErrThrottled)}
	gate := &countingGate{}
	paced := NewPaced(book, gate, WithCooldown(time.Minute), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := paced.Add(context.Background(), bazaar.OrderBookEntry{ItemID: "COAL"})
	require.ErrorIs(t, err, ErrThrottled)
	require.Equal(t, []time.Duration{time.Minute}, gate.cooldowns)
}

func TestPacedStopsOnCancelledWait(t *testing.T) {
	t.Parallel()

	book := &recordingBook{}
	paced := NewPaced(book, NewRateGate(time.Hour))

	require.NoError(t, paced.Add(context.Background(), bazaar.OrderBookEntry{ItemID: "A"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, paced.Add(ctx, bazaar.OrderBookEntry{ItemID: "B"}), context.Canceled)
	require.Equal(t, []string{"add:A"}, book.calls)
}
