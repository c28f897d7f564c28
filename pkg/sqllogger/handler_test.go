package sqllogger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectingHandler(t *testing.T, opts ...Option) (*Handler, chan Entry) {
	t.Helper()

	entries := make(chan Entry, 16)
	opts = append([]Option{WithInsertFunc(func(_ context.Context, e Entry) error {
		entries <- e
		return nil
	})}, opts...)
	handler, err := NewHandler(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = handler.Close(context.Background())
	})
	return handler, entries
}

func receive(t *testing.T, entries chan Entry) Entry {
	t.Helper()
	select {
	case e := <-entries:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for journal entry")
		return Entry{}
	}
}

func TestHandlerPersistsRecord(t *testing.T) {
	t.Parallel()

	handler, entries := collectingHandler(t)
	logger := slog.New(handler)
	logger.Info("recorded flip", slog.Int64("amount", 64))

	e := receive(t, entries)
	require.Equal(t, "recorded flip", e.Message)
	require.Equal(t, "INFO", e.Level)
	require.Empty(t, e.Scope)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(e.AttrsJSON, &attrs))
	require.Equal(t, float64(64), attrs["amount"])
}

func TestHandlerLiftsOwnerAndFlattensGroups(t *testing.T) {
	t.Parallel()

	handler, entries := collectingHandler(t)
	logger := slog.New(handler).WithGroup("engine").With(slog.String("batch", "b1")).WithGroup("profit")
	logger.Warn("sell only partially matched",
		slog.String("owner", "owner-1"),
		slog.Group("lot", slog.Int64("remaining", 3)),
	)

	e := receive(t, entries)
	require.Equal(t, "owner-1", e.OwnerID)
	require.Equal(t, "engine.profit", e.Scope)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(e.AttrsJSON, &attrs))
	require.Equal(t, "b1", attrs["engine.batch"])
	require.Equal(t, "owner-1", attrs["engine.profit.owner"])
	require.Equal(t, float64(3), attrs["engine.profit.lot.remaining"])
}

func TestHandlerOwnerFromWith(t *testing.T) {
	t.Parallel()

	handler, entries := collectingHandler(t)
	slog.New(handler).With(slog.String("owner", "owner-2")).Info("update handled")

	require.Equal(t, "owner-2", receive(t, entries).OwnerID)
}

func TestHandlerMinLevel(t *testing.T) {
	t.Parallel()

	handler, entries := collectingHandler(t, WithMinLevel(slog.LevelWarn))
	logger := slog.New(handler)
	logger.Info("skipped")
	logger.Warn("kept", slog.Any("error", errors.New("boom")))

	e := receive(t, entries)
	require.Equal(t, "kept", e.Message)
	require.Contains(t, string(e.AttrsJSON), `"error":"boom"`)
}

func TestHandlerQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	handler, err := NewHandler(
		WithQueueSize(1),
		WithInsertFunc(func(context.Context, Entry) error {
			<-block
			return nil
		}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	record := slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0)

	var full bool
	for range 10 {
		if err := handler.Handle(ctx, record); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	require.True(t, full)
	require.Positive(t, handler.Dropped())

	close(block)
	require.NoError(t, handler.Close(ctx))
	require.ErrorIs(t, handler.Handle(ctx, record), ErrHandlerClosed)
}

func TestHandlerRequiresInsertFunc(t *testing.T) {
	t.Parallel()

	_, err := NewHandler()
	require.Error(t, err)
}
