package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/flipledger/bazaar"
)

func TestMemoryScheduleListCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	at := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.Schedule(ctx, bazaar.Reminder{OwnerID: "o", Fingerprint: "b", At: at.Add(time.Hour)}))
	require.NoError(t, m.Schedule(ctx, bazaar.Reminder{OwnerID: "o", Fingerprint: "a", At: at}))
	require.NoError(t, m.Schedule(ctx, bazaar.Reminder{OwnerID: "o", Fingerprint: "a", At: at, Message: "replaced"}))

	list, err := m.List(ctx, "o")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Fingerprint)
	require.Equal(t, "replaced", list[0].Message)

	require.NoError(t, m.Cancel(ctx, "o", "a"))
	require.NoError(t, m.Cancel(ctx, "o", "missing"))
	list, err = m.List(ctx, "o")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.ErrorIs(t, m.Schedule(ctx, bazaar.Reminder{Fingerprint: "x"}), bazaar.ErrMissingOwner)
}

func TestMemoryDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	at := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Schedule(ctx, bazaar.Reminder{OwnerID: "o1", Fingerprint: "a", At: at}))
	require.NoError(t, m.Schedule(ctx, bazaar.Reminder{OwnerID: "o2", Fingerprint: "b", At: at.Add(time.Minute)}))

	due := m.Due(at)
	require.Len(t, due, 1)
	require.Equal(t, "a", due[0].Fingerprint)
	require.Empty(t, m.Due(at))

	list, err := m.List(ctx, "o2")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
