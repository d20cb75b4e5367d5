package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// TestJournalRoundTrip writes two outcomes and reads them back newest first.
func TestJournalRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, err := Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, calls.Outcome{
		CallID:     "A1_1_2",
		Token:      "1700000000.1",
		Success:    true,
		Stage:      calls.StageDone,
		Recording:  calls.Recording{Bytes: 2048, Duration: 7 * time.Second, Attempts: 1},
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
	}))
	require.NoError(t, j.Record(ctx, calls.Outcome{
		CallID:     "B2_3_4",
		Stage:      calls.StageAcquire,
		Error:      "empty audio",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Minute),
	}))

	got, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "B2_3_4", got[0].CallID)
	require.False(t, got[0].Success)
	require.Equal(t, "empty audio", got[0].Error)

	require.Equal(t, "A1_1_2", got[1].CallID)
	require.True(t, got[1].Success)
	require.Empty(t, got[1].Error)
	require.Equal(t, 7*time.Second, got[1].Recording.Duration)
	require.Equal(t, int64(2048), got[1].Recording.Bytes)
	require.Equal(t, time.Minute, got[1].Elapsed)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	first, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, calls.Outcome{CallID: "x", Stage: calls.StageDone}))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	got, err := second.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
