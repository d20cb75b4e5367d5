package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/journal"
)

func outcome() calls.Outcome {
	start := time.Unix(1700000000, 0).UTC()
	return calls.Outcome{
		CallID:     "A1_18005551234_9005551111",
		Token:      "1700000000.123",
		Success:    true,
		Stage:      calls.StageDone,
		Recording:  calls.Recording{Bytes: 4096, Duration: 7500 * time.Millisecond, Attempts: 2},
		ArchiveURI: "gs://bucket/calls/a.wav",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
	}
}

func TestRecordInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	j, err := NewWithPool(mock, "")
	require.NoError(t, err)

	out := outcome()
	mock.ExpectExec("INSERT INTO call_outcomes").
		WithArgs(
			out.CallID,
			out.Token,
			true,
			calls.StageDone,
			(*string)(nil),
			int64(4096),
			7.5,
			2,
			out.ArchiveURI,
			out.StartedAt,
			out.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, j.Record(context.Background(), out))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureCarriesError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	j, err := NewWithPool(mock, "outcomes")
	require.NoError(t, err)

	out := outcome()
	out.Success = false
	out.Stage = calls.StageAcquire
	out.Error = "empty audio"
	msg := "empty audio"
	mock.ExpectExec("INSERT INTO outcomes").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), false, calls.StageAcquire, &msg,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err = j.Record(context.Background(), out)
	require.ErrorContains(t, err, "insert call outcome")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	j, err := NewWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS call_outcomes").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, j.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "drop table;")
	require.ErrorContains(t, err, "invalid table name")

	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")

	var nilJournal *Journal
	require.ErrorIs(t, nilJournal.Record(context.Background(), outcome()), journal.ErrNotConfigured)
}

func TestRecordRequiresCallID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	j, err := NewWithPool(mock, "")
	require.NoError(t, err)

	require.Error(t, j.Record(context.Background(), calls.Outcome{}))
}
