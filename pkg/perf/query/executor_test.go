package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorPreparesOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const sqlText = "SELECT id FROM conversations WHERE id = \\$1"
	mock.ExpectPrepare(sqlText)
	mock.ExpectQuery(sqlText).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1"))
	mock.ExpectQuery(sqlText).WithArgs("c2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c2"))

	e := NewExecutor(db, nil)
	defer e.Close()

	ctx := context.Background()
	rows, err := e.Execute(ctx, "conv", "SELECT id FROM conversations WHERE id = $1", "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0]["id"])

	// Second execution reuses the prepared statement: no second
	// ExpectPrepare was registered, so a re-prepare would fail here.
	rows, err = e.Execute(ctx, "conv", "SELECT id FROM conversations WHERE id = $1", "c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", rows[0]["id"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare("SELECT boom").
		WillReturnError(errors.New("syntax error"))

	e := NewExecutor(db, nil)
	defer e.Close()

	_, err = e.Execute(context.Background(), "bad", "SELECT boom")
	require.Error(t, err)

	var qerr *Error
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, "bad", qerr.QueryID)
	assert.Equal(t, "prepare", qerr.Op)

	// Preparation failure must not populate the registry.
	e.mu.Lock()
	_, cached := e.prepared["bad"]
	e.mu.Unlock()
	assert.False(t, cached)
}

func TestExecutorStatsBoundedRing(t *testing.T) {
	ring := &latencyRing{}
	for i := 1; i <= 1005; i++ {
		ring.add(time.Duration(i) * time.Millisecond)
	}

	s := ring.snapshot()
	assert.Equal(t, 1000, s.Count)
	assert.LessOrEqual(t, s.Min, s.Avg)
	assert.LessOrEqual(t, s.Avg, s.Max)
	// Samples 1..5 were overwritten by 1001..1005.
	assert.Equal(t, 6*time.Millisecond, s.Min)
	assert.Equal(t, 1005*time.Millisecond, s.Max)
}

func TestExecutorStatsPerQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare("SELECT 1")
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	e := NewExecutor(db, nil)
	defer e.Close()

	_, err = e.Execute(context.Background(), "qA", "SELECT 1")
	require.NoError(t, err)

	stats := e.Stats()
	require.Contains(t, stats, "qA")
	assert.Equal(t, 1, stats["qA"].Count)
	assert.GreaterOrEqual(t, stats["qA"].Max, stats["qA"].Min)
}

func TestExecutorCloseReleasesStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare("SELECT 1")
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	e := NewExecutor(db, nil)
	_, err = e.Execute(context.Background(), "qA", "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, e.Close())

	e.mu.Lock()
	n := len(e.prepared)
	e.mu.Unlock()
	assert.Zero(t, n)
}
