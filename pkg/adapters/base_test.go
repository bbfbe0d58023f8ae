package adapters

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrheo/dbrheo/pkg/config"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

func mockAdapter(t *testing.T, cfg *config.DatabaseConfig) (*sqlAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg == nil {
		cfg = &config.DatabaseConfig{Driver: "sqlite", Database: "test.db"}
	}
	a := newSQLAdapter(cfg, DialectSQLite, sqliteHooks{}, slog.Default())
	a.db = db
	return a, mock
}

func TestExecuteQuerySelect(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectQuery("SELECT a, b FROM t").WillReturnRows(
		sqlmock.NewRows([]string{"a", "b"}).AddRow(1, "x").AddRow(2, "y"))

	rs, err := a.ExecuteQuery(context.Background(), "SELECT a, b FROM t", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "x", rs.Rows[0][1])
	assert.False(t, rs.Truncated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteQueryMaxRowsTruncates(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectQuery("SELECT a FROM t").WillReturnRows(
		sqlmock.NewRows([]string{"a"}).AddRow(1).AddRow(2).AddRow(3))

	rs, err := a.ExecuteQuery(context.Background(), "SELECT a FROM t", nil, &QueryOptions{MaxRows: 2})
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 2)
	assert.True(t, rs.Truncated)
}

func TestExecuteQueryExecReportsRowsAffected(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectExec("DELETE FROM t WHERE id = ?").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 3))

	rs, err := a.ExecuteQuery(context.Background(), "DELETE FROM t WHERE id = ?", []any{7}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rs.RowsAffected)
	assert.Empty(t, rs.Columns)
}

func TestExecuteQueryReadOnlyRejectsMutation(t *testing.T) {
	a, _ := mockAdapter(t, &config.DatabaseConfig{Driver: "sqlite", Database: "test.db", ReadOnly: true})

	_, err := a.ExecuteQuery(context.Background(), "DELETE FROM t", nil, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrReadOnly, protocol.KindOf(err))

	// Reads still pass the gate (they fail later on unmet expectations,
	// not on the read-only check).
	_, err = a.ExecuteQuery(context.Background(), "SELECT 1", nil, nil)
	if err != nil {
		assert.NotEqual(t, protocol.ErrReadOnly, protocol.KindOf(err))
	}
}

func TestExecuteQueryErrorKinds(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectQuery("SELECT broken").WillReturnError(errors.New("syntax error"))

	_, err := a.ExecuteQuery(context.Background(), "SELECT broken", nil, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrQuery, protocol.KindOf(err))
}

func TestExecuteQueryNotConnected(t *testing.T) {
	a := newSQLAdapter(&config.DatabaseConfig{Driver: "sqlite", Database: "x.db"}, DialectSQLite, sqliteHooks{}, nil)
	_, err := a.ExecuteQuery(context.Background(), "SELECT 1", nil, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConnect, protocol.KindOf(err))
}

func TestExecuteStreamBatches(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	rows := sqlmock.NewRows([]string{"n"})
	for i := 0; i < streamBatchSize+5; i++ {
		rows.AddRow(i)
	}
	mock.ExpectQuery("SELECT n FROM seq").WillReturnRows(rows)

	stream, err := a.ExecuteStream(context.Background(), "SELECT n FROM seq", nil, nil)
	require.NoError(t, err)

	total := 0
	batches := 0
	for batch := range stream {
		require.NoError(t, batch.Err)
		assert.Equal(t, []string{"n"}, batch.Columns)
		total += len(batch.Rows)
		batches++
	}
	assert.Equal(t, streamBatchSize+5, total)
	assert.Equal(t, 2, batches)
}

func TestTransactionLifecycle(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	outer, err := a.BeginTx(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, outer.Depth())
	assert.True(t, a.InTx())

	inner, err := a.BeginTx(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Depth())

	require.NoError(t, a.Commit(ctx, inner))
	require.NoError(t, a.Commit(ctx, outer))
	assert.False(t, a.InTx())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInnerRollbackPreservesOuter(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	outer, err := a.BeginTx(ctx, "")
	require.NoError(t, err)
	inner, err := a.BeginTx(ctx, "")
	require.NoError(t, err)

	require.NoError(t, a.Rollback(ctx, inner))
	assert.True(t, a.InTx())
	require.NoError(t, a.Commit(ctx, outer))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginTxReadOnly(t *testing.T) {
	a, _ := mockAdapter(t, &config.DatabaseConfig{Driver: "sqlite", Database: "test.db", ReadOnly: true})
	_, err := a.BeginTx(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrReadOnly, protocol.KindOf(err))
}

func TestCommitOutOfOrderFails(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	outer, err := a.BeginTx(ctx, "")
	require.NoError(t, err)
	_, err = a.BeginTx(ctx, "")
	require.NoError(t, err)

	err = a.Commit(ctx, outer)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrTxState, protocol.KindOf(err))
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	a, mock := mockAdapter(t, nil)
	tm := NewTransactionManager(a)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	err := tm.WithTx(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = tm.WithTx(ctx, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFirstTokenClassification(t *testing.T) {
	tests := []struct {
		sql   string
		token string
		reads bool
	}{
		{"SELECT * FROM t", "select", true},
		{"  \n\tselect 1", "select", true},
		{"-- comment\nSELECT 1", "select", true},
		{"/* block */ EXPLAIN SELECT 1", "explain", true},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", "with", true},
		{"INSERT INTO t VALUES (1)", "insert", false},
		{"DROP TABLE t", "drop", false},
		{"", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.token, firstToken(tt.sql), tt.sql)
		assert.Equal(t, tt.reads, returnsRows(tt.sql), tt.sql)
	}
}
