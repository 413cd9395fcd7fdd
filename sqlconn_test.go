package tenantdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPinnedMock(t *testing.T) (*sql.DB, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	db := openPinnedDB(mock)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestPinnedDBExec(t *testing.T) {
	db, mock := newPinnedMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS goose_db_version").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("INSERT INTO goose_db_version").
		WithArgs(int64(1), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	_, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS goose_db_version (id serial PRIMARY KEY)")
	require.NoError(t, err)

	res, err := db.ExecContext(ctx, "INSERT INTO goose_db_version (version_id, is_applied) VALUES ($1, $2)", int64(1), true)
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPinnedDBQuery(t *testing.T) {
	db, mock := newPinnedMock(t)
	mock.ExpectQuery("SELECT version_id, is_applied FROM goose_db_version").
		WillReturnRows(mock.NewRows([]string{"version_id", "is_applied"}).
			AddRow(int64(1), true).
			AddRow(int64(2), false))

	rows, err := db.QueryContext(context.Background(), "SELECT version_id, is_applied FROM goose_db_version ORDER BY id DESC")
	require.NoError(t, err)
	defer rows.Close()

	columns, err := rows.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"version_id", "is_applied"}, columns)

	var versions []int64
	for rows.Next() {
		var version int64
		var applied bool
		require.NoError(t, rows.Scan(&version, &applied))
		versions = append(versions, version)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{1, 2}, versions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPinnedDBTransaction(t *testing.T) {
	t.Run("Should run statements inside the transaction and commit", func(t *testing.T) {
		db, mock := newPinnedMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("ALTER TABLE accounts").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
		mock.ExpectCommit()

		ctx := context.Background()
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = tx.ExecContext(ctx, "ALTER TABLE accounts ADD COLUMN locale text")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back", func(t *testing.T) {
		db, mock := newPinnedMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		tx, err := db.BeginTx(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should reject unsupported isolation levels", func(t *testing.T) {
		db, _ := newPinnedMock(t)
		_, err := db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelLinearizable})
		assert.Error(t, err)
	})
}

func TestPinnedDBDoesNotCloseBackend(t *testing.T) {
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	mock.ExpectPing()

	db := openPinnedDB(mock)
	require.NoError(t, db.PingContext(context.Background()))
	require.NoError(t, db.Close())

	// Close was never expected, so reaching it would have failed the mock.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToDriverValue(t *testing.T) {
	id := uuid.MustParse("6f1c2b4e-8f0a-4c8e-9a55-0d3f5c1b2a77")
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	tests := []struct {
		name     string
		in       any
		expected any
	}{
		{"nil", nil, nil},
		{"int64", int64(42), int64(42)},
		{"int32", int32(7), int64(7)},
		{"string", "owner", "owner"},
		{"bool", true, true},
		{"time", at, at},
		{"uuid bytes", [16]byte(id), id.String()},
		{"json object", map[string]any{"plan": "pro"}, []byte(`{"plan":"pro"}`)},
		{"json array", []any{"a", float64(1)}, []byte(`["a",1]`)},
		{"stringer", id, id.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, toDriverValue(tt.in))
		})
	}
}
