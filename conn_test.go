package tenantdb

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockConn(t *testing.T) (*Conn, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	return &Conn{cr: newConnResource(mock)}, mock
}

func TestConnExec(t *testing.T) {
	t.Run("Should return the command tag", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectExec("UPDATE accounts SET display_name").
			WithArgs("Ada", int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		tag, err := conn.Exec(context.Background(), "UPDATE accounts SET display_name = $1 WHERE id = $2", "Ada", int64(7))
		require.NoError(t, err)
		assert.Equal(t, int64(1), tag.RowsAffected())
		assert.False(t, conn.IsBroken())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should keep the connection after a statement error", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("a@example.com").
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_address_idx"})

		_, err := conn.Exec(context.Background(), "INSERT INTO accounts (email_address) VALUES ($1)", "a@example.com")

		var queryErr *QueryError
		require.ErrorAs(t, err, &queryErr)
		assert.Equal(t, "exec", queryErr.Operation)
		var pgErr *pgconn.PgError
		require.ErrorAs(t, err, &pgErr)
		assert.Equal(t, "23505", pgErr.Code)
		assert.False(t, conn.IsBroken())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should mark the connection broken when the session is gone", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectExec("DELETE FROM account_sessions").
			WillReturnError(&pgconn.PgError{Code: "57P01"})

		_, err := conn.Exec(context.Background(), "DELETE FROM account_sessions WHERE expires_at < now()")
		require.Error(t, err)
		assert.True(t, conn.IsBroken())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConnQueryRow(t *testing.T) {
	t.Run("Should scan a single row", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectQuery("SELECT email_address FROM accounts WHERE id = \\$1").
			WithArgs(int64(7)).
			WillReturnRows(mock.NewRows([]string{"email_address"}).AddRow("ada@example.com"))

		var email string
		err := conn.QueryRow(context.Background(), "SELECT email_address FROM accounts WHERE id = $1", int64(7)).Scan(&email)
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", email)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should keep ErrNoRows matchable", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectQuery("SELECT email_address FROM accounts").
			WithArgs(int64(8)).
			WillReturnRows(mock.NewRows([]string{"email_address"}))

		var email string
		err := conn.QueryRow(context.Background(), "SELECT email_address FROM accounts WHERE id = $1", int64(8)).Scan(&email)
		assert.ErrorIs(t, err, pgx.ErrNoRows)

		var queryErr *QueryError
		require.ErrorAs(t, err, &queryErr)
		assert.Equal(t, "query_row", queryErr.Operation)
		assert.False(t, conn.IsBroken())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConnQuery(t *testing.T) {
	conn, mock := newMockConn(t)
	mock.ExpectQuery("SELECT id, name FROM projects").
		WillReturnRows(mock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alpha").
			AddRow(int64(2), "beta"))

	rows, err := conn.Query(context.Background(), "SELECT id, name FROM projects ORDER BY id")
	require.NoError(t, err)

	var names []string
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		names = append(names, name)
	}
	rows.Close()
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"alpha", "beta"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnPing(t *testing.T) {
	conn, mock := newMockConn(t)
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("conn closed"))

	assert.NoError(t, conn.Ping(context.Background()))
	assert.False(t, conn.IsBroken())

	assert.Error(t, conn.Ping(context.Background()))
	assert.True(t, conn.IsBroken())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnWithTx(t *testing.T) {
	t.Run("Should commit when fn succeeds", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO project_members").
			WithArgs(1, 2, "owner").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		err := conn.WithTx(context.Background(), pgx.TxOptions{}, func(tx pgx.Tx) error {
			_, err := tx.Exec(context.Background(), "INSERT INTO project_members (project_id, account_id, role) VALUES ($1, $2, $3)", 1, 2, "owner")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back when fn fails", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		fnErr := errors.New("member limit reached")
		err := conn.WithTx(context.Background(), pgx.TxOptions{}, func(pgx.Tx) error {
			return fnErr
		})
		assert.ErrorIs(t, err, fnErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back and re-panic", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.Panics(t, func() {
			_ = conn.WithTx(context.Background(), pgx.TxOptions{}, func(pgx.Tx) error {
				panic("boom")
			})
		})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report a failed begin", func(t *testing.T) {
		conn, mock := newMockConn(t)
		mock.ExpectBegin().WillReturnError(errors.New("connection reset by peer"))

		err := conn.WithTx(context.Background(), pgx.TxOptions{}, func(pgx.Tx) error {
			t.Error("fn must not run without a transaction")
			return nil
		})

		var queryErr *QueryError
		require.ErrorAs(t, err, &queryErr)
		assert.Equal(t, "begin", queryErr.Operation)
		assert.True(t, conn.IsBroken())
	})

	t.Run("Should reject a nil function", func(t *testing.T) {
		conn, _ := newMockConn(t)
		assert.Error(t, conn.WithTx(context.Background(), pgx.TxOptions{}, nil))
	})
}

func TestConnAccessors(t *testing.T) {
	conn, _ := newMockConn(t)

	assert.NotEqual(t, [16]byte{}, [16]byte(conn.ID()))
	assert.False(t, conn.CreatedAt().IsZero())
	assert.Equal(t, int64(0), conn.Recycles())
	assert.Nil(t, conn.PgxConn(), "a mock backend is not a *pgx.Conn")
	assert.NotNil(t, conn.Backend())

	conn.MarkBroken()
	assert.True(t, conn.IsBroken())
}
