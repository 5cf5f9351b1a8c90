package tx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	return n
}

func TestRunInTx(t *testing.T) {
	t.Run("commits when fn succeeds", func(t *testing.T) {
		db := openDB(t)
		err := RunInTx(context.Background(), db, nil, func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count(t, db))
	})

	t.Run("rolls back and returns fn error unchanged", func(t *testing.T) {
		db := openDB(t)
		sentinel := errors.New("conflict")
		err := RunInTx(context.Background(), db, nil, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`); err != nil {
				return err
			}
			return sentinel
		})
		assert.Same(t, sentinel, err)
		assert.Equal(t, 0, count(t, db))
	})

	t.Run("cancelled context never begins", func(t *testing.T) {
		db := openDB(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := RunInTx(ctx, db, nil, func(*sql.Tx) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
