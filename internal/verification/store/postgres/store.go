// Package postgres is the mapping store for deployments that run several
// instances against one database. Pair it with the Redis key lock.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/sentinel"
	"idlink/pkg/platform/tx"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	maxConfirmAttempts  = 8
	confirmRetryBackoff = 20 * time.Millisecond
)

type Store struct {
	db *sql.DB
}

// Open connects through the pgx database/sql driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle. Used by tests that own the connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", classify(err))
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, chatID id.ChatID) (*models.Lookup, error) {
	var out models.Lookup

	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`SELECT chat_id, canonical_alias, confirmed_at FROM confirmed_mappings WHERE chat_id = $1`, chatID))
	switch {
	case err == nil:
		out.Confirmed = m
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, fmt.Errorf("lookup confirmed %s: %w", chatID, err)
	}

	p, err := scanPending(s.db.QueryRowContext(ctx,
		`SELECT chat_id, canonical_alias, code, expires_at FROM pending_verifications WHERE chat_id = $1`, chatID))
	switch {
	case err == nil:
		out.Pending = p
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, fmt.Errorf("lookup pending %s: %w", chatID, err)
	}
	return &out, nil
}

func (s *Store) IsAliasConfirmed(ctx context.Context, alias id.Alias) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM confirmed_mappings WHERE canonical_alias = $1)`, alias).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alias %s: %w", alias, classify(err))
	}
	return exists, nil
}

func (s *Store) FindByAlias(ctx context.Context, alias id.Alias) (*models.ConfirmedMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`SELECT chat_id, canonical_alias, confirmed_at FROM confirmed_mappings WHERE canonical_alias = $1 LIMIT 1`, alias))
	if err != nil {
		return nil, fmt.Errorf("find alias %s: %w", alias, err)
	}
	return m, nil
}

// Confirm runs SERIALIZABLE so two instances promoting the same alias cannot
// both pass the NOT EXISTS check. Serialization failures are also raised
// between promotions of unrelated aliases, so they are retried; ErrConflict
// means the NOT EXISTS check itself found the alias taken.
func (s *Store) Confirm(ctx context.Context, chatID id.ChatID, alias id.Alias, at time.Time) (*models.ConfirmedMapping, error) {
	var (
		m   *models.ConfirmedMapping
		err error
	)
	for attempt := 1; ; attempt++ {
		m, err = s.confirmOnce(ctx, chatID, alias, at)
		if err == nil || !isRetryable(err) || attempt == maxConfirmAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt)*confirmRetryBackoff + rand.N(confirmRetryBackoff)):
		case <-ctx.Done():
			return nil, fmt.Errorf("confirm %s: %w", chatID, ctx.Err())
		}
	}
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("confirm %s: %w", chatID, classify(err))
	}
	return m, nil
}

// confirmOnce returns driver errors unclassified so Confirm can tell a
// serialization failure from a lost alias.
func (s *Store) confirmOnce(ctx context.Context, chatID id.ChatID, alias id.Alias, at time.Time) (*models.ConfirmedMapping, error) {
	var m models.ConfirmedMapping
	err := tx.RunInTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(sqlTx *sql.Tx) error {
		err := sqlTx.QueryRowContext(ctx, `
			INSERT INTO confirmed_mappings (chat_id, canonical_alias, confirmed_at)
			SELECT $1, $2, $3
			WHERE NOT EXISTS (
				SELECT 1 FROM confirmed_mappings WHERE canonical_alias = $2 AND chat_id <> $1
			)
			ON CONFLICT (chat_id) DO UPDATE SET
				canonical_alias = EXCLUDED.canonical_alias,
				confirmed_at = EXCLUDED.confirmed_at
			RETURNING chat_id, canonical_alias, confirmed_at`,
			chatID, alias, at).Scan(&m.ChatID, &m.CanonicalAlias, &m.ConfirmedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert confirmed %s: %w", chatID, err)
		}

		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE chat_id = $1`, chatID); err != nil {
			return fmt.Errorf("delete pending %s: %w", chatID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.ConfirmedAt = m.ConfirmedAt.UTC()
	return &m, nil
}

func (s *Store) RemoveByChatID(ctx context.Context, chatID id.ChatID) (*models.ConfirmedMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`DELETE FROM confirmed_mappings WHERE chat_id = $1 RETURNING chat_id, canonical_alias, confirmed_at`, chatID))
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", chatID, err)
	}
	return m, nil
}

func (s *Store) RemoveByAlias(ctx context.Context, alias id.Alias) (*models.ConfirmedMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`DELETE FROM confirmed_mappings WHERE canonical_alias = $1 RETURNING chat_id, canonical_alias, confirmed_at`, alias))
	if err != nil {
		return nil, fmt.Errorf("remove alias %s: %w", alias, err)
	}
	return m, nil
}

func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_verifications WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep pending: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *Store) UpsertPending(ctx context.Context, p *models.PendingVerification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_verifications (chat_id, canonical_alias, code, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id) DO UPDATE SET
			canonical_alias = EXCLUDED.canonical_alias,
			code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at`,
		p.ChatID, p.CanonicalAlias, p.Code, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert pending %s: %w", p.ChatID, classify(err))
	}
	return nil
}

func (s *Store) DeletePendingIfCode(ctx context.Context, chatID id.ChatID, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE chat_id = $1 AND code = $2`, chatID, code)
	if err != nil {
		return false, fmt.Errorf("delete pending %s: %w", chatID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *Store) FindActivePending(ctx context.Context, chatID id.ChatID, code string, now time.Time) (*models.PendingVerification, error) {
	p, err := scanPending(s.db.QueryRowContext(ctx, `
		SELECT chat_id, canonical_alias, code, expires_at
		FROM pending_verifications
		WHERE chat_id = $1 AND code = $2 AND expires_at > $3`,
		chatID, code, now))
	if err != nil {
		return nil, fmt.Errorf("find pending %s: %w", chatID, err)
	}
	return p, nil
}

func scanMapping(row *sql.Row) (*models.ConfirmedMapping, error) {
	var m models.ConfirmedMapping
	if err := row.Scan(&m.ChatID, &m.CanonicalAlias, &m.ConfirmedAt); err != nil {
		return nil, classify(err)
	}
	m.ConfirmedAt = m.ConfirmedAt.UTC()
	return &m, nil
}

func scanPending(row *sql.Row) (*models.PendingVerification, error) {
	var p models.PendingVerification
	if err := row.Scan(&p.ChatID, &p.CanonicalAlias, &p.Code, &p.ExpiresAt); err != nil {
		return nil, classify(err)
	}
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

// classify maps driver errors onto sentinel errors. A serialization failure
// that outlived its retries is reported as unavailable, never as a conflict.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}
