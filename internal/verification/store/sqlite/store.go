// Package sqlite is the default mapping store: a single SQLite file in WAL
// mode with one writer connection.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"idlink/internal/verification/models"
	id "idlink/pkg/domain"
	"idlink/pkg/platform/sentinel"
	"idlink/pkg/platform/tx"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - pending_verifications and confirmed_mappings
const currentSchemaVersion = 1

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies connection pragmas.
// Call EnsureSchema before first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also makes
	// every transaction exclusive with respect to this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// EnsureSchema creates the tables if absent. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", classify(err))
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", classify(err))
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, chatID id.ChatID) (*models.Lookup, error) {
	var out models.Lookup

	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`SELECT chat_id, canonical_alias, confirmed_at FROM confirmed_mappings WHERE chat_id = ?`, chatID))
	switch {
	case err == nil:
		out.Confirmed = m
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, fmt.Errorf("lookup confirmed %s: %w", chatID, err)
	}

	p, err := scanPending(s.db.QueryRowContext(ctx,
		`SELECT chat_id, canonical_alias, code, expires_at FROM pending_verifications WHERE chat_id = ?`, chatID))
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
		`SELECT EXISTS (SELECT 1 FROM confirmed_mappings WHERE canonical_alias = ?)`, alias).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alias %s: %w", alias, classify(err))
	}
	return exists, nil
}

func (s *Store) FindByAlias(ctx context.Context, alias id.Alias) (*models.ConfirmedMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`SELECT chat_id, canonical_alias, confirmed_at FROM confirmed_mappings WHERE canonical_alias = ? LIMIT 1`, alias))
	if err != nil {
		return nil, fmt.Errorf("find alias %s: %w", alias, err)
	}
	return m, nil
}

// Confirm writes the confirmed row only if no other chat identity holds the
// alias, then deletes the pending row, in one transaction.
func (s *Store) Confirm(ctx context.Context, chatID id.ChatID, alias id.Alias, at time.Time) (*models.ConfirmedMapping, error) {
	err := tx.RunInTx(ctx, s.db, nil, func(sqlTx *sql.Tx) error {
		res, err := sqlTx.ExecContext(ctx, `
			INSERT INTO confirmed_mappings (chat_id, canonical_alias, confirmed_at)
			SELECT ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM confirmed_mappings WHERE canonical_alias = ? AND chat_id <> ?
			)
			ON CONFLICT (chat_id) DO UPDATE SET
				canonical_alias = excluded.canonical_alias,
				confirmed_at = excluded.confirmed_at`,
			chatID, alias, at.UnixMilli(), alias, chatID)
		if err != nil {
			return fmt.Errorf("insert confirmed %s: %w", chatID, classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert confirmed %s: %w", chatID, classify(err))
		}
		if n == 0 {
			return sentinel.ErrConflict
		}

		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM pending_verifications WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete pending %s: %w", chatID, classify(err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("confirm %s: %w", chatID, classify(err))
	}

	return &models.ConfirmedMapping{ChatID: chatID, CanonicalAlias: alias, ConfirmedAt: fromMillis(at.UnixMilli())}, nil
}

func (s *Store) RemoveByChatID(ctx context.Context, chatID id.ChatID) (*models.ConfirmedMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`DELETE FROM confirmed_mappings WHERE chat_id = ? RETURNING chat_id, canonical_alias, confirmed_at`, chatID))
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", chatID, err)
	}
	return m, nil
}

func (s *Store) RemoveByAlias(ctx context.Context, alias id.Alias) (*models.ConfirmedMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		`DELETE FROM confirmed_mappings WHERE canonical_alias = ? RETURNING chat_id, canonical_alias, confirmed_at`, alias))
	if err != nil {
		return nil, fmt.Errorf("remove alias %s: %w", alias, err)
	}
	return m, nil
}

func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE expires_at <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep pending: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *Store) UpsertPending(ctx context.Context, p *models.PendingVerification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_verifications (chat_id, canonical_alias, code, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			canonical_alias = excluded.canonical_alias,
			code = excluded.code,
			expires_at = excluded.expires_at`,
		p.ChatID, p.CanonicalAlias, p.Code, p.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert pending %s: %w", p.ChatID, classify(err))
	}
	return nil
}

func (s *Store) DeletePendingIfCode(ctx context.Context, chatID id.ChatID, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE chat_id = ? AND code = ?`, chatID, code)
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
		WHERE chat_id = ? AND code = ? AND expires_at > ?`,
		chatID, code, now.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("find pending %s: %w", chatID, err)
	}
	return p, nil
}

func scanMapping(row *sql.Row) (*models.ConfirmedMapping, error) {
	var (
		m  models.ConfirmedMapping
		at int64
	)
	if err := row.Scan(&m.ChatID, &m.CanonicalAlias, &at); err != nil {
		return nil, classify(err)
	}
	m.ConfirmedAt = fromMillis(at)
	return &m, nil
}

func scanPending(row *sql.Row) (*models.PendingVerification, error) {
	var (
		p         models.PendingVerification
		expiresAt int64
	)
	if err := row.Scan(&p.ChatID, &p.CanonicalAlias, &p.Code, &expiresAt); err != nil {
		return nil, classify(err)
	}
	p.ExpiresAt = fromMillis(expiresAt)
	return &p, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// classify maps driver errors onto sentinel errors.
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	return err
}
