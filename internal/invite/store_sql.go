package invite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kandev/octo/internal/common/sqlutil"
)

// SQLStore persists invite codes via database/sql, supporting both the
// sqlite (github.com/mattn/go-sqlite3) and postgres
// (github.com/jackc/pgx/v5/stdlib) drivers selected by DatabaseConfig.Driver,
// following the dialect-fragment approach of the upstream
// orchestrator's internal/db/dialect package.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Schema returns the CREATE TABLE statement for the invite_codes table
// in the store's dialect. Migrations themselves are out of scope (they
// belong to the "session store" collaborator); callers that want a
// throwaway schema for tests or a single-node deployment can execute
// this directly.
func (s *SQLStore) Schema() string {
	if sqlutil.IsPostgres(s.driver) {
		return `
CREATE TABLE IF NOT EXISTS invite_codes (
	id TEXT PRIMARY KEY,
	code TEXT UNIQUE NOT NULL,
	created_by TEXT NOT NULL,
	used_by TEXT,
	uses_remaining INTEGER NOT NULL,
	max_uses INTEGER NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_used_at TIMESTAMPTZ,
	note TEXT
)`
	}
	return `
CREATE TABLE IF NOT EXISTS invite_codes (
	id TEXT PRIMARY KEY,
	code TEXT UNIQUE NOT NULL,
	created_by TEXT NOT NULL,
	used_by TEXT,
	uses_remaining INTEGER NOT NULL,
	max_uses INTEGER NOT NULL,
	expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	last_used_at DATETIME,
	note TEXT
)`
}

func (s *SQLStore) Create(ctx context.Context, id, code string, req CreateRequest, createdBy string) (*Code, error) {
	var expiresAt *time.Time
	if req.ExpiresInSec != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresInSec) * time.Second)
		expiresAt = &t
	}
	q := fmt.Sprintf(
		`INSERT INTO invite_codes (id, code, created_by, uses_remaining, max_uses, expires_at, note)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		sqlutil.Placeholder(s.driver, 1), sqlutil.Placeholder(s.driver, 2),
		sqlutil.Placeholder(s.driver, 3), sqlutil.Placeholder(s.driver, 4),
		sqlutil.Placeholder(s.driver, 5), sqlutil.Placeholder(s.driver, 6),
		sqlutil.Placeholder(s.driver, 7),
	)
	if _, err := s.db.ExecContext(ctx, q, id, code, createdBy, req.MaxUses, req.MaxUses, expiresAt, req.Note); err != nil {
		return nil, fmt.Errorf("insert invite code: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) scanRow(row *sql.Row) (*Code, error) {
	var c Code
	var usedBy, note sql.NullString
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(&c.ID, &c.Code, &c.CreatedBy, &usedBy, &c.UsesRemaining, &c.MaxUses,
		&expiresAt, &c.CreatedAt, &lastUsedAt, &note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if usedBy.Valid {
		c.UsedBy = &usedBy.String
	}
	if note.Valid {
		c.Note = &note.String
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	return &c, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Code, error) {
	q := fmt.Sprintf(`SELECT id, code, created_by, used_by, uses_remaining, max_uses, expires_at, created_at, last_used_at, note
		FROM invite_codes WHERE id = %s`, sqlutil.Placeholder(s.driver, 1))
	return s.scanRow(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) GetByCode(ctx context.Context, code string) (*Code, error) {
	q := fmt.Sprintf(`SELECT id, code, created_by, used_by, uses_remaining, max_uses, expires_at, created_at, last_used_at, note
		FROM invite_codes WHERE code = %s`, sqlutil.Placeholder(s.driver, 1))
	return s.scanRow(s.db.QueryRowContext(ctx, q, code))
}

func (s *SQLStore) List(ctx context.Context) ([]*Code, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, created_by, used_by, uses_remaining, max_uses, expires_at, created_at, last_used_at, note
		FROM invite_codes ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Code
	for rows.Next() {
		var c Code
		var usedBy, note sql.NullString
		var expiresAt, lastUsedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Code, &c.CreatedBy, &usedBy, &c.UsesRemaining, &c.MaxUses,
			&expiresAt, &c.CreatedAt, &lastUsedAt, &note); err != nil {
			return nil, err
		}
		if usedBy.Valid {
			c.UsedBy = &usedBy.String
		}
		if note.Valid {
			c.Note = &note.String
		}
		if expiresAt.Valid {
			c.ExpiresAt = &expiresAt.Time
		}
		if lastUsedAt.Valid {
			c.LastUsedAt = &lastUsedAt.Time
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ConsumeAtomic performs the single compound UPDATE described in
// spec §4.2: decrement uses_remaining, record the consumer, stamp
// last_used_at, gated on uses_remaining > 0 AND (expires_at IS NULL OR
// expires_at > now). Exactly one concurrent consumer observes
// rowsAffected == 1 for a single-use code; all others get 0.
func (s *SQLStore) ConsumeAtomic(ctx context.Context, code, userID string) (int, error) {
	now := sqlutil.Now(s.driver)
	q := fmt.Sprintf(`
		UPDATE invite_codes
		SET uses_remaining = uses_remaining - 1,
		    used_by = %s,
		    last_used_at = %s
		WHERE code = %s
		  AND uses_remaining > 0
		  AND (expires_at IS NULL OR expires_at > %s)`,
		sqlutil.Placeholder(s.driver, 1), now, sqlutil.Placeholder(s.driver, 2), now)

	res, err := s.db.ExecContext(ctx, q, userID, code)
	if err != nil {
		return 0, fmt.Errorf("consume invite code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) RestoreUse(ctx context.Context, code string) error {
	q := fmt.Sprintf(`UPDATE invite_codes SET uses_remaining = uses_remaining + 1
		WHERE code = %s AND uses_remaining < max_uses`, sqlutil.Placeholder(s.driver, 1))
	_, err := s.db.ExecContext(ctx, q, code)
	return err
}

func (s *SQLStore) Revoke(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE invite_codes SET uses_remaining = 0 WHERE id = %s`, sqlutil.Placeholder(s.driver, 1))
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invite code not found: %s", id)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM invite_codes WHERE id = %s`, sqlutil.Placeholder(s.driver, 1))
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}
