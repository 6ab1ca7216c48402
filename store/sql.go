package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQL persists TrackedUser records in the enforced_users table. The queries
// are written once for both supported drivers (pgx and modernc sqlite): $N
// placeholders, ON CONFLICT DO NOTHING and DELETE ... RETURNING.
type SQL struct {
	db *sql.DB
}

var _ Store[TrackedUser] = (*SQL)(nil)

// NewSQL wraps an open, migrated database handle.
func NewSQL(db *sql.DB) *SQL { return &SQL{db: db} }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Exists reports whether id is tracked.
func (s *SQL) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM enforced_users WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return ok, nil
}

// Get returns the record for id or ErrNotFound.
func (s *SQL) Get(ctx context.Context, id string) (TrackedUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, observed_nickname, enforced_nickname, created_at FROM enforced_users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedUser{}, ErrNotFound
	}
	if err != nil {
		return TrackedUser{}, fmt.Errorf("get %s: %w", id, err)
	}
	return u, nil
}

// Insert stores rec, failing with ErrConflict when the id is already tracked.
func (s *SQL) Insert(ctx context.Context, rec TrackedUser) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var observed sql.NullString
	if rec.ObservedNickname != "" {
		observed = sql.NullString{String: rec.ObservedNickname, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO enforced_users (id, observed_nickname, enforced_nickname, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, observed, rec.EnforcedNickname, toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s: rows affected: %w", rec.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Remove deletes the record for id and returns what was stored.
func (s *SQL) Remove(ctx context.Context, id string) (TrackedUser, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM enforced_users WHERE id = $1
		 RETURNING id, observed_nickname, enforced_nickname, created_at`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedUser{}, ErrNotFound
	}
	if err != nil && !errors.Is(err, ErrInvalidRecord) {
		return TrackedUser{}, fmt.Errorf("remove %s: %w", id, err)
	}
	// A legacy row without an enforced name is still deleted; the caller gets
	// the observed nickname back together with the validation error.
	return u, err
}

// List returns every tracked user. Invalid legacy rows abort the scan.
func (s *SQL) List(ctx context.Context) ([]TrackedUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, observed_nickname, enforced_nickname, created_at FROM enforced_users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()
	var out []TrackedUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (TrackedUser, error) {
	var (
		u        TrackedUser
		observed sql.NullString
		enforced sql.NullString
		created  sql.NullInt64
	)
	if err := sc.Scan(&u.ID, &observed, &enforced, &created); err != nil {
		return TrackedUser{}, err
	}
	u.ObservedNickname = observed.String
	u.EnforcedNickname = enforced.String
	u.CreatedAt = fromMillis(created.Int64)
	if err := u.Validate(); err != nil {
		return u, err
	}
	return u, nil
}
