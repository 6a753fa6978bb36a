package allowlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entry is a stored route+method pair eligible for the diagnostic smoke-key
// bypass. Entries are soft-deleted only; removed rows stay for the audit
// trail. An entry is active iff RemovedAt is nil.
type Entry struct {
	ID           int64
	RoutePattern string
	Method       string
	IsRegex      bool
	Description  string
	AddedBy      string
	AddedAt      time.Time
	RemovedBy    *string
	RemovedAt    *time.Time
}

func (e Entry) Active() bool { return e.RemovedAt == nil }

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB DB
}

// Active returns all entries with removed_at IS NULL.
func (s *Store) Active(ctx context.Context) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, route_pattern, method, is_regex, description, added_by, added_at, removed_by, removed_at
		FROM smoke_route_allowlist
		WHERE removed_at IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("allowlist query: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RoutePattern, &e.Method, &e.IsRegex, &e.Description, &e.AddedBy, &e.AddedAt, &e.RemovedBy, &e.RemovedAt); err != nil {
			return nil, fmt.Errorf("allowlist scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("allowlist rows: %w", err)
	}
	return entries, nil
}

// SeedResult reports how many seed entries were genuinely new.
type SeedResult struct {
	Inserted       int `json:"inserted"`
	AlreadyPresent int `json:"alreadyPresent"`
}

// Seed upserts entries idempotently: an active row with the same
// (route_pattern, method, is_regex) combination is never duplicated.
func (s *Store) Seed(ctx context.Context, entries []Entry, addedBy string) (SeedResult, error) {
	var result SeedResult
	for _, e := range entries {
		pattern := strings.TrimSpace(e.RoutePattern)
		method := strings.ToUpper(strings.TrimSpace(e.Method))
		if pattern == "" || method == "" {
			continue
		}
		tag, err := s.DB.Exec(ctx, `
			INSERT INTO smoke_route_allowlist (route_pattern, method, is_regex, description, added_by, added_at)
			SELECT $1, $2, $3, $4, $5, now()
			WHERE NOT EXISTS (
				SELECT 1 FROM smoke_route_allowlist
				WHERE route_pattern = $1 AND method = $2 AND is_regex = $3 AND removed_at IS NULL
			)
		`, pattern, method, e.IsRegex, e.Description, addedBy)
		if err != nil {
			return result, fmt.Errorf("allowlist seed: %w", err)
		}
		if tag.RowsAffected() > 0 {
			result.Inserted++
		} else {
			result.AlreadyPresent++
		}
	}
	return result, nil
}

// Remove soft-deletes an entry, keeping the row for auditing.
func (s *Store) Remove(ctx context.Context, id int64, removedBy string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE smoke_route_allowlist
		SET removed_at = now(), removed_by = $2
		WHERE id = $1 AND removed_at IS NULL
	`, id, removedBy)
	if err != nil {
		return false, fmt.Errorf("allowlist remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
