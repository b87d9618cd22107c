package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/andresmejia3/tablewatch/internal/types"

	_ "modernc.org/sqlite"
)

// SQLite is a ClaimStore over the streams.db file shared by workers on one host.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path with WAL journaling and a 5-second
// busy timeout, and ensures the streams table exists.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %v", ErrStoreUnavailable, path, err)
	}
	// A single connection keeps the PRAGMAs below in effect for every statement.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite %s: %v", ErrStoreUnavailable, path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS streams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			tableId TEXT,
			picked_for_yolo BOOLEAN NOT NULL DEFAULT 0
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close(ctx context.Context) {
	_ = s.db.Close()
}

// ClaimNext runs under BEGIN IMMEDIATE so the write lock is taken before the
// SELECT; a second claimer blocks until the first commits or rolls back.
func (s *SQLite) ClaimNext(ctx context.Context) (types.StreamAssignment, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			// Use Background: the caller's context may already be cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var a types.StreamAssignment
	err = conn.QueryRowContext(ctx, `
		SELECT id, url, tableId FROM streams
		WHERE picked_for_yolo = 0 AND COALESCE(tableId, '') <> ''
		ORDER BY id LIMIT 1
	`).Scan(&a.ID, &a.URL, &a.TableID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StreamAssignment{}, ErrNoAssignment
	}
	if err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := conn.ExecContext(ctx, "UPDATE streams SET picked_for_yolo = 1 WHERE tableId = ?", a.TableID); err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	commitCtx, cancel := commitContext(ctx)
	defer cancel()
	if _, err := conn.ExecContext(commitCtx, "COMMIT"); err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	committed = true
	a.Claimed = true
	return a, nil
}

// Release clears the claim flag for every assignment of tableID.
func (s *SQLite) Release(ctx context.Context, tableID string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE streams SET picked_for_yolo = 0 WHERE tableId = ?", tableID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// List returns every assignment ordered by id.
func (s *SQLite) List(ctx context.Context) ([]types.StreamAssignment, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, url, COALESCE(tableId, ''), picked_for_yolo FROM streams ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []types.StreamAssignment
	for rows.Next() {
		var a types.StreamAssignment
		if err := rows.Scan(&a.ID, &a.URL, &a.TableID, &a.Claimed); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
