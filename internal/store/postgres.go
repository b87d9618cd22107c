package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/jackc/pgx/v5"
)

// Postgres is a ClaimStore backed by a single PostgreSQL connection.
type Postgres struct {
	connString string
	conn       *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the streams table exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := initPostgresSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{connString: connString, conn: conn}, nil
}

func initPostgresSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS streams (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			tableId TEXT,
			picked_for_yolo BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS streams_table_id_idx ON streams (tableId);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) {
	if s.conn != nil {
		s.conn.Close(ctx)
	}
}

// connection reconnects when the previous connection was closed by the server.
func (s *Postgres) connection(ctx context.Context) (*pgx.Conn, error) {
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.conn = conn
	return conn, nil
}

// ClaimNext claims the lowest unclaimed assignment and its whole table group.
// Rows without a table id cannot be released by table and are never claimed.
// The EXCLUSIVE table lock serializes concurrent claimers while still allowing
// plain readers.
func (s *Postgres) ClaimNext(ctx context.Context) (types.StreamAssignment, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return types.StreamAssignment{}, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "LOCK TABLE streams IN EXCLUSIVE MODE"); err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var a types.StreamAssignment
	err = tx.QueryRow(ctx, `
		SELECT id, url, tableId FROM streams
		WHERE picked_for_yolo = FALSE AND COALESCE(tableId, '') <> ''
		ORDER BY id LIMIT 1
	`).Scan(&a.ID, &a.URL, &a.TableID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StreamAssignment{}, ErrNoAssignment
	}
	if err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := tx.Exec(ctx, "UPDATE streams SET picked_for_yolo = TRUE WHERE tableId = $1", a.TableID); err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	commitCtx, cancel := commitContext(ctx)
	defer cancel()
	if err := tx.Commit(commitCtx); err != nil {
		return types.StreamAssignment{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	a.Claimed = true
	return a, nil
}

// Release clears the claim flag for every assignment of tableID.
func (s *Postgres) Release(ctx context.Context, tableID string) error {
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "UPDATE streams SET picked_for_yolo = FALSE WHERE tableId = $1", tableID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// List returns every assignment ordered by id.
func (s *Postgres) List(ctx context.Context) ([]types.StreamAssignment, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, "SELECT id, url, COALESCE(tableId, ''), picked_for_yolo FROM streams ORDER BY id")
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
