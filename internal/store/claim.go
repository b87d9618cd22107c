// Package store persists stream assignments and arbitrates which worker
// process owns each table.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/andresmejia3/tablewatch/internal/types"
)

var (
	// ErrNoAssignment means every assignment is currently claimed.
	ErrNoAssignment = errors.New("no unclaimed stream assignment")
	// ErrStoreUnavailable wraps any failure to reach the backing database.
	ErrStoreUnavailable = errors.New("stream store unavailable")
)

// commitTimeout bounds a claim commit once it no longer follows the caller's context.
const commitTimeout = 5 * time.Second

// commitContext keeps ctx's values but not its cancellation, so a signal
// arriving during COMMIT cannot orphan a table whose rows are already claimed.
func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

// ClaimStore is the shared state worker processes coordinate through.
type ClaimStore interface {
	// ClaimNext atomically claims one unclaimed assignment and every other
	// assignment sharing its table id.
	ClaimNext(ctx context.Context) (types.StreamAssignment, error)
	// Release clears the claim for every assignment of tableID. It is idempotent.
	Release(ctx context.Context, tableID string) error
	// List returns every registered assignment ordered by id.
	List(ctx context.Context) ([]types.StreamAssignment, error)
	Close(ctx context.Context)
}

// Open picks a backend from the DSN scheme: postgres:// and postgresql://
// use PostgreSQL, sqlite:// or a bare path use SQLite.
func Open(ctx context.Context, dsn string) (ClaimStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pg, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		return nil, err
	}
	return lite, nil
}
