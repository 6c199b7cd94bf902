package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type accessFacade struct {
	pool *pgxpool.Pool
}

func (f *accessFacade) GrantExists(ctx context.Context, resource string) (string, bool, error) {
	var identity string
	var expires int64
	err := f.pool.QueryRow(ctx, `SELECT identity, expires_at_micros FROM access_grants WHERE resource = $1`, resource).Scan(&identity, &expires)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading access grant: %w", err)
	}
	if expires != 0 && uint64(expires) < uint64(time.Now().UnixMicro()) {
		_, _ = f.pool.Exec(ctx, `DELETE FROM access_grants WHERE resource = $1`, resource)
		return "", false, nil
	}
	return identity, true, nil
}

// Grant persists resource -> identity, but only if no live grant exists
// yet (first writer wins, per spec.md §4.7's auto-grant-on-first-write
// rule).
func (f *accessFacade) Grant(ctx context.Context, resource, identity string, expiresAtMicros uint64) (bool, error) {
	tag, err := f.pool.Exec(ctx, `
		INSERT INTO access_grants (resource, identity, expires_at_micros) VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO UPDATE SET identity = EXCLUDED.identity, expires_at_micros = EXCLUDED.expires_at_micros
		WHERE access_grants.expires_at_micros <> 0 AND access_grants.expires_at_micros < $4`,
		resource, identity, int64(expiresAtMicros), int64(time.Now().UnixMicro()),
	)
	if err != nil {
		return false, fmt.Errorf("granting access: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	existingIdentity, found, err := f.GrantExists(ctx, resource)
	if err != nil {
		return false, err
	}
	return found && existingIdentity == identity, nil
}
