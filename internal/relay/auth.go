package relay

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer validates client api keys against the keys table. Rooms with
// no database configured run without it and accept every key.
type Authorizer struct {
	pool *pgxpool.Pool
}

// NewAuthorizer connects to the database.
func NewAuthorizer(ctx context.Context, databaseURL string) (*Authorizer, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Authorizer{pool: pool}, nil
}

// Validate reports whether the api key exists and is not revoked.
func (a *Authorizer) Validate(ctx context.Context, apiKey string) (bool, error) {
	if apiKey == "" {
		return false, nil
	}
	var valid bool
	err := a.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM api_keys WHERE key = $1 AND revoked_at IS NULL)`,
		apiKey,
	).Scan(&valid)
	if err != nil {
		return false, fmt.Errorf("query api key: %w", err)
	}
	return valid, nil
}

// Close releases the pool.
func (a *Authorizer) Close() {
	a.pool.Close()
}
