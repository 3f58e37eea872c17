package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolProbe reports database health for the /health endpoint.
type PoolProbe struct {
	pool *pgxpool.Pool
}

// NewPoolProbe creates a health probe over the connection pool.
func NewPoolProbe(pool *pgxpool.Pool) *PoolProbe {
	return &PoolProbe{pool: pool}
}

func (p *PoolProbe) Name() string {
	return "database"
}

func (p *PoolProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
