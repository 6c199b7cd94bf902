// Package pg implements the backend.Backend facade against a PostgreSQL
// cluster, grounded on the teacher's pgx/pgxpool-backed Store pattern
// (pkg/apikey/store.go): one Go type per table-group wrapping the shared
// pool, hand-written SQL, and explicit Scan calls rather than an ORM.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
)

// Backend is the PostgreSQL-cluster implementation of backend.Backend.
type Backend struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and returns a ready Backend. Schema
// migrations are applied separately at startup via internal/platform's
// migrator, not by this constructor.
func New(ctx context.Context, databaseURL string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging pg pool: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func (b *Backend) Topic() backend.TopicFacade                       { return &topicFacade{b.pool} }
func (b *Backend) Event() backend.EventFacade                       { return &eventFacade{b.pool} }
func (b *Backend) Index() backend.IndexFacade                       { return &indexFacade{b.pool} }
func (b *Backend) ConsumerDelivery() backend.ConsumerDeliveryFacade { return &consumerDeliveryFacade{b.pool} }
func (b *Backend) Instance() backend.InstanceFacade                 { return &instanceFacade{b.pool} }
func (b *Backend) Integrity() backend.IntegrityFacade               { return &integrityFacade{b.pool} }
func (b *Backend) Access() backend.AccessFacade                     { return &accessFacade{b.pool} }
func (b *Backend) ObjectCount() backend.ObjectCountFacade           { return &objectCountFacade{b.pool} }
