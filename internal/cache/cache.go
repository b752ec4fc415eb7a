package cache

import (
	"context"
	"time"

	"mangopos/backend/internal/domain"
)

// ProductCache caches catalog lookups on the sale hot path. The catalog is
// read-only from the transaction flows' point of view, so a short TTL is
// enough to keep it fresh.
type ProductCache interface {
	Get(ctx context.Context, productID string) (*domain.Product, bool, error)
	Set(ctx context.Context, product *domain.Product, ttl time.Duration) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ *domain.Product, _ time.Duration) error {
	return nil
}
