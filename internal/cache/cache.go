package cache

import (
	"context"
	"time"

	"tillpoint/terminal/internal/domain"
)

type LoyaltyCache interface {
	Get(ctx context.Context, key string) (*domain.LoyaltyProfile, bool, error)
	Set(ctx context.Context, key string, value *domain.LoyaltyProfile, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopLoyaltyCache struct{}

func (NoopLoyaltyCache) Get(_ context.Context, _ string) (*domain.LoyaltyProfile, bool, error) {
	return nil, false, nil
}

func (NoopLoyaltyCache) Set(_ context.Context, _ string, _ *domain.LoyaltyProfile, _ time.Duration) error {
	return nil
}

func (NoopLoyaltyCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
