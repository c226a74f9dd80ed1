package cache

import (
	"context"
	"time"

	"realtech/backend/internal/domain"
)

// PaymentSummaryCache caches the derived settlement projection per order.
// The payment ledger stays authoritative; a miss or error always falls back
// to recomputing from the store.
type PaymentSummaryCache interface {
	Get(ctx context.Context, orderID string) (*domain.PaymentSummary, bool, error)
	Set(ctx context.Context, orderID string, summary *domain.PaymentSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, orderID string) error
}

type NoopPaymentSummaryCache struct{}

func (NoopPaymentSummaryCache) Get(_ context.Context, _ string) (*domain.PaymentSummary, bool, error) {
	return nil, false, nil
}

func (NoopPaymentSummaryCache) Set(_ context.Context, _ string, _ *domain.PaymentSummary, _ time.Duration) error {
	return nil
}

func (NoopPaymentSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
