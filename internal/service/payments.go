package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
)

// PaymentListing bundles an order's payment rows with its settlement summary.
type PaymentListing struct {
	Payments []domain.Payment      `json:"payments"`
	Summary  domain.PaymentSummary `json:"summary"`
}

func (s *Service) RecordPayment(ctx context.Context, orderID string, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	mode := domain.PaymentMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown payment mode %s", store.ErrInvalidInput, req.Mode)
	}

	result, err := s.repo.RecordPayment(ctx, orderID, req.Amount, mode, actor.Username)
	if err != nil {
		return nil, err
	}

	// Refresh the cached projection with the post-payment summary.
	if err := s.summaries.Set(ctx, orderID, &result.Summary, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: failed to cache payment summary order=%s: %v", orderID, err)
	}

	return result, nil
}

func (s *Service) ListPayments(ctx context.Context, orderID string) (*PaymentListing, error) {
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	payments, err := s.repo.ListPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}
	summary, err := s.summaryFor(ctx, order.ID, order.Total)
	if err != nil {
		return nil, err
	}

	return &PaymentListing{Payments: payments, Summary: summary}, nil
}

// summaryFor reads the settlement projection through the cache, recomputing
// from the payment ledger on a miss. Cache errors degrade to a recompute.
func (s *Service) summaryFor(ctx context.Context, orderID string, total float64) (domain.PaymentSummary, error) {
	cached, hit, err := s.summaries.Get(ctx, orderID)
	if err != nil {
		log.Printf("[service] WARN: payment summary cache read order=%s: %v", orderID, err)
	} else if hit {
		return *cached, nil
	}

	paid, err := s.repo.SumPayments(ctx, orderID)
	if err != nil {
		return domain.PaymentSummary{}, err
	}
	summary := domain.SummarizePayments(total, paid)

	if err := s.summaries.Set(ctx, orderID, &summary, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: failed to cache payment summary order=%s: %v", orderID, err)
	}
	return summary, nil
}
