package service

import (
	"context"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
)

// EnsureInvoice creates the order's invoice if it does not exist yet and
// returns the existing one otherwise.
func (s *Service) EnsureInvoice(ctx context.Context, orderID string) (*domain.Invoice, error) {
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.EnsureInvoice(ctx, orderID, func(order domain.Order, number string) (string, []byte, error) {
		return s.renderer.RenderInvoice(&order, number)
	})
}

func (s *Service) GetInvoice(ctx context.Context, orderID string) (*domain.Invoice, error) {
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetInvoiceByOrder(ctx, orderID)
}

// CreateReceiptForPayment issues a receipt for one payment. Every payment
// gets its own receipt; repeated calls for the same payment append rows.
func (s *Service) CreateReceiptForPayment(ctx context.Context, orderID string, paymentID string) (*domain.Receipt, error) {
	if orderID == "" || paymentID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.CreateReceipt(ctx, orderID, paymentID, func(order domain.Order, payment domain.Payment, number string) (string, []byte, error) {
		return s.renderer.RenderReceipt(&order, &payment, number)
	})
}

func (s *Service) GetLatestReceipt(ctx context.Context, orderID string) (*domain.Receipt, error) {
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetLatestReceiptByOrder(ctx, orderID)
}

func (s *Service) CreateNotification(ctx context.Context, notification domain.Notification) error {
	return s.repo.CreateNotification(ctx, notification)
}
