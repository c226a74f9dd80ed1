package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

// EnsureInvoice creates the order's invoice exactly once. The order row is
// locked before the existence check so concurrent ensure calls serialize;
// the second caller sees the committed invoice and returns it unchanged.
func (s *Store) EnsureInvoice(ctx context.Context, orderID string, render store.RenderInvoiceFunc) (*domain.Invoice, error) {
	var invoice *domain.Invoice
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		invoice, err = s.ensureInvoiceOnce(ctx, orderID, render)
		if err == nil || !isUniqueViolation(err) {
			return invoice, err
		}
	}
	return nil, err
}

func (s *Store) ensureInvoiceOnce(ctx context.Context, orderID string, render store.RenderInvoiceFunc) (*domain.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}

	existing, err := invoiceByOrderQ(ctx, tx, orderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	order.ProductLines, order.ServiceLines, err = loadLines(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM invoices`).Scan(&seq); err != nil {
		return nil, err
	}
	number := fmt.Sprintf("F%06d", seq)

	contentType, document, err := render(*order, number)
	if err != nil {
		return nil, err
	}

	invoice := domain.Invoice{
		ID:          xid.New("inv"),
		OrderID:     orderID,
		Number:      number,
		Total:       order.Total,
		ContentType: contentType,
		Document:    document,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, order_id, seq, number, total, content_type, document, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, invoice.ID, invoice.OrderID, seq, invoice.Number, invoice.Total, invoice.ContentType, invoice.Document, invoice.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func invoiceByOrderQ(ctx context.Context, q querier, orderID string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := q.QueryRowContext(ctx, `
		SELECT id, order_id, number, total, content_type, document, created_at
		FROM invoices
		WHERE order_id = $1
	`, orderID).Scan(&invoice.ID, &invoice.OrderID, &invoice.Number, &invoice.Total,
		&invoice.ContentType, &invoice.Document, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.CreatedAt = invoice.CreatedAt.UTC()
	return &invoice, nil
}

func (s *Store) GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	return invoiceByOrderQ(ctx, s.db, orderID)
}

// CreateReceipt always produces a new receipt; receipts are one per payment
// and never deduplicated.
func (s *Store) CreateReceipt(ctx context.Context, orderID string, paymentID string, render store.RenderReceiptFunc) (*domain.Receipt, error) {
	var receipt *domain.Receipt
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		receipt, err = s.createReceiptOnce(ctx, orderID, paymentID, render)
		if err == nil || !isUniqueViolation(err) {
			return receipt, err
		}
	}
	return nil, err
}

func (s *Store) createReceiptOnce(ctx context.Context, orderID string, paymentID string, render store.RenderReceiptFunc) (*domain.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, false)
	if err != nil {
		return nil, err
	}
	order.ProductLines, order.ServiceLines, err = loadLines(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	var payment domain.Payment
	var mode string
	err = tx.QueryRowContext(ctx, `
		SELECT id, order_id, amount, mode, recorded_by, created_at
		FROM payments
		WHERE id = $1 AND order_id = $2
	`, paymentID, orderID).Scan(&payment.ID, &payment.OrderID, &payment.Amount, &mode, &payment.RecordedBy, &payment.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	payment.Mode = domain.PaymentMode(mode)
	payment.CreatedAt = payment.CreatedAt.UTC()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM receipts`).Scan(&seq); err != nil {
		return nil, err
	}
	number := fmt.Sprintf("R%06d", seq)

	contentType, document, err := render(*order, payment, number)
	if err != nil {
		return nil, err
	}

	receipt := domain.Receipt{
		ID:          xid.New("rcp"),
		OrderID:     orderID,
		PaymentID:   paymentID,
		Number:      number,
		Amount:      payment.Amount,
		Mode:        payment.Mode,
		ContentType: contentType,
		Document:    document,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (id, order_id, payment_id, seq, number, amount, mode, content_type, document, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, receipt.ID, receipt.OrderID, receipt.PaymentID, seq, receipt.Number, receipt.Amount,
		string(receipt.Mode), receipt.ContentType, receipt.Document, receipt.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) GetLatestReceiptByOrder(ctx context.Context, orderID string) (*domain.Receipt, error) {
	var receipt domain.Receipt
	var mode string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, payment_id, number, amount, mode, content_type, document, created_at
		FROM receipts
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID).Scan(&receipt.ID, &receipt.OrderID, &receipt.PaymentID, &receipt.Number,
		&receipt.Amount, &mode, &receipt.ContentType, &receipt.Document, &receipt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	receipt.Mode = domain.PaymentMode(mode)
	receipt.CreatedAt = receipt.CreatedAt.UTC()
	return &receipt, nil
}
