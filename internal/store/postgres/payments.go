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

func sumPaymentsQ(ctx context.Context, q querier, orderID string) (float64, error) {
	var paid float64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payments WHERE order_id = $1
	`, orderID).Scan(&paid)
	return paid, err
}

// RecordPayment appends one immutable payment row. The order row is locked
// first so two concurrent payments against the same order serialize and
// cannot both pass the remaining-due check on a stale sum.
func (s *Store) RecordPayment(ctx context.Context, orderID string, amount float64, mode domain.PaymentMode, recordedBy string) (*domain.PaymentResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown payment mode %q", store.ErrInvalidInput, mode)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderCancelled {
		return nil, store.ErrOrderImmutable
	}

	paid, err := sumPaymentsQ(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if paid >= order.Total-domain.PaymentEpsilon {
		return nil, store.ErrOrderSettled
	}
	if amount > order.Total-paid+domain.PaymentEpsilon {
		return nil, fmt.Errorf("%w: amount exceeds remaining due", store.ErrInvalidInput)
	}

	now := time.Now().UTC()
	payment := domain.Payment{
		ID:         xid.New("pay"),
		OrderID:    orderID,
		Amount:     amount,
		Mode:       mode,
		RecordedBy: recordedBy,
		CreatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, mode, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, payment.ID, payment.OrderID, payment.Amount, string(payment.Mode), payment.RecordedBy, payment.CreatedAt); err != nil {
		return nil, err
	}

	summary := domain.SummarizePayments(order.Total, paid+amount)

	if !order.StockApplied() && (summary.Status == domain.SettlementPaid || order.Status.Finalized()) {
		order.ProductLines, order.ServiceLines, err = loadLines(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		if err := applyOrderStock(ctx, tx, order, recordedBy, now); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET updated_at = $2 WHERE id = $1`, orderID, now); err != nil {
		return nil, err
	}

	if err := enqueueTask(ctx, tx, domain.TaskCreateReceipt, domain.DocumentTaskPayload{
		OrderID:   orderID,
		PaymentID: payment.ID,
	}); err != nil {
		return nil, err
	}
	if summary.Status == domain.SettlementPaid {
		if err := enqueueTask(ctx, tx, domain.TaskEnsureInvoice, domain.DocumentTaskPayload{OrderID: orderID}); err != nil {
			return nil, err
		}
	}
	message := fmt.Sprintf("payment of %.2f (%s) recorded on order %s", amount, mode, order.Number)
	if summary.Status == domain.SettlementPartial {
		message += fmt.Sprintf(", %.2f remaining", summary.Remaining)
	}
	if err := enqueueTask(ctx, tx, domain.TaskNotify, domain.NotifyTaskPayload{
		Type:    "payment",
		Message: message,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.PaymentResult{Payment: payment, Summary: summary}, nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var p domain.Payment
	var mode string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount, mode, recorded_by, created_at
		FROM payments
		WHERE id = $1
	`, paymentID).Scan(&p.ID, &p.OrderID, &p.Amount, &mode, &p.RecordedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.Mode = domain.PaymentMode(mode)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, amount, mode, recorded_by, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 8)
	for rows.Next() {
		var p domain.Payment
		var mode string
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Amount, &mode, &p.RecordedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Mode = domain.PaymentMode(mode)
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) SumPayments(ctx context.Context, orderID string) (float64, error) {
	return sumPaymentsQ(ctx, s.db, orderID)
}

func (s *Store) SumPaymentsByOrder(ctx context.Context, orderIDs []string) (map[string]float64, error) {
	sums := make(map[string]float64, len(orderIDs))
	if len(orderIDs) == 0 {
		return sums, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, COALESCE(SUM(amount), 0)
		FROM payments
		WHERE order_id = ANY($1)
		GROUP BY order_id
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var paid float64
		if err := rows.Scan(&orderID, &paid); err != nil {
			return nil, err
		}
		sums[orderID] = paid
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range orderIDs {
		if _, ok := sums[id]; !ok {
			sums[id] = 0
		}
	}
	return sums, nil
}
