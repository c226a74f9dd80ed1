package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
)

// Requires a reachable database; set REALTECH_TEST_DATABASE_URL to run.
func TestPaymentSettlementAppliesStockOnce(t *testing.T) {
	databaseURL := os.Getenv("REALTECH_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set REALTECH_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, unit_price, stock, active)
		VALUES ($1, 'Integration Widget', 40, 10, true)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_movements WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	order, err := s.CreateOrder(ctx, domain.OrderCreateRequest{
		Products: []domain.LineInput{{ItemID: productID, Quantity: 3}},
	}, "it-admin")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.Total != 120 {
		t.Fatalf("expected total 120, got %v", order.Total)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE order_id = $1`, order.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1`, order.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, order.ID)
	})

	result, err := s.RecordPayment(ctx, order.ID, 120, domain.PayCash, "it-admin")
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if result.Summary.Status != domain.SettlementPaid {
		t.Fatalf("expected PAID, got %s", result.Summary.Status)
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 7 {
		t.Fatalf("expected stock 7 after settlement, got %d", product.Stock)
	}

	// Finalizing a settled order must not decrement again.
	actor := domain.Actor{Username: "it-admin", Role: domain.RoleAdmin}
	if _, err := s.TransitionOrder(ctx, order.ID, domain.OrderConfirmed, actor); err != nil {
		t.Fatalf("transition: %v", err)
	}
	product, err = s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 7 {
		t.Fatalf("stock decremented twice, got %d", product.Stock)
	}

	if _, err := s.TransitionOrder(ctx, order.ID, domain.OrderCancelled, actor); !errors.Is(err, store.ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel for a paid order, got %v", err)
	}
}
