package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"realtech/backend/internal/docgen"
	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/store/memory"
)

// mapSummaryCache is an in-memory PaymentSummaryCache for asserting cache
// interaction without redis.
type mapSummaryCache struct {
	mu      sync.Mutex
	entries map[string]domain.PaymentSummary
}

func newMapSummaryCache() *mapSummaryCache {
	return &mapSummaryCache{entries: make(map[string]domain.PaymentSummary)}
}

func (c *mapSummaryCache) Get(_ context.Context, orderID string) (*domain.PaymentSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary, ok := c.entries[orderID]
	if !ok {
		return nil, false, nil
	}
	return &summary, true, nil
}

func (c *mapSummaryCache) Set(_ context.Context, orderID string, summary *domain.PaymentSummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[orderID] = *summary
	return nil
}

func (c *mapSummaryCache) Invalidate(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderID)
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := New(repo, docgen.NewHTMLRenderer("Test"), nil, 0)
	return svc, repo
}

func actorCtx(role string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: role + "-user", Role: role})
}

func adminCtx() context.Context    { return actorCtx(domain.RoleAdmin) }
func employeeCtx() context.Context { return actorCtx(domain.RoleEmployee) }

// mustCreateOrder builds an order totaling 350: one SSD at 110 plus two
// network setups at 120 each.
func mustCreateOrder(t *testing.T, svc *Service, ctx context.Context) *domain.Order {
	t.Helper()
	order, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{
		ClientID: "cli-0001",
		Products: []domain.LineInput{{ItemID: "prd-ssd-01", Quantity: 1}},
		Services: []domain.LineInput{{ItemID: "svc-network-01", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func TestCreateOrderComputesTotalWithoutTouchingStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := employeeCtx()

	order := mustCreateOrder(t, svc, ctx)
	if order.Total != 350 {
		t.Fatalf("expected total 350, got %v", order.Total)
	}
	if order.Status != domain.OrderPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.Number == "" {
		t.Fatal("expected a sequential order number")
	}

	product, err := repo.GetProduct(context.Background(), "prd-ssd-01")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.Stock != 60 {
		t.Fatalf("creation must not decrement stock, got %d", product.Stock)
	}
}

func TestCreateOrderRejectsEmptyAndUnknownLines(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()

	if _, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty order, got %v", err)
	}
	_, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{
		Products: []domain.LineInput{{ItemID: "prd-nope", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown product, got %v", err)
	}
	_, err = svc.CreateOrder(ctx, domain.OrderCreateRequest{
		Products: []domain.LineInput{{ItemID: "prd-ssd-01", Quantity: 100}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestFinalizeDecrementsStockOnceWithMovement(t *testing.T) {
	svc, repo := newTestService(t)
	admin := adminCtx()

	if _, err := svc.AdjustStock(admin, "prd-ssd-01", domain.StockAdjustRequest{Quantity: 10, Mode: "SET"}); err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}

	order, err := svc.CreateOrder(admin, domain.OrderCreateRequest{
		Products: []domain.LineInput{{ItemID: "prd-ssd-01", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	status := string(domain.OrderConfirmed)
	if _, err := svc.UpdateOrder(admin, order.ID, domain.OrderUpdateRequest{Status: &status}); err != nil {
		t.Fatalf("transition to CONFIRMED: %v", err)
	}

	product, _ := repo.GetProduct(context.Background(), "prd-ssd-01")
	if product.Stock != 7 {
		t.Fatalf("expected stock 7 after finalize, got %d", product.Stock)
	}

	movements, err := svc.ListMovements(admin, domain.MovementFilter{ProductID: "prd-ssd-01", Direction: domain.MovementOut})
	if err != nil {
		t.Fatalf("ListMovements: %v", err)
	}
	saleMovements := 0
	for _, m := range movements {
		if m.Source == domain.MovementSale {
			saleMovements++
			if m.Quantity != 3 {
				t.Fatalf("expected movement quantity 3, got %d", m.Quantity)
			}
		}
	}
	if saleMovements != 1 {
		t.Fatalf("expected exactly one SALE movement, got %d", saleMovements)
	}

	// A later transition within the finalized family must not decrement again.
	next := string(domain.OrderDelivered)
	if _, err := svc.UpdateOrder(admin, order.ID, domain.OrderUpdateRequest{Status: &next}); err != nil {
		t.Fatalf("transition to DELIVERED: %v", err)
	}
	product, _ = repo.GetProduct(context.Background(), "prd-ssd-01")
	if product.Stock != 7 {
		t.Fatalf("stock must be applied at most once, got %d", product.Stock)
	}
}

func TestPaymentsDrivePartialThenPaid(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	first, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 200, Mode: "cash"})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if first.Summary.Status != domain.SettlementPartial {
		t.Fatalf("expected PARTIAL, got %s", first.Summary.Status)
	}
	if first.Summary.Remaining != 150 {
		t.Fatalf("expected 150 remaining, got %v", first.Summary.Remaining)
	}

	second, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 150, Mode: "mobile_money"})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if second.Summary.Status != domain.SettlementPaid {
		t.Fatalf("expected PAID, got %s", second.Summary.Status)
	}

	// Settlement enqueues the invoice task alongside the receipt tasks.
	tasks, err := repo.ClaimDueTasks(context.Background(), 50)
	if err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}
	kinds := map[string]int{}
	for _, task := range tasks {
		kinds[task.Kind]++
	}
	if kinds[domain.TaskEnsureInvoice] != 1 {
		t.Fatalf("expected one invoice task, got %d", kinds[domain.TaskEnsureInvoice])
	}
	if kinds[domain.TaskCreateReceipt] != 2 {
		t.Fatalf("expected two receipt tasks, got %d", kinds[domain.TaskCreateReceipt])
	}
}

func TestFullPaymentOnPendingOrderAppliesStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 350, Mode: "transfer"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	product, _ := repo.GetProduct(context.Background(), "prd-ssd-01")
	if product.Stock != 59 {
		t.Fatalf("settling payment must apply stock, got %d", product.Stock)
	}
}

func TestOverpaymentRejectedWithoutARow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 200, Mode: "cash"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	_, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 400, Mode: "cash"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for overpayment, got %v", err)
	}

	listing, err := svc.ListPayments(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	if len(listing.Payments) != 1 {
		t.Fatalf("rejected payment must not persist, got %d rows", len(listing.Payments))
	}
	if listing.Summary.PaidTotal != 200 {
		t.Fatalf("expected paid total 200, got %v", listing.Summary.PaidTotal)
	}
}

func TestPaymentOnSettledOrderRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 350, Mode: "card"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	_, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 1, Mode: "cash"})
	if !errors.Is(err, store.ErrOrderSettled) {
		t.Fatalf("expected ErrOrderSettled, got %v", err)
	}
}

func TestOrderImmutableAfterPayment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 50, Mode: "cash"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	_, err := svc.UpdateOrderLine(ctx, order.ID, order.ProductLines[0].ID, 2)
	if !errors.Is(err, store.ErrOrderImmutable) {
		t.Fatalf("expected ErrOrderImmutable for line edit, got %v", err)
	}

	clientID := "cli-0002"
	_, err = svc.UpdateOrder(ctx, order.ID, domain.OrderUpdateRequest{ClientID: &clientID})
	if !errors.Is(err, store.ErrOrderImmutable) {
		t.Fatalf("expected ErrOrderImmutable for client edit, got %v", err)
	}
}

func TestCancelRejectedOncePaymentsExist(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 50, Mode: "cash"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	status := string(domain.OrderCancelled)
	_, err := svc.UpdateOrder(ctx, order.ID, domain.OrderUpdateRequest{Status: &status})
	if !errors.Is(err, store.ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}
}

func TestCancelAllowedWithZeroPayments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	status := string(domain.OrderCancelled)
	view, err := svc.UpdateOrder(ctx, order.ID, domain.OrderUpdateRequest{Status: &status})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if view.Status != domain.OrderCancelled {
		t.Fatalf("expected CANCELLED, got %s", view.Status)
	}
}

func TestEmployeeTransitionsLimitedToPending(t *testing.T) {
	svc, _ := newTestService(t)
	employee := employeeCtx()
	order := mustCreateOrder(t, svc, employee)

	status := string(domain.OrderConfirmed)
	if _, err := svc.UpdateOrder(employee, order.ID, domain.OrderUpdateRequest{Status: &status}); err != nil {
		t.Fatalf("employee PENDING->CONFIRMED: %v", err)
	}

	next := string(domain.OrderDelivered)
	_, err := svc.UpdateOrder(employee, order.ID, domain.OrderUpdateRequest{Status: &next})
	if !errors.Is(err, store.ErrOrderImmutable) {
		t.Fatalf("expected ErrOrderImmutable for employee CONFIRMED->DELIVERED, got %v", err)
	}

	if _, err := svc.UpdateOrder(adminCtx(), order.ID, domain.OrderUpdateRequest{Status: &next}); err != nil {
		t.Fatalf("admin CONFIRMED->DELIVERED: %v", err)
	}
}

func TestBackwardTransitionRejected(t *testing.T) {
	svc, _ := newTestService(t)
	admin := adminCtx()
	order := mustCreateOrder(t, svc, admin)

	status := string(domain.OrderDelivered)
	if _, err := svc.UpdateOrder(admin, order.ID, domain.OrderUpdateRequest{Status: &status}); err != nil {
		t.Fatalf("PENDING->DELIVERED: %v", err)
	}
	back := string(domain.OrderConfirmed)
	_, err := svc.UpdateOrder(admin, order.ID, domain.OrderUpdateRequest{Status: &back})
	if !errors.Is(err, store.ErrOrderImmutable) {
		t.Fatalf("expected ErrOrderImmutable for backward move, got %v", err)
	}
}

func TestConcurrentFinalizeAdmitsExactlyOne(t *testing.T) {
	svc, _ := newTestService(t)
	admin := adminCtx()

	// UPS stock is 9; two orders of 6 both pass the creation check but only
	// one can survive the finalize decrement.
	var orders [2]*domain.Order
	for i := range orders {
		order, err := svc.CreateOrder(admin, domain.OrderCreateRequest{
			Products: []domain.LineInput{{ItemID: "prd-ups-01", Quantity: 6}},
		})
		if err != nil {
			t.Fatalf("CreateOrder %d: %v", i, err)
		}
		orders[i] = order
	}

	status := string(domain.OrderConfirmed)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.UpdateOrder(admin, orders[i].ID, domain.OrderUpdateRequest{Status: &status})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one finalize to win, got %d", succeeded)
	}
}

func TestUpdateOrderBadStatusLeavesEditsUnapplied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	products := []domain.LineInput{{LineID: order.ProductLines[0].ID, ItemID: "prd-ssd-01", Quantity: 3}}
	bad := "NOT_A_STATUS"
	_, err := svc.UpdateOrder(ctx, order.ID, domain.OrderUpdateRequest{Products: &products, Status: &bad})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}

	view, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if view.Total != 350 {
		t.Fatalf("a rejected update must not apply its line edits, total went to %v", view.Total)
	}
	if view.ProductLines[0].Quantity != 1 {
		t.Fatalf("expected quantity 1, got %d", view.ProductLines[0].Quantity)
	}
}

func TestUpdateOrderBlockedTransitionLeavesClientUnapplied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 50, Mode: "cash"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	clientID := "cli-0002"
	cancel := string(domain.OrderCancelled)
	_, err := svc.UpdateOrder(adminCtx(), order.ID, domain.OrderUpdateRequest{ClientID: &clientID, Status: &cancel})
	if !errors.Is(err, store.ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}

	view, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if view.ClientID != "cli-0001" {
		t.Fatalf("client edit must not survive a rejected cancel, got %s", view.ClientID)
	}
}

func TestLineMutationsRefreshCachedSummary(t *testing.T) {
	repo := memory.NewSeeded()
	summaries := newMapSummaryCache()
	svc := New(repo, docgen.NewHTMLRenderer("Test"), summaries, time.Minute)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	// Prime the cache with the 350 total.
	if _, err := svc.GetOrder(ctx, order.ID); err != nil {
		t.Fatalf("GetOrder: %v", err)
	}

	view, err := svc.AddOrderLine(ctx, order.ID, domain.LineService, domain.LineInput{ItemID: "svc-install-01", Quantity: 1})
	if err != nil {
		t.Fatalf("AddOrderLine: %v", err)
	}
	if view.Total != 400 || view.Summary.Remaining != 400 {
		t.Fatalf("summary must track the new total, got total=%v remaining=%v", view.Total, view.Summary.Remaining)
	}

	view, err = svc.UpdateOrderLine(ctx, order.ID, order.ProductLines[0].ID, 3)
	if err != nil {
		t.Fatalf("UpdateOrderLine: %v", err)
	}
	if view.Summary.Remaining != view.Total {
		t.Fatalf("stale cached summary: remaining=%v total=%v", view.Summary.Remaining, view.Total)
	}

	view, err = svc.RemoveOrderLine(ctx, order.ID, view.ServiceLines[len(view.ServiceLines)-1].ID)
	if err != nil {
		t.Fatalf("RemoveOrderLine: %v", err)
	}
	if view.Summary.Remaining != view.Total {
		t.Fatalf("stale cached summary after removal: remaining=%v total=%v", view.Summary.Remaining, view.Total)
	}
}

func TestEmployeeCannotEditOthersOrder(t *testing.T) {
	svc, _ := newTestService(t)
	admin := adminCtx()
	employee := employeeCtx()
	order := mustCreateOrder(t, svc, admin)

	_, err := svc.AddOrderLine(employee, order.ID, domain.LineService, domain.LineInput{ItemID: "svc-install-01", Quantity: 1})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign line add, got %v", err)
	}
	_, err = svc.UpdateOrderLine(employee, order.ID, order.ProductLines[0].ID, 2)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign line update, got %v", err)
	}
	_, err = svc.RemoveOrderLine(employee, order.ID, order.ServiceLines[0].ID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign line removal, got %v", err)
	}
	clientID := "cli-0002"
	_, err = svc.UpdateOrder(employee, order.ID, domain.OrderUpdateRequest{ClientID: &clientID})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign client edit, got %v", err)
	}

	// Manager edits anyone's order; the employee still edits their own.
	if _, err := svc.AddOrderLine(actorCtx(domain.RoleManager), order.ID, domain.LineService, domain.LineInput{ItemID: "svc-install-01", Quantity: 1}); err != nil {
		t.Fatalf("manager line add: %v", err)
	}
	own := mustCreateOrder(t, svc, employee)
	if _, err := svc.UpdateOrderLine(employee, own.ID, own.ProductLines[0].ID, 2); err != nil {
		t.Fatalf("employee editing own order: %v", err)
	}
}

func TestReconcileRecomputesTotal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	view, err := svc.UpdateOrderLine(ctx, order.ID, order.ProductLines[0].ID, 3)
	if err != nil {
		t.Fatalf("UpdateOrderLine: %v", err)
	}
	// 3x110 + 2x120
	if view.Total != 570 {
		t.Fatalf("expected total 570 after quantity change, got %v", view.Total)
	}

	var lineSum float64
	for _, line := range append(view.ProductLines, view.ServiceLines...) {
		lineSum += line.LineTotal
	}
	if lineSum != view.Total {
		t.Fatalf("total %v must equal line sum %v", view.Total, lineSum)
	}
}

func TestAddAndRemoveOrderLine(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	view, err := svc.AddOrderLine(ctx, order.ID, domain.LineService, domain.LineInput{ItemID: "svc-install-01", Quantity: 1})
	if err != nil {
		t.Fatalf("AddOrderLine: %v", err)
	}
	if len(view.ServiceLines) != 2 {
		t.Fatalf("expected 2 service lines, got %d", len(view.ServiceLines))
	}
	if view.Total != 400 {
		t.Fatalf("expected total 400, got %v", view.Total)
	}

	view, err = svc.RemoveOrderLine(ctx, order.ID, view.ServiceLines[0].ID)
	if err != nil {
		t.Fatalf("RemoveOrderLine: %v", err)
	}
	if len(view.ServiceLines) != 1 {
		t.Fatalf("expected 1 service line after removal, got %d", len(view.ServiceLines))
	}
}

func TestRemoveLastLineRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()

	order, err := svc.CreateOrder(ctx, domain.OrderCreateRequest{
		Services: []domain.LineInput{{ItemID: "svc-install-01", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	_, err = svc.RemoveOrderLine(ctx, order.ID, order.ServiceLines[0].ID)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for removing the only line, got %v", err)
	}
}

func TestManualAdjustRecordsMovementAndLowStockNotification(t *testing.T) {
	svc, repo := newTestService(t)
	admin := adminCtx()

	product, err := svc.AdjustStock(admin, "prd-ups-01", domain.StockAdjustRequest{Quantity: 5, Mode: "SUBTRACT"})
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if product.Stock != 4 {
		t.Fatalf("expected stock 4, got %d", product.Stock)
	}

	movements, err := svc.ListMovements(admin, domain.MovementFilter{ProductID: "prd-ups-01"})
	if err != nil {
		t.Fatalf("ListMovements: %v", err)
	}
	if len(movements) != 1 || movements[0].Source != domain.MovementManual || movements[0].Direction != domain.MovementOut {
		t.Fatalf("expected one MANUAL OUT movement, got %+v", movements)
	}

	notifications, err := repo.ListNotifications(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	found := false
	for _, n := range notifications {
		if n.Type == "low_stock" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a low_stock notification")
	}
}

func TestAdjustStockCannotGoNegative(t *testing.T) {
	svc, _ := newTestService(t)
	admin := adminCtx()

	_, err := svc.AdjustStock(admin, "prd-ups-01", domain.StockAdjustRequest{Quantity: 50, Mode: "SUBTRACT"})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestAdjustStockRequiresElevatedRole(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.AdjustStock(employeeCtx(), "prd-ups-01", domain.StockAdjustRequest{Quantity: 1, Mode: "ADD"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for employee stock adjust, got %v", err)
	}
}

func TestEnsureInvoiceIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	first, err := svc.EnsureInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("EnsureInvoice: %v", err)
	}
	second, err := svc.EnsureInvoice(ctx, order.ID)
	if err != nil {
		t.Fatalf("EnsureInvoice again: %v", err)
	}
	if first.ID != second.ID || first.Number != second.Number {
		t.Fatalf("invoice must be created once, got %s/%s and %s/%s", first.ID, first.Number, second.ID, second.Number)
	}
	if len(first.Document) == 0 {
		t.Fatal("invoice document must be rendered")
	}
}

func TestReceiptsNeverDeduplicated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	result, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 100, Mode: "cash"})
	if err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	first, err := svc.CreateReceiptForPayment(ctx, order.ID, result.Payment.ID)
	if err != nil {
		t.Fatalf("CreateReceiptForPayment: %v", err)
	}
	second, err := svc.CreateReceiptForPayment(ctx, order.ID, result.Payment.ID)
	if err != nil {
		t.Fatalf("CreateReceiptForPayment again: %v", err)
	}
	if first.Number == second.Number {
		t.Fatalf("each receipt issue gets a fresh number, both got %s", first.Number)
	}
}

func TestListOrdersIncludesSummaries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := employeeCtx()
	order := mustCreateOrder(t, svc, ctx)

	if _, err := svc.RecordPayment(ctx, order.ID, domain.PaymentRequest{Amount: 200, Mode: "cash"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	views, err := svc.ListOrders(ctx, domain.OrderFilter{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 order, got %d", len(views))
	}
	if views[0].Summary.Status != domain.SettlementPartial || views[0].Summary.PaidTotal != 200 {
		t.Fatalf("unexpected summary %+v", views[0].Summary)
	}
}

func TestSoftDeleteRequiresElevatedAndZeroPayments(t *testing.T) {
	svc, _ := newTestService(t)
	employee := employeeCtx()
	order := mustCreateOrder(t, svc, employee)

	if err := svc.DeleteOrder(employee, order.ID); err == nil {
		t.Fatal("expected role rejection for employee delete")
	}

	if _, err := svc.RecordPayment(employee, order.ID, domain.PaymentRequest{Amount: 50, Mode: "cash"}); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if err := svc.DeleteOrder(adminCtx(), order.ID); !errors.Is(err, store.ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}
}

func TestSoftDeletedOrdersListed(t *testing.T) {
	svc, _ := newTestService(t)
	admin := adminCtx()
	order := mustCreateOrder(t, svc, admin)

	if err := svc.DeleteOrder(admin, order.ID); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	if _, err := svc.GetOrder(admin, order.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted order must vanish from reads, got %v", err)
	}

	deleted, err := svc.ListDeletedOrders(admin, 10)
	if err != nil {
		t.Fatalf("ListDeletedOrders: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != order.ID {
		t.Fatalf("expected the deleted order in the listing, got %+v", deleted)
	}
}
