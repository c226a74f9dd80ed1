package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

func copyOrder(o *domain.Order) *domain.Order {
	copied := *o
	copied.ProductLines = slices.Clone(o.ProductLines)
	copied.ServiceLines = slices.Clone(o.ServiceLines)
	if o.StockAppliedAt != nil {
		t := *o.StockAppliedAt
		copied.StockAppliedAt = &t
	}
	if o.DeletedAt != nil {
		t := *o.DeletedAt
		copied.DeletedAt = &t
	}
	return &copied
}

func (s *Store) sumPaymentsLocked(orderID string) float64 {
	var paid float64
	for _, p := range s.payments[orderID] {
		paid += p.Amount
	}
	return paid
}

func (s *Store) notifyLocked(kind string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.enqueueTaskLocked(kind, string(raw))
}

func (s *Store) CreateOrder(_ context.Context, req domain.OrderCreateRequest, createdBy string) (*domain.Order, error) {
	if len(req.Products) == 0 && len(req.Services) == 0 {
		return nil, fmt.Errorf("%w: order requires at least one line", store.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	if req.ClientID != "" {
		if _, ok := s.clients[req.ClientID]; !ok {
			return nil, fmt.Errorf("%w: client %s not found", store.ErrInvalidInput, req.ClientID)
		}
	}

	s.orderSeq++
	order := &domain.Order{
		ID:        xid.New("ord"),
		Number:    fmt.Sprintf("C%06d", s.orderSeq),
		ClientID:  req.ClientID,
		CreatedBy: createdBy,
		Status:    domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, input := range mergeLineInputs(req.Products) {
		if input.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
		}
		p, ok := s.products[input.ItemID]
		if !ok || p.DeletedAt != nil || !p.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidInput, input.ItemID)
		}
		if p.Stock < input.Quantity {
			return nil, store.ErrInsufficientStock
		}
		order.ProductLines = append(order.ProductLines, domain.OrderLine{
			ID:        xid.New("lin"),
			OrderID:   order.ID,
			Kind:      domain.LineProduct,
			ItemID:    input.ItemID,
			Label:     p.Name,
			Quantity:  input.Quantity,
			UnitPrice: p.UnitPrice,
			LineTotal: p.UnitPrice * float64(input.Quantity),
		})
		order.Total += p.UnitPrice * float64(input.Quantity)
	}
	for _, input := range mergeLineInputs(req.Services) {
		if input.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
		}
		svc, ok := s.services[input.ItemID]
		if !ok || !svc.Active {
			return nil, fmt.Errorf("%w: service %s unavailable", store.ErrInvalidInput, input.ItemID)
		}
		order.ServiceLines = append(order.ServiceLines, domain.OrderLine{
			ID:        xid.New("lin"),
			OrderID:   order.ID,
			Kind:      domain.LineService,
			ItemID:    input.ItemID,
			Label:     svc.Name,
			Quantity:  input.Quantity,
			UnitPrice: svc.UnitPrice,
			LineTotal: svc.UnitPrice * float64(input.Quantity),
		})
		order.Total += svc.UnitPrice * float64(input.Quantity)
	}

	s.orders[order.ID] = order
	s.notifyLocked(domain.TaskNotify, domain.NotifyTaskPayload{
		Type:    "new_order",
		Message: fmt.Sprintf("order %s created by %s, total %.2f", order.Number, createdBy, order.Total),
	})

	return copyOrder(order), nil
}

func mergeLineInputs(inputs []domain.LineInput) []domain.LineInput {
	merged := make([]domain.LineInput, 0, len(inputs))
	index := make(map[string]int, len(inputs))
	for _, input := range inputs {
		if pos, ok := index[input.ItemID]; ok && input.LineID == "" {
			merged[pos].Quantity += input.Quantity
			continue
		}
		index[input.ItemID] = len(merged)
		merged = append(merged, input)
	}
	return merged
}

func (s *Store) getOrderLocked(orderID string) (*domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok || order.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return order, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}
	return copyOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if order.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.ClientID != "" && order.ClientID != filter.ClientID {
			continue
		}
		orders = append(orders, *copyOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ListDeletedOrders(_ context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 8)
	for _, order := range s.orders {
		if order.DeletedAt == nil {
			continue
		}
		orders = append(orders, *copyOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return b.DeletedAt.Compare(*a.DeletedAt)
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ensureMutableLocked(order *domain.Order) error {
	if order.Status.Terminal() {
		return store.ErrOrderImmutable
	}
	if s.sumPaymentsLocked(order.ID) > 0 {
		return store.ErrOrderImmutable
	}
	return nil
}

func (s *Store) UpdateOrderClient(_ context.Context, orderID string, clientID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureMutableLocked(order); err != nil {
		return nil, err
	}
	if clientID != "" {
		if _, ok := s.clients[clientID]; !ok {
			return nil, fmt.Errorf("%w: client %s not found", store.ErrInvalidInput, clientID)
		}
	}

	order.ClientID = clientID
	order.UpdatedAt = time.Now().UTC()
	return copyOrder(order), nil
}

func (s *Store) ReconcileOrderLines(_ context.Context, orderID string, products *[]domain.LineInput, services *[]domain.LineInput) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureMutableLocked(order); err != nil {
		return nil, err
	}

	// Work on copies so a mid-protocol failure leaves the order untouched.
	newProducts := slices.Clone(order.ProductLines)
	newServices := slices.Clone(order.ServiceLines)

	if products != nil {
		newProducts, err = s.reconcileKindLocked(order.ID, domain.LineProduct, newProducts, mergeLineInputs(*products))
		if err != nil {
			return nil, err
		}
	}
	if services != nil {
		newServices, err = s.reconcileKindLocked(order.ID, domain.LineService, newServices, mergeLineInputs(*services))
		if err != nil {
			return nil, err
		}
	}

	if len(newProducts)+len(newServices) == 0 {
		return nil, fmt.Errorf("%w: order requires at least one line", store.ErrInvalidInput)
	}

	total := 0.0
	for _, line := range newProducts {
		total += line.LineTotal
	}
	for _, line := range newServices {
		total += line.LineTotal
	}

	order.ProductLines = newProducts
	order.ServiceLines = newServices
	order.Total = total
	order.UpdatedAt = time.Now().UTC()
	return copyOrder(order), nil
}

func (s *Store) reconcileKindLocked(orderID string, kind domain.LineKind, existing []domain.OrderLine, inputs []domain.LineInput) ([]domain.OrderLine, error) {
	matched := make(map[string]bool, len(existing))
	result := make([]domain.OrderLine, 0, len(inputs))

	findByID := func(lineID string) *domain.OrderLine {
		for i := range existing {
			if existing[i].ID == lineID && !matched[lineID] {
				return &existing[i]
			}
		}
		return nil
	}
	findByItem := func(itemID string) *domain.OrderLine {
		for i := range existing {
			if !matched[existing[i].ID] && existing[i].ItemID == itemID {
				return &existing[i]
			}
		}
		return nil
	}

	for _, input := range inputs {
		if input.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
		}

		var target *domain.OrderLine
		if input.LineID != "" {
			target = findByID(input.LineID)
			if target == nil {
				return nil, fmt.Errorf("%w: line %s not found on order", store.ErrInvalidInput, input.LineID)
			}
		} else {
			target = findByItem(input.ItemID)
		}

		var unitPrice float64
		var label string
		switch kind {
		case domain.LineProduct:
			p, ok := s.products[input.ItemID]
			if !ok || p.DeletedAt != nil || !p.Active {
				return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidInput, input.ItemID)
			}
			available := p.Stock
			if target != nil && target.ItemID == input.ItemID {
				available += target.Quantity
			}
			if input.Quantity > available {
				return nil, store.ErrInsufficientStock
			}
			unitPrice = p.UnitPrice
			label = p.Name
		case domain.LineService:
			svc, ok := s.services[input.ItemID]
			if !ok || !svc.Active {
				return nil, fmt.Errorf("%w: service %s unavailable", store.ErrInvalidInput, input.ItemID)
			}
			unitPrice = svc.UnitPrice
			label = svc.Name
		}

		line := domain.OrderLine{
			OrderID:   orderID,
			Kind:      kind,
			ItemID:    input.ItemID,
			Label:     label,
			Quantity:  input.Quantity,
			UnitPrice: unitPrice,
			LineTotal: unitPrice * float64(input.Quantity),
		}
		if target != nil {
			matched[target.ID] = true
			line.ID = target.ID
		} else {
			line.ID = xid.New("lin")
		}
		result = append(result, line)
	}

	return result, nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, to domain.OrderStatus, actor domain.Actor) (*domain.Order, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidInput, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}

	if !domain.TransitionAllowed(actor.Role, order.Status, to) {
		if order.Status.Terminal() {
			return nil, store.ErrOrderImmutable
		}
		return nil, fmt.Errorf("%w: transition %s -> %s not allowed", store.ErrInvalidInput, order.Status, to)
	}

	if to == domain.OrderCancelled && s.sumPaymentsLocked(orderID) > 0 {
		return nil, store.ErrCannotCancel
	}

	now := time.Now().UTC()
	if to.Finalized() && !order.StockApplied() {
		if err := s.applyOrderStockLocked(order, actor.Username, now); err != nil {
			return nil, err
		}
	}

	order.Status = to
	order.UpdatedAt = now
	s.notifyLocked(domain.TaskNotify, domain.NotifyTaskPayload{
		Type:    "order_status",
		Message: fmt.Sprintf("order %s moved to %s by %s", order.Number, to, actor.Username),
	})

	return copyOrder(order), nil
}

// applyOrderStockLocked is the all-or-nothing stock decrement: every product
// line is checked before any stock changes, then decrements, movements, and
// low-stock tasks happen together under the lock.
func (s *Store) applyOrderStockLocked(order *domain.Order, actor string, now time.Time) error {
	needed := make(map[string]int, len(order.ProductLines))
	for _, line := range order.ProductLines {
		needed[line.ItemID] += line.Quantity
	}
	productIDs := make([]string, 0, len(needed))
	for id := range needed {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	for _, productID := range productIDs {
		p, ok := s.products[productID]
		if !ok || p.DeletedAt != nil {
			return fmt.Errorf("%w: product %s not found", store.ErrInvalidInput, productID)
		}
		if p.Stock < needed[productID] {
			return store.ErrInsufficientStock
		}
	}

	for _, productID := range productIDs {
		p := s.products[productID]
		p.Stock -= needed[productID]
		s.products[productID] = p

		if p.Stock <= domain.LowStockThreshold {
			s.notifyLocked(domain.TaskNotify, domain.NotifyTaskPayload{
				Type:    "low_stock",
				Message: fmt.Sprintf("product %s stock is down to %d", productID, p.Stock),
			})
		}
	}

	for _, line := range order.ProductLines {
		s.movements = append(s.movements, domain.InventoryMovement{
			ID:        xid.New("mov"),
			ProductID: line.ItemID,
			Quantity:  line.Quantity,
			Direction: domain.MovementOut,
			Source:    domain.MovementSale,
			Username:  actor,
			Note:      "order " + order.Number,
			CreatedAt: now,
		})
	}

	applied := now
	order.StockAppliedAt = &applied
	return nil
}

func (s *Store) SoftDeleteOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return err
	}
	if s.sumPaymentsLocked(orderID) > 0 {
		return store.ErrCannotCancel
	}

	now := time.Now().UTC()
	order.DeletedAt = &now
	order.UpdatedAt = now
	return nil
}

func (s *Store) RecordPayment(_ context.Context, orderID string, amount float64, mode domain.PaymentMode, recordedBy string) (*domain.PaymentResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown payment mode %q", store.ErrInvalidInput, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderCancelled {
		return nil, store.ErrOrderImmutable
	}

	paid := s.sumPaymentsLocked(orderID)
	if paid >= order.Total-domain.PaymentEpsilon {
		return nil, store.ErrOrderSettled
	}
	if amount > order.Total-paid+domain.PaymentEpsilon {
		return nil, fmt.Errorf("%w: amount exceeds remaining due", store.ErrInvalidInput)
	}

	now := time.Now().UTC()
	summary := domain.SummarizePayments(order.Total, paid+amount)

	if !order.StockApplied() && (summary.Status == domain.SettlementPaid || order.Status.Finalized()) {
		if err := s.applyOrderStockLocked(order, recordedBy, now); err != nil {
			return nil, err
		}
	}

	payment := domain.Payment{
		ID:         xid.New("pay"),
		OrderID:    orderID,
		Amount:     amount,
		Mode:       mode,
		RecordedBy: recordedBy,
		CreatedAt:  now,
	}
	s.payments[orderID] = append(s.payments[orderID], payment)
	s.paymentByID[payment.ID] = payment
	order.UpdatedAt = now

	s.notifyLocked(domain.TaskCreateReceipt, domain.DocumentTaskPayload{OrderID: orderID, PaymentID: payment.ID})
	if summary.Status == domain.SettlementPaid {
		s.notifyLocked(domain.TaskEnsureInvoice, domain.DocumentTaskPayload{OrderID: orderID})
	}
	message := fmt.Sprintf("payment of %.2f (%s) recorded on order %s", amount, mode, order.Number)
	if summary.Status == domain.SettlementPartial {
		message += fmt.Sprintf(", %.2f remaining", summary.Remaining)
	}
	s.notifyLocked(domain.TaskNotify, domain.NotifyTaskPayload{Type: "payment", Message: message})

	return &domain.PaymentResult{Payment: payment, Summary: summary}, nil
}

func (s *Store) GetPayment(_ context.Context, paymentID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.paymentByID[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := payment
	return &copied, nil
}

func (s *Store) ListPayments(_ context.Context, orderID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.payments[orderID]), nil
}

func (s *Store) SumPayments(_ context.Context, orderID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumPaymentsLocked(orderID), nil
}

func (s *Store) SumPaymentsByOrder(_ context.Context, orderIDs []string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]float64, len(orderIDs))
	for _, id := range orderIDs {
		sums[id] = s.sumPaymentsLocked(id)
	}
	return sums, nil
}

func (s *Store) EnsureInvoice(_ context.Context, orderID string, render store.RenderInvoiceFunc) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}

	if existing, ok := s.invoices[orderID]; ok {
		copied := existing
		return &copied, nil
	}

	number := fmt.Sprintf("F%06d", s.invoiceSeq+1)
	contentType, document, err := render(*copyOrder(order), number)
	if err != nil {
		return nil, err
	}
	s.invoiceSeq++

	invoice := domain.Invoice{
		ID:          xid.New("inv"),
		OrderID:     orderID,
		Number:      number,
		Total:       order.Total,
		ContentType: contentType,
		Document:    document,
		CreatedAt:   time.Now().UTC(),
	}
	s.invoices[orderID] = invoice
	copied := invoice
	return &copied, nil
}

func (s *Store) GetInvoiceByOrder(_ context.Context, orderID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoices[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := invoice
	return &copied, nil
}

func (s *Store) CreateReceipt(_ context.Context, orderID string, paymentID string, render store.RenderReceiptFunc) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.getOrderLocked(orderID)
	if err != nil {
		return nil, err
	}
	payment, ok := s.paymentByID[paymentID]
	if !ok || payment.OrderID != orderID {
		return nil, store.ErrNotFound
	}

	number := fmt.Sprintf("R%06d", s.receiptSeq+1)
	contentType, document, err := render(*copyOrder(order), payment, number)
	if err != nil {
		return nil, err
	}
	s.receiptSeq++

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
	s.receipts = append(s.receipts, receipt)
	copied := receipt
	return &copied, nil
}

func (s *Store) GetLatestReceiptByOrder(_ context.Context, orderID string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].OrderID == orderID {
			copied := s.receipts[i]
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}
