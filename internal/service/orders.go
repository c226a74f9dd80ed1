package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
)

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (*domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Products)+len(req.Services) == 0 {
		return nil, fmt.Errorf("%w: order requires at least one line", store.ErrInvalidInput)
	}
	for _, input := range append(append([]domain.LineInput{}, req.Products...), req.Services...) {
		if strings.TrimSpace(input.ItemID) == "" {
			return nil, fmt.Errorf("%w: item id is required", store.ErrInvalidInput)
		}
		if input.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
		}
	}

	return s.repo.CreateOrder(ctx, req, actor.Username)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.OrderView, error) {
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	summary, err := s.summaryFor(ctx, order.ID, order.Total)
	if err != nil {
		return nil, err
	}
	return &domain.OrderView{Order: *order, Summary: summary}, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.OrderView, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %s", store.ErrInvalidInput, filter.Status)
	}
	if filter.Limit < 1 {
		filter.Limit = 50
	}

	orders, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	paidByOrder, err := s.repo.SumPaymentsByOrder(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]domain.OrderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, domain.OrderView{
			Order:   order,
			Summary: domain.SummarizePayments(order.Total, paidByOrder[order.ID]),
		})
	}
	return views, nil
}

func (s *Service) ListDeletedOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if _, err := requireElevated(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListDeletedOrders(ctx, limit)
}

// UpdateOrder applies a partial update. Client and line changes land before a
// requested status transition so a single request can finalize its own edits.
// The status leg is validated against the current order before any edit is
// committed: a request that would fail its transition must not leave client
// or line changes behind.
func (s *Service) UpdateOrder(ctx context.Context, orderID string, req domain.OrderUpdateRequest) (*domain.OrderView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, store.ErrInvalidInput
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var to domain.OrderStatus
	if req.Status != nil {
		to = domain.OrderStatus(strings.ToUpper(strings.TrimSpace(*req.Status)))
		if !to.Valid() {
			return nil, fmt.Errorf("%w: unknown status %s", store.ErrInvalidInput, *req.Status)
		}
		if !domain.TransitionAllowed(actor.Role, order.Status, to) {
			if order.Status.Terminal() {
				return nil, store.ErrOrderImmutable
			}
			return nil, fmt.Errorf("%w: transition %s -> %s not allowed", store.ErrInvalidInput, order.Status, to)
		}
		if to == domain.OrderCancelled {
			paid, err := s.repo.SumPayments(ctx, orderID)
			if err != nil {
				return nil, err
			}
			if paid > 0 {
				return nil, store.ErrCannotCancel
			}
		}
	}

	if req.ClientID != nil || req.Products != nil || req.Services != nil {
		if err := requireOrderEditor(actor, order); err != nil {
			return nil, err
		}
	}

	if req.ClientID != nil {
		if _, err := s.repo.UpdateOrderClient(ctx, orderID, *req.ClientID); err != nil {
			return nil, err
		}
	}

	if req.Products != nil || req.Services != nil {
		if _, err := s.repo.ReconcileOrderLines(ctx, orderID, req.Products, req.Services); err != nil {
			return nil, err
		}
	}

	if req.Status != nil {
		if _, err := s.repo.TransitionOrder(ctx, orderID, to, actor); err != nil {
			return nil, err
		}
	}

	s.invalidateSummary(ctx, orderID)
	return s.GetOrder(ctx, orderID)
}

func (s *Service) DeleteOrder(ctx context.Context, orderID string) error {
	if _, err := requireElevated(ctx); err != nil {
		return err
	}
	if orderID == "" {
		return store.ErrInvalidInput
	}
	return s.repo.SoftDeleteOrder(ctx, orderID)
}

// AddOrderLine appends one line by rebuilding the full line list for the
// affected kind and reconciling it.
func (s *Service) AddOrderLine(ctx context.Context, orderID string, kind domain.LineKind, input domain.LineInput) (*domain.OrderView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.ItemID) == "" || input.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	input.LineID = ""

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireOrderEditor(actor, order); err != nil {
		return nil, err
	}

	products, services := lineInputs(order)
	switch kind {
	case domain.LineProduct:
		products = append(products, input)
	case domain.LineService:
		services = append(services, input)
	default:
		return nil, fmt.Errorf("%w: unknown line kind %s", store.ErrInvalidInput, kind)
	}

	if _, err := s.repo.ReconcileOrderLines(ctx, orderID, &products, &services); err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx, orderID)
	return s.GetOrder(ctx, orderID)
}

func (s *Service) UpdateOrderLine(ctx context.Context, orderID string, lineID string, quantity int) (*domain.OrderView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if lineID == "" || quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireOrderEditor(actor, order); err != nil {
		return nil, err
	}

	products, services := lineInputs(order)
	found := false
	for _, inputs := range []*[]domain.LineInput{&products, &services} {
		for i := range *inputs {
			if (*inputs)[i].LineID == lineID {
				(*inputs)[i].Quantity = quantity
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: line %s not found on order", store.ErrInvalidInput, lineID)
	}

	if _, err := s.repo.ReconcileOrderLines(ctx, orderID, &products, &services); err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx, orderID)
	return s.GetOrder(ctx, orderID)
}

func (s *Service) RemoveOrderLine(ctx context.Context, orderID string, lineID string) (*domain.OrderView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if lineID == "" {
		return nil, store.ErrInvalidInput
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireOrderEditor(actor, order); err != nil {
		return nil, err
	}
	if len(order.ProductLines)+len(order.ServiceLines) <= 1 {
		return nil, fmt.Errorf("%w: order requires at least one line", store.ErrInvalidInput)
	}

	products, services := lineInputs(order)
	removed := false
	filtered := func(inputs []domain.LineInput) []domain.LineInput {
		out := inputs[:0]
		for _, input := range inputs {
			if input.LineID == lineID {
				removed = true
				continue
			}
			out = append(out, input)
		}
		return out
	}
	products = filtered(products)
	services = filtered(services)
	if !removed {
		return nil, fmt.Errorf("%w: line %s not found on order", store.ErrInvalidInput, lineID)
	}

	if _, err := s.repo.ReconcileOrderLines(ctx, orderID, &products, &services); err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx, orderID)
	return s.GetOrder(ctx, orderID)
}

// lineInputs projects the order's current lines back into reconcile inputs.
func lineInputs(order *domain.Order) ([]domain.LineInput, []domain.LineInput) {
	products := make([]domain.LineInput, 0, len(order.ProductLines))
	for _, line := range order.ProductLines {
		products = append(products, domain.LineInput{LineID: line.ID, ItemID: line.ItemID, Quantity: line.Quantity})
	}
	services := make([]domain.LineInput, 0, len(order.ServiceLines))
	for _, line := range order.ServiceLines {
		services = append(services, domain.LineInput{LineID: line.ID, ItemID: line.ItemID, Quantity: line.Quantity})
	}
	return products, services
}

func (s *Service) invalidateSummary(ctx context.Context, orderID string) {
	if err := s.summaries.Invalidate(ctx, orderID); err != nil {
		log.Printf("[service] WARN: failed to invalidate payment summary order=%s: %v", orderID, err)
	}
}
