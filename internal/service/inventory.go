package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

// AdjustStock applies a manual stock correction and records the matching
// inventory movement. The movement and the low-stock notification are
// best-effort; the stock mutation itself is authoritative.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustRequest) (*domain.Product, error) {
	actor, err := requireElevated(ctx)
	if err != nil {
		return nil, err
	}
	if productID == "" {
		return nil, store.ErrInvalidInput
	}

	mode := domain.StockAdjustMode(strings.ToUpper(strings.TrimSpace(req.Mode)))
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown adjust mode %s", store.ErrInvalidInput, req.Mode)
	}
	switch mode {
	case domain.AdjustSet:
		if req.Quantity < 0 {
			return nil, fmt.Errorf("%w: quantity must not be negative", store.ErrInvalidInput)
		}
	default:
		if req.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
		}
	}

	before, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.AdjustStock(ctx, productID, req.Quantity, mode)
	if err != nil {
		return nil, err
	}

	if delta := updated.Stock - before.Stock; delta != 0 {
		direction := domain.MovementIn
		if delta < 0 {
			direction = domain.MovementOut
			delta = -delta
		}
		movement := domain.InventoryMovement{
			ID:        xid.New("mov"),
			ProductID: productID,
			Quantity:  delta,
			Direction: direction,
			Source:    domain.MovementManual,
			Username:  actor.Username,
			Note:      fmt.Sprintf("manual %s", strings.ToLower(string(mode))),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.RecordMovement(ctx, movement); err != nil {
			log.Printf("[service] WARN: failed to record movement product=%s: %v", productID, err)
		}
	}

	if updated.Stock <= domain.LowStockThreshold {
		notification := domain.Notification{
			ID:        xid.New("ntf"),
			Type:      "low_stock",
			Message:   fmt.Sprintf("product %s stock is low (%d left)", updated.Name, updated.Stock),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.CreateNotification(ctx, notification); err != nil {
			log.Printf("[service] WARN: failed to create low stock notification product=%s: %v", productID, err)
		}
	}

	return updated, nil
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error) {
	if _, err := requireElevated(ctx); err != nil {
		return nil, err
	}
	if filter.Direction != "" && filter.Direction != domain.MovementIn && filter.Direction != domain.MovementOut {
		return nil, fmt.Errorf("%w: unknown direction %s", store.ErrInvalidInput, filter.Direction)
	}
	if filter.Limit < 1 {
		filter.Limit = 100
	}
	return s.repo.ListMovements(ctx, filter)
}
