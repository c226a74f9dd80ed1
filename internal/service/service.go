// Package service holds the application workflows on top of the repository:
// role checks, input validation, and the orchestration of order, payment,
// inventory, and document operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realtech/backend/internal/cache"
	"realtech/backend/internal/docgen"
	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
)

// Sentinel errors for access failures; httpapi maps them to 401/403.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	renderer   docgen.Renderer
	summaries  cache.PaymentSummaryCache
	summaryTTL time.Duration
}

func New(repo store.Repository, renderer docgen.Renderer, summaries cache.PaymentSummaryCache, summaryTTL time.Duration) *Service {
	if renderer == nil {
		renderer = docgen.NewHTMLRenderer("")
	}
	if summaries == nil {
		summaries = cache.NoopPaymentSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = 5 * time.Minute
	}

	return &Service{
		repo:       repo,
		renderer:   renderer,
		summaries:  summaries,
		summaryTTL: summaryTTL,
	}
}

// requireActor returns the authenticated actor or an error when the context
// carries none.
func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// requireElevated restricts an operation to admin and manager roles.
func requireElevated(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin && actor.Role != domain.RoleManager {
		return domain.Actor{}, fmt.Errorf("%w: admin or manager role required", ErrForbidden)
	}
	return actor, nil
}

// requireOrderEditor gates post-creation order mutations: elevated roles may
// edit any order, employees only orders they created.
func requireOrderEditor(actor domain.Actor, order *domain.Order) error {
	if actor.Role == domain.RoleAdmin || actor.Role == domain.RoleManager {
		return nil
	}
	if order.CreatedBy != actor.Username {
		return fmt.Errorf("%w: only the order creator or an elevated role may edit it", ErrForbidden)
	}
	return nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if productID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetProduct(ctx, productID)
}

func (s *Service) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListNotifications(ctx, limit)
}
