package store

import (
	"context"
	"errors"
	"time"

	"realtech/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderImmutable    = errors.New("order immutable")
	ErrOrderSettled      = errors.New("order already settled")
	ErrCannotCancel      = errors.New("cannot cancel order with payments")
)

// RenderInvoiceFunc produces the invoice document for an order. It is called
// by the repository while holding the invoice lock, so exactly one render
// happens per order even under concurrent ensure calls.
type RenderInvoiceFunc func(order domain.Order, number string) (contentType string, document []byte, err error)

// RenderReceiptFunc produces the receipt document for a single payment.
type RenderReceiptFunc func(order domain.Order, payment domain.Payment, number string) (contentType string, document []byte, err error)

type Repository interface {
	// Catalog reads used by order flows.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetService(ctx context.Context, serviceID string) (*domain.CatalogService, error)
	GetClient(ctx context.Context, clientID string) (*domain.Client, error)

	// Stock ledger and movement log.
	AdjustStock(ctx context.Context, productID string, quantity int, mode domain.StockAdjustMode) (*domain.Product, error)
	RecordMovement(ctx context.Context, movement domain.InventoryMovement) error
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error)

	// Orders.
	CreateOrder(ctx context.Context, req domain.OrderCreateRequest, createdBy string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	ListDeletedOrders(ctx context.Context, limit int) ([]domain.Order, error)
	UpdateOrderClient(ctx context.Context, orderID string, clientID string) (*domain.Order, error)
	ReconcileOrderLines(ctx context.Context, orderID string, products *[]domain.LineInput, services *[]domain.LineInput) (*domain.Order, error)
	TransitionOrder(ctx context.Context, orderID string, to domain.OrderStatus, actor domain.Actor) (*domain.Order, error)
	SoftDeleteOrder(ctx context.Context, orderID string) error

	// Payment ledger.
	RecordPayment(ctx context.Context, orderID string, amount float64, mode domain.PaymentMode, recordedBy string) (*domain.PaymentResult, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, orderID string) ([]domain.Payment, error)
	SumPayments(ctx context.Context, orderID string) (float64, error)
	SumPaymentsByOrder(ctx context.Context, orderIDs []string) (map[string]float64, error)

	// Documents.
	EnsureInvoice(ctx context.Context, orderID string, render RenderInvoiceFunc) (*domain.Invoice, error)
	GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error)
	CreateReceipt(ctx context.Context, orderID string, paymentID string, render RenderReceiptFunc) (*domain.Receipt, error)
	GetLatestReceiptByOrder(ctx context.Context, orderID string) (*domain.Receipt, error)

	// Notifications (best-effort consumers swallow errors).
	CreateNotification(ctx context.Context, notification domain.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error)

	// Outbox. Tasks are enqueued by the transactional operations above;
	// the worker claims, completes, or retries them.
	ClaimDueTasks(ctx context.Context, limit int) ([]domain.OutboxTask, error)
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID string, reason string, retryAt *time.Time) error

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
