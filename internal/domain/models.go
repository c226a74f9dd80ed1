package domain

import "time"

// PaymentEpsilon absorbs floating-point rounding when comparing a payment
// against the remaining due on an order.
const PaymentEpsilon = 0.0001

// LowStockThreshold is the stock level at or below which a low-stock
// notification is emitted after a stock mutation.
const LowStockThreshold = 5

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderValidated OrderStatus = "VALIDATED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderValidated, OrderConfirmed, OrderDelivered, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// Finalized reports whether the status belongs to the processing family that
// locks line edits and triggers the stock decrement workflow.
func (s OrderStatus) Finalized() bool {
	switch s {
	case OrderValidated, OrderConfirmed, OrderDelivered, OrderCompleted:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s.Finalized() || s == OrderCancelled
}

// orderTransitions is the exhaustive transition table for elevated roles.
// Moves within the finalized family only go forward; CANCELLED is reachable
// from everywhere but additionally requires a zero-payment order.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderValidated, OrderConfirmed, OrderDelivered, OrderCompleted, OrderCancelled},
	OrderValidated: {OrderConfirmed, OrderDelivered, OrderCompleted, OrderCancelled},
	OrderConfirmed: {OrderDelivered, OrderCompleted, OrderCancelled},
	OrderDelivered: {OrderCompleted, OrderCancelled},
	OrderCompleted: {OrderCancelled},
	OrderCancelled: {},
}

// employeeTransitions is the restricted-role whitelist: employees may only
// move an order out of PENDING.
var employeeTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderValidated, OrderConfirmed, OrderDelivered, OrderCompleted, OrderCancelled},
}

// TransitionAllowed consults the status-transition table for the given role.
// Unknown roles get no transitions.
func TransitionAllowed(role string, from OrderStatus, to OrderStatus) bool {
	var table map[OrderStatus][]OrderStatus
	switch role {
	case RoleAdmin, RoleManager:
		table = orderTransitions
	case RoleEmployee:
		table = employeeTransitions
	default:
		return false
	}
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type StockAdjustMode string

const (
	AdjustAdd      StockAdjustMode = "ADD"
	AdjustSubtract StockAdjustMode = "SUBTRACT"
	AdjustSet      StockAdjustMode = "SET"
)

func (m StockAdjustMode) Valid() bool {
	switch m {
	case AdjustAdd, AdjustSubtract, AdjustSet:
		return true
	}
	return false
}

type MovementDirection string

const (
	MovementIn  MovementDirection = "IN"
	MovementOut MovementDirection = "OUT"
)

type MovementSource string

const (
	MovementManual MovementSource = "MANUAL"
	MovementSale   MovementSource = "SALE"
)

type PaymentMode string

const (
	PayCash        PaymentMode = "cash"
	PayMobileMoney PaymentMode = "mobile_money"
	PayCard        PaymentMode = "card"
	PayCheck       PaymentMode = "check"
	PayTransfer    PaymentMode = "transfer"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case PayCash, PayMobileMoney, PayCard, PayCheck, PayTransfer:
		return true
	}
	return false
}

type SettlementStatus string

const (
	SettlementUnpaid  SettlementStatus = "UNPAID"
	SettlementPartial SettlementStatus = "PARTIAL"
	SettlementPaid    SettlementStatus = "PAID"
)

type Product struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	UnitPrice float64    `json:"unit_price"`
	Stock     int        `json:"stock"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type CatalogService struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Active    bool    `json:"active"`
}

type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type LineKind string

const (
	LineProduct LineKind = "product"
	LineService LineKind = "service"
)

// OrderLine is one product or service entry on an order. UnitPrice is a
// snapshot of the catalog price at reconciliation time.
type OrderLine struct {
	ID        string  `json:"id"`
	OrderID   string  `json:"order_id"`
	Kind      LineKind `json:"kind"`
	ItemID    string  `json:"item_id"`
	Label     string  `json:"label"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	LineTotal float64 `json:"line_total"`
}

type Order struct {
	ID             string      `json:"id"`
	Number         string      `json:"number"`
	ClientID       string      `json:"client_id,omitempty"`
	CreatedBy      string      `json:"created_by"`
	Status         OrderStatus `json:"status"`
	Total          float64     `json:"total"`
	StockAppliedAt *time.Time  `json:"stock_applied_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
	ProductLines   []OrderLine `json:"product_lines"`
	ServiceLines   []OrderLine `json:"service_lines"`
}

// StockApplied reports whether the order's product stock has already been
// decremented once during its lifecycle.
func (o Order) StockApplied() bool {
	return o.StockAppliedAt != nil
}

type Payment struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"order_id"`
	Amount     float64     `json:"amount"`
	Mode       PaymentMode `json:"mode"`
	RecordedBy string      `json:"recorded_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PaymentSummary is the derived settlement projection of an order. It is
// computed from the payment ledger, never stored as authoritative state.
type PaymentSummary struct {
	PaidTotal float64          `json:"paid_total"`
	Remaining float64          `json:"remaining"`
	Status    SettlementStatus `json:"settlement_status"`
}

// SummarizePayments derives the settlement projection for an order total.
func SummarizePayments(total float64, paid float64) PaymentSummary {
	remaining := total - paid
	if remaining < 0 {
		remaining = 0
	}
	status := SettlementUnpaid
	switch {
	case paid >= total-PaymentEpsilon && total > 0:
		status = SettlementPaid
	case paid > 0:
		status = SettlementPartial
	}
	return PaymentSummary{PaidTotal: paid, Remaining: remaining, Status: status}
}

type InventoryMovement struct {
	ID        string            `json:"id"`
	ProductID string            `json:"product_id"`
	Quantity  int               `json:"quantity"`
	Direction MovementDirection `json:"direction"`
	Source    MovementSource    `json:"source"`
	Username  string            `json:"username"`
	Note      string            `json:"note,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Invoice struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Number      string    `json:"number"`
	Total       float64   `json:"total"`
	ContentType string    `json:"-"`
	Document    []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type Receipt struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	PaymentID   string      `json:"payment_id"`
	Number      string      `json:"number"`
	Amount      float64     `json:"amount"`
	Mode        PaymentMode `json:"mode"`
	ContentType string      `json:"-"`
	Document    []byte      `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
}

const (
	TaskStatusPending = "pending"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

const (
	TaskEnsureInvoice = "invoice.ensure"
	TaskCreateReceipt = "receipt.create"
	TaskNotify        = "notify"
)

// OutboxTask is a durable post-commit job. Tasks are enqueued inside the
// transaction that produced them and processed asynchronously.
type OutboxTask struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	RunAfter    time.Time  `json:"run_after"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NotifyTaskPayload is the outbox payload for the notify task kind.
type NotifyTaskPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DocumentTaskPayload is the outbox payload for invoice and receipt tasks.
type DocumentTaskPayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
}

type LineInput struct {
	LineID   string `json:"line_id,omitempty"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type OrderCreateRequest struct {
	ClientID string      `json:"client_id,omitempty"`
	Products []LineInput `json:"products"`
	Services []LineInput `json:"services"`
}

type OrderUpdateRequest struct {
	ClientID *string      `json:"client_id,omitempty"`
	Status   *string      `json:"status,omitempty"`
	Products *[]LineInput `json:"products,omitempty"`
	Services *[]LineInput `json:"services,omitempty"`
}

type PaymentRequest struct {
	Amount float64 `json:"amount"`
	Mode   string  `json:"mode"`
}

type PaymentResult struct {
	Payment Payment        `json:"payment"`
	Summary PaymentSummary `json:"summary"`
}

type StockAdjustRequest struct {
	Quantity int    `json:"quantity"`
	Mode     string `json:"mode"`
}

// OrderView is an order enriched with its payment summary for listings.
type OrderView struct {
	Order
	Summary PaymentSummary `json:"summary"`
}

type OrderFilter struct {
	Status   OrderStatus
	ClientID string
	Limit    int
}

type MovementFilter struct {
	ProductID string
	Direction MovementDirection
	Limit     int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
