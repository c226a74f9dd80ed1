package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

// Store is an in-memory repository used for dev mode and tests. A single
// mutex stands in for the row locks of the postgres implementation, which
// gives the same serialization guarantees for order and stock mutations.
type Store struct {
	mu            sync.RWMutex
	products      map[string]domain.Product
	services      map[string]domain.CatalogService
	clients       map[string]domain.Client
	orders        map[string]*domain.Order
	payments      map[string][]domain.Payment
	paymentByID   map[string]domain.Payment
	movements     []domain.InventoryMovement
	invoices      map[string]domain.Invoice
	receipts      []domain.Receipt
	notifications []domain.Notification
	tasks         map[string]*domain.OutboxTask
	users         map[string]domain.UserAccount

	orderSeq   int64
	invoiceSeq int64
	receiptSeq int64
}

func New() *Store {
	return &Store{
		products:    make(map[string]domain.Product),
		services:    make(map[string]domain.CatalogService),
		clients:     make(map[string]domain.Client),
		orders:      make(map[string]*domain.Order),
		payments:    make(map[string][]domain.Payment),
		paymentByID: make(map[string]domain.Payment),
		invoices:    make(map[string]domain.Invoice),
		tasks:       make(map[string]*domain.OutboxTask),
		users:       make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD; hardcoded dev
// defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "employee123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_EMPLOYEE_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", adminPwd, domain.RoleManager},
		{"employee", employeePwd, domain.RoleEmployee},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, p := range []domain.Product{
		{ID: "prd-laptop-01", Name: "Laptop 15\" Pro", UnitPrice: 850, Stock: 25, Active: true, CreatedAt: now},
		{ID: "prd-printer-01", Name: "Laser Printer", UnitPrice: 240, Stock: 14, Active: true, CreatedAt: now},
		{ID: "prd-router-01", Name: "WiFi Router AX", UnitPrice: 95, Stock: 40, Active: true, CreatedAt: now},
		{ID: "prd-ssd-01", Name: "SSD 1TB", UnitPrice: 110, Stock: 60, Active: true, CreatedAt: now},
		{ID: "prd-screen-01", Name: "Monitor 27\"", UnitPrice: 210, Stock: 18, Active: true, CreatedAt: now},
		{ID: "prd-ups-01", Name: "UPS 1200VA", UnitPrice: 160, Stock: 9, Active: true, CreatedAt: now},
	} {
		s.products[p.ID] = p
	}

	for _, svc := range []domain.CatalogService{
		{ID: "svc-install-01", Name: "Workstation installation", UnitPrice: 50, Active: true},
		{ID: "svc-network-01", Name: "Network setup", UnitPrice: 120, Active: true},
		{ID: "svc-maint-01", Name: "Annual maintenance", UnitPrice: 300, Active: true},
	} {
		s.services[svc.ID] = svc
	}

	for _, c := range []domain.Client{
		{ID: "cli-0001", Name: "Sarl Horizon", Phone: "+221770000001", Email: "contact@horizon.example"},
		{ID: "cli-0002", Name: "Cabinet Diallo", Phone: "+221770000002"},
	} {
		s.clients[c.ID] = c
	}

	s.users = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active || p.DeletedAt != nil {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProductLocked(productID)
}

func (s *Store) getProductLocked(productID string) (*domain.Product, error) {
	p, ok := s.products[productID]
	if !ok || p.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (s *Store) GetService(_ context.Context, serviceID string) (*domain.CatalogService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[serviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := svc
	return &copied, nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := c
	return &copied, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, quantity int, mode domain.StockAdjustMode) (*domain.Product, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown adjust mode %q", store.ErrInvalidInput, mode)
	}
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must not be negative", store.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok || p.DeletedAt != nil {
		return nil, store.ErrNotFound
	}

	switch mode {
	case domain.AdjustAdd:
		p.Stock += quantity
	case domain.AdjustSubtract:
		if p.Stock-quantity < 0 {
			return nil, store.ErrInsufficientStock
		}
		p.Stock -= quantity
	case domain.AdjustSet:
		p.Stock = quantity
	}

	s.products[productID] = p
	copied := p
	return &copied, nil
}

func (s *Store) RecordMovement(_ context.Context, movement domain.InventoryMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, movement)
	return nil
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.InventoryMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		m := s.movements[i]
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.Direction != "" && m.Direction != filter.Direction {
			continue
		}
		movements = append(movements, m)
	}
	return movements, nil
}

func (s *Store) CreateNotification(_ context.Context, notification domain.Notification) error {
	if notification.ID == "" {
		notification.ID = xid.New("ntf")
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification)
	return nil
}

func (s *Store) ListNotifications(_ context.Context, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	notifications := make([]domain.Notification, 0, limit)
	for i := len(s.notifications) - 1; i >= 0 && len(notifications) < limit; i-- {
		notifications = append(notifications, s.notifications[i])
	}
	return notifications, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidInput
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func (s *Store) enqueueTaskLocked(kind string, payload string) {
	now := time.Now().UTC()
	task := &domain.OutboxTask{
		ID:        xid.New("task"),
		Kind:      kind,
		Payload:   payload,
		Status:    domain.TaskStatusPending,
		RunAfter:  now,
		CreatedAt: now,
	}
	s.tasks[task.ID] = task
}

func (s *Store) ClaimDueTasks(_ context.Context, limit int) ([]domain.OutboxTask, error) {
	if limit < 1 {
		limit = 10
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.OutboxTask, 0, limit)
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusPending && !task.RunAfter.After(now) {
			due = append(due, task)
		}
	}
	slices.SortFunc(due, func(a, b *domain.OutboxTask) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.OutboxTask, 0, len(due))
	for _, task := range due {
		task.Attempts++
		task.RunAfter = now.Add(60 * time.Second)
		claimed = append(claimed, *task)
	}
	return claimed, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	task.Status = domain.TaskStatusDone
	task.ProcessedAt = &now
	task.LastError = ""
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID string, reason string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	task.LastError = reason
	if retryAt == nil {
		now := time.Now().UTC()
		task.Status = domain.TaskStatusFailed
		task.ProcessedAt = &now
		return nil
	}
	task.Status = domain.TaskStatusPending
	task.RunAfter = retryAt.UTC()
	return nil
}
