package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// schema is declared in full here; nothing probes information_schema at
// runtime. Statements are idempotent so startup can always run them.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	unit_price DOUBLE PRECISION NOT NULL,
	stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	unit_price DOUBLE PRECISION NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT,
	email TEXT
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	number TEXT NOT NULL UNIQUE,
	client_id TEXT,
	created_by TEXT NOT NULL,
	status TEXT NOT NULL,
	total DOUBLE PRECISION NOT NULL DEFAULT 0,
	stock_applied_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS order_lines (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	label TEXT NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_price DOUBLE PRECISION NOT NULL,
	line_total DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_lines_order ON order_lines (order_id);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	amount DOUBLE PRECISION NOT NULL CHECK (amount > 0),
	mode TEXT NOT NULL,
	recorded_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id);

CREATE TABLE IF NOT EXISTS inventory_movements (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	direction TEXT NOT NULL,
	source TEXT NOT NULL,
	username TEXT NOT NULL,
	note TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_movements_product ON inventory_movements (product_id, created_at DESC);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
	seq BIGINT NOT NULL,
	number TEXT NOT NULL UNIQUE,
	total DOUBLE PRECISION NOT NULL,
	content_type TEXT NOT NULL,
	document BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS receipts (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	payment_id TEXT NOT NULL REFERENCES payments(id),
	seq BIGINT NOT NULL,
	number TEXT NOT NULL UNIQUE,
	amount DOUBLE PRECISION NOT NULL,
	mode TEXT NOT NULL,
	content_type TEXT NOT NULL,
	document BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_receipts_order ON receipts (order_id, created_at DESC);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outbox_tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	run_after TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_tasks (status, run_after);

CREATE TABLE IF NOT EXISTS app_users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price, stock, active, created_at
		FROM products
		WHERE active = true AND deleted_at IS NULL
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit_price, stock, active, created_at
		FROM products
		WHERE id = $1 AND deleted_at IS NULL
	`, productID).Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (*domain.CatalogService, error) {
	var svc domain.CatalogService
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit_price, active
		FROM services
		WHERE id = $1
	`, serviceID).Scan(&svc.ID, &svc.Name, &svc.UnitPrice, &svc.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &svc, nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	var c domain.Client
	var phone, email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email
		FROM clients
		WHERE id = $1
	`, clientID).Scan(&c.ID, &c.Name, &phone, &email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Phone = phone.String
	c.Email = email.String
	return &c, nil
}

// AdjustStock applies a single manual stock mutation under the product's row
// lock. SUBTRACT below zero and negative SET targets are rejected before any
// write happens.
func (s *Store) AdjustStock(ctx context.Context, productID string, quantity int, mode domain.StockAdjustMode) (*domain.Product, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown adjust mode %q", store.ErrInvalidInput, mode)
	}
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must not be negative", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var p domain.Product
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, unit_price, stock, active, created_at
		FROM products
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, productID).Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	next, err := nextStock(p.Stock, quantity, mode)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = $2 WHERE id = $1
	`, productID, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	p.Stock = next
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func nextStock(current int, quantity int, mode domain.StockAdjustMode) (int, error) {
	switch mode {
	case domain.AdjustAdd:
		return current + quantity, nil
	case domain.AdjustSubtract:
		if current-quantity < 0 {
			return 0, store.ErrInsufficientStock
		}
		return current - quantity, nil
	case domain.AdjustSet:
		return quantity, nil
	}
	return 0, fmt.Errorf("%w: unknown adjust mode %q", store.ErrInvalidInput, mode)
}

func (s *Store) RecordMovement(ctx context.Context, movement domain.InventoryMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_movements (id, product_id, quantity, direction, source, username, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ProductID, movement.Quantity, string(movement.Direction),
		string(movement.Source), movement.Username, nullIfEmpty(movement.Note), movement.CreatedAt)
	return err
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, direction, source, username, COALESCE(note, ''), created_at
		FROM inventory_movements
		WHERE ($1 = '' OR product_id = $1)
		  AND ($2 = '' OR direction = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.ProductID, string(filter.Direction), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.InventoryMovement, 0, limit)
	for rows.Next() {
		var m domain.InventoryMovement
		var direction, source string
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Quantity, &direction, &source, &m.Username, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = domain.MovementDirection(direction)
		m.Source = domain.MovementSource(source)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateNotification(ctx context.Context, notification domain.Notification) error {
	if notification.ID == "" {
		notification.ID = xid.New("ntf")
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, message, created_at)
		VALUES ($1,$2,$3,$4)
	`, notification.ID, notification.Type, notification.Message, notification.CreatedAt)
	return err
}

func (s *Store) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, message, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = $2, updated_at = now() WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
