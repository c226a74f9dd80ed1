package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

// querier is satisfied by both *sql.DB and *sql.Tx so order loading helpers
// can run inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const orderColumns = `id, seq, number, COALESCE(client_id, ''), created_by, status, total, stock_applied_at, created_at, updated_at, deleted_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	var seq int64
	var stockAppliedAt, deletedAt sql.NullTime
	err := row.Scan(&o.ID, &seq, &o.Number, &o.ClientID, &o.CreatedBy, &o.Status, &o.Total,
		&stockAppliedAt, &o.CreatedAt, &o.UpdatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if stockAppliedAt.Valid {
		t := stockAppliedAt.Time.UTC()
		o.StockAppliedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		o.DeletedAt = &t
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func loadOrder(ctx context.Context, q querier, orderID string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanOrder(q.QueryRowContext(ctx, query, orderID))
}

func loadLines(ctx context.Context, q querier, orderID string) (products []domain.OrderLine, services []domain.OrderLine, err error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, kind, item_id, label, quantity, unit_price, line_total
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		var kind string
		if err := rows.Scan(&line.ID, &line.OrderID, &kind, &line.ItemID, &line.Label, &line.Quantity, &line.UnitPrice, &line.LineTotal); err != nil {
			return nil, nil, err
		}
		line.Kind = domain.LineKind(kind)
		if line.Kind == domain.LineProduct {
			products = append(products, line)
		} else {
			services = append(services, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return products, services, nil
}

func (s *Store) CreateOrder(ctx context.Context, req domain.OrderCreateRequest, createdBy string) (*domain.Order, error) {
	if len(req.Products) == 0 && len(req.Services) == 0 {
		return nil, fmt.Errorf("%w: order requires at least one line", store.ErrInvalidInput)
	}

	var created *domain.Order
	var err error
	// Sequential numbers come from max(seq)+1 inside the transaction; a
	// concurrent create can collide on the unique number, so retry a few times.
	for attempt := 0; attempt < 3; attempt++ {
		created, err = s.createOrderOnce(ctx, req, createdBy)
		if err == nil || !isUniqueViolation(err) {
			return created, err
		}
	}
	return nil, err
}

func (s *Store) createOrderOnce(ctx context.Context, req domain.OrderCreateRequest, createdBy string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	if req.ClientID != "" {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, req.ClientID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: client %s not found", store.ErrInvalidInput, req.ClientID)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM orders`).Scan(&seq); err != nil {
		return nil, err
	}

	order := domain.Order{
		ID:        xid.New("ord"),
		Number:    fmt.Sprintf("C%06d", seq),
		ClientID:  req.ClientID,
		CreatedBy: createdBy,
		Status:    domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, seq, number, client_id, created_by, status, total, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$7)
	`, order.ID, seq, order.Number, nullIfEmpty(order.ClientID), order.CreatedBy, string(order.Status), now)
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, input := range mergeLineInputs(req.Products) {
		product, err := lockFreeProduct(ctx, tx, input.ItemID)
		if err != nil {
			return nil, err
		}
		// Stock is checked at creation, not reserved.
		if product.Stock < input.Quantity {
			return nil, store.ErrInsufficientStock
		}
		line, err := insertLine(ctx, tx, order.ID, domain.LineProduct, input.ItemID, product.Name, input.Quantity, product.UnitPrice)
		if err != nil {
			return nil, err
		}
		order.ProductLines = append(order.ProductLines, line)
		total += line.LineTotal
	}
	for _, input := range mergeLineInputs(req.Services) {
		svc, err := activeService(ctx, tx, input.ItemID)
		if err != nil {
			return nil, err
		}
		line, err := insertLine(ctx, tx, order.ID, domain.LineService, input.ItemID, svc.Name, input.Quantity, svc.UnitPrice)
		if err != nil {
			return nil, err
		}
		order.ServiceLines = append(order.ServiceLines, line)
		total += line.LineTotal
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET total = $2 WHERE id = $1`, order.ID, total); err != nil {
		return nil, err
	}
	order.Total = total

	if err := enqueueTask(ctx, tx, domain.TaskNotify, domain.NotifyTaskPayload{
		Type:    "new_order",
		Message: fmt.Sprintf("order %s created by %s, total %.2f", order.Number, createdBy, total),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

// mergeLineInputs collapses duplicate item references so an order never
// carries two live lines for the same catalog item.
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

func lockFreeProduct(ctx context.Context, q querier, productID string) (*domain.Product, error) {
	var p domain.Product
	err := q.QueryRowContext(ctx, `
		SELECT id, name, unit_price, stock, active
		FROM products
		WHERE id = $1 AND deleted_at IS NULL
	`, productID).Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s not found", store.ErrInvalidInput, productID)
		}
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidInput, productID)
	}
	return &p, nil
}

func activeService(ctx context.Context, q querier, serviceID string) (*domain.CatalogService, error) {
	var svc domain.CatalogService
	err := q.QueryRowContext(ctx, `
		SELECT id, name, unit_price, active FROM services WHERE id = $1
	`, serviceID).Scan(&svc.ID, &svc.Name, &svc.UnitPrice, &svc.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %s not found", store.ErrInvalidInput, serviceID)
		}
		return nil, err
	}
	if !svc.Active {
		return nil, fmt.Errorf("%w: service %s is inactive", store.ErrInvalidInput, serviceID)
	}
	return &svc, nil
}

func insertLine(ctx context.Context, q querier, orderID string, kind domain.LineKind, itemID string, label string, quantity int, unitPrice float64) (domain.OrderLine, error) {
	if quantity < 1 {
		return domain.OrderLine{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
	}
	line := domain.OrderLine{
		ID:        xid.New("lin"),
		OrderID:   orderID,
		Kind:      kind,
		ItemID:    itemID,
		Label:     label,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		LineTotal: unitPrice * float64(quantity),
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_lines (id, order_id, kind, item_id, label, quantity, unit_price, line_total)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, line.ID, line.OrderID, string(line.Kind), line.ItemID, line.Label, line.Quantity, line.UnitPrice, line.LineTotal)
	if err != nil {
		return domain.OrderLine{}, err
	}
	return line, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := loadOrder(ctx, s.db, orderID, false)
	if err != nil {
		return nil, err
	}
	order.ProductLines, order.ServiceLines, err = loadLines(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE deleted_at IS NULL
		  AND ($1 = '' OR status = $1)
		  AND ($2 = '' OR client_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, string(filter.Status), filter.ClientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		orders[i].ProductLines, orders[i].ServiceLines, err = loadLines(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *Store) ListDeletedOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE deleted_at IS NOT NULL
		ORDER BY deleted_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) UpdateOrderClient(ctx context.Context, orderID string, clientID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if err := ensureMutable(ctx, tx, order); err != nil {
		return nil, err
	}

	if clientID != "" {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, clientID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: client %s not found", store.ErrInvalidInput, clientID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET client_id = $2, updated_at = now() WHERE id = $1
	`, orderID, nullIfEmpty(clientID)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// ensureMutable rejects line and field edits once the order has any payment
// or sits in a terminal status.
func ensureMutable(ctx context.Context, q querier, order *domain.Order) error {
	if order.Status.Terminal() {
		return store.ErrOrderImmutable
	}
	paid, err := sumPaymentsQ(ctx, q, order.ID)
	if err != nil {
		return err
	}
	if paid > 0 {
		return store.ErrOrderImmutable
	}
	return nil
}

func (s *Store) ReconcileOrderLines(ctx context.Context, orderID string, products *[]domain.LineInput, services *[]domain.LineInput) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if err := ensureMutable(ctx, tx, order); err != nil {
		return nil, err
	}

	existingProducts, existingServices, err := loadLines(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if products != nil {
		if err := reconcileKind(ctx, tx, order.ID, domain.LineProduct, existingProducts, mergeLineInputs(*products)); err != nil {
			return nil, err
		}
	}
	if services != nil {
		if err := reconcileKind(ctx, tx, order.ID, domain.LineService, existingServices, mergeLineInputs(*services)); err != nil {
			return nil, err
		}
	}

	var total float64
	var remaining int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(line_total), 0), COUNT(*) FROM order_lines WHERE order_id = $1
	`, orderID).Scan(&total, &remaining)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		return nil, fmt.Errorf("%w: order requires at least one line", store.ErrInvalidInput)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET total = $2, updated_at = now() WHERE id = $1
	`, orderID, total); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// reconcileKind applies the bulk line protocol for one line kind: match by
// line id first, then by item id, otherwise insert; anything unmatched is
// deleted. Prices are always re-read from the catalog.
func reconcileKind(ctx context.Context, tx *sql.Tx, orderID string, kind domain.LineKind, existing []domain.OrderLine, inputs []domain.LineInput) error {
	matched := make(map[string]bool, len(existing))
	byID := make(map[string]*domain.OrderLine, len(existing))
	for i := range existing {
		byID[existing[i].ID] = &existing[i]
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
			return fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidInput)
		}

		var target *domain.OrderLine
		if input.LineID != "" {
			line, ok := byID[input.LineID]
			if !ok || matched[line.ID] {
				return fmt.Errorf("%w: line %s not found on order", store.ErrInvalidInput, input.LineID)
			}
			target = line
		} else {
			target = findByItem(input.ItemID)
		}

		var unitPrice float64
		var label string
		switch kind {
		case domain.LineProduct:
			product, err := lockFreeProduct(ctx, tx, input.ItemID)
			if err != nil {
				return err
			}
			available := product.Stock
			if target != nil && target.ItemID == input.ItemID {
				available += target.Quantity
			}
			if input.Quantity > available {
				return store.ErrInsufficientStock
			}
			unitPrice = product.UnitPrice
			label = product.Name
		case domain.LineService:
			svc, err := activeService(ctx, tx, input.ItemID)
			if err != nil {
				return err
			}
			unitPrice = svc.UnitPrice
			label = svc.Name
		}

		if target != nil {
			matched[target.ID] = true
			_, err := tx.ExecContext(ctx, `
				UPDATE order_lines
				SET item_id = $2, label = $3, quantity = $4, unit_price = $5, line_total = $6
				WHERE id = $1
			`, target.ID, input.ItemID, label, input.Quantity, unitPrice, unitPrice*float64(input.Quantity))
			if err != nil {
				return err
			}
			continue
		}

		if _, err := insertLine(ctx, tx, orderID, kind, input.ItemID, label, input.Quantity, unitPrice); err != nil {
			return err
		}
	}

	for _, line := range existing {
		if matched[line.ID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE id = $1`, line.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, to domain.OrderStatus, actor domain.Actor) (*domain.Order, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidInput, to)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}

	if !domain.TransitionAllowed(actor.Role, order.Status, to) {
		if order.Status.Terminal() {
			return nil, store.ErrOrderImmutable
		}
		return nil, fmt.Errorf("%w: transition %s -> %s not allowed", store.ErrInvalidInput, order.Status, to)
	}

	if to == domain.OrderCancelled {
		paid, err := sumPaymentsQ(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		if paid > 0 {
			return nil, store.ErrCannotCancel
		}
	}

	now := time.Now().UTC()
	if to.Finalized() && !order.StockApplied() {
		order.ProductLines, order.ServiceLines, err = loadLines(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		if err := applyOrderStock(ctx, tx, order, actor.Username, now); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1
	`, orderID, string(to), now); err != nil {
		return nil, err
	}

	if err := enqueueTask(ctx, tx, domain.TaskNotify, domain.NotifyTaskPayload{
		Type:    "order_status",
		Message: fmt.Sprintf("order %s moved to %s by %s", order.Number, to, actor.Username),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// applyOrderStock performs the all-or-nothing stock decrement for an order's
// product lines. Product rows are locked in ascending id order so concurrent
// orders over overlapping products cannot deadlock. The stock_applied_at
// marker guarantees the decrement happens at most once per order lifetime.
func applyOrderStock(ctx context.Context, tx *sql.Tx, order *domain.Order, actor string, now time.Time) error {
	if len(order.ProductLines) == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET stock_applied_at = $2 WHERE id = $1`, order.ID, now); err != nil {
			return err
		}
		applied := now
		order.StockAppliedAt = &applied
		return nil
	}

	needed := make(map[string]int, len(order.ProductLines))
	for _, line := range order.ProductLines {
		needed[line.ItemID] += line.Quantity
	}
	productIDs := make([]string, 0, len(needed))
	for id := range needed {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	newStock := make(map[string]int, len(productIDs))
	for _, productID := range productIDs {
		var stock int
		err := tx.QueryRowContext(ctx, `
			SELECT stock FROM products WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
		`, productID).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: product %s not found", store.ErrInvalidInput, productID)
			}
			return err
		}
		if stock < needed[productID] {
			return store.ErrInsufficientStock
		}
		newStock[productID] = stock - needed[productID]
	}

	for _, productID := range productIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $2 WHERE id = $1
		`, productID, needed[productID]); err != nil {
			return err
		}
	}

	for _, line := range order.ProductLines {
		movementID := xid.New("mov")
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_movements (id, product_id, quantity, direction, source, username, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, movementID, line.ItemID, line.Quantity, string(domain.MovementOut), string(domain.MovementSale),
			actor, "order "+order.Number, now); err != nil {
			return err
		}
	}

	for _, productID := range productIDs {
		if newStock[productID] > domain.LowStockThreshold {
			continue
		}
		if err := enqueueTask(ctx, tx, domain.TaskNotify, domain.NotifyTaskPayload{
			Type:    "low_stock",
			Message: fmt.Sprintf("product %s stock is down to %d", productID, newStock[productID]),
		}); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET stock_applied_at = $2 WHERE id = $1`, order.ID, now); err != nil {
		return err
	}
	applied := now
	order.StockAppliedAt = &applied
	return nil
}

func (s *Store) SoftDeleteOrder(ctx context.Context, orderID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrder(ctx, tx, orderID, true)
	if err != nil {
		return err
	}
	paid, err := sumPaymentsQ(ctx, tx, order.ID)
	if err != nil {
		return err
	}
	if paid > 0 {
		return store.ErrCannotCancel
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET deleted_at = now(), updated_at = now() WHERE id = $1
	`, orderID); err != nil {
		return err
	}
	return tx.Commit()
}
