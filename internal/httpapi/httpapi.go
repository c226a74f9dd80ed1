// Package httpapi exposes the order, inventory, payment, and document
// operations over a versioned JSON API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/service"
	"realtech/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/staff", a.requireAuth(a.handleStaff, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, domain.RoleEmployee, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions, domain.RoleEmployee, domain.RoleManager, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleEmployee, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleEmployee, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/movements", a.requireAuth(a.handleMovements, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/notifications", a.requireAuth(a.handleNotifications, domain.RoleEmployee, domain.RoleManager, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeData(w, http.StatusOK, resp)
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeData(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff()})
	case http.MethodPost:
		var req StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		account, err := a.auth.CreateStaff(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"account": account})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := domain.OrderFilter{
			Status:   domain.OrderStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
			ClientID: strings.TrimSpace(r.URL.Query().Get("client_id")),
			Limit:    parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200),
		}
		views, err := a.service.ListOrders(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"orders": views})
	case http.MethodPost:
		var req domain.OrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.CreateOrder(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"order": order})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/orders/"
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("invalid order path"))
		return
	}
	segments := strings.Split(tail, "/")

	if len(segments) == 1 && segments[0] == "deleted" {
		a.handleDeletedOrders(w, r)
		return
	}

	orderID := segments[0]
	rest := segments[1:]

	switch {
	case len(rest) == 0:
		a.handleOrder(w, r, orderID)
	case len(rest) == 1 && rest[0] == "payments":
		a.handleOrderPayments(w, r, orderID)
	case len(rest) == 1 && rest[0] == "invoice":
		a.handleOrderInvoice(w, r, orderID)
	case len(rest) == 2 && rest[0] == "invoice" && rest[1] == "download":
		a.handleInvoiceDownload(w, r, orderID)
	case len(rest) == 2 && rest[0] == "receipt" && rest[1] == "download":
		a.handleReceiptDownload(w, r, orderID)
	case len(rest) >= 2 && rest[0] == "lines":
		a.handleOrderLines(w, r, orderID, rest[1:])
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
	}
}

func (a *API) handleDeletedOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	orders, err := a.service.ListDeletedOrders(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	switch r.Method {
	case http.MethodGet:
		view, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"order": view})
	case http.MethodPut:
		var req domain.OrderUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.service.UpdateOrder(r.Context(), orderID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"order": view})
	case http.MethodDelete:
		if err := a.service.DeleteOrder(r.Context(), orderID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderPayments(w http.ResponseWriter, r *http.Request, orderID string) {
	switch r.Method {
	case http.MethodGet:
		listing, err := a.service.ListPayments(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, listing)
	case http.MethodPost:
		var req domain.PaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.RecordPayment(r.Context(), orderID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusCreated, result)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderInvoice(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	invoice, err := a.service.EnsureInvoice(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handleInvoiceDownload(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w)
		return
	}
	invoice, err := a.service.GetInvoice(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	streamDocument(w, r, invoice.ContentType, invoice.Document, "invoice-"+invoice.Number+".html")
}

func (a *API) handleReceiptDownload(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w)
		return
	}
	receipt, err := a.service.GetLatestReceipt(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	streamDocument(w, r, receipt.ContentType, receipt.Document, "receipt-"+receipt.Number+".html")
}

// streamDocument writes a stored document with download headers. ?inline=true
// switches the disposition so browsers render instead of saving.
func streamDocument(w http.ResponseWriter, r *http.Request, contentType string, document []byte, filename string) {
	disposition := "attachment"
	if strings.EqualFold(r.URL.Query().Get("inline"), "true") {
		disposition = "inline"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename=%q`, disposition, filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(document)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(document)
}

func (a *API) handleOrderLines(w http.ResponseWriter, r *http.Request, orderID string, segments []string) {
	var kind domain.LineKind
	switch segments[0] {
	case "products":
		kind = domain.LineProduct
	case "services":
		kind = domain.LineService
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown line kind"))
		return
	}

	switch {
	case len(segments) == 1 && r.Method == http.MethodPost:
		var input domain.LineInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.service.AddOrderLine(r.Context(), orderID, kind, input)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"order": view})

	case len(segments) == 2 && r.Method == http.MethodPut:
		var input domain.LineInput
		if err := decodeJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.service.UpdateOrderLine(r.Context(), orderID, segments[1], input.Quantity)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"order": view})

	case len(segments) == 2 && r.Method == http.MethodDelete:
		view, err := a.service.RemoveOrderLine(r.Context(), orderID, segments[1])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"order": view})

	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/products/"
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	segments := strings.Split(tail, "/")

	switch {
	case len(segments) == 1 && segments[0] != "" && r.Method == http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), segments[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"product": product})

	case len(segments) == 2 && segments[1] == "stock":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.StockAdjustRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.AdjustStock(r.Context(), segments[0], req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"product": product})

	default:
		writeError(w, http.StatusNotFound, errors.New("unknown product action"))
	}
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter := domain.MovementFilter{
		ProductID: strings.TrimSpace(r.URL.Query().Get("product_id")),
		Direction: domain.MovementDirection(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("direction")))),
		Limit:     parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500),
	}
	movements, err := a.service.ListMovements(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	notifications, err := a.service.ListNotifications(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeServiceError maps sentinel errors from the store and role errors from
// the service onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrOrderImmutable),
		errors.Is(err, store.ErrOrderSettled),
		errors.Is(err, store.ErrCannotCancel):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses return a generic message; the original error is logged
	// so internals never leak to clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]any{"message": msg},
	})
}

func writeData(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    payload,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
