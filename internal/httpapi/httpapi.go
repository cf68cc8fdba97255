package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
	"vendorsales/backend/internal/reconcile"
	"vendorsales/backend/internal/service"
	"vendorsales/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *logger.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *logger.Logger) *API {
	if log == nil {
		log = logger.Default()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           log.WithComponent("httpapi"),
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

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleSeller, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleSeller, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/sales/units", a.requireAuth(a.handleUnits, domain.RoleSeller, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/tally", a.requireAuth(a.handleTally, domain.RoleSeller, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/ledger/records", a.requireAuth(a.handleLedgerRecords, domain.RoleSeller, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/ledger/sellers/", a.requireAuth(a.handleLedgerPurge, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/reports/sellers", a.requireAuth(a.handleSellerReport, domain.RoleSeller, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reports/months", a.requireAuth(a.handleMonthReport, domain.RoleSeller, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reports/products", a.requireAuth(a.handleProductReport, domain.RoleSeller, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reports/closed", a.requireAuth(a.handleClosedReport, domain.RoleSeller, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/reconciliation/pending", a.requireAuth(a.handlePending, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reconciliation/retry", a.requireAuth(a.handleRetry, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/reconciliation/", a.requireAuth(a.handleResolve, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/users/sellers", a.requireAuth(a.handleSellers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		ctx := service.WithActor(r.Context(), actor)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With("actor", actor.Username))
		next(w, r.WithContext(ctx))
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
		writeMethodNotAllowed(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}

		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w, r)
	}
}

// handleProductActions serves /api/v1/products/{id}, /{id}/quote and
// /{id}/stock.
func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/products/"), "/")
	productID, action, _ := strings.Cut(rest, "/")
	productID = strings.TrimSpace(productID)
	if productID == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, r)
			return
		}
		product, err := a.service.GetProduct(r.Context(), productID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case "quote":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, r)
			return
		}
		quote, err := a.service.QuoteProduct(r.Context(), productID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quote)
	case "stock":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w, r)
			return
		}
		var req domain.StockUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.SetStock(r.Context(), productID, req.StockQuantity)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	default:
		writeError(w, r, http.StatusNotFound, errors.New("unknown product action"))
	}
}

func (a *API) handleUnits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	var req domain.UnitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.RecordUnit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleTally(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	refresh := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("refresh")), "true")
	resp, err := a.service.Tally(r.Context(), refresh)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLedgerRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := parseRecordFilter(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		records, err := a.service.ListRecords(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	case http.MethodPost:
		var req domain.AppendRecordRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		record, err := a.service.AppendRecord(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"record": record})
	default:
		writeMethodNotAllowed(w, r)
	}
}

func (a *API) handleLedgerPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w, r)
		return
	}

	sellerID := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/ledger/sellers/"), "/"))
	if sellerID == "" || strings.Contains(sellerID, "/") {
		writeError(w, r, http.StatusBadRequest, errors.New("seller id required"))
		return
	}

	resp, err := a.service.PurgeSeller(r.Context(), sellerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSellerReport(w http.ResponseWriter, r *http.Request) {
	a.serveReport(w, r, "sellers", func(filter domain.RecordFilter) (any, error) {
		return a.service.SalesBySeller(r.Context(), filter)
	})
}

func (a *API) handleMonthReport(w http.ResponseWriter, r *http.Request) {
	a.serveReport(w, r, "months", func(filter domain.RecordFilter) (any, error) {
		return a.service.SalesByMonth(r.Context(), filter)
	})
}

func (a *API) handleProductReport(w http.ResponseWriter, r *http.Request) {
	a.serveReport(w, r, "products", func(filter domain.RecordFilter) (any, error) {
		return a.service.SalesByProduct(r.Context(), filter)
	})
}

func (a *API) serveReport(w http.ResponseWriter, r *http.Request, key string, build func(domain.RecordFilter) (any, error)) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	result, err := build(filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{key: result})
}

func (a *API) handleClosedReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	report, err := a.service.ClosedSales(r.Context(), filter.Month, filter.Year)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	pending, err := a.service.PendingReconciliations(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	resp, err := a.service.RetryPending(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResolve serves POST /api/v1/reconciliation/{id}/resolve.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	prefix := "/api/v1/reconciliation/"
	if !strings.HasSuffix(r.URL.Path, "/resolve") {
		writeError(w, r, http.StatusNotFound, errors.New("unknown reconciliation action"))
		return
	}
	pendingID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), "/resolve")
	pendingID = strings.TrimSpace(strings.Trim(pendingID, "/"))
	if pendingID == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("pending id required"))
		return
	}

	if err := a.service.ResolvePending(r.Context(), pendingID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": pendingID})
}

func (a *API) handleSellers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sellers := a.auth.ListSellers(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"sellers": sellers})
	case http.MethodPost:
		var req domain.SellerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}

		seller, err := a.auth.CreateSeller(r.Context(), req)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, store.ErrConflict) {
				status = http.StatusConflict
			}
			writeError(w, r, status, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"seller": seller})
	default:
		writeMethodNotAllowed(w, r)
	}
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

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ctx := logger.WithLogger(r.Context(), a.log.With("method", r.Method, "path", r.URL.Path))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		logger.Info(ctx, "request served", "status", rec.status, "duration", time.Since(startedAt))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// parseRecordFilter reads seller_id, month and year query parameters. Absent
// values are zero and match everything.
func parseRecordFilter(r *http.Request) (domain.RecordFilter, error) {
	query := r.URL.Query()
	filter := domain.RecordFilter{SellerID: strings.TrimSpace(query.Get("seller_id"))}

	var err error
	if filter.Month, err = parseOptionalInt(query.Get("month")); err != nil {
		return domain.RecordFilter{}, errors.New("month must be an integer")
	}
	if filter.Year, err = parseOptionalInt(query.Get("year")); err != nil {
		return domain.RecordFilter{}, errors.New("year must be an integer")
	}
	return filter, nil
}

func parseOptionalInt(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.Atoi(trimmed)
}

// statusFor maps service, reconciler and store errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, reconcile.ErrPendingNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPeriod),
		errors.Is(err, store.ErrInvalidProduct),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, reconcile.ErrInvalidDirection),
		errors.Is(err, reconcile.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrPricingUnavailable), errors.Is(err, reconcile.ErrInvalidPrice):
		return http.StatusUnprocessableEntity
	}

	switch reconcile.Classify(err) {
	case reconcile.KindValidation:
		return http.StatusConflict
	case reconcile.KindRemote:
		return http.StatusServiceUnavailable
	case reconcile.KindPartial:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *reconcile.PartialFailureError
	if errors.As(err, &partial) {
		logger.Error(r.Context(), "unit recorded without stock update",
			"record_id", partial.Record.ID,
			"pending_id", partial.PendingID,
			"error", partial.Err,
		)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      fmt.Sprintf("%s recorded but stock update failed; queued for reconciliation", partial.Direction),
			"severity":   reconcile.KindPartial.String(),
			"record_id":  partial.Record.ID,
			"pending_id": partial.PendingID,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		logger.Warn(r.Context(), "remote store unavailable", "error", err)
		writeJSON(w, status, map[string]any{
			"error":    reconcile.ErrLedgerUnavailable.Error(),
			"severity": reconcile.KindRemote.String(),
		})
		return
	}
	writeError(w, r, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	// 5xx details stay in the log.
	msg := err.Error()
	if status >= 500 {
		logger.Error(r.Context(), "internal error", "status", status, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
