package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/metrics"
	"tillpoint/terminal/internal/payment"
	"tillpoint/terminal/internal/pos"
	"tillpoint/terminal/internal/reconcile"
	"tillpoint/terminal/internal/store"
)

type API struct {
	coordinator   *pos.Coordinator
	sessions      *pos.SessionManager
	reconciler    *reconcile.Reconciler
	auth          *AuthManager
	verifier      *payment.Verifier
	auditor       *audit.Recorder
	allowedOrigin string
	loginLimiter  *attemptLimiter
	saleLimiter   *attemptLimiter
}

func New(coordinator *pos.Coordinator, sessions *pos.SessionManager, reconciler *reconcile.Reconciler, auth *AuthManager, verifier *payment.Verifier, auditor *audit.Recorder, allowedOrigin string) *API {
	return &API{
		coordinator:   coordinator,
		sessions:      sessions,
		reconciler:    reconciler,
		auth:          auth,
		verifier:      verifier,
		auditor:       auditor,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		saleLimiter:   newAttemptLimiter(30, time.Minute),
	}
}

// attemptLimiter is a sliding-window counter keyed by client address.
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
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(a.withHeaders)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		// Provider callbacks authenticate with an HMAC signature, not a
		// bearer token.
		r.Post("/payments/callback", a.handlePaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))

			r.Post("/sales", a.handleSubmitSale)
			r.Get("/sales", a.handleListSales)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Get("/sales/local/{localID}", a.handleGetSaleByLocalID)
			r.Post("/returns", a.handleSubmitReturn)

			r.Post("/sessions/open", a.handleSessionOpen)
			r.Post("/sessions/close", a.handleSessionClose)
			r.Get("/sessions/active", a.handleSessionActive)
			r.Post("/sessions/movements", a.handleRecordMovement)
			r.Get("/sessions/{id}/movements", a.handleListMovements)

			r.Get("/sync/status", a.handleSyncStatus)
			r.Get("/inventory", a.handleListInventory)
			r.Get("/inventory/{sku}", a.handleGetInventory)
			r.Get("/customers/{id}/loyalty", a.handleGetLoyalty)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))

			r.Post("/sessions/{id}/reconcile", a.handleSessionReconcile)
			r.Post("/sync/run", a.handleSyncRun)
			r.Get("/sync/failed", a.handleSyncFailed)
			r.Post("/connectivity", a.handleConnectivity)
			r.Get("/audit", a.handleListAudit)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, domain.CodeValidation, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, domain.CodeValidation, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, domain.CodeValidation, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(pos.WithActor(r.Context(), actor)))
		})
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

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": a.coordinator.Online(),
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, domain.CodeValidation, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, domain.CodeValidation, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSubmitSale(w http.ResponseWriter, r *http.Request) {
	// The submission budget belongs to the cashier, not the terminal
	// address: terminals behind one NAT must not share it.
	limiterKey := clientKey(r)
	if actor, ok := pos.ActorFromContext(r.Context()); ok {
		limiterKey = actor.ID
	}
	if !a.saleLimiter.Allow(limiterKey) {
		writeError(w, http.StatusTooManyRequests, domain.CodeValidation, errors.New("too many sale submissions"))
		return
	}

	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}

	resp, err := a.coordinator.SubmitSale(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	if resp.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (a *API) handleSubmitReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}

	resp, err := a.coordinator.SubmitReturn(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	txs, err := a.coordinator.ListTransactions(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	tx, err := a.coordinator.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleGetSaleByLocalID(w http.ResponseWriter, r *http.Request) {
	tx, err := a.coordinator.TransactionByLocalID(r.Context(), chi.URLParam(r, "localID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}
	resp, err := a.sessions.Open(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}
	resp, err := a.sessions.Close(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionActive(w http.ResponseWriter, r *http.Request) {
	resp, err := a.sessions.Active(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionReconcile(w http.ResponseWriter, r *http.Request) {
	resp, err := a.sessions.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.MovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}
	movement, err := a.sessions.RecordMovement(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	resp, err := a.sessions.Movements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	progress, err := a.reconciler.Drain(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	counts, progress, lastRun, err := a.reconciler.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{
		"queue":    counts,
		"last_run": nil,
		"progress": progress,
	}
	if !lastRun.IsZero() {
		resp["last_run"] = lastRun.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSyncFailed(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	entries, err := a.reconciler.Failed(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}
	wasOnline := a.coordinator.Online()
	a.coordinator.SetOnline(req.Online)

	// Coming back online drains the capture queue right away instead of
	// waiting for the next ticker pass.
	if req.Online && !wasOnline {
		if progress, err := a.reconciler.Drain(r.Context()); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"online": true, "progress": progress})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": req.Online})
}

func (a *API) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}

	if err := a.verifier.Verify(body, r.Header.Get("X-Signature")); err != nil {
		metrics.CallbackRejected.Inc()
		a.auditor.Record(r.Context(), domain.AuditEvent{
			Type:     "payment_callback_rejected",
			Severity: domain.SeverityCritical,
			Detail:   "invalid callback signature from " + clientKey(r),
		})
		writeError(w, http.StatusUnauthorized, domain.CodeSignatureInvalid, err)
		return
	}

	var callback domain.PaymentCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}

	tx, err := a.coordinator.SettlePayment(r.Context(), callback)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleListInventory(w http.ResponseWriter, r *http.Request) {
	records, err := a.coordinator.ListInventory(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": records})
}

func (a *API) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	rec, err := a.coordinator.Inventory(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": rec})
}

func (a *API) handleGetLoyalty(w http.ResponseWriter, r *http.Request) {
	profile, err := a.coordinator.Loyalty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	events, err := a.auditor.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}
	user, err := a.auth.CreateCashier(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": user})
}

func (a *API) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Signature")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
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

// writeDomainError maps service errors onto HTTP status and the error
// taxonomy exposed to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		writeError(w, http.StatusConflict, domain.CodeInsufficientStock, err)
	case errors.Is(err, store.ErrNoActiveSession):
		writeError(w, http.StatusConflict, domain.CodeNoActiveSession, err)
	case errors.Is(err, store.ErrSyncConflict):
		writeError(w, http.StatusConflict, domain.CodeSyncConflict, err)
	case errors.Is(err, store.ErrTransientNetwork):
		writeError(w, http.StatusServiceUnavailable, domain.CodeTransientNetwork, err)
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrSessionOpen):
		writeError(w, http.StatusBadRequest, domain.CodeValidation, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.CodeNotFound, err)
	case errors.Is(err, payment.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, domain.CodeSignatureInvalid, err)
	case strings.Contains(strings.ToLower(err.Error()), "role required"),
		strings.Contains(strings.ToLower(err.Error()), "actor required"):
		writeError(w, http.StatusForbidden, domain.CodeValidation, err)
	default:
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, err)
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

func writeError(w http.ResponseWriter, status int, code string, err error) {
	// 5xx responses return a generic message so internal details never
	// leak to clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
