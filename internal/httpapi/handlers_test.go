package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tillpoint/terminal/internal/audit"
	"tillpoint/terminal/internal/cache"
	"tillpoint/terminal/internal/offline"
	"tillpoint/terminal/internal/payment"
	"tillpoint/terminal/internal/pos"
	"tillpoint/terminal/internal/reconcile"
	"tillpoint/terminal/internal/store/memory"
)

// newTestAPI builds a full API over an in-memory store so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	queue, err := offline.Open(":memory:")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	auditor := audit.NewRecorder(repo, 16, nil)
	coordinator := pos.NewCoordinator(repo, queue, cache.NoopLoyaltyCache{}, auditor, pos.Config{})
	sessions := pos.NewSessionManager(repo, auditor)
	reconciler := reconcile.New(repo, queue, auditor)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	verifier := payment.NewVerifier("callback-secret")

	return New(coordinator, sessions, reconciler, auth, verifier, auditor, "*")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("expected access token, got %v", body)
	}
	return token
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestLoginRateLimited(t *testing.T) {
	handler := newTestAPI(t).Handler()

	// The login limiter allows 5 attempts per minute per client address.
	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin",
			"password": "badpass",
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on sixth attempt, got %d", last.Code)
	}
}

func TestSalesRequireBearerToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", "", map[string]any{
		"payment_method": "cash",
		"paid_cents":     10000,
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 1}},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSaleFlowEndToEnd(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	// A sale without an open drawer session is rejected with the
	// taxonomy code.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"local_id":       "local-http-early",
		"payment_method": "cash",
		"paid_cents":     10000,
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 1}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without session, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var errBody map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["code"] != "NO_ACTIVE_SESSION" {
		t.Fatalf("expected NO_ACTIVE_SESSION code, got %v", errBody["code"])
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sessions/open", token, map[string]any{
		"opening_cents": 100000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"local_id":       "local-http-1",
		"payment_method": "cash",
		"paid_cents":     10000,
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Replaying the same local_id returns the stored transaction.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"local_id":       "local-http-1",
		"payment_method": "cash",
		"paid_cents":     10000,
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 2}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var replay map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&replay); err != nil {
		t.Fatalf("decode replay body: %v", err)
	}
	if replay["duplicate"] != true {
		t.Fatalf("expected duplicate flag, got %v", replay)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/local/local-http-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup by local id: expected 200, got %d", rec.Code)
	}
}

func TestOversellReturnsStockCode(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/open", token, map[string]any{"opening_cents": 0})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"payment_method": "card",
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 500}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "INSUFFICIENT_STOCK" {
		t.Fatalf("expected INSUFFICIENT_STOCK code, got %v", body["code"])
	}
}

func TestAdminRoutesForbiddenForCashier(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/audit", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on audit log, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sync/run", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on sync run, got %d", rec.Code)
	}
}

func TestPaymentCallbackSignature(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/open", token, map[string]any{"opening_cents": 0})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"local_id":       "local-callback",
		"payment_method": "qris",
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit sale: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var saleBody struct {
		Transaction struct {
			ID         string `json:"id"`
			TotalCents int64  `json:"total_cents"`
		} `json:"transaction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&saleBody); err != nil {
		t.Fatalf("decode sale body: %v", err)
	}

	callback, _ := json.Marshal(map[string]any{
		"transaction_id": saleBody.Transaction.ID,
		"provider":       "qrispay",
		"reference":      "QR-REF-9",
		"amount_cents":   saleBody.Transaction.TotalCents,
	})

	// Unsigned callbacks are rejected with the taxonomy code.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader(callback))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "deadbeef")
	badRec := httptest.NewRecorder()
	handler.ServeHTTP(badRec, req)
	if badRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", badRec.Code)
	}
	var errBody map[string]any
	if err := json.NewDecoder(badRec.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["code"] != "SIGNATURE_INVALID" {
		t.Fatalf("expected SIGNATURE_INVALID code, got %v", errBody["code"])
	}

	signature := payment.NewVerifier("callback-secret").Sign(callback)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback", bytes.NewReader(callback))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	goodRec := httptest.NewRecorder()
	handler.ServeHTTP(goodRec, req)
	if goodRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for signed callback, got %d (body: %s)", goodRec.Code, goodRec.Body.String())
	}
}

func TestSaleLimiterKeyedByCashier(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := loginAs(t, handler, "cashier", "cashier123")
	admin := loginAs(t, handler, "admin", "admin123")

	// The sale budget is 30 per minute per cashier.
	var last *httptest.ResponseRecorder
	for i := 0; i < 31; i++ {
		last = doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, map[string]any{
			"payment_method": "card",
			"cart_items":     []map[string]any{{"sku": "SKU-AIR-01", "qty": 1}},
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the 31st submission, got %d", last.Code)
	}

	// A different cashier on the same terminal address keeps their own
	// budget.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, map[string]any{
		"payment_method": "card",
		"cart_items":     []map[string]any{{"sku": "SKU-AIR-01", "qty": 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected other actor unaffected, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestConnectivityFlipDrainsQueue(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := loginAs(t, handler, "admin", "admin123")
	cashier := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/open", cashier, map[string]any{"opening_cents": 0})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/connectivity", admin, map[string]any{"online": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("set offline: %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, map[string]any{
		"local_id":       "local-flip-1",
		"payment_method": "card",
		"cart_items":     []map[string]any{{"sku": "SKU-MIE-01", "qty": 1}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline sale: expected 202, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Flipping back online replays the captured sale in the same request.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/connectivity", admin, map[string]any{"online": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("set online: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var flip struct {
		Online   bool `json:"online"`
		Progress struct {
			Synced    int `json:"synced"`
			Remaining int `json:"remaining"`
		} `json:"progress"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&flip); err != nil {
		t.Fatalf("decode flip body: %v", err)
	}
	if !flip.Online || flip.Progress.Synced != 1 || flip.Progress.Remaining != 0 {
		t.Fatalf("expected one synced entry, got %+v", flip)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/local/local-flip-1", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup after drain: expected 200, got %d", rec.Code)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/open", token, map[string]any{
		"opening_cents": 100,
		"surprise":      true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}
