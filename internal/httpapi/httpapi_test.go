package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"mangopos/backend/internal/cache"
	"mangopos/backend/internal/domain"
	"mangopos/backend/internal/resolve"
	"mangopos/backend/internal/service"
	"mangopos/backend/internal/store/memory"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	repo := memory.NewSeeded()
	resolver := resolve.NewEngine(resolve.ConversionStrict, nil)
	svc := service.New(repo, cache.NoopProductCache{}, resolver, nil, "main", "PEN", 0)
	return New(svc, nil, "*").Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func openTestSession(t *testing.T, h http.Handler, hostID string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions/open", domain.SessionOpenRequest{
		RegisterID:    "reg-1",
		HostID:        hostID,
		OpeningFloats: []domain.OpeningFloat{{Currency: "PEN", Amount: decimal.RequireFromString("50")}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: status %d body %s", rec.Code, rec.Body.String())
	}
}

func saleBody(hostID string, quantity, tendered string) domain.SaleRequest {
	return domain.SaleRequest{
		HostID:    hostID,
		CashierID: "cashier-1",
		Lines: []domain.SaleLineRequest{
			{ProductID: "p-cola", Quantity: decimal.RequireFromString(quantity)},
		},
		Payments: []domain.PaymentRequest{
			{Method: "cash", Amount: decimal.RequireFromString(tendered)},
		},
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, rec, &body)
	if !body.OK {
		t.Fatal("expected ok=true")
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing security header, got %q", got)
	}
}

func TestSaleWithoutSessionIsBadRequest(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", saleBody("host-1", "1", "2.50"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestSaleHappyPath(t *testing.T) {
	h := newTestHandler(t)
	openTestSession(t, h, "host-1")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", saleBody("host-1", "2", "10"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Sale struct {
			Number      int64           `json:"number"`
			Total       decimal.Decimal `json:"total"`
			ChangeGiven decimal.Decimal `json:"change_given"`
		} `json:"sale"`
	}
	decodeBody(t, rec, &body)
	if body.Sale.Number != 1 {
		t.Fatalf("expected sale number 1, got %d", body.Sale.Number)
	}
	if !body.Sale.Total.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("expected total 5, got %s", body.Sale.Total)
	}
	if !body.Sale.ChangeGiven.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("expected change 5, got %s", body.Sale.ChangeGiven)
	}
}

func TestSaleShortfallIsConflict(t *testing.T) {
	h := newTestHandler(t)
	openTestSession(t, h, "host-1")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", saleBody("host-1", "11", "30"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCreditLimitIsUnprocessable(t *testing.T) {
	h := newTestHandler(t)
	openTestSession(t, h, "host-1")

	req := saleBody("host-1", "3", "0")
	req.CustomerID = "cust-jorge"
	req.Payments = []domain.PaymentRequest{{Method: "credit", Amount: decimal.RequireFromString("7.50")}}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/sales", req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sales", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(`{"surprise": true}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestStockIntegrityEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/stock/integrity?location_id=main", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, rec, &body)
	if !body.OK {
		t.Fatalf("expected clean ledger, body %s", rec.Body.String())
	}
}

func TestSessionActiveRequiresHostID(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/active", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPreflightIsNoContent(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestDistributionExportImportRoundTrip(t *testing.T) {
	origin := newTestHandler(t)
	branch := newTestHandler(t)

	rec := doJSON(t, origin, http.MethodPost, "/api/v1/distribution/export", domain.DistributionExportRequest{
		Destination: "branch-1",
		Items: []domain.DistributionItem{
			{ProductID: "p-cola", Quantity: decimal.RequireFromString("3")},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("export status %d body %s", rec.Code, rec.Body.String())
	}
	var exported struct {
		Order struct {
			Number int64 `json:"number"`
		} `json:"order"`
		Payload json.RawMessage `json:"payload"`
	}
	decodeBody(t, rec, &exported)
	if exported.Order.Number != 1 {
		t.Fatalf("expected order number 1, got %d", exported.Order.Number)
	}
	if len(exported.Payload) == 0 {
		t.Fatal("expected a sealed payload")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/distribution/import", bytes.NewReader(exported.Payload))
	rec = httptest.NewRecorder()
	branch.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status %d body %s", rec.Code, rec.Body.String())
	}

	// A second import of the same payload must be refused.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/distribution/import", bytes.NewReader(exported.Payload))
	rec = httptest.NewRecorder()
	branch.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate import status %d body %s", rec.Code, rec.Body.String())
	}
}
