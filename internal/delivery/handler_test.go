package delivery

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotafood/rotafood/internal/platform/httpx"
)

func newTestRouter(t *testing.T, requireUser func(http.Handler) http.Handler) (http.Handler, *mockRepository) {
	t.Helper()
	svc, repo, _ := newTestService(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc, requireUser)
	r := chi.NewRouter()
	r.Route("/api", h.MountRoutes)
	return r, repo
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	return p
}

func TestHandler_CreateOrder(t *testing.T) {
	router, repo := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/orders", `{
		"id": "web-42",
		"customer_name": "Maria",
		"address": "Rua A, 10",
		"items": [{"name": "X-Salada", "quantity": 2, "unit_price": "18.90"}],
		"delivery_fee": "5.00",
		"payment_method": "pix"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&order))
	assert.Equal(t, "web-42", order.ID)
	assert.Equal(t, OrderPending, order.Status)
	assert.True(t, order.Value.Equal(decimal.RequireFromString("37.80")), order.Value.String())
	assert.Equal(t, PayPix, repo.order("web-42").PaymentMethod)
}

func TestHandler_CreateOrder_Validation(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/orders", `{"customer_name": "Maria", "items": []}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Contains(t, p.Fields, "Address")
	assert.Contains(t, p.Fields, "Items")

	rec = do(t, router, http.MethodPost, "/api/orders", `{"customer_name": "Maria", "unknown": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_LifecycleCommands(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	seedDriver(repo, "d1", DriverAvailable)
	seedDriver(repo, "d2", DriverAvailable)
	seedOrder(repo, "o1", OrderPending)

	rec := do(t, router, http.MethodPost, "/api/orders/o1/prepare", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/orders/o1/assign", `{"driver_id": "d1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TransitionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, OrderPreparing, resp.From)
	assert.Equal(t, OrderAssigned, resp.Order.Status)
	require.NotNil(t, resp.Driver)
	assert.Equal(t, DriverDelivering, resp.Driver.Status)

	rec = do(t, router, http.MethodPost, "/api/orders/o1/assign", `{"driver_id": "d2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders/o1/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, repo.driver("d1").TotalDeliveries)

	rec = do(t, router, http.MethodPost, "/api/orders/o1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_CommandErrors(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	seedOrder(repo, "o1", OrderReady)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"assign without driver", "/api/orders/o1/assign", `{}`, http.StatusBadRequest},
		{"assign unknown driver", "/api/orders/o1/assign", `{"driver_id": "ghost"}`, http.StatusNotFound},
		{"unknown order", "/api/orders/nope/prepare", "", http.StatusNotFound},
		{"revert to bad status", "/api/orders/o1/revert", `{"to": "completed"}`, http.StatusBadRequest},
		{"complete queued order", "/api/orders/o1/complete", `{"driver_id": "d1"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_IdempotencyKey(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	seedOrder(repo, "o1", OrderPending)

	rec := do(t, router, http.MethodPost, "/api/orders/o1/prepare", "", IdempotencyHeader, "tap-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders/o1/prepare", "", IdempotencyHeader, "tap-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_StoreUnavailable(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	repo.txError = errors.New("connection refused")

	rec := do(t, router, http.MethodPost, "/api/orders/o1/prepare", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_RequireUserGuardsAdminRoutes(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			httpx.RespondError(w, httpx.ErrUnauthorized)
		})
	}
	router, _ := newTestRouter(t, deny)

	rec := do(t, router, http.MethodGet, "/api/orders", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders", `{
		"customer_name": "Maria",
		"address": "Rua A, 10",
		"items": [{"name": "Suco", "quantity": 1, "unit_price": "8.00"}]
	}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandler_ListOrders(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	seedOrder(repo, "o1", OrderPending)
	seedOrder(repo, "o2", OrderReady)

	rec := do(t, router, http.MethodGet, "/api/orders?status=ready,pending&per_page=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp OrderListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 10, resp.Limit)
	assert.Equal(t, 1, resp.Pagination.Page)
	assert.Equal(t, 1, resp.Pagination.TotalPages)

	rec = do(t, router, http.MethodGet, "/api/orders?status=lost", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/orders?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Drivers(t *testing.T) {
	router, repo := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/drivers", `{"id": "d7", "name": "Paulo", "vehicle": "moto", "payment_rate": "6.50"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, DriverOffline, repo.driver("d7").Status)

	rec = do(t, router, http.MethodPost, "/api/drivers/d7/availability", `{"status": "available"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DriverAvailable, repo.driver("d7").Status)

	rec = do(t, router, http.MethodPost, "/api/drivers/d7/location", `{"lat": -23.5, "lng": -46.6}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/drivers/d7", `{"payment_model": "percentage", "payment_rate": "12"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PaymentPercentage, repo.driver("d7").PaymentModel)

	rec = do(t, router, http.MethodGet, "/api/drivers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var drivers []Driver
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&drivers))
	assert.Len(t, drivers, 1)

	rec = do(t, router, http.MethodGet, "/api/drivers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_DeleteOrder(t *testing.T) {
	router, repo := newTestRouter(t, nil)
	seedOrder(repo, "o1", OrderReady)

	rec := do(t, router, http.MethodDelete, "/api/orders/o1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/orders/o1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
