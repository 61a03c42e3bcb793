package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"erp/ecommerce/storefront/internal/config"
	"erp/ecommerce/storefront/internal/shipping"
	"erp/ecommerce/storefront/internal/tenancy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	svc, err := newService(config.Default(), shipping.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	srv := &server{svc: svc, logger: zap.NewNop(), module: "ERP-eCommerce", gatherer: prometheus.NewRegistry()}
	return srv.routes()
}

func call(t *testing.T, h http.Handler, method, path, store string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if store != "" {
		req.Header.Set(tenancy.HeaderStoreID, store)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func orderBody(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"customer_name":  "Ana",
		"customer_email": "ana@example.com",
		"shipping_address": map[string]any{
			"name": "Ana", "street": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US",
		},
		"items":       []map[string]any{{"sku": "A", "quantity": 2, "weight_grams": 400, "price_cents": 1000}},
		"total_cents": 2000,
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "memory", body["mode"])
	assert.Equal(t, serviceName, body["service"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStoreHeaderRequired(t *testing.T) {
	h := newTestHandler(t)

	code, body := call(t, h, http.MethodGet, "/v1/shipments", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing X-Store-ID", body["error"])

	code, _ = call(t, h, http.MethodGet, "/v1/shipments", "bad store!", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	req := httptest.NewRequest(http.MethodGet, "/v1/shipments", nil)
	req.Header.Set(tenancy.HeaderTenantID, "store-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "legacy tenant header is accepted")
}

func TestShipmentLifecycle(t *testing.T) {
	h := newTestHandler(t)

	code, body := call(t, h, http.MethodPost, "/v1/orders", "store-a", orderBody("ord_1"))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "erp.ecommerce.shipment.order.registered", body["event_topic"])

	code, body = call(t, h, http.MethodPost, "/v1/orders", "store-a", orderBody("ord_1"))
	assert.Equal(t, http.StatusConflict, code, body)

	code, body = call(t, h, http.MethodPost, "/v1/orders/ord_1/shipment", "store-a", nil)
	require.Equal(t, http.StatusCreated, code, body)
	item := body["item"].(map[string]any)
	id := item["id"].(string)
	assert.Equal(t, "created", item["status"])
	assert.Equal(t, "mock", item["provider"])
	assert.Equal(t, "erp.ecommerce.shipment.created", body["event_topic"])

	code, body = call(t, h, http.MethodPost, "/v1/orders/ord_1/shipment", "store-a", nil)
	assert.Equal(t, http.StatusConflict, code, body)

	code, body = call(t, h, http.MethodGet, "/v1/orders/ord_1", "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "shipped", body["item"].(map[string]any)["status"])

	code, body = call(t, h, http.MethodGet, "/v1/shipments?active=true", "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
	assert.Equal(t, false, body["cached"])

	code, body = call(t, h, http.MethodGet, "/v1/shipments?active=true", "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["cached"])

	code, _ = call(t, h, http.MethodGet, "/v1/shipments/"+id, "store-b", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(t, h, http.MethodPost, "/v1/shipments/"+id+"/track", "store-a", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "erp.ecommerce.shipment.tracked", body["event_topic"])

	code, body = call(t, h, http.MethodPost, "/v1/shipments/"+id+"/cancel", "store-a", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "cancelled", body["item"].(map[string]any)["status"])

	code, _ = call(t, h, http.MethodPost, "/v1/shipments/"+id+"/cancel", "store-a", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = call(t, h, http.MethodGet, "/v1/shipments/"+id, "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "erp.ecommerce.shipment.read", body["event_topic"])

	code, body = call(t, h, http.MethodGet, "/v1/shipments/_explain", "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "memory", body["plan"].(map[string]any)["mode"])
}

func TestCreateShipmentWithOptions(t *testing.T) {
	h := newTestHandler(t)
	code, _ := call(t, h, http.MethodPost, "/v1/orders", "store-a", orderBody("ord_1"))
	require.Equal(t, http.StatusCreated, code)

	code, body := call(t, h, http.MethodPost, "/v1/orders/ord_1/shipment", "store-a", map[string]any{
		"service_level": "express",
		"parcel":        map[string]any{"weight_grams": 2000},
	})
	require.Equal(t, http.StatusCreated, code, body)
	item := body["item"].(map[string]any)
	assert.Equal(t, "express", item["service_level"])
	assert.EqualValues(t, 2000, item["parcel"].(map[string]any)["weight_grams"])
}

func TestSettingsAreMasked(t *testing.T) {
	h := newTestHandler(t)

	code, body := call(t, h, http.MethodGet, "/v1/shipping/settings", "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "mock", body["item"].(map[string]any)["provider"])

	code, body = call(t, h, http.MethodPut, "/v1/shipping/settings", "store-a", map[string]any{"provider": "enviopack"})
	assert.Equal(t, http.StatusBadRequest, code, "enviopack without credentials")
	assert.Contains(t, body["error"], "api_key and secret_key are required")

	code, body = call(t, h, http.MethodPut, "/v1/shipping/settings", "store-a", map[string]any{
		"provider":   "enviopack",
		"api_key":    "pk_live_abcdef",
		"secret_key": "very-secret",
	})
	require.Equal(t, http.StatusOK, code, body)
	item := body["item"].(map[string]any)
	assert.Equal(t, "enviopack", item["provider"])
	assert.Equal(t, "****cdef", item["api_key"])
	assert.Equal(t, "********", item["secret_key"])

	code, body = call(t, h, http.MethodPut, "/v1/shipping/settings", "store-a", map[string]any{
		"api_key":    item["api_key"],
		"secret_key": item["secret_key"],
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "****cdef", body["item"].(map[string]any)["api_key"], "masked values do not overwrite the stored key")

	code, _ = call(t, h, http.MethodPut, "/v1/shipping/settings", "store-a", map[string]any{"provider": "pigeon"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, h, http.MethodPut, "/v1/shipping/settings", "store-a", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, h, http.MethodPut, "/v1/shipping/settings", "store-a", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, h, http.MethodPost, "/v1/orders", "store-a", orderBody("ord_1"))
	require.Equal(t, http.StatusCreated, code)
	code, _ = call(t, h, http.MethodPost, "/v1/orders/ord_1/shipment", "store-a", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestProvidersAndQuote(t *testing.T) {
	h := newTestHandler(t)

	code, body := call(t, h, http.MethodGet, "/v1/shipping/providers", "store-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"enviopack", "mock"}, body["items"])

	code, _ = call(t, h, http.MethodPost, "/v1/orders", "store-a", orderBody("ord_1"))
	require.Equal(t, http.StatusCreated, code)

	code, body = call(t, h, http.MethodPost, "/v1/shipping/quote", "store-a", map[string]any{"order_id": "ord_1"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["rates"], 2)
	assert.Equal(t, false, body["cached"])

	code, body = call(t, h, http.MethodPost, "/v1/shipping/quote", "store-a", map[string]any{"order_id": "ord_1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["cached"])

	code, _ = call(t, h, http.MethodPost, "/v1/shipping/quote", "store-a", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListQueryValidation(t *testing.T) {
	h := newTestHandler(t)
	code, _ := call(t, h, http.MethodGet, "/v1/shipments?status=lost", "store-a", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, h, http.MethodGet, "/v1/shipments?active=maybe", "store-a", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, h, http.MethodGet, "/v1/shipments?cursor=nope", "store-a", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", shipping.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", shipping.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", shipping.ErrShipmentExists), http.StatusConflict},
		{fmt.Errorf("x: %w", shipping.ErrOrderNotShippable), http.StatusConflict},
		{fmt.Errorf("x: %w", shipping.ErrInvalidTransition), http.StatusConflict},
		{shipping.ErrShippingDisabled, http.StatusUnprocessableEntity},
		{&shipping.ProviderError{Provider: "enviopack", Op: "create", Err: errors.New("502")}, http.StatusBadGateway},
		{fmt.Errorf("x: %w", tenancy.ErrInvalidStore), http.StatusBadRequest},
		{errors.New("db gone"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app:hunter2@db:5432/shop")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--port", "9090"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, `port: "9090"`)
	assert.Contains(t, text, "sync_interval: 15m0s")
	assert.NotContains(t, text, "hunter2")
	assert.Contains(t, text, "app:%2A%2A%2A%2A%2A%2A%2A%2A@db:5432")
}

func TestStartSyncWaitsForLoop(t *testing.T) {
	svc, err := newService(config.Default(), shipping.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wait := startSync(ctx, svc, config.TrackingConfig{SyncInterval: 5 * time.Millisecond, Workers: 1, Timeout: time.Second})
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync loop did not exit after cancel")
	}
}
