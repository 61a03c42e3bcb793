package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"erp/ecommerce/storefront/internal/logging"
	"erp/ecommerce/storefront/internal/shipping"
	"erp/ecommerce/storefront/internal/tenancy"
)

const serviceName = "shipping-service"

type server struct {
	svc      *shipping.Service
	logger   *zap.Logger
	module   string
	gatherer prometheus.Gatherer
}

// storeHandler receives the store resolved from the request headers.
type storeHandler func(w http.ResponseWriter, r *http.Request, storeID string)

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /v1/orders", s.scoped(s.handleRegisterOrder))
	mux.Handle("GET /v1/orders/{id}", s.scoped(s.handleGetOrder))
	mux.Handle("POST /v1/orders/{id}/shipment", s.scoped(s.handleCreateShipment))

	mux.Handle("POST /v1/shipping/quote", s.scoped(s.handleQuote))
	mux.Handle("GET /v1/shipping/settings", s.scoped(s.handleGetSettings))
	mux.Handle("PUT /v1/shipping/settings", s.scoped(s.handleUpdateSettings))
	mux.Handle("GET /v1/shipping/providers", s.scoped(s.handleProviders))

	mux.Handle("GET /v1/shipments", s.scoped(s.handleListShipments))
	mux.Handle("GET /v1/shipments/_explain", s.scoped(s.handleExplainShipments))
	mux.Handle("GET /v1/shipments/{id}", s.scoped(s.handleGetShipment))
	mux.Handle("POST /v1/shipments/{id}/track", s.scoped(s.handleTrackShipment))
	mux.Handle("POST /v1/shipments/{id}/cancel", s.scoped(s.handleCancelShipment))

	storeOf := func(r *http.Request) string {
		id, _ := tenancy.FromRequest(r)
		return id
	}
	return withServerDefaults(logging.Middleware(s.logger, storeOf, mux))
}

func (s *server) scoped(h storeHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storeID, err := tenancy.FromRequest(r)
		if errors.Is(err, tenancy.ErrMissingStore) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + tenancy.HeaderStoreID})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h(w, r.WithContext(tenancy.WithStoreID(r.Context(), storeID)), storeID)
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy", "module": s.module, "service": serviceName, "mode": s.svc.Mode()}
	if err := s.svc.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *server) handleRegisterOrder(w http.ResponseWriter, r *http.Request, storeID string) {
	var req shipping.OrderInput
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o, err := s.svc.RegisterOrder(r.Context(), storeID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": o, "event_topic": "erp.ecommerce.shipment.order.registered"})
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request, storeID string) {
	o, err := s.svc.GetOrder(r.Context(), storeID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "erp.ecommerce.shipment.order.read"})
}

func (s *server) handleCreateShipment(w http.ResponseWriter, r *http.Request, storeID string) {
	var opts shipping.CreateOptions
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &opts); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	sh, err := s.svc.CreateShipment(r.Context(), storeID, r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": sh, "event_topic": "erp.ecommerce.shipment.created"})
}

// ---------------------------------------------------------------------------
// Quotes / Settings
// ---------------------------------------------------------------------------

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request, storeID string) {
	var req shipping.QuoteInput
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.svc.Quote(r.Context(), storeID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": res.Rates, "cached": res.Cached, "event_topic": "erp.ecommerce.shipment.quoted"})
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request, storeID string) {
	st, err := s.svc.GetSettings(r.Context(), storeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": st.Masked(), "event_topic": "erp.ecommerce.shipment.settings.read"})
}

func (s *server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, storeID string) {
	var req shipping.SettingsInput
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, err := s.svc.UpdateSettings(r.Context(), storeID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": st.Masked(), "event_topic": "erp.ecommerce.shipment.settings.updated"})
}

func (s *server) handleProviders(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.Providers(), "event_topic": "erp.ecommerce.shipment.providers.listed"})
}

// ---------------------------------------------------------------------------
// Shipments
// ---------------------------------------------------------------------------

func listFilter(r *http.Request) (shipping.ListFilter, error) {
	q := r.URL.Query()
	f := shipping.ListFilter{
		OrderID:  strings.TrimSpace(q.Get("order_id")),
		Provider: strings.TrimSpace(q.Get("provider")),
		Cursor:   strings.TrimSpace(q.Get("cursor")),
		Limit:    intParam(r, "limit", shipping.DefaultListLimit, 1, shipping.MaxListLimit),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		f.Status = shipping.ParseStatus(raw)
		if f.Status == "" {
			return f, errors.New("invalid status")
		}
	}
	if raw := strings.TrimSpace(q.Get("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errors.New("invalid active flag")
		}
		f.Active = active
	}
	return f, nil
}

func (s *server) handleListShipments(w http.ResponseWriter, r *http.Request, storeID string) {
	f, err := listFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	page, err := s.svc.ListShipments(r.Context(), storeID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": page.Items, "next_cursor": page.NextCursor, "cached": page.Cached, "event_topic": "erp.ecommerce.shipment.listed"})
}

func (s *server) handleExplainShipments(w http.ResponseWriter, r *http.Request, storeID string) {
	f, err := listFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	plan, err := s.svc.ExplainShipments(r.Context(), storeID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "erp.ecommerce.shipment.explain.generated"})
}

func (s *server) handleGetShipment(w http.ResponseWriter, r *http.Request, storeID string) {
	sh, err := s.svc.GetShipment(r.Context(), storeID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": sh, "event_topic": "erp.ecommerce.shipment.read"})
}

func (s *server) handleTrackShipment(w http.ResponseWriter, r *http.Request, storeID string) {
	sh, err := s.svc.TrackShipment(r.Context(), storeID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": sh, "event_topic": "erp.ecommerce.shipment.tracked"})
}

func (s *server) handleCancelShipment(w http.ResponseWriter, r *http.Request, storeID string) {
	sh, err := s.svc.CancelShipment(r.Context(), storeID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": sh, "event_topic": "erp.ecommerce.shipment.cancelled"})
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func statusFor(err error) int {
	switch {
	case errors.Is(err, shipping.ErrValidation),
		errors.Is(err, shipping.ErrUnknownProvider),
		errors.Is(err, tenancy.ErrInvalidStore),
		errors.Is(err, tenancy.ErrMissingStore):
		return http.StatusBadRequest
	case errors.Is(err, shipping.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shipping.ErrOrderExists),
		errors.Is(err, shipping.ErrShipmentExists),
		errors.Is(err, shipping.ErrOrderNotShippable),
		errors.Is(err, shipping.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, shipping.ErrShippingDisabled):
		return http.StatusUnprocessableEntity
	case shipping.IsProviderError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func withServerDefaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, key string, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
