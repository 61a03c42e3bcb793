package enviopack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp/ecommerce/storefront/internal/shipping"
)

type fakeAPI struct {
	t         *testing.T
	authCalls atomic.Int32
	reject    atomic.Bool

	// hold, when set, stalls /auth until closed.
	hold chan struct{}

	mu       sync.Mutex
	order    map[string]any
	shipment map[string]any
	deleted  []string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth", func(w http.ResponseWriter, r *http.Request) {
		f.authCalls.Add(1)
		if f.hold != nil {
			<-f.hold
		}
		require.NoError(f.t, r.ParseForm())
		if r.PostForm.Get("api-key") != "key" || r.PostForm.Get("secret-key") != "secret" {
			http.Error(w, `{"message":"bad credentials"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expires_in": 14400})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if f.reject.Load() || r.URL.Query().Get("access_token") != "tok-1" {
				http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("GET /cotizar/costo", authed(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(f.t, "1.25", q.Get("peso"))
		assert.Equal(f.t, "C1425", q.Get("codigo_postal"))
		_, _ = w.Write([]byte(`[
			{"valor": 1520.5, "horas_entrega": 72, "servicio": "N", "correo": {"id": "OCA", "nombre": "OCA"}},
			{"valor": 2999.99, "horas_entrega": 24, "servicio": "P", "correo": {"id": "AND", "nombre": "Andreani"}}
		]`))
	}))
	mux.HandleFunc("POST /pedidos", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.order = body
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"id": 9001}`))
	}))
	mux.HandleFunc("POST /envios", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.shipment = body
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"id": 777, "tracking_number": "OCA123", "estado": "PROCESADO", "monto": 1520.5, "servicio": "N", "correo": {"nombre": "OCA"}}`))
	}))
	mux.HandleFunc("GET /envios/777/tracking", authed(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"estado": "EN_DISTRIBUCION", "tracking": [
			{"fecha": "2026-03-01 09:00:00", "estado": "DESPACHADO", "descripcion": "Despachado", "ubicacion": "CABA"},
			{"fecha": "2026-03-02 08:30:00", "estado": "EN_DISTRIBUCION", "descripcion": "En distribucion", "ubicacion": "Palermo"}
		]}`))
	}))
	mux.HandleFunc("DELETE /envios/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	return mux
}

func newTestProvider(t *testing.T) (*fakeAPI, shipping.Provider) {
	t.Helper()
	api := &fakeAPI{t: t}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, 5*time.Second)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	p, err := c.Factory()(shipping.Settings{Provider: Name, APIKey: "key", SecretKey: "secret"})
	require.NoError(t, err)
	return api, p
}

func TestFactoryRequiresCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Second)
	_, err := c.Factory()(shipping.Settings{Provider: Name, APIKey: "key"})
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestQuote(t *testing.T) {
	api, p := newTestProvider(t)
	rates, err := p.Quote(context.Background(), shipping.QuoteRequest{
		Destination: shipping.Address{PostalCode: "C1425", Province: "C"},
		Parcel:      shipping.Parcel{WeightGrams: 1250, LengthCM: 30, WidthCM: 20, HeightCM: 10},
	})
	require.NoError(t, err)
	require.Len(t, rates, 2)

	assert.Equal(t, shipping.Rate{Provider: Name, Carrier: "OCA", ServiceLevel: "standard", CostCents: 152050, Currency: "ARS", EstimatedDays: 3}, rates[0])
	assert.Equal(t, "express", rates[1].ServiceLevel)
	assert.Equal(t, int64(299999), rates[1].CostCents)
	assert.Equal(t, 1, rates[1].EstimatedDays)
	assert.EqualValues(t, 1, api.authCalls.Load())
}

func TestTokenIsReusedAcrossCalls(t *testing.T) {
	api, p := newTestProvider(t)
	req := shipping.QuoteRequest{
		Destination: shipping.Address{PostalCode: "C1425"},
		Parcel:      shipping.Parcel{WeightGrams: 1250},
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Quote(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, api.authCalls.Load())
}

func TestCancelledCallerDoesNotFailSharedAuth(t *testing.T) {
	api, p := newTestProvider(t)
	hold := make(chan struct{})
	api.hold = hold
	req := shipping.QuoteRequest{Destination: shipping.Address{PostalCode: "C1425"}, Parcel: shipping.Parcel{WeightGrams: 1250}}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Quote(first, req)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return api.authCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := p.Quote(context.Background(), req)
		secondErr <- err
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(hold)
	require.NoError(t, <-secondErr)
	assert.EqualValues(t, 1, api.authCalls.Load())
}

func TestUnauthorizedDropsToken(t *testing.T) {
	api, p := newTestProvider(t)
	req := shipping.QuoteRequest{Destination: shipping.Address{PostalCode: "C1425"}, Parcel: shipping.Parcel{WeightGrams: 1250}}

	_, err := p.Quote(context.Background(), req)
	require.NoError(t, err)

	api.reject.Store(true)
	_, err = p.Quote(context.Background(), req)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	api.reject.Store(false)
	_, err = p.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.authCalls.Load())
}

func TestCreate(t *testing.T) {
	api, p := newTestProvider(t)
	l, err := p.Create(context.Background(), shipping.CreateRequest{
		Reference:          "ord_1",
		Recipient:          shipping.Address{Name: "Ana Maria Lopez", Street: "Av. Santa Fe", Number: "1234", City: "CABA", PostalCode: "C1425", Country: "AR"},
		RecipientEmail:     "ana@example.com",
		Parcel:             shipping.Parcel{WeightGrams: 1250, LengthCM: 30, WidthCM: 20, HeightCM: 10},
		ServiceLevel:       "standard",
		DeclaredValueCents: 1999900,
	})
	require.NoError(t, err)

	assert.Equal(t, "777", l.ProviderShipmentID)
	assert.Equal(t, "OCA123", l.TrackingNumber)
	assert.Equal(t, "https://seguimiento.enviopack.com/OCA123", l.TrackingURL)
	assert.Contains(t, l.LabelURL, "/envios/777/etiqueta")
	assert.Equal(t, shipping.StatusCreated, l.Status)
	assert.Equal(t, int64(152050), l.CostCents)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "ord_1", api.order["id_externo"])
	assert.Equal(t, "Ana Maria", api.order["nombre"])
	assert.Equal(t, "Lopez", api.order["apellido"])
	assert.Equal(t, 19999.0, api.order["monto"])
	assert.Equal(t, "2026-03-01 09:00:00", api.order["fecha_alta"])
	assert.Equal(t, 9001.0, api.shipment["pedido"])
	assert.Equal(t, "N", api.shipment["servicio"])
	paquetes := api.shipment["paquetes"].([]any)
	require.Len(t, paquetes, 1)
	assert.Equal(t, "1.25", paquetes[0].(map[string]any)["peso"])
}

func TestTrack(t *testing.T) {
	_, p := newTestProvider(t)
	info, err := p.Track(context.Background(), shipping.TrackRequest{ProviderShipmentID: "777"})
	require.NoError(t, err)

	assert.Equal(t, shipping.StatusOutForDelivery, info.Status)
	require.Len(t, info.Events, 2)
	assert.Equal(t, shipping.StatusInTransit, info.Events[0].Status)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), info.Events[0].OccurredAt)
	assert.Equal(t, "Palermo", info.Events[1].Location)
}

func TestCancel(t *testing.T) {
	api, p := newTestProvider(t)
	require.NoError(t, p.Cancel(context.Background(), "777"))
	assert.Equal(t, []string{"777"}, api.deleted)

	require.Error(t, p.Cancel(context.Background(), ""))
}

func TestMapStatus(t *testing.T) {
	cases := map[string]shipping.Status{
		"CREADO":          shipping.StatusCreated,
		"en_camino":       shipping.StatusInTransit,
		"EN_DISTRIBUCION": shipping.StatusOutForDelivery,
		" ENTREGADO ":     shipping.StatusDelivered,
		"NO_ENTREGADO":    shipping.StatusException,
		"CANCELADO":       shipping.StatusCancelled,
		"DEVUELTO":        shipping.StatusReturned,
		"SOMETHING_NEW":   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), in)
	}
}
