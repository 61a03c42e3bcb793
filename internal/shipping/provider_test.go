package shipping

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct {
	fakeProvider
	name string
}

func (p *namedProvider) Name() string { return p.name }

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistry(8)
	require.NoError(t, err)

	builds := 0
	reg.Register("Carrier", func(s Settings) (Provider, error) {
		builds++
		if s.APIKey == "" {
			return nil, errors.New("api key required")
		}
		return &namedProvider{name: "carrier"}, nil
	})

	assert.True(t, reg.Has(" CARRIER "))
	assert.False(t, reg.Has("other"))

	s := Settings{Provider: "carrier", APIKey: "k1"}
	p1, err := reg.Resolve(s)
	require.NoError(t, err)
	p2, err := reg.Resolve(s)
	require.NoError(t, err)
	assert.Same(t, p1.(instrumented).Provider, p2.(instrumented).Provider)
	assert.Equal(t, 1, builds)

	s.APIKey = "k2"
	_, err = reg.Resolve(s)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "new credentials build a new provider")

	_, err = reg.Resolve(Settings{Provider: "carrier"})
	require.ErrorContains(t, err, "api key required")

	_, err = reg.Resolve(Settings{Provider: "pigeon"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryDefaultsToMock(t *testing.T) {
	reg, err := NewRegistry(8)
	require.NoError(t, err)
	reg.Register(MockProviderName, MockFactory(time.Hour))
	reg.Register("enviopack", func(Settings) (Provider, error) { return nil, errors.New("unused") })

	p, err := reg.Resolve(Settings{})
	require.NoError(t, err)
	assert.Equal(t, MockProviderName, p.Name())
	assert.Equal(t, []string{"enviopack", "mock"}, reg.Names())
}

func TestInstrumentedProviderRecordsCalls(t *testing.T) {
	reg, err := NewRegistry(8)
	require.NoError(t, err)
	fake := &namedProvider{name: "metered"}
	fake.trackErr = errors.New("boom")
	reg.Register("metered", func(Settings) (Provider, error) { return fake, nil })

	p, err := reg.Resolve(Settings{Provider: "metered"})
	require.NoError(t, err)

	_, err = p.Quote(context.Background(), QuoteRequest{})
	require.NoError(t, err)
	_, err = p.Track(context.Background(), TrackRequest{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(providerCalls.WithLabelValues("metered", "quote", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(providerCalls.WithLabelValues("metered", "track", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(providerCalls.WithLabelValues("metered", "track", "success")))
}

func TestRegisterMetricsExposesCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	RegisterMetrics(registry)
	shipmentsCreated.WithLabelValues("registered").Add(0)

	mfs, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["shipping_shipments_created_total"])
	assert.True(t, names["shipping_tracking_sync_failures_total"])
	assert.Equal(t, 1, testutil.CollectAndCount(syncFailures))
}

func TestMockProviderTrackProgression(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	m := NewMockProvider(time.Hour, func() time.Time { return now })
	ctx := context.Background()

	l, err := m.Create(ctx, CreateRequest{Parcel: Parcel{WeightGrams: 500}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(l.TrackingNumber, "MOCK"))
	assert.Len(t, l.TrackingNumber, 16)
	assert.Equal(t, StatusCreated, l.Status)

	req := TrackRequest{ProviderShipmentID: l.ProviderShipmentID, CreatedAt: t0}
	steps := []struct {
		after  time.Duration
		status Status
		events int
	}{
		{0, StatusCreated, 0},
		{59 * time.Minute, StatusCreated, 0},
		{time.Hour, StatusInTransit, 1},
		{2 * time.Hour, StatusOutForDelivery, 2},
		{3 * time.Hour, StatusDelivered, 3},
		{48 * time.Hour, StatusDelivered, 3},
	}
	for _, s := range steps {
		now = t0.Add(s.after)
		info, err := m.Track(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, s.status, info.Status, "after %s", s.after)
		assert.Len(t, info.Events, s.events, "after %s", s.after)
	}

	_, err = m.Quote(ctx, QuoteRequest{})
	require.ErrorIs(t, err, ErrValidation)
}
