package shipping

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockProviderName is the registry name of the offline provider.
const MockProviderName = "mock"

var mockProgression = []struct {
	status Status
	desc   string
}{
	{StatusCreated, "Label created"},
	{StatusInTransit, "Parcel picked up by carrier"},
	{StatusOutForDelivery, "Out for delivery"},
	{StatusDelivered, "Delivered"},
}

// MockProvider simulates a carrier without network access. A shipment moves
// one step along the created → delivered progression every step interval.
type MockProvider struct {
	step time.Duration
	now  func() time.Time
}

func NewMockProvider(step time.Duration, now func() time.Time) *MockProvider {
	if now == nil {
		now = time.Now
	}
	return &MockProvider{step: step, now: now}
}

// MockFactory registers the mock provider; it ignores store credentials.
func MockFactory(step time.Duration) Factory {
	p := NewMockProvider(step, nil)
	return func(Settings) (Provider, error) { return p, nil }
}

func (m *MockProvider) Name() string { return MockProviderName }

func (m *MockProvider) Quote(_ context.Context, req QuoteRequest) ([]Rate, error) {
	if err := req.Parcel.validate(); err != nil {
		return nil, err
	}
	standard := mockCost("standard", req.Parcel.WeightGrams)
	return []Rate{
		{Provider: MockProviderName, Carrier: "Mock Express", ServiceLevel: "standard", CostCents: standard, Currency: "USD", EstimatedDays: 5},
		{Provider: MockProviderName, Carrier: "Mock Express", ServiceLevel: "express", CostCents: mockCost("express", req.Parcel.WeightGrams), Currency: "USD", EstimatedDays: 2},
	}, nil
}

func mockCost(level string, grams int) int64 {
	base := int64(1500) + 2*int64(grams)
	if level == "express" {
		return base * 18 / 10
	}
	return base
}

func (m *MockProvider) Create(_ context.Context, req CreateRequest) (Label, error) {
	if err := req.Parcel.validate(); err != nil {
		return Label{}, err
	}
	level := strings.ToLower(strings.TrimSpace(req.ServiceLevel))
	if level != "express" {
		level = "standard"
	}
	id := uuid.New()
	tn := "MOCK" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:12])
	return Label{
		ProviderShipmentID: "mock_" + id.String(),
		TrackingNumber:     tn,
		TrackingURL:        "https://tracking.mock.local/" + tn,
		LabelURL:           "https://labels.mock.local/" + tn + ".pdf",
		Carrier:            "Mock Express",
		ServiceLevel:       level,
		CostCents:          mockCost(level, req.Parcel.WeightGrams),
		Currency:           "USD",
		Status:             StatusCreated,
	}, nil
}

func (m *MockProvider) Track(_ context.Context, req TrackRequest) (TrackingInfo, error) {
	if req.CreatedAt.IsZero() {
		return TrackingInfo{Status: StatusCreated}, nil
	}
	idx := 0
	if m.step > 0 {
		idx = int(m.now().Sub(req.CreatedAt) / m.step)
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(mockProgression) {
		idx = len(mockProgression) - 1
	}
	// Label creation is recorded with the shipment itself.
	events := make([]TrackingEvent, 0, idx)
	for i := 1; i <= idx; i++ {
		events = append(events, TrackingEvent{
			OccurredAt:  req.CreatedAt.Add(time.Duration(i) * m.step).UTC(),
			Status:      mockProgression[i].status,
			Description: mockProgression[i].desc,
			Location:    "Mock Hub",
		})
	}
	return TrackingInfo{Status: mockProgression[idx].status, Events: events}, nil
}

func (m *MockProvider) Cancel(context.Context, string) error { return nil }
