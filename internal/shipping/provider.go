package shipping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Provider is a carrier integration.
type Provider interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) ([]Rate, error)
	Create(ctx context.Context, req CreateRequest) (Label, error)
	Track(ctx context.Context, req TrackRequest) (TrackingInfo, error)
	Cancel(ctx context.Context, providerShipmentID string) error
}

type QuoteRequest struct {
	Origin      Address
	Destination Address
	Parcel      Parcel
}

type Rate struct {
	Provider      string `json:"provider"`
	Carrier       string `json:"carrier"`
	ServiceLevel  string `json:"service_level"`
	CostCents     int64  `json:"cost_cents"`
	Currency      string `json:"currency"`
	EstimatedDays int    `json:"estimated_days"`
}

type CreateRequest struct {
	// Reference is the storefront order ID, echoed to the carrier.
	Reference          string
	Origin             Address
	Recipient          Address
	RecipientEmail     string
	Parcel             Parcel
	ServiceLevel       string
	DeclaredValueCents int64
	Currency           string
}

// Label is what a provider returns for a purchased shipment.
type Label struct {
	ProviderShipmentID string
	TrackingNumber     string
	TrackingURL        string
	LabelURL           string
	Carrier            string
	ServiceLevel       string
	CostCents          int64
	Currency           string
	Status             Status
}

type TrackRequest struct {
	ProviderShipmentID string
	TrackingNumber     string
	CreatedAt          time.Time
}

type TrackingInfo struct {
	Status Status
	Events []TrackingEvent
}

// Factory builds a provider for one store's settings.
type Factory func(Settings) (Provider, error)

// Registry maps provider names to factories and keeps recently built
// providers keyed by the settings that produced them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	built     *lru.Cache[uint64, Provider]
}

// NewRegistry returns an empty registry caching up to size providers.
func NewRegistry(size int) (*Registry, error) {
	built, err := lru.New[uint64, Provider](size)
	if err != nil {
		return nil, fmt.Errorf("provider cache: %w", err)
	}
	return &Registry{factories: make(map[string]Factory), built: built}, nil
}

// Register adds or replaces a factory. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(name)] = f
	r.mu.Unlock()
	r.built.Purge()
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Names lists registered providers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Resolve returns the provider configured by s, wrapped with metrics.
func (r *Registry) Resolve(s Settings) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(s.Provider))
	if name == "" {
		name = DefaultProvider
	}
	key := fingerprint(name, s.APIKey, s.SecretKey)
	if p, ok := r.built.Get(key); ok {
		return p, nil
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	p, err := f(s)
	if err != nil {
		return nil, fmt.Errorf("%w: build provider %s: %w", ErrValidation, name, err)
	}
	p = instrumented{p}
	r.built.Add(key, p)
	return p, nil
}

func fingerprint(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

type instrumented struct {
	Provider
}

func (p instrumented) Quote(ctx context.Context, req QuoteRequest) (rates []Rate, err error) {
	defer observeCall(p.Name(), "quote", time.Now(), &err)
	return p.Provider.Quote(ctx, req)
}

func (p instrumented) Create(ctx context.Context, req CreateRequest) (l Label, err error) {
	defer observeCall(p.Name(), "create", time.Now(), &err)
	return p.Provider.Create(ctx, req)
}

func (p instrumented) Track(ctx context.Context, req TrackRequest) (info TrackingInfo, err error) {
	defer observeCall(p.Name(), "track", time.Now(), &err)
	return p.Provider.Track(ctx, req)
}

func (p instrumented) Cancel(ctx context.Context, id string) (err error) {
	defer observeCall(p.Name(), "cancel", time.Now(), &err)
	return p.Provider.Cancel(ctx, id)
}

// ProviderError wraps a failure reported by a carrier integration.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerErr(p Provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: p.Name(), Op: op, Err: err}
}
