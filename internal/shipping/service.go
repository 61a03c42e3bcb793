package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp/ecommerce/storefront/internal/tenancy"
)

// Notifier tells customers about their shipment.
type Notifier interface {
	ShipmentCreated(ctx context.Context, o Order, sh Shipment) error
	ShipmentDelivered(ctx context.Context, o Order, sh Shipment) error
}

type nopNotifier struct{}

func (nopNotifier) ShipmentCreated(context.Context, Order, Shipment) error   { return nil }
func (nopNotifier) ShipmentDelivered(context.Context, Order, Shipment) error { return nil }

type Options struct {
	ListTTL  time.Duration
	QuoteTTL time.Duration
	Logger   *zap.Logger
	Notifier Notifier
	Now      func() time.Time
}

// Service is the shipping orchestration layer used by the HTTP handlers and
// the tracking sync job.
type Service struct {
	store    Store
	registry *Registry
	notifier Notifier
	logger   *zap.Logger
	lists    *listCache
	quotes   *quoteCache
	now      func() time.Time
}

// NewService wires a service. Call Close to stop the cache janitors.
func NewService(store Store, registry *Registry, opts Options) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		lists:    newListCache(opts.ListTTL),
		quotes:   newQuoteCache(opts.QuoteTTL),
		now:      opts.Now,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	startCache(s.lists.c)
	startCache(s.quotes.c)
	return s
}

func (s *Service) Close() {
	stopCache(s.lists.c)
	stopCache(s.quotes.c)
}

func (s *Service) Mode() string { return s.store.Mode() }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Providers lists the registered provider names.
func (s *Service) Providers() []string { return s.registry.Names() }

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderInput registers an order handed over by checkout.
type OrderInput struct {
	ID              string      `json:"id"`
	CustomerName    string      `json:"customer_name"`
	CustomerEmail   string      `json:"customer_email"`
	ShippingAddress Address     `json:"shipping_address"`
	Items           []OrderItem `json:"items"`
	TotalCents      int64       `json:"total_cents"`
	Currency        string      `json:"currency"`
	Status          string      `json:"status"`
}

func (s *Service) buildOrder(storeID string, in OrderInput) (Order, error) {
	if err := in.ShippingAddress.validate("shipping_address"); err != nil {
		return Order{}, err
	}
	if len(in.Items) == 0 {
		return Order{}, validationError("items required")
	}
	for i, it := range in.Items {
		if it.Quantity <= 0 {
			return Order{}, validationError(fmt.Sprintf("items[%d].quantity must be positive", i))
		}
		if it.WeightGrams < 0 {
			return Order{}, validationError(fmt.Sprintf("items[%d].weight_grams must not be negative", i))
		}
	}
	status := OrderPaid
	if strings.TrimSpace(in.Status) != "" {
		status = ParseOrderStatus(in.Status)
		if status == "" {
			return Order{}, validationError("invalid status")
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = newID("ord_")
	}
	now := s.now()
	return Order{
		ID:              id,
		StoreID:         storeID,
		CustomerName:    strings.TrimSpace(in.CustomerName),
		CustomerEmail:   strings.TrimSpace(in.CustomerEmail),
		ShippingAddress: in.ShippingAddress,
		Items:           in.Items,
		TotalCents:      in.TotalCents,
		Currency:        currency,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *Service) RegisterOrder(ctx context.Context, storeID string, in OrderInput) (Order, error) {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return Order{}, err
	}
	o, err := s.buildOrder(storeID, in)
	if err != nil {
		return Order{}, err
	}
	if err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
		return tx.InsertOrder(ctx, o)
	}); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, storeID, id string) (Order, error) {
	var o Order
	err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// SettingsInput is a partial settings update; nil fields are left unchanged.
type SettingsInput struct {
	Provider       *string  `json:"provider,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
	ServiceLevel   *string  `json:"service_level,omitempty"`
	Origin         *Address `json:"origin,omitempty"`
	DefaultParcel  *Parcel  `json:"default_parcel,omitempty"`
	NotifyCustomer *bool    `json:"notify_customer,omitempty"`
	APIKey         *string  `json:"api_key,omitempty"`
	SecretKey      *string  `json:"secret_key,omitempty"`
}

func (in SettingsInput) empty() bool {
	return in.Provider == nil && in.Enabled == nil && in.ServiceLevel == nil && in.Origin == nil &&
		in.DefaultParcel == nil && in.NotifyCustomer == nil && in.APIKey == nil && in.SecretKey == nil
}

func (s *Service) GetSettings(ctx context.Context, storeID string) (Settings, error) {
	var out Settings
	err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		out, err = tx.GetSettings(ctx)
		return err
	})
	return out, err
}

func (s *Service) UpdateSettings(ctx context.Context, storeID string, in SettingsInput) (Settings, error) {
	if in.empty() {
		return Settings{}, validationError("empty update payload")
	}
	var out Settings
	err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
		cur, err := tx.GetSettings(ctx)
		if err != nil {
			return err
		}
		if in.Provider != nil {
			name := strings.ToLower(strings.TrimSpace(*in.Provider))
			if !s.registry.Has(name) {
				return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
			}
			cur.Provider = name
		}
		if in.Enabled != nil {
			cur.Enabled = *in.Enabled
		}
		if in.ServiceLevel != nil {
			cur.ServiceLevel = strings.ToLower(strings.TrimSpace(*in.ServiceLevel))
		}
		if in.Origin != nil {
			if err := in.Origin.validate("origin"); err != nil {
				return err
			}
			cur.Origin = *in.Origin
		}
		if in.DefaultParcel != nil {
			if err := in.DefaultParcel.validate(); err != nil {
				return err
			}
			cur.DefaultParcel = *in.DefaultParcel
		}
		if in.NotifyCustomer != nil {
			cur.NotifyCustomer = *in.NotifyCustomer
		}
		// Masked values echoed back from a GET leave the stored secret alone.
		if in.APIKey != nil && !isMaskedSecret(*in.APIKey) {
			cur.APIKey = strings.TrimSpace(*in.APIKey)
		}
		if in.SecretKey != nil && !isMaskedSecret(*in.SecretKey) {
			cur.SecretKey = strings.TrimSpace(*in.SecretKey)
		}
		if _, err := s.registry.Resolve(cur); err != nil {
			return err
		}
		cur.UpdatedAt = s.now()
		if err := tx.PutSettings(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	s.quotes.purge()
	return out, nil
}

// ---------------------------------------------------------------------------
// Shipments - Create
// ---------------------------------------------------------------------------

// CreateOptions override the store defaults for one shipment.
type CreateOptions struct {
	ServiceLevel string  `json:"service_level"`
	Parcel       *Parcel `json:"parcel,omitempty"`
}

// CreateShipment buys a label for a paid order with the store's provider and
// records the shipment. Reading the order, calling the provider and writing
// the shipment happen in a single store transaction.
func (s *Service) CreateShipment(ctx context.Context, storeID, orderID string, opts CreateOptions) (Shipment, error) {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return Shipment{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Shipment{}, validationError("order id required")
	}

	var (
		created  Shipment
		order    Order
		settings Settings
		provider Provider
		label    *Label
	)
	err = s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		if settings, err = tx.GetSettings(ctx); err != nil {
			return err
		}
		if !settings.Enabled {
			return ErrShippingDisabled
		}
		if order, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		if !order.Status.Shippable() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotShippable, order.ID, order.Status)
		}
		if existing, err := tx.ActiveShipmentForOrder(ctx, orderID); err == nil {
			return fmt.Errorf("%w: %s", ErrShipmentExists, existing.ID)
		} else if !IsNotFound(err) {
			return err
		}
		if provider, err = s.registry.Resolve(settings); err != nil {
			return err
		}

		parcel := settings.DefaultParcel
		parcel.WeightGrams = order.WeightGrams()
		if opts.Parcel != nil {
			parcel = *opts.Parcel
		}
		if err := parcel.validate(); err != nil {
			return err
		}
		level := strings.ToLower(strings.TrimSpace(opts.ServiceLevel))
		if level == "" {
			level = settings.ServiceLevel
		}

		l, err := provider.Create(ctx, CreateRequest{
			Reference:          order.ID,
			Origin:             settings.Origin,
			Recipient:          order.ShippingAddress,
			RecipientEmail:     order.CustomerEmail,
			Parcel:             parcel,
			ServiceLevel:       level,
			DeclaredValueCents: order.TotalCents,
			Currency:           order.Currency,
		})
		if err != nil {
			return providerErr(provider, "create", err)
		}
		label = &l

		now := s.now()
		status := l.Status
		if status == "" {
			status = StatusCreated
		}
		sh := Shipment{
			ID:                 newID("shp_"),
			StoreID:            storeID,
			OrderID:            order.ID,
			Provider:           provider.Name(),
			ProviderShipmentID: l.ProviderShipmentID,
			TrackingNumber:     l.TrackingNumber,
			TrackingURL:        l.TrackingURL,
			LabelURL:           l.LabelURL,
			Carrier:            l.Carrier,
			ServiceLevel:       firstNonEmpty(l.ServiceLevel, level),
			Status:             status,
			CostCents:          l.CostCents,
			Currency:           l.Currency,
			Parcel:             parcel,
			Recipient:          order.ShippingAddress,
			Events: []TrackingEvent{{
				OccurredAt:  now,
				Status:      status,
				Description: "Shipment created with " + firstNonEmpty(l.Carrier, provider.Name()),
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertShipment(ctx, sh); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, order.ID, OrderShipped, now); err != nil {
			return err
		}
		created = sh
		return nil
	})
	if err != nil {
		if label != nil {
			s.releaseLabel(ctx, provider, storeID, orderID, *label, err)
		}
		return Shipment{}, err
	}

	shipmentsCreated.WithLabelValues(created.Provider).Inc()
	s.lists.invalidate(storeID)
	s.logger.Info("shipment created",
		zap.String("store_id", storeID),
		zap.String("order_id", orderID),
		zap.String("shipment_id", created.ID),
		zap.String("provider", created.Provider),
		zap.String("tracking_number", created.TrackingNumber),
	)
	if settings.NotifyCustomer && order.CustomerEmail != "" {
		if err := s.notifier.ShipmentCreated(ctx, order, created); err != nil {
			s.logger.Warn("shipment created notification failed", zap.String("shipment_id", created.ID), zap.Error(err))
		}
	}
	return created, nil
}

// releaseLabel cancels a label bought at the provider whose shipment could
// not be recorded.
func (s *Service) releaseLabel(ctx context.Context, p Provider, storeID, orderID string, l Label, cause error) {
	log := s.logger.With(
		zap.String("store_id", storeID),
		zap.String("order_id", orderID),
		zap.String("provider", p.Name()),
		zap.String("provider_shipment_id", l.ProviderShipmentID),
		zap.NamedError("cause", cause),
	)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.Cancel(cctx, l.ProviderShipmentID); err != nil {
		log.Error("orphaned provider label could not be cancelled", zap.Error(err))
		return
	}
	log.Warn("cancelled provider label after failed shipment write")
}

// ---------------------------------------------------------------------------
// Shipments - Track / Cancel
// ---------------------------------------------------------------------------

// TrackShipment refreshes a shipment from its provider. Terminal shipments
// are returned as stored.
func (s *Service) TrackShipment(ctx context.Context, storeID, id string) (Shipment, error) {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return Shipment{}, err
	}
	var (
		sh        Shipment
		order     Order
		settings  Settings
		changed   bool
		delivered bool
	)
	err = s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		if sh, err = tx.GetShipment(ctx, id); err != nil {
			return err
		}
		if sh.Status.Terminal() {
			return nil
		}
		if settings, err = tx.GetSettings(ctx); err != nil {
			return err
		}
		// Track with the provider that created the label, even if the store
		// has switched since.
		ps := settings
		ps.Provider = sh.Provider
		provider, err := s.registry.Resolve(ps)
		if err != nil {
			return err
		}
		info, err := provider.Track(ctx, TrackRequest{
			ProviderShipmentID: sh.ProviderShipmentID,
			TrackingNumber:     sh.TrackingNumber,
			CreatedAt:          sh.CreatedAt,
		})
		if err != nil {
			return providerErr(provider, "track", err)
		}

		now := s.now()
		before := sh.Status
		changed = applyTracking(&sh, info, now)
		sh.LastCheckedAt = &now
		sh.UpdatedAt = now
		if err := tx.UpdateShipment(ctx, sh); err != nil {
			return err
		}
		if changed {
			statusChanges.WithLabelValues(sh.Provider, string(sh.Status)).Inc()
			s.logger.Info("shipment status changed",
				zap.String("store_id", storeID),
				zap.String("shipment_id", sh.ID),
				zap.String("from", string(before)),
				zap.String("to", string(sh.Status)),
			)
		}
		if changed && sh.Status == StatusDelivered {
			if err := tx.SetOrderStatus(ctx, sh.OrderID, OrderDelivered, now); err != nil {
				return err
			}
			if order, err = tx.GetOrder(ctx, sh.OrderID); err != nil {
				return err
			}
			delivered = true
		}
		if changed && sh.Status == StatusCancelled {
			// Voided at the carrier; the order can be shipped again.
			if err := tx.SetOrderStatus(ctx, sh.OrderID, OrderPaid, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Shipment{}, err
	}
	s.lists.invalidate(storeID)
	if delivered && settings.NotifyCustomer && order.CustomerEmail != "" {
		if err := s.notifier.ShipmentDelivered(ctx, order, sh); err != nil {
			s.logger.Warn("shipment delivered notification failed", zap.String("shipment_id", sh.ID), zap.Error(err))
		}
	}
	return sh, nil
}

// applyTracking merges info into sh and reports whether the status moved.
// Updates that would move the shipment backwards keep the current status.
func applyTracking(sh *Shipment, info TrackingInfo, now time.Time) bool {
	sh.Events, _ = MergeEvents(sh.Events, info.Events)

	changed := false
	if info.Status != "" && info.Status != sh.Status && CanTransition(sh.Status, info.Status) {
		sh.Status = info.Status
		changed = true
	}
	switch sh.Status {
	case StatusInTransit, StatusOutForDelivery, StatusDelivered, StatusReturned:
		if sh.ShippedAt == nil {
			at := eventTime(sh.Events, now, StatusInTransit, StatusOutForDelivery, StatusDelivered)
			sh.ShippedAt = &at
		}
	}
	if sh.Status == StatusDelivered && sh.DeliveredAt == nil {
		at := eventTime(sh.Events, now, StatusDelivered)
		sh.DeliveredAt = &at
	}
	return changed
}

// eventTime returns the time of the first event in one of statuses, or
// fallback.
func eventTime(events []TrackingEvent, fallback time.Time, statuses ...Status) time.Time {
	for _, ev := range events {
		for _, st := range statuses {
			if ev.Status == st {
				return ev.OccurredAt
			}
		}
	}
	return fallback
}

// CancelShipment voids the label at the provider and returns the order to
// paid so a new shipment can be created.
func (s *Service) CancelShipment(ctx context.Context, storeID, id string) (Shipment, error) {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return Shipment{}, err
	}
	var sh Shipment
	err = s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		if sh, err = tx.GetShipment(ctx, id); err != nil {
			return err
		}
		if !CanTransition(sh.Status, StatusCancelled) || sh.Status == StatusCancelled {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sh.Status, StatusCancelled)
		}
		settings, err := tx.GetSettings(ctx)
		if err != nil {
			return err
		}
		settings.Provider = sh.Provider
		provider, err := s.registry.Resolve(settings)
		if err != nil {
			return err
		}
		if err := provider.Cancel(ctx, sh.ProviderShipmentID); err != nil {
			return providerErr(provider, "cancel", err)
		}
		now := s.now()
		sh.Status = StatusCancelled
		sh.Events = append(sh.Events, TrackingEvent{OccurredAt: now, Status: StatusCancelled, Description: "Shipment cancelled"})
		sh.UpdatedAt = now
		if err := tx.UpdateShipment(ctx, sh); err != nil {
			return err
		}
		return tx.SetOrderStatus(ctx, sh.OrderID, OrderPaid, now)
	})
	if err != nil {
		return Shipment{}, err
	}
	s.lists.invalidate(storeID)
	s.logger.Info("shipment cancelled", zap.String("store_id", storeID), zap.String("shipment_id", sh.ID))
	return sh, nil
}

// ---------------------------------------------------------------------------
// Shipments - Read
// ---------------------------------------------------------------------------

func (s *Service) GetShipment(ctx context.Context, storeID, id string) (Shipment, error) {
	var sh Shipment
	err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		sh, err = tx.GetShipment(ctx, id)
		return err
	})
	return sh, err
}

// ListShipments pages through a store's shipments, newest first. First pages
// are served from a short-lived cache.
func (s *Service) ListShipments(ctx context.Context, storeID string, f ListFilter) (ListPage, error) {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return ListPage{}, err
	}
	f = f.normalized()
	if f.Cursor == "" {
		if cached, ok := s.lists.get(storeID, f); ok {
			cached.Cached = true
			return cached, nil
		}
	}
	var page ListPage
	err = s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		page, err = tx.ListShipments(ctx, f)
		return err
	})
	if err != nil {
		return ListPage{}, err
	}
	if f.Cursor == "" {
		s.lists.set(storeID, f, page)
	}
	return page, nil
}

func (s *Service) ExplainShipments(ctx context.Context, storeID string, f ListFilter) (any, error) {
	var plan any
	err := s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		plan, err = tx.ExplainList(ctx, f)
		return err
	})
	return plan, err
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

// QuoteInput prices either a registered order or an explicit destination.
type QuoteInput struct {
	OrderID     string   `json:"order_id"`
	Destination *Address `json:"destination,omitempty"`
	Parcel      *Parcel  `json:"parcel,omitempty"`
}

type QuoteResult struct {
	Rates  []Rate `json:"rates"`
	Cached bool   `json:"cached"`
}

func (s *Service) Quote(ctx context.Context, storeID string, in QuoteInput) (QuoteResult, error) {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return QuoteResult{}, err
	}
	if strings.TrimSpace(in.OrderID) == "" && in.Destination == nil {
		return QuoteResult{}, validationError("order_id or destination required")
	}

	var settings Settings
	req := QuoteRequest{}
	err = s.store.WithStore(ctx, storeID, func(tx Tx) error {
		var err error
		if settings, err = tx.GetSettings(ctx); err != nil {
			return err
		}
		if !settings.Enabled {
			return ErrShippingDisabled
		}
		req.Origin = settings.Origin
		req.Parcel = settings.DefaultParcel
		if id := strings.TrimSpace(in.OrderID); id != "" {
			o, err := tx.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			req.Destination = o.ShippingAddress
			req.Parcel.WeightGrams = o.WeightGrams()
		}
		return nil
	})
	if err != nil {
		return QuoteResult{}, err
	}
	if in.Destination != nil {
		if err := in.Destination.validate("destination"); err != nil {
			return QuoteResult{}, err
		}
		req.Destination = *in.Destination
	}
	if in.Parcel != nil {
		req.Parcel = *in.Parcel
	}
	if err := req.Parcel.validate(); err != nil {
		return QuoteResult{}, err
	}

	provider, err := s.registry.Resolve(settings)
	if err != nil {
		return QuoteResult{}, err
	}
	key := quoteKey(storeID, provider.Name(), req)
	if rates, ok := s.quotes.get(key); ok {
		return QuoteResult{Rates: rates, Cached: true}, nil
	}
	rates, err := provider.Quote(ctx, req)
	if err != nil {
		return QuoteResult{}, providerErr(provider, "quote", err)
	}
	s.quotes.set(key, rates)
	return QuoteResult{Rates: rates}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsProviderError reports whether err came from a carrier integration.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
