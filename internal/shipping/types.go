// Package shipping orchestrates shipment creation and tracking for storefront
// orders across pluggable carrier providers. Every read and write is scoped to
// one store through Store.WithStore.
package shipping

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrOrderExists       = errors.New("order already registered")
	ErrOrderNotShippable = errors.New("order is not in a shippable state")
	ErrShipmentExists    = errors.New("order already has an active shipment")
	ErrInvalidTransition = errors.New("invalid shipment status transition")
	ErrUnknownProvider   = errors.New("unknown shipping provider")
	ErrShippingDisabled  = errors.New("shipping is disabled for this store")
	ErrValidation        = errors.New("validation failed")
)

// OrderStatus is the fulfilment view of an order's lifecycle.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderPaid       OrderStatus = "paid"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// ParseOrderStatus normalizes s; it returns "" for unknown values.
func ParseOrderStatus(s string) OrderStatus {
	switch st := OrderStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case OrderPending, OrderPaid, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled:
		return st
	default:
		return ""
	}
}

// Shippable reports whether a label may be bought for an order in status s.
func (s OrderStatus) Shippable() bool {
	return s == OrderPaid || s == OrderProcessing
}

type Address struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	Number     string `json:"number,omitempty"`
	Floor      string `json:"floor,omitempty"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a Address) validate(field string) error {
	var missing []string
	if strings.TrimSpace(a.Street) == "" {
		missing = append(missing, field+".street")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, field+".city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, field+".postal_code")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, field+".country")
	}
	if len(missing) > 0 {
		return validationError(strings.Join(missing, ", ") + " required")
	}
	return nil
}

type OrderItem struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	WeightGrams int    `json:"weight_grams"`
	PriceCents  int64  `json:"price_cents"`
}

type Order struct {
	ID              string      `json:"id"`
	StoreID         string      `json:"store_id"`
	CustomerName    string      `json:"customer_name,omitempty"`
	CustomerEmail   string      `json:"customer_email,omitempty"`
	ShippingAddress Address     `json:"shipping_address"`
	Items           []OrderItem `json:"items"`
	TotalCents      int64       `json:"total_cents"`
	Currency        string      `json:"currency"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// WeightGrams is the summed item weight, never below minParcelGrams.
func (o Order) WeightGrams() int {
	total := 0
	for _, it := range o.Items {
		total += it.Quantity * it.WeightGrams
	}
	if total < minParcelGrams {
		return minParcelGrams
	}
	return total
}

const minParcelGrams = 100

type Parcel struct {
	WeightGrams int `json:"weight_grams"`
	LengthCM    int `json:"length_cm"`
	WidthCM     int `json:"width_cm"`
	HeightCM    int `json:"height_cm"`
}

func (p Parcel) IsZero() bool { return p == Parcel{} }

func (p Parcel) validate() error {
	if p.WeightGrams <= 0 {
		return validationError("parcel.weight_grams must be positive")
	}
	if p.LengthCM < 0 || p.WidthCM < 0 || p.HeightCM < 0 {
		return validationError("parcel dimensions must not be negative")
	}
	return nil
}

// TrackingEvent is one carrier checkpoint.
type TrackingEvent struct {
	OccurredAt  time.Time `json:"occurred_at"`
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
}

type Shipment struct {
	ID                 string          `json:"id"`
	StoreID            string          `json:"store_id"`
	OrderID            string          `json:"order_id"`
	Provider           string          `json:"provider"`
	ProviderShipmentID string          `json:"provider_shipment_id,omitempty"`
	TrackingNumber     string          `json:"tracking_number,omitempty"`
	TrackingURL        string          `json:"tracking_url,omitempty"`
	LabelURL           string          `json:"label_url,omitempty"`
	Carrier            string          `json:"carrier,omitempty"`
	ServiceLevel       string          `json:"service_level,omitempty"`
	Status             Status          `json:"status"`
	CostCents          int64           `json:"cost_cents"`
	Currency           string          `json:"currency,omitempty"`
	Parcel             Parcel          `json:"parcel"`
	Recipient          Address         `json:"recipient"`
	Events             []TrackingEvent `json:"events"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	LastCheckedAt      *time.Time      `json:"last_checked_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Settings is a store's shipping configuration.
type Settings struct {
	StoreID        string    `json:"store_id"`
	Provider       string    `json:"provider"`
	Enabled        bool      `json:"enabled"`
	ServiceLevel   string    `json:"service_level,omitempty"`
	Origin         Address   `json:"origin"`
	DefaultParcel  Parcel    `json:"default_parcel"`
	NotifyCustomer bool      `json:"notify_customer"`
	APIKey         string    `json:"api_key,omitempty"`
	SecretKey      string    `json:"secret_key,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultProvider is used by stores that never saved settings.
const DefaultProvider = "mock"

// DefaultSettings is what a store without a settings row gets.
func DefaultSettings(storeID string) Settings {
	return Settings{
		StoreID:       storeID,
		Provider:      DefaultProvider,
		Enabled:       true,
		ServiceLevel:  "standard",
		DefaultParcel: Parcel{WeightGrams: 500, LengthCM: 30, WidthCM: 20, HeightCM: 10},
	}
}

// Masked hides provider credentials for API responses.
func (s Settings) Masked() Settings {
	if s.APIKey != "" {
		s.APIKey = maskSecret(s.APIKey)
	}
	if s.SecretKey != "" {
		s.SecretKey = "********"
	}
	return s
}

// isMaskedSecret reports whether v is a value produced by Masked.
func isMaskedSecret(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), "****")
}

func maskSecret(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

type validationError string

func (e validationError) Error() string { return string(e) }

func (e validationError) Is(target error) bool { return target == ErrValidation }
