package shipping

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store persists orders, shipments and per-store settings.
type Store interface {
	// WithStore runs fn with a Tx bound to storeID. Writes made through the Tx
	// are committed when fn returns nil and discarded otherwise.
	WithStore(ctx context.Context, storeID string, fn func(Tx) error) error
	// StoreIDs lists every registered store. It is the only operation that is
	// not tenant scoped.
	StoreIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

// Tx is a store-scoped unit of work. Methods never see other stores' rows.
type Tx interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	SetOrderStatus(ctx context.Context, id string, status OrderStatus, at time.Time) error

	GetSettings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	InsertShipment(ctx context.Context, sh Shipment) error
	GetShipment(ctx context.Context, id string) (Shipment, error)
	// ActiveShipmentForOrder returns the order's shipment unless it was
	// cancelled; ErrNotFound when there is none.
	ActiveShipmentForOrder(ctx context.Context, orderID string) (Shipment, error)
	UpdateShipment(ctx context.Context, sh Shipment) error
	ListShipments(ctx context.Context, f ListFilter) (ListPage, error)
	ExplainList(ctx context.Context, f ListFilter) (any, error)
}

// ListFilter selects shipments; zero fields are ignored.
type ListFilter struct {
	OrderID  string
	Status   Status
	Provider string
	// Active restricts the result to non-terminal shipments.
	Active bool
	Cursor string
	Limit  int
}

type ListPage struct {
	Items      []Shipment `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
	Cached     bool       `json:"cached"`
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func (f ListFilter) normalized() ListFilter {
	f.OrderID = strings.TrimSpace(f.OrderID)
	f.Provider = strings.ToLower(strings.TrimSpace(f.Provider))
	f.Cursor = strings.TrimSpace(f.Cursor)
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f
}

func (f ListFilter) matches(sh Shipment) bool {
	if f.OrderID != "" && sh.OrderID != f.OrderID {
		return false
	}
	if f.Status != "" && sh.Status != f.Status {
		return false
	}
	if f.Provider != "" && sh.Provider != f.Provider {
		return false
	}
	if f.Active && sh.Status.Terminal() {
		return false
	}
	return true
}

// ParseCursor decodes a "<unixnano>:<id>" keyset cursor.
func ParseCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", validationError("invalid cursor format")
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", validationError("invalid cursor timestamp")
	}
	if parts[1] == "" {
		return time.Time{}, "", validationError("invalid cursor id")
	}
	return time.Unix(0, n).UTC(), parts[1], nil
}

func EncodeCursor(ts time.Time, id string) string {
	return fmt.Sprintf("%d:%s", ts.UTC().UnixNano(), id)
}

// IsNotFound reports whether err means a missing order or shipment.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
