package shipping

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"erp/ecommerce/storefront/internal/tenancy"
)

// MemoryStore keeps everything in process. It backs the service when
// Postgres is unavailable and in tests. Each store has its own lock, held for
// the whole WithStore call.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*memTenant
}

type memTenant struct {
	mu        sync.Mutex
	orders    map[string]Order
	shipments map[string]Shipment
	settings  *Settings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*memTenant)}
}

func (m *MemoryStore) Mode() string { return "memory" }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) tenant(storeID string) *memTenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[storeID]
	if !ok {
		t = &memTenant{orders: make(map[string]Order), shipments: make(map[string]Shipment)}
		m.tenants[storeID] = t
	}
	return t
}

func (m *MemoryStore) WithStore(_ context.Context, storeID string, fn func(Tx) error) error {
	storeID, err := tenancy.NormalizeStoreID(storeID)
	if err != nil {
		return err
	}
	t := m.tenant(storeID)
	t.mu.Lock()
	defer t.mu.Unlock()

	orders := make(map[string]Order, len(t.orders))
	for k, v := range t.orders {
		orders[k] = v
	}
	shipments := make(map[string]Shipment, len(t.shipments))
	for k, v := range t.shipments {
		shipments[k] = v
	}
	settings := t.settings

	if err := fn(&memTx{storeID: storeID, t: t}); err != nil {
		t.orders, t.shipments, t.settings = orders, shipments, settings
		return err
	}
	return nil
}

func (m *MemoryStore) StoreIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	candidates := make(map[string]*memTenant, len(m.tenants))
	for id, t := range m.tenants {
		candidates[id] = t
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(candidates))
	for id, t := range candidates {
		t.mu.Lock()
		registered := t.settings != nil || len(t.orders) > 0
		t.mu.Unlock()
		if registered {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type memTx struct {
	storeID string
	t       *memTenant
}

func (tx *memTx) InsertOrder(_ context.Context, o Order) error {
	if _, ok := tx.t.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrOrderExists)
	}
	o.StoreID = tx.storeID
	o.Items = append([]OrderItem(nil), o.Items...)
	tx.t.orders[o.ID] = o
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (Order, error) {
	o, ok := tx.t.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Items = append([]OrderItem(nil), o.Items...)
	return o, nil
}

func (tx *memTx) SetOrderStatus(_ context.Context, id string, status OrderStatus, at time.Time) error {
	o, ok := tx.t.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = at
	tx.t.orders[id] = o
	return nil
}

func (tx *memTx) GetSettings(context.Context) (Settings, error) {
	if tx.t.settings == nil {
		return DefaultSettings(tx.storeID), nil
	}
	return *tx.t.settings, nil
}

func (tx *memTx) PutSettings(_ context.Context, s Settings) error {
	s.StoreID = tx.storeID
	tx.t.settings = &s
	return nil
}

func (tx *memTx) InsertShipment(_ context.Context, sh Shipment) error {
	if _, ok := tx.t.shipments[sh.ID]; ok {
		return fmt.Errorf("shipment %s already exists", sh.ID)
	}
	if sh.Status != StatusCancelled {
		if _, err := tx.activeFor(sh.OrderID); err == nil {
			return fmt.Errorf("order %s: %w", sh.OrderID, ErrShipmentExists)
		}
	}
	sh.StoreID = tx.storeID
	tx.t.shipments[sh.ID] = cloneShipment(sh)
	return nil
}

func (tx *memTx) GetShipment(_ context.Context, id string) (Shipment, error) {
	sh, ok := tx.t.shipments[id]
	if !ok {
		return Shipment{}, fmt.Errorf("shipment %s: %w", id, ErrNotFound)
	}
	return cloneShipment(sh), nil
}

func (tx *memTx) ActiveShipmentForOrder(_ context.Context, orderID string) (Shipment, error) {
	return tx.activeFor(orderID)
}

func (tx *memTx) activeFor(orderID string) (Shipment, error) {
	for _, sh := range tx.t.shipments {
		if sh.OrderID == orderID && sh.Status != StatusCancelled {
			return cloneShipment(sh), nil
		}
	}
	return Shipment{}, fmt.Errorf("shipment for order %s: %w", orderID, ErrNotFound)
}

func (tx *memTx) UpdateShipment(_ context.Context, sh Shipment) error {
	if _, ok := tx.t.shipments[sh.ID]; !ok {
		return fmt.Errorf("shipment %s: %w", sh.ID, ErrNotFound)
	}
	sh.StoreID = tx.storeID
	tx.t.shipments[sh.ID] = cloneShipment(sh)
	return nil
}

func (tx *memTx) ListShipments(_ context.Context, f ListFilter) (ListPage, error) {
	f = f.normalized()
	cursorTime, cursorID, err := ParseCursor(f.Cursor)
	if err != nil {
		return ListPage{}, err
	}

	items := make([]Shipment, 0)
	for _, sh := range tx.t.shipments {
		if f.matches(sh) {
			items = append(items, sh)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if !cursorTime.IsZero() {
		filtered := items[:0]
		for _, it := range items {
			if it.CreatedAt.Before(cursorTime) || (it.CreatedAt.Equal(cursorTime) && it.ID < cursorID) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	page := ListPage{Items: make([]Shipment, 0, min(len(items), f.Limit))}
	for i, it := range items {
		if i == f.Limit {
			last := items[f.Limit-1]
			page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
			break
		}
		page.Items = append(page.Items, cloneShipment(it))
	}
	return page, nil
}

func (tx *memTx) ExplainList(context.Context, ListFilter) (any, error) {
	return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
}

func cloneShipment(sh Shipment) Shipment {
	sh.Events = append([]TrackingEvent(nil), sh.Events...)
	return sh
}
