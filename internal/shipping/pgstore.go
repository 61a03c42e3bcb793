package shipping

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"erp/ecommerce/storefront/internal/tenancy"
)

// PoolOptions tunes the database/sql connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdle     time.Duration
	ConnMaxLifetime time.Duration
}

// PostgresStore persists to Postgres. Tenant-scoped work runs through
// tenancy.WithStoreContext so the RLS policies installed by Migrate apply.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and pings within five seconds.
func OpenPostgres(ctx context.Context, dsn string, opts PoolOptions) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("missing DATABASE_URL or DB_HOST")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxIdleTime(opts.ConnMaxIdle)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Mode() string { return "postgres" }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const statusCheck = `'pending','created','in_transit','out_for_delivery','delivered','exception','cancelled','returned'`

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS store_orders (
		id TEXT NOT NULL,
		store_id TEXT NOT NULL REFERENCES stores(id),
		customer_name TEXT,
		customer_email TEXT,
		shipping_address JSONB NOT NULL,
		items JSONB NOT NULL DEFAULT '[]',
		total_cents BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','paid','processing','shipped','delivered','cancelled')),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (store_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS store_shipping_settings (
		store_id TEXT PRIMARY KEY REFERENCES stores(id),
		provider TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		service_level TEXT,
		origin JSONB NOT NULL,
		default_parcel JSONB NOT NULL,
		notify_customer BOOLEAN NOT NULL DEFAULT false,
		api_key TEXT,
		secret_key TEXT,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS store_shipments (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL REFERENCES stores(id),
		order_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_shipment_id TEXT,
		tracking_number TEXT,
		tracking_url TEXT,
		label_url TEXT,
		carrier TEXT,
		service_level TEXT,
		status TEXT NOT NULL CHECK (status IN (` + statusCheck + `)),
		cost_cents BIGINT NOT NULL DEFAULT 0,
		currency TEXT,
		parcel JSONB NOT NULL,
		recipient JSONB NOT NULL,
		events JSONB NOT NULL DEFAULT '[]',
		shipped_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		last_checked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		FOREIGN KEY (store_id, order_id) REFERENCES store_orders (store_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_store_shipments_active_order ON store_shipments (store_id, order_id) WHERE status <> 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS idx_store_shipments_created ON store_shipments (store_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_store_shipments_status ON store_shipments (store_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_store_shipments_provider ON store_shipments (store_id, provider)`,
}

// rlsTables are isolated by the store_isolation policy.
var rlsTables = []string{"store_orders", "store_shipping_settings", "store_shipments"}

func rlsStatements() []string {
	policy := fmt.Sprintf(`store_id = current_setting('%s', true)`, tenancy.SettingName)
	var stmts []string
	for _, t := range rlsTables {
		stmts = append(stmts,
			fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, t),
			fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, t),
			fmt.Sprintf(`DROP POLICY IF EXISTS store_isolation ON %s`, t),
			fmt.Sprintf(`CREATE POLICY store_isolation ON %s USING (%s) WITH CHECK (%s)`, t, policy, policy),
		)
	}
	return stmts
}

// Migrate creates the schema and row-level security policies.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range append(append([]string{}, migrations...), rlsStatements()...) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) WithStore(ctx context.Context, storeID string, fn func(Tx) error) error {
	return tenancy.WithStoreContext(ctx, p.db, storeID, func(tx *sql.Tx) error {
		id, _ := tenancy.NormalizeStoreID(storeID)
		return fn(&pgTx{tx: tx, storeID: id})
	})
}

func (p *PostgresStore) StoreIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM stores ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgTx struct {
	tx      *sql.Tx
	storeID string
}

func (t *pgTx) registerStore(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO stores (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, t.storeID)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o Order) error {
	if err := t.registerStore(ctx); err != nil {
		return err
	}
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO store_orders (id, store_id, customer_name, customer_email, shipping_address, items, total_cents, currency, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10,$11)`,
		o.ID, t.storeID, nilIfEmpty(o.CustomerName), nilIfEmpty(o.CustomerEmail), string(addr), string(items),
		o.TotalCents, o.Currency, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err, "store_orders_pkey") {
		return fmt.Errorf("order %s: %w", o.ID, ErrOrderExists)
	}
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (Order, error) {
	var o Order
	var name, email sql.NullString
	var addr, items []byte
	var status string
	err := t.tx.QueryRowContext(ctx, `SELECT id, store_id, customer_name, customer_email, shipping_address, items, total_cents, currency, status, created_at, updated_at
		FROM store_orders WHERE store_id=$1 AND id=$2`, t.storeID, id).Scan(
		&o.ID, &o.StoreID, &name, &email, &addr, &items, &o.TotalCents, &o.Currency, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Order{}, err
	}
	o.CustomerName = name.String
	o.CustomerEmail = email.String
	o.Status = OrderStatus(status)
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return Order{}, fmt.Errorf("decode shipping_address: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode items: %w", err)
	}
	return o, nil
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id string, status OrderStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE store_orders SET status=$3, updated_at=$4 WHERE store_id=$1 AND id=$2`,
		t.storeID, id, string(status), at)
	if err != nil {
		return err
	}
	return requireAffected(res, "order "+id)
}

func (t *pgTx) GetSettings(ctx context.Context) (Settings, error) {
	s := Settings{StoreID: t.storeID}
	var level, apiKey, secret sql.NullString
	var origin, parcel []byte
	err := t.tx.QueryRowContext(ctx, `SELECT provider, enabled, service_level, origin, default_parcel, notify_customer, api_key, secret_key, updated_at
		FROM store_shipping_settings WHERE store_id=$1`, t.storeID).Scan(
		&s.Provider, &s.Enabled, &level, &origin, &parcel, &s.NotifyCustomer, &apiKey, &secret, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(t.storeID), nil
	}
	if err != nil {
		return Settings{}, err
	}
	s.ServiceLevel = level.String
	s.APIKey = apiKey.String
	s.SecretKey = secret.String
	if err := json.Unmarshal(origin, &s.Origin); err != nil {
		return Settings{}, fmt.Errorf("decode origin: %w", err)
	}
	if err := json.Unmarshal(parcel, &s.DefaultParcel); err != nil {
		return Settings{}, fmt.Errorf("decode default_parcel: %w", err)
	}
	return s, nil
}

func (t *pgTx) PutSettings(ctx context.Context, s Settings) error {
	if err := t.registerStore(ctx); err != nil {
		return err
	}
	origin, err := json.Marshal(s.Origin)
	if err != nil {
		return err
	}
	parcel, err := json.Marshal(s.DefaultParcel)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO store_shipping_settings (store_id, provider, enabled, service_level, origin, default_parcel, notify_customer, api_key, secret_key, updated_at)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10)
		ON CONFLICT (store_id) DO UPDATE SET
			provider=EXCLUDED.provider, enabled=EXCLUDED.enabled, service_level=EXCLUDED.service_level,
			origin=EXCLUDED.origin, default_parcel=EXCLUDED.default_parcel, notify_customer=EXCLUDED.notify_customer,
			api_key=EXCLUDED.api_key, secret_key=EXCLUDED.secret_key, updated_at=EXCLUDED.updated_at`,
		t.storeID, s.Provider, s.Enabled, nilIfEmpty(s.ServiceLevel), string(origin), string(parcel),
		s.NotifyCustomer, nilIfEmpty(s.APIKey), nilIfEmpty(s.SecretKey), s.UpdatedAt,
	)
	return err
}

const shipmentColumns = `id, store_id, order_id, provider, provider_shipment_id, tracking_number, tracking_url, label_url, carrier, service_level,
	status, cost_cents, currency, parcel, recipient, events, shipped_at, delivered_at, last_checked_at, created_at, updated_at`

func (t *pgTx) InsertShipment(ctx context.Context, sh Shipment) error {
	parcel, recipient, events, err := marshalShipmentJSON(sh)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO store_shipments (`+shipmentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15::jsonb,$16::jsonb,$17,$18,$19,$20,$21)`,
		sh.ID, t.storeID, sh.OrderID, sh.Provider, nilIfEmpty(sh.ProviderShipmentID), nilIfEmpty(sh.TrackingNumber),
		nilIfEmpty(sh.TrackingURL), nilIfEmpty(sh.LabelURL), nilIfEmpty(sh.Carrier), nilIfEmpty(sh.ServiceLevel),
		string(sh.Status), sh.CostCents, nilIfEmpty(sh.Currency), parcel, recipient, events,
		sh.ShippedAt, sh.DeliveredAt, sh.LastCheckedAt, sh.CreatedAt, sh.UpdatedAt,
	)
	if isUniqueViolation(err, "uq_store_shipments_active_order") {
		return fmt.Errorf("order %s: %w", sh.OrderID, ErrShipmentExists)
	}
	return err
}

func (t *pgTx) GetShipment(ctx context.Context, id string) (Shipment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM store_shipments WHERE store_id=$1 AND id=$2`, t.storeID, id)
	sh, err := scanShipment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Shipment{}, fmt.Errorf("shipment %s: %w", id, ErrNotFound)
	}
	return sh, err
}

func (t *pgTx) ActiveShipmentForOrder(ctx context.Context, orderID string) (Shipment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM store_shipments
		WHERE store_id=$1 AND order_id=$2 AND status <> 'cancelled'`, t.storeID, orderID)
	sh, err := scanShipment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Shipment{}, fmt.Errorf("shipment for order %s: %w", orderID, ErrNotFound)
	}
	return sh, err
}

func (t *pgTx) UpdateShipment(ctx context.Context, sh Shipment) error {
	parcel, recipient, events, err := marshalShipmentJSON(sh)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE store_shipments SET
			provider_shipment_id=$3, tracking_number=$4, tracking_url=$5, label_url=$6, carrier=$7, service_level=$8,
			status=$9, cost_cents=$10, currency=$11, parcel=$12::jsonb, recipient=$13::jsonb, events=$14::jsonb,
			shipped_at=$15, delivered_at=$16, last_checked_at=$17, updated_at=$18
		WHERE store_id=$1 AND id=$2`,
		t.storeID, sh.ID, nilIfEmpty(sh.ProviderShipmentID), nilIfEmpty(sh.TrackingNumber), nilIfEmpty(sh.TrackingURL),
		nilIfEmpty(sh.LabelURL), nilIfEmpty(sh.Carrier), nilIfEmpty(sh.ServiceLevel), string(sh.Status), sh.CostCents,
		nilIfEmpty(sh.Currency), parcel, recipient, events, sh.ShippedAt, sh.DeliveredAt, sh.LastCheckedAt, sh.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "shipment "+sh.ID)
}

func (t *pgTx) listWhere(f ListFilter) ([]string, []any, int, error) {
	args := []any{t.storeID}
	where := []string{"store_id = $1"}
	nextArg := 2
	if f.OrderID != "" {
		where = append(where, fmt.Sprintf("order_id = $%d", nextArg))
		args = append(args, f.OrderID)
		nextArg++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", nextArg))
		args = append(args, string(f.Status))
		nextArg++
	}
	if f.Provider != "" {
		where = append(where, fmt.Sprintf("provider = $%d", nextArg))
		args = append(args, f.Provider)
		nextArg++
	}
	if f.Active {
		where = append(where, "status NOT IN ('delivered','cancelled','returned')")
	}
	cursorTime, cursorID, err := ParseCursor(f.Cursor)
	if err != nil {
		return nil, nil, 0, err
	}
	if !cursorTime.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", nextArg, nextArg+1))
		args = append(args, cursorTime, cursorID)
		nextArg += 2
	}
	return where, args, nextArg, nil
}

func (t *pgTx) ListShipments(ctx context.Context, f ListFilter) (ListPage, error) {
	f = f.normalized()
	where, args, nextArg, err := t.listWhere(f)
	if err != nil {
		return ListPage{}, err
	}
	args = append(args, f.Limit+1)
	q := fmt.Sprintf(`SELECT %s FROM store_shipments
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, shipmentColumns, strings.Join(where, " AND "), nextArg)

	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return ListPage{}, err
	}
	defer rows.Close()

	items := make([]Shipment, 0, f.Limit)
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return ListPage{}, err
		}
		items = append(items, sh)
	}
	if err := rows.Err(); err != nil {
		return ListPage{}, err
	}

	page := ListPage{Items: items}
	if len(items) > f.Limit {
		last := items[f.Limit-1]
		page.Items = items[:f.Limit]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (t *pgTx) ExplainList(ctx context.Context, f ListFilter) (any, error) {
	f = f.normalized()
	where, args, _, err := t.listWhere(f)
	if err != nil {
		return nil, err
	}
	planQuery := fmt.Sprintf(`EXPLAIN (ANALYZE FALSE, FORMAT JSON)
		SELECT %s FROM store_shipments
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT %d`, shipmentColumns, strings.Join(where, " AND "), f.Limit)

	var planRaw []byte
	if err := t.tx.QueryRowContext(ctx, planQuery, args...).Scan(&planRaw); err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(planRaw, &parsed); err != nil {
		return string(planRaw), nil
	}
	return parsed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(r rowScanner) (Shipment, error) {
	var sh Shipment
	var providerID, tracking, trackingURL, labelURL, carrier, level, currency sql.NullString
	var status string
	var parcel, recipient, events []byte
	var shippedAt, deliveredAt, checkedAt sql.NullTime
	if err := r.Scan(
		&sh.ID, &sh.StoreID, &sh.OrderID, &sh.Provider, &providerID, &tracking, &trackingURL, &labelURL, &carrier, &level,
		&status, &sh.CostCents, &currency, &parcel, &recipient, &events, &shippedAt, &deliveredAt, &checkedAt,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return Shipment{}, err
	}
	sh.ProviderShipmentID = providerID.String
	sh.TrackingNumber = tracking.String
	sh.TrackingURL = trackingURL.String
	sh.LabelURL = labelURL.String
	sh.Carrier = carrier.String
	sh.ServiceLevel = level.String
	sh.Currency = currency.String
	sh.Status = Status(status)
	if shippedAt.Valid {
		sh.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		sh.DeliveredAt = &deliveredAt.Time
	}
	if checkedAt.Valid {
		sh.LastCheckedAt = &checkedAt.Time
	}
	if err := json.Unmarshal(parcel, &sh.Parcel); err != nil {
		return Shipment{}, fmt.Errorf("decode parcel: %w", err)
	}
	if err := json.Unmarshal(recipient, &sh.Recipient); err != nil {
		return Shipment{}, fmt.Errorf("decode recipient: %w", err)
	}
	if err := json.Unmarshal(events, &sh.Events); err != nil {
		return Shipment{}, fmt.Errorf("decode events: %w", err)
	}
	return sh, nil
}

func marshalShipmentJSON(sh Shipment) (parcel, recipient, events string, err error) {
	p, err := json.Marshal(sh.Parcel)
	if err != nil {
		return "", "", "", err
	}
	r, err := json.Marshal(sh.Recipient)
	if err != nil {
		return "", "", "", err
	}
	evs := sh.Events
	if evs == nil {
		evs = []TrackingEvent{}
	}
	e, err := json.Marshal(evs)
	if err != nil {
		return "", "", "", err
	}
	return string(p), string(r), string(e), nil
}

func requireAffected(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
