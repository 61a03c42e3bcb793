// Package tenancy binds requests and database work to a single store.
//
// Tenant isolation is enforced twice: every query filters on store_id, and
// Postgres row-level security policies compare store_id against the
// transaction-local setting app.current_store_id written by WithStoreContext.
package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// SettingName is the Postgres run-time parameter read by the RLS policies.
const SettingName = "app.current_store_id"

var (
	ErrMissingStore = errors.New("missing store id")
	ErrInvalidStore = errors.New("invalid store id")
)

var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type ctxKey struct{}

// WithStoreID returns a copy of ctx carrying storeID.
func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, storeID)
}

// StoreIDFrom returns the store bound to ctx, if any.
func StoreIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Request headers carrying the store. HeaderTenantID is the platform-wide
// name still sent by older clients.
const (
	HeaderStoreID  = "X-Store-ID"
	HeaderTenantID = "X-Tenant-ID"
)

// FromRequest returns the normalized store of r, preferring X-Store-ID.
func FromRequest(r *http.Request) (string, error) {
	raw := r.Header.Get(HeaderStoreID)
	if strings.TrimSpace(raw) == "" {
		raw = r.Header.Get(HeaderTenantID)
	}
	return NormalizeStoreID(raw)
}

// NormalizeStoreID trims raw and checks it against the allowed alphabet.
func NormalizeStoreID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrMissingStore
	}
	if !storeIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStore, id)
	}
	return id, nil
}

// WithStoreContext runs fn inside a transaction whose RLS scope is storeID.
// The setting is transaction-local, so it never leaks to the next user of the
// pooled connection. The transaction is committed when fn returns nil and
// rolled back otherwise.
func WithStoreContext(ctx context.Context, db *sql.DB, storeID string, fn func(*sql.Tx) error) (err error) {
	storeID, err = NormalizeStoreID(storeID)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, SettingName, storeID); err != nil {
		return fmt.Errorf("set store context: %w", err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit store tx: %w", err)
	}
	return nil
}
