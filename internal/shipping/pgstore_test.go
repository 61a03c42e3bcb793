package shipping

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListWhere(t *testing.T) {
	tx := &pgTx{storeID: "store-a"}
	cursor := EncodeCursor(time.Unix(1700000000, 0), "shp_9")

	where, args, next, err := tx.listWhere(ListFilter{
		OrderID:  "ord_1",
		Status:   StatusInTransit,
		Provider: "mock",
		Active:   true,
		Cursor:   cursor,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"store_id = $1",
		"order_id = $2",
		"status = $3",
		"provider = $4",
		"status NOT IN ('delivered','cancelled','returned')",
		"(created_at, id) < ($5, $6)",
	}, where)
	require.Len(t, args, 6)
	assert.Equal(t, "store-a", args[0])
	assert.Equal(t, "shp_9", args[5])
	assert.Equal(t, 7, next)

	where, args, next, err = tx.listWhere(ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"store_id = $1"}, where)
	assert.Len(t, args, 1)
	assert.Equal(t, 2, next)

	_, _, _, err = tx.listWhere(ListFilter{Cursor: "bad"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRLSStatementsCoverEveryTenantTable(t *testing.T) {
	stmts := rlsStatements()
	require.Len(t, stmts, 4*len(rlsTables))
	for _, table := range rlsTables {
		joined := strings.Join(stmts, "\n")
		assert.Contains(t, joined, "ALTER TABLE "+table+" FORCE ROW LEVEL SECURITY")
		assert.Contains(t, joined, "CREATE POLICY store_isolation ON "+table+" USING (store_id = current_setting('app.current_store_id', true))")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "uq_store_shipments_active_order"})
	assert.True(t, isUniqueViolation(err, "uq_store_shipments_active_order"))
	assert.True(t, isUniqueViolation(err, ""))
	assert.False(t, isUniqueViolation(err, "store_orders_pkey"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, isUniqueViolation(nil, ""))
}

// TestPostgresStore runs against a real database when
// STOREFRONT_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("STOREFRONT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STOREFRONT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dsn, PoolOptions{MaxOpenConns: 4, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	require.NoError(t, pg.Migrate(ctx))

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	storeA, storeB := "it-a-"+suffix, "it-b-"+suffix
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, pg.WithStore(ctx, storeA, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, Order{ID: "ord_1", Currency: "USD", Status: OrderPaid, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.InsertShipment(ctx, Shipment{ID: "shp_" + suffix, OrderID: "ord_1", Provider: "mock", Status: StatusCreated, CreatedAt: now, UpdatedAt: now})
	}))

	err = pg.WithStore(ctx, storeA, func(tx Tx) error {
		return tx.InsertShipment(ctx, Shipment{ID: "shp_dup_" + suffix, OrderID: "ord_1", Provider: "mock", Status: StatusCreated, CreatedAt: now, UpdatedAt: now})
	})
	require.ErrorIs(t, err, ErrShipmentExists)

	err = pg.WithStore(ctx, storeA, func(tx Tx) error {
		return tx.InsertOrder(ctx, Order{ID: "ord_1", Currency: "USD", Status: OrderPaid, CreatedAt: now, UpdatedAt: now})
	})
	require.ErrorIs(t, err, ErrOrderExists)

	require.NoError(t, pg.WithStore(ctx, storeB, func(tx Tx) error {
		_, err := tx.GetOrder(ctx, "ord_1")
		assert.ErrorIs(t, err, ErrNotFound)
		page, err := tx.ListShipments(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		return nil
	}))

	require.NoError(t, pg.WithStore(ctx, storeA, func(tx Tx) error {
		sh, err := tx.ActiveShipmentForOrder(ctx, "ord_1")
		require.NoError(t, err)
		assert.True(t, sh.CreatedAt.Equal(now))
		assert.Equal(t, []TrackingEvent{}, sh.Events)
		return nil
	}))

	ids, err := pg.StoreIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, storeA)
}
