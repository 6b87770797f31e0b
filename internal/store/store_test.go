package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"storefront-service/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Integration test - requires docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storefront_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Integration test - docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.RunMigrations())
	return s
}

func seedProduct(t *testing.T, s *Store, price string, stock int) string {
	t.Helper()
	id := "prod-" + uuid.NewString()[:8]
	_, err := s.db.Exec("INSERT INTO products (id, name, price, stock) VALUES ($1, $2, $3, $4)",
		id, "Product "+id, price, stock)
	require.NoError(t, err)
	return id
}

func seedUser(t *testing.T, s *Store) string {
	t.Helper()
	id := "user-" + uuid.NewString()[:8]
	_, err := s.db.Exec("INSERT INTO users (id, email, name) VALUES ($1, $2, $3)", id, id+"@example.com", "Test "+id)
	require.NoError(t, err)
	return id
}

func stockOf(t *testing.T, s *Store, productID string) int {
	t.Helper()
	p, err := s.GetProductByID(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func newUnpaidOrder(userID string) *models.Order {
	return &models.Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		Subtotal:      decimal.RequireFromString("20.00"),
		Discount:      decimal.Zero,
		Shipping:      decimal.RequireFromString("12.50"),
		Tax:           decimal.RequireFromString("1.60"),
		Total:         decimal.RequireFromString("34.10"),
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusUnpaid,
		CaptureMode:   "deferred",
	}
}

func TestAddCartItem(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "10.00", 5)

	qty, err := s.AddCartItem(ctx, user, product, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, qty)

	qty, err = s.AddCartItem(ctx, user, product, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, qty)

	// summed quantity 6 exceeds stock; the line keeps its previous quantity
	_, err = s.AddCartItem(ctx, user, product, 1)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	lines, err := s.ListCartLines(ctx, user)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 5, lines[0].Quantity)
	assert.Equal(t, "10.00", lines[0].Price.StringFixed(2))
}

func TestSingleCartPerUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "1.00", 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddCartItem(ctx, user, product, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var carts int
	require.NoError(t, s.db.Get(&carts, "SELECT COUNT(*) FROM carts WHERE user_id = $1", user))
	assert.Equal(t, 1, carts)

	lines, err := s.ListCartLines(ctx, user)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 10, lines[0].Quantity)
}

func TestSetCartItemQuantity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "4.00", 3)

	// no cart yet
	item, removed, err := s.SetCartItemQuantity(ctx, user, product, 2)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.False(t, removed)

	_, err = s.AddCartItem(ctx, user, product, 1)
	require.NoError(t, err)

	item, removed, err = s.SetCartItemQuantity(ctx, user, product, 3)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.False(t, removed)
	assert.Equal(t, 3, item.Quantity)
	assert.Equal(t, 3, item.Stock)

	_, _, err = s.SetCartItemQuantity(ctx, user, product, 4)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	item, removed, err = s.SetCartItemQuantity(ctx, user, product, 0)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.True(t, removed)

	// removing twice is fine but deletes nothing
	item, removed, err = s.SetCartItemQuantity(ctx, user, product, 0)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.False(t, removed)

	lines, err := s.ListCartLines(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	const initial = 7
	product := seedProduct(t, s, "2.00", initial)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ReserveStock(ctx, product, 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, initial, succeeded)
	assert.Equal(t, 0, stockOf(t, s, product))
}

func TestCreateOrderWithReservationRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	plenty := seedProduct(t, s, "10.00", 10)
	scarce := seedProduct(t, s, "10.00", 1)

	order := newUnpaidOrder(user)
	items := []models.OrderItem{
		{ProductID: plenty, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: scarce, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
	}

	err := s.CreateOrder(ctx, order, items, CreateOrderOptions{ReserveStock: true, ClearCart: true})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	assert.Equal(t, 10, stockOf(t, s, plenty))
	assert.Equal(t, 1, stockOf(t, s, scarce))
	_, err = s.GetOrder(ctx, order.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeOrderIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "10.00", 5)

	_, err := s.AddCartItem(ctx, user, product, 2)
	require.NoError(t, err)

	order := newUnpaidOrder(user)
	items := []models.OrderItem{{ProductID: product, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}}
	require.NoError(t, s.CreateOrder(ctx, order, items, CreateOrderOptions{}))
	require.NoError(t, s.BindSession(ctx, order.ID, "cs_test_"+order.ID))

	refs := models.PaymentRefs{PaymentIntentRef: "pi_1", CustomerRef: "cus_1"}
	first, transitioned, err := s.FinalizeOrder(ctx, order.ID, refs)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.PaymentStatusPaid, first.PaymentStatus)
	require.NotNil(t, first.PaidAt)
	assert.Equal(t, 3, stockOf(t, s, product))

	second, transitioned, err := s.FinalizeOrder(ctx, order.ID, models.PaymentRefs{PaymentIntentRef: "pi_other"})
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, "pi_1", *second.PaymentIntentRef)
	assert.True(t, first.PaidAt.Equal(*second.PaidAt))
	assert.Equal(t, 3, stockOf(t, s, product))

	lines, err := s.ListCartLines(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestConcurrentFinalizeReservesOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "10.00", 5)

	order := newUnpaidOrder(user)
	items := []models.OrderItem{{ProductID: product, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}}
	require.NoError(t, s.CreateOrder(ctx, order, items, CreateOrderOptions{}))

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, transitioned, err := s.FinalizeOrder(ctx, order.ID, models.PaymentRefs{})
			assert.NoError(t, err)
			if transitioned {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
	assert.Equal(t, 3, stockOf(t, s, product))
}

func TestFinalizeOrderShortfallLeavesOrderUnpaid(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "10.00", 3)

	order := newUnpaidOrder(user)
	items := []models.OrderItem{{ProductID: product, Quantity: 3, UnitPrice: decimal.RequireFromString("10.00")}}
	require.NoError(t, s.CreateOrder(ctx, order, items, CreateOrderOptions{}))

	// someone else buys the stock first
	require.NoError(t, s.ReserveStock(ctx, product, 1))

	_, _, err := s.FinalizeOrder(ctx, order.ID, models.PaymentRefs{})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	current, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusUnpaid, current.PaymentStatus)
	assert.Nil(t, current.PaidAt)
	assert.Equal(t, 2, stockOf(t, s, product))
}

func TestFailOrderTerminalIsNoop(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "10.00", 5)

	order := newUnpaidOrder(user)
	items := []models.OrderItem{{ProductID: product, Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")}}
	require.NoError(t, s.CreateOrder(ctx, order, items, CreateOrderOptions{}))

	failed, transitioned, err := s.FailOrder(ctx, order.ID, models.PaymentRefs{})
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.OrderStatusFailed, failed.Status)

	after, transitioned, err := s.FinalizeOrder(ctx, order.ID, models.PaymentRefs{})
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.PaymentStatusFailed, after.PaymentStatus)
	assert.Equal(t, 5, stockOf(t, s, product))

	_, _, err = s.FailOrder(ctx, "missing", models.PaymentRefs{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailStaleUnboundOrders(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	stale := newUnpaidOrder(user)
	require.NoError(t, s.CreateOrder(ctx, stale, nil, CreateOrderOptions{}))
	bound := newUnpaidOrder(user)
	require.NoError(t, s.CreateOrder(ctx, bound, nil, CreateOrderOptions{}))
	require.NoError(t, s.BindSession(ctx, bound.ID, fmt.Sprintf("cs_%s", bound.ID)))

	_, err := s.db.Exec("UPDATE orders SET created_at = NOW() - INTERVAL '2 hours'")
	require.NoError(t, err)

	ids, err := s.FailStaleUnboundOrders(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	got, err := s.GetOrderBySessionRef(ctx, fmt.Sprintf("cs_%s", bound.ID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusUnpaid, got.PaymentStatus)
}

func TestReservationOrderSortsByProduct(t *testing.T) {
	items := []models.OrderItem{
		{ProductID: "c", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	}

	sorted := reservationOrder(items)

	ids := make([]string, 0, len(sorted))
	for _, item := range sorted {
		ids = append(ids, item.ProductID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 2, sorted[0].Quantity)
	// the caller's slice keeps cart order
	assert.Equal(t, "c", items[0].ProductID)
}

func TestConcurrentCheckoutsInOppositeOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	first := seedProduct(t, s, "5.00", 100)
	second := seedProduct(t, s, "5.00", 100)
	price := decimal.RequireFromString("5.00")

	const orders = 20
	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		items := []models.OrderItem{
			{ProductID: first, Quantity: 1, UnitPrice: price},
			{ProductID: second, Quantity: 1, UnitPrice: price},
		}
		if i%2 == 1 {
			items[0], items[1] = items[1], items[0]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateOrder(ctx, newUnpaidOrder(user), items, CreateOrderOptions{ReserveStock: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100-orders, stockOf(t, s, first))
	assert.Equal(t, 100-orders, stockOf(t, s, second))
}

func TestGetOrderItemsIncludesProductName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	product := seedProduct(t, s, "7.50", 5)

	order := newUnpaidOrder(user)
	items := []models.OrderItem{{ProductID: product, Quantity: 2, UnitPrice: decimal.RequireFromString("7.50")}}
	require.NoError(t, s.CreateOrder(ctx, order, items, CreateOrderOptions{}))

	got, err := s.GetOrderItems(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Product "+product, got[0].Name)
	assert.Equal(t, 2, got[0].Quantity)
	assert.True(t, got[0].UnitPrice.Equal(decimal.RequireFromString("7.50")))
}
