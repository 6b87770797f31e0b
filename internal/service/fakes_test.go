package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"storefront-service/config"
	"storefront-service/internal/models"
	"storefront-service/internal/payment"
	"storefront-service/internal/pricing"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/store"
)

// fakeStore keeps the same guarantees as the SQL store: every method is
// atomic, conditional stock updates never go negative and order transitions
// are gated on UNPAID.
type fakeStore struct {
	mu       sync.Mutex
	products map[string]*models.Product
	carts    map[string][]*models.CartItem
	orders   map[string]*models.Order
	items    map[string][]models.OrderItem
	contacts map[string]models.UserContact
	nextItem int64

	reservations int
	createErr    error
	bindErr      error
	finalizeErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: map[string]*models.Product{},
		carts:    map[string][]*models.CartItem{},
		orders:   map[string]*models.Order{},
		items:    map[string][]models.OrderItem{},
		contacts: map[string]models.UserContact{},
	}
}

func (f *fakeStore) addProduct(id, price string, stock int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id] = &models.Product{ID: id, Name: "Product " + id, Price: decimal.RequireFromString(price), Stock: stock}
}

func (f *fakeStore) addUser(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[id] = models.UserContact{ID: id, Email: id + "@example.com", Name: id}
}

func (f *fakeStore) stock(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

func (f *fakeStore) setStock(id string, stock int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id].Stock = stock
}

func (f *fakeStore) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeStore) reservationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reservations
}

func (f *fakeStore) cartQuantity(userID, productID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.carts[userID] {
		if item.ProductID == productID {
			return item.Quantity
		}
	}
	return 0
}

func (f *fakeStore) GetProductByID(_ context.Context, id string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) AddCartItem(_ context.Context, userID, productID string, quantity int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return 0, store.ErrInsufficientStock
	}
	for _, item := range f.carts[userID] {
		if item.ProductID == productID {
			if item.Quantity+quantity > p.Stock {
				return 0, store.ErrInsufficientStock
			}
			item.Quantity += quantity
			return item.Quantity, nil
		}
	}
	if quantity > p.Stock {
		return 0, store.ErrInsufficientStock
	}
	f.carts[userID] = append(f.carts[userID], &models.CartItem{ProductID: productID, Quantity: quantity})
	return quantity, nil
}

func (f *fakeStore) SetCartItemQuantity(_ context.Context, userID, productID string, quantity int) (*models.CartItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.carts[userID]
	for i, item := range lines {
		if item.ProductID != productID {
			continue
		}
		if quantity == 0 {
			f.carts[userID] = append(lines[:i], lines[i+1:]...)
			return nil, true, nil
		}
		stock := f.products[productID].Stock
		if quantity > stock {
			return nil, false, store.ErrInsufficientStock
		}
		item.Quantity = quantity
		return &models.CartItem{ProductID: productID, Quantity: quantity, Stock: stock}, false, nil
	}
	return nil, false, nil
}

func (f *fakeStore) ListCartLines(_ context.Context, userID string) ([]models.CartLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := []models.CartLine{}
	for _, item := range f.carts[userID] {
		p := f.products[item.ProductID]
		lines = append(lines, models.CartLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Name:      p.Name,
			Price:     p.Price,
			Stock:     p.Stock,
		})
	}
	return lines, nil
}

func (f *fakeStore) ReserveStock(_ context.Context, productID string, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserveAllLocked([]models.OrderItem{{ProductID: productID, Quantity: quantity}})
}

// reserveAllLocked applies all reservations or none.
func (f *fakeStore) reserveAllLocked(items []models.OrderItem) error {
	need := map[string]int{}
	for _, item := range items {
		need[item.ProductID] += item.Quantity
	}
	for id, q := range need {
		p, ok := f.products[id]
		if !ok || p.Stock < q {
			return fmt.Errorf("product %s: %w", id, store.ErrInsufficientStock)
		}
	}
	for id, q := range need {
		f.products[id].Stock -= q
		f.reservations++
	}
	return nil
}

func (f *fakeStore) CreateOrder(_ context.Context, order *models.Order, items []models.OrderItem, opts store.CreateOrderOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if opts.ReserveStock {
		if err := f.reserveAllLocked(items); err != nil {
			return err
		}
	}
	order.StockReserved = opts.ReserveStock
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	f.orders[order.ID] = &cp

	stored := make([]models.OrderItem, len(items))
	for i := range items {
		f.nextItem++
		items[i].ID = f.nextItem
		items[i].OrderID = order.ID
		stored[i] = items[i]
	}
	f.items[order.ID] = stored

	if opts.ClearCart {
		delete(f.carts, order.UserID)
	}
	return nil
}

func (f *fakeStore) BindSession(_ context.Context, orderID, sessionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	o, ok := f.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusUnpaid {
		return store.ErrNotFound
	}
	ref := sessionRef
	o.SessionRef = &ref
	delete(f.carts, o.UserID)
	return nil
}

func applyRefs(o *models.Order, refs models.PaymentRefs) {
	if refs.PaymentIntentRef != "" {
		v := refs.PaymentIntentRef
		o.PaymentIntentRef = &v
	}
	if refs.CustomerRef != "" {
		v := refs.CustomerRef
		o.CustomerRef = &v
	}
}

func (f *fakeStore) FinalizeOrder(_ context.Context, orderID string, refs models.PaymentRefs) (*models.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return nil, false, f.finalizeErr
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if o.PaymentStatus != models.PaymentStatusUnpaid {
		cp := *o
		return &cp, false, nil
	}
	if !o.StockReserved {
		if err := f.reserveAllLocked(f.items[orderID]); err != nil {
			return nil, false, err
		}
		o.StockReserved = true
	}
	now := time.Now()
	o.Status = models.OrderStatusPaid
	o.PaymentStatus = models.PaymentStatusPaid
	o.PaidAt = &now
	applyRefs(o, refs)
	delete(f.carts, o.UserID)
	cp := *o
	return &cp, true, nil
}

func (f *fakeStore) FailOrder(_ context.Context, orderID string, refs models.PaymentRefs) (*models.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if o.PaymentStatus != models.PaymentStatusUnpaid {
		cp := *o
		return &cp, false, nil
	}
	o.Status = models.OrderStatusFailed
	o.PaymentStatus = models.PaymentStatusFailed
	applyRefs(o, refs)
	cp := *o
	return &cp, true, nil
}

func (f *fakeStore) FailStaleUnboundOrders(_ context.Context, maxAge time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for id, o := range f.orders {
		if o.PaymentStatus == models.PaymentStatusUnpaid && o.SessionRef == nil && time.Since(o.CreatedAt) > maxAge {
			o.Status = models.OrderStatusFailed
			o.PaymentStatus = models.PaymentStatusFailed
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) GetOrderBySessionRef(_ context.Context, sessionRef string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.SessionRef != nil && *o.SessionRef == sessionRef {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetOrderItems(_ context.Context, orderID string) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]models.OrderItem(nil), f.items[orderID]...)
	for i := range items {
		if p, ok := f.products[items[i].ProductID]; ok {
			items[i].Name = p.Name
		}
	}
	return items, nil
}

func (f *fakeStore) GetUserContact(_ context.Context, userID string) (*models.UserContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) order(id string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.orders[id]
	return &cp
}

// fakeGateway issues sessions from memory and accepts webhooks signed "valid".
type fakeGateway struct {
	mu        sync.Mutex
	sessions  map[string]*payment.Session
	requests  []payment.SessionRequest
	createErr error
	next      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: map[string]*payment.Session{}}
}

func (g *fakeGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.requests = append(g.requests, req)
	g.next++
	id := fmt.Sprintf("cs_test_%d", g.next)
	s := &payment.Session{ID: id, URL: "https://pay.example/" + id, PaymentStatus: payment.SessionUnpaid, OrderID: req.OrderID}
	g.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) RetrieveSession(_ context.Context, id string) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, errors.New("no such checkout.session")
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) markPaid(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id].PaymentStatus = payment.SessionPaid
	g.sessions[id].PaymentIntentRef = "pi_" + id
	g.sessions[id].CustomerRef = "cus_1"
}

type testEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	OrderID       string `json:"orderId"`
	PaymentStatus string `json:"paymentStatus"`
}

func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (*payment.Event, error) {
	if signature != "valid" {
		return nil, payment.ErrInvalidSignature
	}
	var e testEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, err
	}
	return &payment.Event{
		ID:   e.ID,
		Type: e.Type,
		Session: &payment.Session{
			ID:               e.SessionID,
			OrderID:          e.OrderID,
			PaymentStatus:    e.PaymentStatus,
			PaymentIntentRef: "pi_" + e.SessionID,
		},
	}, nil
}

func webhookPayload(id, eventType, sessionID, orderID, paymentStatus string) []byte {
	b, _ := json.Marshal(testEvent{ID: id, Type: eventType, SessionID: sessionID, OrderID: orderID, PaymentStatus: paymentStatus})
	return b
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.OrderSnapshot
	to   []string
	err  error
}

func (n *fakeNotifier) SendOrderConfirmation(_ context.Context, email string, snapshot models.OrderSnapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, snapshot)
	n.to = append(n.to, email)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakePublisher struct {
	mu      sync.Mutex
	created []*models.OrderCreatedEvent
	paid    []*models.OrderPaidEvent
	failed  []*models.OrderFailedEvent
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *fakePublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, e)
	return nil
}

func (p *fakePublisher) PublishOrderFailed(_ context.Context, e *models.OrderFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *fakePublisher) paidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paid)
}

type fakeDeduper struct {
	mu        sync.Mutex
	processed map[string]bool
}

func (d *fakeDeduper) IsEventProcessed(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed[id], nil
}

func (d *fakeDeduper) MarkEventProcessed(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed[id] = true
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]redisclient.CachedStatus
}

func (c *fakeCache) CacheOrderStatus(_ context.Context, ref string, status redisclient.CachedStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = status
	return nil
}

func (c *fakeCache) GetCachedOrderStatus(_ context.Context, ref string) (*redisclient.CachedStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[ref]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func testPricing() config.PricingConfig {
	return config.PricingConfig{
		TaxRate:               decimal.RequireFromString("0.08"),
		ShippingFlat:          decimal.RequireFromString("12.50"),
		FreeShippingThreshold: decimal.RequireFromString("150"),
		CouponCode:            "LUNARIS10",
		CouponDiscountRate:    decimal.RequireFromString("0.10"),
	}
}

// harness wires every service against the same fakes.
type harness struct {
	store     *fakeStore
	gateway   *fakeGateway
	notifier  *fakeNotifier
	publisher *fakePublisher
	dedupe    *fakeDeduper
	cache     *fakeCache

	cart      *CartService
	inventory *InventoryService
	checkout  *CheckoutService
	recon     *ReconciliationService
	orders    *OrderService
}

func newHarness(captureMode string) *harness {
	h := &harness{
		store:     newFakeStore(),
		gateway:   newFakeGateway(),
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		dedupe:    &fakeDeduper{processed: map[string]bool{}},
		cache:     &fakeCache{entries: map[string]redisclient.CachedStatus{}},
	}
	calc := pricing.NewCalculator(testPricing())
	checkoutCfg := config.CheckoutConfig{
		CaptureMode:     captureMode,
		AppBaseURL:      "https://shop.example",
		DefaultQuantity: 1,
	}

	h.cart = NewCartService(h.store, calc, checkoutCfg)
	h.inventory = NewInventoryService(h.store)
	h.recon = NewReconciliationService(h.store, h.gateway, h.notifier, h.publisher, h.dedupe, h.cache)
	h.checkout = NewCheckoutService(h.store, calc, h.gateway, h.recon, h.publisher, checkoutCfg)
	h.orders = NewOrderService(h.store)

	// catalog: A at 10.00, B at 25.00
	h.store.addProduct("A", "10.00", 10)
	h.store.addProduct("B", "25.00", 10)
	h.store.addUser("alice")
	h.store.addUser("bob")
	return h
}

func intPtr(v int) *int { return &v }
