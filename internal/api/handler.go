package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/util"
)

// maxWebhookBytes caps the webhook body read into memory.
const maxWebhookBytes = 1 << 16

// CartService is the cart surface used by the handlers.
type CartService interface {
	Add(ctx context.Context, userID, productID string, quantity *int) (*service.CartMutation, error)
	SetQuantity(ctx context.Context, userID, productID string, quantity int) (*service.CartMutation, error)
	View(ctx context.Context, userID, couponCode string) (*service.CartView, error)
}

// CheckoutService starts checkouts.
type CheckoutService interface {
	Checkout(ctx context.Context, userID, couponCode string) (*service.CheckoutResult, error)
}

// Reconciler answers status polls and applies payment outcomes.
type Reconciler interface {
	Poll(ctx context.Context, userID, sessionRef string) (*service.OrderStatus, error)
	CompleteSession(ctx context.Context, userID, sessionRef string) (*models.Order, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*service.WebhookResult, error)
}

// OrderReader reads a caller's orders.
type OrderReader interface {
	GetOrder(ctx context.Context, userID, orderID string) (*service.OrderDetails, error)
}

// Reserver reserves stock for a single product.
type Reserver interface {
	Reserve(ctx context.Context, productID string, quantity int) error
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	cart       CartService
	checkout   CheckoutService
	reconciler Reconciler
	orders     OrderReader
	inventory  Reserver
	deps       map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(
	cart CartService,
	checkout CheckoutService,
	reconciler Reconciler,
	orders OrderReader,
	inventory Reserver,
	deps map[string]Pinger,
) *Handler {
	return &Handler{
		cart:       cart,
		checkout:   checkout,
		reconciler: reconciler,
		orders:     orders,
		inventory:  inventory,
		deps:       deps,
		logger:     util.Component("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// authenticated by signature, not by the gateway
	router.POST("/webhook", h.webhook)

	authed := router.Group("/", requireIdentity())
	{
		authed.GET("/cart", h.getCart)
		authed.POST("/cart", h.addToCart)
		authed.PATCH("/cart", h.updateCart)

		authed.POST("/checkout", h.startCheckout)
		authed.GET("/checkout/session", h.sessionStatus)
		authed.POST("/checkout/complete", h.completeCheckout)

		authed.GET("/orders/:id", h.getOrder)

		admin := authed.Group("/admin", requireRole(RoleAdmin))
		admin.POST("/inventory/:productId/reserve", h.reserveStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type addToCartRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type updateCartRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type checkoutRequest struct {
	CouponCode string `json:"couponCode"`
}

type completeRequest struct {
	SessionID string `json:"sessionId"`
}

type reserveRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.cart.View(c.Request.Context(), identity(c).UserID, c.Query("coupon"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

func (h *Handler) addToCart(c *gin.Context) {
	var req addToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if req.ProductID == "" {
		fail(c, http.StatusBadRequest, "Product ID is required.")
		return
	}

	res, err := h.cart.Add(c.Request.Context(), identity(c).UserID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (h *Handler) updateCart(c *gin.Context) {
	var req updateCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if req.ProductID == "" {
		fail(c, http.StatusBadRequest, "Product ID is required.")
		return
	}
	if req.Quantity == nil {
		fail(c, http.StatusBadRequest, "Quantity is required.")
		return
	}

	res, err := h.cart.SetQuantity(c.Request.Context(), identity(c).UserID, req.ProductID, *req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

func (h *Handler) startCheckout(c *gin.Context) {
	var req checkoutRequest
	// the body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	res, err := h.checkout.Checkout(c.Request.Context(), identity(c).UserID, req.CouponCode)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusCreated, res)
}

func (h *Handler) sessionStatus(c *gin.Context) {
	ref := c.Query("session_id")
	if ref == "" {
		ref = c.Query("ref")
	}
	if ref == "" {
		fail(c, http.StatusBadRequest, "Missing session id.")
		return
	}

	status, err := h.reconciler.Poll(c.Request.Context(), identity(c).UserID, ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, status)
}

func (h *Handler) completeCheckout(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if req.SessionID == "" {
		fail(c, http.StatusBadRequest, "Missing session ID.")
		return
	}

	order, err := h.reconciler.CompleteSession(c.Request.Context(), identity(c).UserID, req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, service.OrderStatus{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	})
}

func (h *Handler) webhook(c *gin.Context) {
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		fail(c, http.StatusBadRequest, "Missing signature.")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		fail(c, http.StatusBadRequest, "Unreadable body.")
		return
	}

	result, err := h.reconciler.HandleWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": result.Outcome})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), identity(c).UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h *Handler) reserveStock(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	productID := c.Param("productId")
	if err := h.inventory.Reserve(c.Request.Context(), productID, req.Quantity); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("Stock reserved by admin",
		zap.String("product_id", productID),
		zap.Int("quantity", req.Quantity),
		zap.String("user_id", identity(c).UserID))
	respond(c, http.StatusOK, gin.H{"productId": productID, "reserved": req.Quantity})
}
