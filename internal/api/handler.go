package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OrderCache holds rendered order views
type OrderCache interface {
	GetCachedOrder(ctx context.Context, orderID int64) (*models.Order, error)
	CacheOrder(ctx context.Context, order *models.Order, ttl time.Duration) error
	InvalidateOrder(ctx context.Context, orderID int64) error
}

// Check is a readiness probe for one dependency
type Check func(ctx context.Context) error

// defaultActiveCacheTTL bounds how long a non-terminal order view may be served
// from cache when a concurrent read re-caches it after an invalidation.
const defaultActiveCacheTTL = 5 * time.Second

// Deps are the collaborators of the HTTP layer. Cache and OTP may be nil.
type Deps struct {
	Orders    *service.OrderService
	Lifecycle *service.OrderLifecycle
	Payments  *service.PaymentService
	Inventory *service.InventoryLedger
	OTP       *service.OTPService
	Cache     OrderCache

	JWTSecret      []byte
	OrderPageURL   string
	CacheTTL       time.Duration
	ActiveCacheTTL time.Duration
	RequestTimeout time.Duration
	ReadyChecks    map[string]Check
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	deps.OrderPageURL = strings.TrimRight(deps.OrderPageURL, "/")
	if deps.ActiveCacheTTL <= 0 {
		deps.ActiveCacheTTL = defaultActiveCacheTTL
	}
	return &Handler{
		deps:   deps,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	if h.deps.RequestTimeout > 0 {
		router.Use(timeoutMiddleware(h.deps.RequestTimeout))
	}

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// gateway callbacks carry their own signature instead of a bearer token
	v1.GET("/payments/vnpay/return", h.vnpayReturn)
	v1.GET("/payments/vnpay/ipn", h.vnpayIPN)

	if h.deps.OTP != nil {
		v1.POST("/otp/request", h.requestOTP)
		v1.POST("/otp/verify", h.verifyOTP)
	}

	authed := v1.Group("", authMiddleware(h.deps.JWTSecret))
	{
		authed.POST("/checkout", h.checkout)
		authed.POST("/checkout/buy-now", h.buyNow)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
		authed.GET("/payments/vnpay/:orderId", h.vnpayRedirect)
	}

	admin := authed.Group("/admin", requireAdmin())
	{
		admin.PUT("/orders/:id/status", h.updateOrderStatus)
		admin.POST("/inventory", h.createInventory)
		admin.GET("/inventory/:productId", h.getInventory)
		admin.PUT("/inventory/:productId", h.setInventory)
		admin.POST("/inventory/:productId/adjust", h.adjustInventory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	failed := gin.H{}
	for name, check := range h.deps.ReadyChecks {
		if err := check(c.Request.Context()); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// checkout handles order creation from the cart
func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.deps.Orders.CreateOrder(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, orderCreatedResponse(order))
}

// buyNow handles single product checkout
func (h *Handler) buyNow(c *gin.Context) {
	var req service.BuyNowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.deps.Orders.BuyNow(c.Request.Context(), currentUserID(c), req.ProductID, req.Quantity, req.CheckoutInput)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, orderCreatedResponse(order))
}

func orderCreatedResponse(order *models.Order) gin.H {
	resp := gin.H{
		"order_id":     order.ID,
		"total_amount": order.TotalAmount,
		"status":       order.Status,
	}
	if order.Payment != nil {
		resp["payment_method"] = order.Payment.PaymentMethod
	}
	return resp
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := currentUserID(c)

	if h.deps.Cache != nil {
		cached, err := h.deps.Cache.GetCachedOrder(ctx, orderID)
		if err == nil {
			if !isAdmin(c) && cached.UserID != userID {
				h.writeError(c, models.ErrForbidden)
				return
			}
			c.JSON(http.StatusOK, cached)
			return
		}
		if !errors.Is(err, models.ErrNotFound) {
			h.logger.Warn("Order cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	order, err := h.deps.Orders.GetOrderForUser(ctx, orderID, userID, isAdmin(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.CacheOrder(ctx, order, h.orderCacheTTL(order)); err != nil {
			h.logger.Warn("Order cache write failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, order)
}

// orderCacheTTL keeps terminal orders for the full TTL. Orders that can still
// change are cached briefly.
func (h *Handler) orderCacheTTL(order *models.Order) time.Duration {
	if order.Status.IsTerminal() || h.deps.ActiveCacheTTL >= h.deps.CacheTTL {
		return h.deps.CacheTTL
	}
	return h.deps.ActiveCacheTTL
}

// cancelOrder lets the owner cancel a Pending order
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if _, err := h.deps.Lifecycle.CancelOrder(c.Request.Context(), orderID, currentUserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	h.invalidate(c.Request.Context(), orderID)

	c.JSON(http.StatusOK, gin.H{"success": true, "status": models.OrderStatusCancelled})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// updateOrderStatus is the admin transition endpoint
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if _, err := h.deps.Lifecycle.UpdateStatus(c.Request.Context(), orderID, req.Status); err != nil {
		h.writeError(c, err)
		return
	}
	h.invalidate(c.Request.Context(), orderID)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// vnpayRedirect sends the customer to the payment gateway
func (h *Handler) vnpayRedirect(c *gin.Context) {
	orderID, ok := pathID(c, "orderId")
	if !ok {
		return
	}

	target, err := h.deps.Payments.RedirectURL(c.Request.Context(), orderID, currentUserID(c), c.ClientIP())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Redirect(http.StatusFound, target)
}

// vnpayReturn is where the gateway sends the customer back
func (h *Handler) vnpayReturn(c *gin.Context) {
	outcome := h.deps.Payments.HandleCallback(c.Request.Context(), c.Request.URL.Query())
	if outcome.Paid() {
		h.invalidate(c.Request.Context(), outcome.OrderID)
	}

	result := "failed"
	if outcome.Paid() {
		result = "success"
	}

	target := fmt.Sprintf("%s?payment=%s", h.deps.OrderPageURL, result)
	if outcome.OrderID > 0 && outcome.Status != service.CallbackOrderNotFound {
		target = fmt.Sprintf("%s/%d?payment=%s", h.deps.OrderPageURL, outcome.OrderID, result)
	}
	c.Redirect(http.StatusFound, target)
}

// vnpayIPN is the server-to-server notification. VNPay retries until it gets a RspCode it understands.
func (h *Handler) vnpayIPN(c *gin.Context) {
	outcome := h.deps.Payments.HandleCallback(c.Request.Context(), c.Request.URL.Query())
	if outcome.Paid() {
		h.invalidate(c.Request.Context(), outcome.OrderID)
	}

	code, message := ipnResponse(outcome.Status)
	c.JSON(http.StatusOK, gin.H{"RspCode": code, "Message": message})
}

func ipnResponse(status service.CallbackStatus) (string, string) {
	switch status {
	case service.CallbackConfirmed, service.CallbackDeclined:
		return "00", "Confirm Success"
	case service.CallbackOrderNotFound:
		return "01", "Order not found"
	case service.CallbackAlreadyConfirmed, service.CallbackOrderCancelled:
		return "02", "Order already confirmed"
	case service.CallbackInvalidAmount:
		return "04", "Invalid amount"
	case service.CallbackInvalidSignature:
		return "97", "Invalid signature"
	default:
		return "99", "Unknown error"
	}
}

type createInventoryRequest struct {
	ProductID int64  `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"min=0"`
	Warehouse string `json:"warehouse"`
}

type setInventoryRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

type adjustInventoryRequest struct {
	Delta int `json:"delta" binding:"required"`
}

func (h *Handler) createInventory(c *gin.Context) {
	var req createInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	inv, err := h.deps.Inventory.Create(c.Request.Context(), req.ProductID, req.Quantity, req.Warehouse)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (h *Handler) getInventory(c *gin.Context) {
	productID, ok := pathID(c, "productId")
	if !ok {
		return
	}

	inv, err := h.deps.Inventory.GetByProduct(c.Request.Context(), productID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) setInventory(c *gin.Context) {
	productID, ok := pathID(c, "productId")
	if !ok {
		return
	}

	var req setInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	inv, err := h.deps.Inventory.SetQuantity(c.Request.Context(), productID, *req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) adjustInventory(c *gin.Context) {
	productID, ok := pathID(c, "productId")
	if !ok {
		return
	}

	var req adjustInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	inv, err := h.deps.Inventory.ApplyDelta(c.Request.Context(), productID, req.Delta)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

type otpRequest struct {
	Email string `json:"email" binding:"required"`
}

type otpVerifyRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

func (h *Handler) requestOTP(c *gin.Context) {
	var req otpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.deps.OTP.Issue(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *Handler) verifyOTP(c *gin.Context) {
	var req otpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ok, err := h.deps.OTP.Verify(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": ok})
}

func (h *Handler) invalidate(ctx context.Context, orderID int64) {
	if h.deps.Cache == nil || orderID <= 0 {
		return
	}
	if err := h.deps.Cache.InvalidateOrder(ctx, orderID); err != nil {
		h.logger.Warn("Order cache invalidation failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid %s", name),
		})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors to status codes. Anything else is logged and hidden.
func (h *Handler) writeError(c *gin.Context, err error) {
	if !models.IsDomainError(err) {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Request timed out"})
			return
		}
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	status := http.StatusBadRequest
	switch {
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInsufficientStock):
		status = http.StatusUnprocessableEntity
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// timeoutMiddleware bounds every request's context
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
