package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/service"
	"bandachao-commerce/internal/store"
	"bandachao-commerce/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService     *service.OrderService
	inventoryService *service.InventoryService
	flashDropService *service.FlashDropService
	store            *store.Store
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	inventoryService *service.InventoryService,
	flashDropService *service.FlashDropService,
	store *store.Store,
) *Handler {
	return &Handler{
		orderService:     orderService,
		inventoryService: inventoryService,
		flashDropService: flashDropService,
		store:            store,
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

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.GET("/inventory/:productId", h.getStock)

		v1.POST("/flash-drops", h.createFlashDrop)
		v1.GET("/flash-drops/product/:productId", h.getFlashDrop)
		v1.POST("/flash-drops/:id/freeze", h.freezeFlashDrop)
		v1.POST("/flash-drops/:id/click", h.clickFlashDrop)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when the database is reachable
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.store.GetDB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		var insufficient *models.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			c.JSON(http.StatusConflict, gin.H{
				"error":      "Insufficient stock",
				"product_id": insufficient.ProductID,
				"variant_id": insufficient.VariantID,
			})
		case errors.Is(err, models.ErrInvalidQuantity):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid quantity",
				"details": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to create order",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// listOrders handles listing a user's orders
func (h *Handler) listOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing user_id"})
		return
	}

	orders, err := h.orderService.ListOrders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// cancelOrder handles order cancellation requests
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "user_requested"
	}

	if err := h.orderService.CancelOrder(c.Request.Context(), orderID, body.Reason); err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Failed to cancel order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"order_id": orderID,
		"status":   models.OrderStatusCancelRequested,
	})
}

// getStock handles stock reads, optionally scoped to a variant
func (h *Handler) getStock(c *gin.Context) {
	productID, ok := pathID(c, "productId")
	if !ok {
		return
	}

	var variantID int64
	if v := c.Query("variant_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid variant ID"})
			return
		}
		variantID = parsed
	}

	qty, err := h.inventoryService.GetStock(c.Request.Context(), productID, variantID)
	if err != nil {
		if errors.Is(err, models.ErrStockNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Stock not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to read stock",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"variant_id": variantID,
		"quantity":   qty,
	})
}

// createFlashDrop handles operator drop creation
func (h *Handler) createFlashDrop(c *gin.Context) {
	var params service.CreateDropParams

	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	drop, err := h.flashDropService.CreateDrop(c.Request.Context(), params)
	if err != nil {
		if errors.Is(err, models.ErrActiveDropExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Product already has an active flash drop",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to create flash drop",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, drop)
}

// getFlashDrop returns the active drop for a product with its decayed price
func (h *Handler) getFlashDrop(c *gin.Context) {
	productID, ok := pathID(c, "productId")
	if !ok {
		return
	}

	drop, err := h.flashDropService.GetDropForProduct(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, models.ErrDropNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active flash drop for product"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load flash drop",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, drop)
}

type freezeRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// freezeFlashDrop handles a claimant locking in the current price
func (h *Handler) freezeFlashDrop(c *gin.Context) {
	dropID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.flashDropService.Freeze(c.Request.Context(), dropID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDropAlreadyClaimed):
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"reason":  "already_claimed",
				"message": "Someone else was faster - this offer is gone",
			})
		case errors.Is(err, models.ErrDropNotActive):
			c.JSON(http.StatusGone, gin.H{
				"success": false,
				"reason":  "not_active",
				"message": "This flash drop has ended",
			})
		case errors.Is(err, models.ErrDropNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Flash drop not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to freeze flash drop",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"drop_id":      result.DropID,
		"product_id":   result.ProductID,
		"frozen_price": result.FrozenPrice,
	})
}

// clickFlashDrop records a best-effort participation click
func (h *Handler) clickFlashDrop(c *gin.Context) {
	dropID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.flashDropService.RecordClick(c.Request.Context(), dropID, req.UserID); err != nil {
		if errors.Is(err, models.ErrDropNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Flash drop not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to record click",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusNoContent, nil)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
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
