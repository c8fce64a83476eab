package service

import (
	"context"
	"errors"
	"fmt"

	"bandachao-commerce/internal/counter"
	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the durable order state the workflow needs. Implemented by
// *store.Store.
type OrderStore interface {
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetFrozenDropForUser(ctx context.Context, productID, userID int64) (*models.FlashDrop, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderStatusIf(ctx context.Context, orderID int64, from []string, to string) (bool, error)
	GetOrderByID(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
}

// OrderEventPublisher publishes order lifecycle events.
type OrderEventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderReserved(ctx context.Context, event *models.OrderReservedEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishOrderCancelRequested(ctx context.Context, event *models.OrderCancelRequestedEvent) error
}

// OrderService handles the order workflow that consumes the inventory and
// flash-drop cores.
type OrderService struct {
	store     OrderStore
	inventory *InventoryService
	publisher OrderEventPublisher
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore, inventory *InventoryService, publisher OrderEventPublisher) *OrderService {
	return &OrderService{
		store:     store,
		inventory: inventory,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	Items          []Line `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

// CreateOrder creates an order and reserves its lines. If any line cannot be
// reserved the already-reserved lines are released, the order is marked
// FAILED and the typed reservation failure surfaces to the caller.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existingOrder, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existingOrder != nil {
		s.logger.Info("duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existingOrder.ID))
		return &CreateOrderResponse{
			OrderID: existingOrder.ID,
			Status:  existingOrder.Status,
		}, nil
	}

	for _, item := range req.Items {
		if item.Quantity <= 0 {
			util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, fmt.Errorf("product %d: %w", item.ProductID, models.ErrInvalidQuantity)
		}
	}

	products, err := s.validateOrderItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	unitPrices, err := s.resolveUnitPrices(ctx, req.UserID, req.Items, products)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID:         req.UserID,
		TotalAmount:    calculateTotal(req.Items, unitPrices),
		Status:         models.OrderStatusCreated,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("order created", zap.Int64("order_id", order.ID))

	orderItems := make([]models.OrderItemData, 0, len(req.Items))
	for _, item := range req.Items {
		orderItem := &models.OrderItem{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrices[item.key()],
		}

		if err := s.store.CreateOrderItem(ctx, orderItem); err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}

		orderItems = append(orderItems, models.OrderItemData{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: orderItem.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       orderItems,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("failed to publish OrderCreated event", zap.Error(err))
	}

	if err := s.inventory.ReserveOrderLines(ctx, req.Items); err != nil {
		if updErr := s.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusFailed); updErr != nil {
			s.logger.Error("failed to mark order FAILED",
				zap.Int64("order_id", order.ID),
				zap.Error(updErr))
		}

		failedEvent := &models.OrderFailedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderFailed),
			OrderID:   order.ID,
			UserID:    order.UserID,
			Reason:    err.Error(),
		}
		if pubErr := s.publisher.PublishOrderFailed(ctx, failedEvent); pubErr != nil {
			s.logger.Error("failed to publish OrderFailed event", zap.Error(pubErr))
		}

		if errors.Is(err, models.ErrInsufficientStock) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, err
		}
		util.OrdersFailedTotal.WithLabelValues("reservation_error").Inc()
		return nil, fmt.Errorf("inventory reservation failed: %w", err)
	}

	if err := s.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusReserved); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	util.OrdersReservedTotal.Inc()

	reservedEvent := &models.OrderReservedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderReserved),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       orderItems,
	}
	if err := s.publisher.PublishOrderReserved(ctx, reservedEvent); err != nil {
		s.logger.Error("failed to publish OrderReserved event", zap.Error(err))
	}

	return &CreateOrderResponse{
		OrderID: order.ID,
		Status:  models.OrderStatusReserved,
	}, nil
}

// CancelOrder requests cancellation: the order transitions to
// CANCEL_REQUESTED and an event is published; the saga worker performs the
// stock release and final CANCELLED transition.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64, reason string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	if _, err := s.store.GetOrderByID(ctx, orderID); err != nil {
		return err
	}

	// CANCEL_REQUESTED is an allowed source so a caller whose publish failed
	// can retry until the event reaches the broker; the saga's processed
	// guard keeps duplicate deliveries harmless.
	ok, err := s.store.UpdateOrderStatusIf(ctx, orderID,
		[]string{models.OrderStatusCreated, models.OrderStatusReserved, models.OrderStatusCancelRequested},
		models.OrderStatusCancelRequested)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	if !ok {
		return fmt.Errorf("order %d cannot be cancelled in its current state", orderID)
	}

	event := &models.OrderCancelRequestedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelRequested),
		OrderID:   orderID,
		Reason:    reason,
	}
	if err := s.publisher.PublishOrderCancelRequested(ctx, event); err != nil {
		return fmt.Errorf("failed to publish cancel request: %w", err)
	}

	s.logger.Info("order cancellation requested",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason))
	return nil
}

// ListOrders retrieves a user's orders, most recent first.
func (s *OrderService) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.GetOrdersByUserID(ctx, userID)
}

// GetOrder retrieves an order by ID with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// validateOrderItems validates that all products exist
func (s *OrderService) validateOrderItems(ctx context.Context, items []Line) (map[int64]*models.Product, error) {
	productIDs := make([]int64, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
	}

	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	productMap := make(map[int64]*models.Product)
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	for _, item := range items {
		if _, ok := productMap[item.ProductID]; !ok {
			return nil, fmt.Errorf("product not found: %d", item.ProductID)
		}
	}

	return productMap, nil
}

// resolveUnitPrices picks the unit price per line: the catalog price, or the
// frozen flash-drop price when this user froze a drop for the product.
func (s *OrderService) resolveUnitPrices(ctx context.Context, userID int64, items []Line, products map[int64]*models.Product) (map[counter.Key]int64, error) {
	prices := make(map[counter.Key]int64, len(items))
	for _, item := range items {
		price := products[item.ProductID].Price

		drop, err := s.store.GetFrozenDropForUser(ctx, item.ProductID, userID)
		if err == nil {
			price = drop.CurrentPrice
			s.logger.Info("honoring frozen flash drop price",
				zap.Int64("product_id", item.ProductID),
				zap.Int64("user_id", userID),
				zap.Int64("price", price))
		} else if !errors.Is(err, models.ErrDropNotFound) {
			return nil, fmt.Errorf("failed to look up frozen drop: %w", err)
		}

		prices[item.key()] = price
	}
	return prices, nil
}

// calculateTotal sums quantity times unit price across lines.
func calculateTotal(items []Line, unitPrices map[counter.Key]int64) int64 {
	var total int64
	for _, item := range items {
		total += unitPrices[item.key()] * int64(item.Quantity)
	}
	return total
}
