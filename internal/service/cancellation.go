package service

import (
	"context"
	"fmt"

	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/util"

	"go.uber.org/zap"
)

// CancelEventPublisher publishes compensation outcomes.
type CancelEventPublisher interface {
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishStockReleased(ctx context.Context, event *models.StockReleasedEvent) error
}

// CancelStore is the durable state the saga needs. Implemented by
// *store.Store.
type CancelStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
}

// CancellationSaga consumes cancel-requested events and performs the
// compensation: release every reserved line, then finalize the order as
// CANCELLED. Event handling is idempotent via the processed_events guard.
type CancellationSaga struct {
	store     CancelStore
	inventory *InventoryService
	publisher CancelEventPublisher
	logger    *zap.Logger
}

// NewCancellationSaga creates a new cancellation saga
func NewCancellationSaga(store CancelStore, inventory *InventoryService, publisher CancelEventPublisher) *CancellationSaga {
	return &CancellationSaga{
		store:     store,
		inventory: inventory,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandleCancelRequested releases the order's lines and marks it CANCELLED.
// Returning an error leaves the event uncommitted so the broker redelivers;
// the processed guard keeps redelivery harmless.
func (cs *CancellationSaga) HandleCancelRequested(ctx context.Context, event *models.OrderCancelRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "CancellationSaga.HandleCancelRequested")
	defer span.End()

	processed, err := cs.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		cs.logger.Info("event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	cs.logger.Info("handling order cancellation",
		zap.Int64("order_id", event.OrderID),
		zap.String("reason", event.Reason))

	items, err := cs.store.GetOrderItemsByOrderID(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get order items: %w", err)
	}

	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	if err := cs.inventory.ReleaseOrderLines(ctx, lines); err != nil {
		// Redelivery retries the whole release; over-releasing is repaired
		// by the next sync, stranded stock is not.
		return fmt.Errorf("failed to release order lines: %w", err)
	}

	for _, line := range lines {
		released := &models.StockReleasedEvent{
			BaseEvent: newBaseEvent(models.EventTypeStockReleased),
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		}
		if err := cs.publisher.PublishStockReleased(ctx, released); err != nil {
			cs.logger.Error("failed to publish StockReleased event", zap.Error(err))
		}
	}

	if err := cs.store.UpdateOrderStatus(ctx, event.OrderID, models.OrderStatusCancelled); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	util.OrdersCancelledTotal.Inc()

	if err := cs.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		cs.logger.Error("failed to mark event processed", zap.Error(err))
	}

	cancelled := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   event.OrderID,
		Reason:    event.Reason,
	}
	if err := cs.publisher.PublishOrderCancelled(ctx, cancelled); err != nil {
		cs.logger.Error("failed to publish OrderCancelled event", zap.Error(err))
	}

	cs.logger.Info("order cancelled and compensated", zap.Int64("order_id", event.OrderID))
	return nil
}
