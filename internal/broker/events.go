package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

func dropKey(dropID int64) string {
	return fmt.Sprintf("drop-%d", dropID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderReserved publishes OrderReserved event
func (ep *EventPublisher) PublishOrderReserved(ctx context.Context, event *models.OrderReservedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderFailed publishes OrderFailed event
func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelRequested publishes OrderCancelRequested event
func (ep *EventPublisher) PublishOrderCancelRequested(ctx context.Context, event *models.OrderCancelRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStockReleased publishes StockReleased event
func (ep *EventPublisher) PublishStockReleased(ctx context.Context, event *models.StockReleasedEvent) error {
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("stock-%d-%d", event.ProductID, event.VariantID), event)
}

// PublishFlashDropCreated publishes FlashDropCreated event
func (ep *EventPublisher) PublishFlashDropCreated(ctx context.Context, event *models.FlashDropCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, dropKey(event.DropID), event)
}

// PublishFlashDropFrozen publishes FlashDropFrozen event
func (ep *EventPublisher) PublishFlashDropFrozen(ctx context.Context, event *models.FlashDropFrozenEvent) error {
	return ep.producer.PublishEvent(ctx, dropKey(event.DropID), event)
}

// PublishFlashDropExpired publishes FlashDropExpired event
func (ep *EventPublisher) PublishFlashDropExpired(ctx context.Context, event *models.FlashDropExpiredEvent) error {
	return ep.producer.PublishEvent(ctx, dropKey(event.DropID), event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onCancelRequested func(context.Context, *models.OrderCancelRequestedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnCancelRequested registers a handler for OrderCancelRequested events
func (eh *EventHandler) OnCancelRequested(handler func(context.Context, *models.OrderCancelRequestedEvent) error) {
	eh.onCancelRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	util.GetLogger().Debug("handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderCancelRequested:
		if eh.onCancelRequested != nil {
			var event models.OrderCancelRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCancelRequested event: %w", err)
			}
			return eh.onCancelRequested(ctx, &event)
		}

	default:
		// Other event types are published for external consumers.
	}

	return nil
}
