package models

import "time"

// Event types
const (
	EventTypeOrderCreated         = "ORDER_CREATED"
	EventTypeOrderReserved        = "ORDER_RESERVED"
	EventTypeOrderCancelRequested = "ORDER_CANCEL_REQUESTED"
	EventTypeOrderCancelled       = "ORDER_CANCELLED"
	EventTypeOrderFailed          = "ORDER_FAILED"
	EventTypeStockReleased        = "STOCK_RELEASED"
	EventTypeFlashDropCreated     = "FLASH_DROP_CREATED"
	EventTypeFlashDropFrozen      = "FLASH_DROP_FROZEN"
	EventTypeFlashDropExpired     = "FLASH_DROP_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	VariantID int64 `json:"variant_id,omitempty"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// OrderCreatedEvent published when an order row is written
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderReservedEvent published when all lines are reserved
type OrderReservedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderFailedEvent published when reservation fails and the order is
// marked FAILED
type OrderFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// OrderCancelRequestedEvent published when a caller asks to cancel;
// consumed by the saga worker which performs the compensation
type OrderCancelRequestedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderCancelledEvent published once compensation has released the lines
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// StockReleasedEvent published per released line during compensation
type StockReleasedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	VariantID int64 `json:"variant_id,omitempty"`
	Quantity  int   `json:"quantity"`
}

// FlashDropCreatedEvent published when an operator opens a drop
type FlashDropCreatedEvent struct {
	BaseEvent
	DropID        int64 `json:"drop_id"`
	ProductID     int64 `json:"product_id"`
	StartingPrice int64 `json:"starting_price"`
	MinPrice      int64 `json:"min_price"`
}

// FlashDropFrozenEvent published when a claimant locks in the price
type FlashDropFrozenEvent struct {
	BaseEvent
	DropID      int64 `json:"drop_id"`
	ProductID   int64 `json:"product_id"`
	UserID      int64 `json:"user_id"`
	FrozenPrice int64 `json:"frozen_price"`
}

// FlashDropExpiredEvent published when a drop lapses unclaimed
type FlashDropExpiredEvent struct {
	BaseEvent
	DropID    int64 `json:"drop_id"`
	ProductID int64 `json:"product_id"`
}
