package models

import (
	"errors"
	"fmt"
	"time"
)

// Product represents a sellable item in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Stock     int       `db:"stock" json:"stock"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProductVariant represents a variant of a product (size, color) with its own stock
type ProductVariant struct {
	ID        int64     `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Stock     int       `db:"stock" json:"stock"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StockRow is one durable stock quantity, keyed by product and optional variant.
// VariantID is 0 for product-level stock.
type StockRow struct {
	ProductID int64 `db:"product_id"`
	VariantID int64 `db:"variant_id"`
	Quantity  int64 `db:"quantity"`
}

// Flash drop statuses. ACTIVE is the only non-terminal state.
const (
	FlashDropStatusActive  = "ACTIVE"
	FlashDropStatusFrozen  = "FROZEN"
	FlashDropStatusExpired = "EXPIRED"
)

// FlashDrop represents one time-boxed decaying-price offer for a product.
// All prices are minor currency units.
type FlashDrop struct {
	ID              int64      `db:"id" json:"id"`
	ProductID       int64      `db:"product_id" json:"product_id"`
	StartingPrice   int64      `db:"starting_price" json:"starting_price"`
	CurrentPrice    int64      `db:"current_price" json:"current_price"`
	MinPrice        int64      `db:"min_price" json:"min_price"`
	PriceDecrement  int64      `db:"price_decrement" json:"price_decrement"`
	IntervalSeconds int64      `db:"interval_seconds" json:"interval_seconds"`
	Status          string     `db:"status" json:"status"`
	FrozenByUserID  *int64     `db:"frozen_by_user_id" json:"frozen_by_user_id,omitempty"`
	FrozenAt        *time.Time `db:"frozen_at" json:"frozen_at,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	EndsAt          *time.Time `db:"ends_at" json:"ends_at,omitempty"`
	LastPriceUpdate time.Time  `db:"last_price_update" json:"last_price_update"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// FlashDropParticipant is a best-effort audit record of a user clicking
// toward a claim. Unique on (flash_drop_id, user_id).
type FlashDropParticipant struct {
	FlashDropID int64     `db:"flash_drop_id" json:"flash_drop_id"`
	UserID      int64     `db:"user_id" json:"user_id"`
	ClickedBuy  bool      `db:"clicked_buy" json:"clicked_buy"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Order represents a customer order
type Order struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	TotalAmount    int64     `db:"total_amount" json:"total_amount"`
	Status         string    `db:"status" json:"status"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents one line of an order
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	VariantID int64 `db:"variant_id" json:"variant_id,omitempty"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// Order statuses
const (
	OrderStatusCreated         = "CREATED"
	OrderStatusReserved        = "RESERVED"
	OrderStatusFailed          = "FAILED"
	OrderStatusCancelRequested = "CANCEL_REQUESTED"
	OrderStatusCancelled       = "CANCELLED"
)

// ProcessedEvent for idempotent event consumption
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Business outcomes. These are expected results the caller branches on,
// never infrastructure failures, and must stay distinguishable from them.
var (
	// ErrInsufficientStock means a reservation would take the counter below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrStockNotFound means no counter exists for the requested key.
	ErrStockNotFound = errors.New("stock not found")

	// ErrDropAlreadyClaimed means another claimant froze the drop first.
	ErrDropAlreadyClaimed = errors.New("flash drop already claimed")

	// ErrDropNotFound means no flash drop exists with the given id.
	ErrDropNotFound = errors.New("flash drop not found")

	// ErrDropNotActive means the drop exists but has left the ACTIVE state.
	ErrDropNotActive = errors.New("flash drop not active")

	// ErrActiveDropExists means the product already has an ACTIVE drop.
	ErrActiveDropExists = errors.New("product already has an active flash drop")

	// ErrInvalidQuantity means a caller passed a zero or negative line quantity.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrOrderNotFound means no order exists with the given id.
	ErrOrderNotFound = errors.New("order not found")
)

// InsufficientStockError identifies which product could not be reserved.
// It unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	ProductID int64
	VariantID int64
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != 0 {
		return fmt.Sprintf("insufficient stock for product %d variant %d", e.ProductID, e.VariantID)
	}
	return fmt.Sprintf("insufficient stock for product %d", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
