package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bandachao-commerce/internal/counter"
	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/util"

	"go.uber.org/zap"
)

// Line is one order line to reserve: a sellable unit and a quantity.
type Line struct {
	ProductID int64 `json:"product_id"`
	VariantID int64 `json:"variant_id,omitempty"`
	Quantity  int   `json:"quantity"`
}

func (l Line) key() counter.Key {
	return counter.Key{ProductID: l.ProductID, VariantID: l.VariantID}
}

// InventoryService reserves and releases stock per order line. Each line is
// individually atomic; the set is made atomic-in-effect by compensating
// already-reserved lines when a later line fails.
type InventoryService struct {
	counter *counter.Counter
	logger  *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(c *counter.Counter) *InventoryService {
	return &InventoryService{
		counter: c,
		logger:  util.GetLogger(),
	}
}

// ReserveOrderLines reserves every line in input order. On the first failure
// all previously reserved lines are released before the failure surfaces.
// Insufficient stock comes back as *models.InsufficientStockError naming the
// offending unit; anything else is an infrastructure error and is re-raised
// after compensation.
func (is *InventoryService) ReserveOrderLines(ctx context.Context, lines []Line) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReserveOrderLines")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	// Fail fast before touching any counter.
	for _, line := range lines {
		if line.Quantity <= 0 {
			util.StockReservationsFailed.WithLabelValues("invalid_quantity").Inc()
			return fmt.Errorf("product %d: %w", line.ProductID, models.ErrInvalidQuantity)
		}
	}

	reserved := make([]Line, 0, len(lines))
	for _, line := range lines {
		err := is.counter.Reserve(ctx, line.key(), int64(line.Quantity))
		if err == nil {
			util.StockReservationsTotal.Inc()
			reserved = append(reserved, line)
			continue
		}

		is.compensate(ctx, reserved)

		if errors.Is(err, models.ErrInsufficientStock) {
			util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			is.logger.Info("reservation rejected, insufficient stock",
				zap.Int64("product_id", line.ProductID),
				zap.Int64("variant_id", line.VariantID),
				zap.Int("quantity", line.Quantity))
			return &models.InsufficientStockError{
				ProductID: line.ProductID,
				VariantID: line.VariantID,
			}
		}

		util.StockReservationsFailed.WithLabelValues("store_error").Inc()
		return fmt.Errorf("failed to reserve stock for product %d: %w", line.ProductID, err)
	}

	return nil
}

// ReleaseOrderLines releases every line. Releases are commutative and
// at-least-once safe, so errors on individual lines are collected rather
// than aborting the loop.
func (is *InventoryService) ReleaseOrderLines(ctx context.Context, lines []Line) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReleaseOrderLines")
	defer span.End()

	var firstErr error
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if err := is.counter.Release(ctx, line.key(), int64(line.Quantity)); err != nil {
			is.logger.Error("failed to release stock",
				zap.Int64("product_id", line.ProductID),
				zap.Int64("variant_id", line.VariantID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		util.StockReleasesTotal.Inc()
	}
	return firstErr
}

// GetStock reads the available quantity for a unit.
func (is *InventoryService) GetStock(ctx context.Context, productID, variantID int64) (int64, error) {
	return is.counter.Read(ctx, counter.Key{ProductID: productID, VariantID: variantID})
}

// SyncToFastStore rebuilds the fast-path cache from durable truth.
func (is *InventoryService) SyncToFastStore(ctx context.Context) error {
	if err := is.counter.Sync(ctx); err != nil {
		return err
	}
	util.StockSyncTotal.Inc()
	return nil
}

// compensate releases already-reserved lines after a mid-saga failure.
// Failures here are logged and surface via metrics; they must not mask the
// original reservation failure.
func (is *InventoryService) compensate(ctx context.Context, reserved []Line) {
	if len(reserved) == 0 {
		return
	}
	if err := is.ReleaseOrderLines(ctx, reserved); err != nil {
		is.logger.Error("compensation incomplete after failed reservation",
			zap.Int("lines", len(reserved)),
			zap.Error(err))
	}
}
