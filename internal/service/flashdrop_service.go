package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DropStore is the durable state a FlashDropService needs. Implemented by
// *store.Store.
type DropStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	CreateFlashDrop(ctx context.Context, drop *models.FlashDrop) error
	GetFlashDropByID(ctx context.Context, id int64) (*models.FlashDrop, error)
	GetActiveFlashDropByProduct(ctx context.Context, productID int64) (*models.FlashDrop, error)
	FreezeFlashDrop(ctx context.Context, id, userID, price int64, at time.Time) error
	UpdateFlashDropPrice(ctx context.Context, id, price int64, lastUpdate time.Time) error
	ExpireFlashDrop(ctx context.Context, id int64) (bool, error)
	ListLapsedActiveDrops(ctx context.Context, now time.Time) ([]models.FlashDrop, error)
	UpsertParticipant(ctx context.Context, dropID, userID int64, clickedBuy bool) error
}

// DropEventPublisher publishes flash-drop lifecycle events.
type DropEventPublisher interface {
	PublishFlashDropCreated(ctx context.Context, event *models.FlashDropCreatedEvent) error
	PublishFlashDropFrozen(ctx context.Context, event *models.FlashDropFrozenEvent) error
	PublishFlashDropExpired(ctx context.Context, event *models.FlashDropExpiredEvent) error
}

// FlashDropService manages decaying-price drops: creation (guarded to one
// ACTIVE drop per product), pure price computation from elapsed time, the
// single-winner freeze, and expiry.
type FlashDropService struct {
	drops     DropStore
	publisher DropEventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewFlashDropService creates a new flash drop service
func NewFlashDropService(drops DropStore, publisher DropEventPublisher) *FlashDropService {
	return &FlashDropService{
		drops:     drops,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateDropParams are the operator-supplied drop parameters. Prices are
// minor currency units.
type CreateDropParams struct {
	ProductID       int64      `json:"product_id" binding:"required"`
	StartingPrice   int64      `json:"starting_price" binding:"required,min=1"`
	MinPrice        int64      `json:"min_price" binding:"min=0"`
	PriceDecrement  int64      `json:"price_decrement" binding:"required,min=1"`
	IntervalSeconds int64      `json:"interval_seconds" binding:"required,min=1"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
}

// FreezeResult reports a successful freeze.
type FreezeResult struct {
	DropID      int64 `json:"drop_id"`
	ProductID   int64 `json:"product_id"`
	FrozenPrice int64 `json:"frozen_price"`
}

// CreateDrop opens a new ACTIVE drop for a product. Fails with
// models.ErrActiveDropExists when the product already has one.
func (fs *FlashDropService) CreateDrop(ctx context.Context, params CreateDropParams) (*models.FlashDrop, error) {
	ctx, span := util.StartSpan(ctx, "FlashDropService.CreateDrop")
	defer span.End()

	if err := validateDropParams(params); err != nil {
		return nil, err
	}

	if _, err := fs.drops.GetProductByID(ctx, params.ProductID); err != nil {
		return nil, err
	}

	now := fs.now().UTC()
	drop := &models.FlashDrop{
		ProductID:       params.ProductID,
		StartingPrice:   params.StartingPrice,
		CurrentPrice:    params.StartingPrice,
		MinPrice:        params.MinPrice,
		PriceDecrement:  params.PriceDecrement,
		IntervalSeconds: params.IntervalSeconds,
		Status:          models.FlashDropStatusActive,
		StartedAt:       now,
		EndsAt:          params.EndsAt,
		LastPriceUpdate: now,
	}

	if err := fs.drops.CreateFlashDrop(ctx, drop); err != nil {
		return nil, err
	}

	util.FlashDropsCreatedTotal.Inc()
	fs.logger.Info("flash drop created",
		zap.Int64("drop_id", drop.ID),
		zap.Int64("product_id", drop.ProductID),
		zap.Int64("starting_price", drop.StartingPrice))

	event := &models.FlashDropCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeFlashDropCreated),
		DropID:        drop.ID,
		ProductID:     drop.ProductID,
		StartingPrice: drop.StartingPrice,
		MinPrice:      drop.MinPrice,
	}
	if err := fs.publisher.PublishFlashDropCreated(ctx, event); err != nil {
		fs.logger.Error("failed to publish FlashDropCreated event", zap.Error(err))
	}

	return drop, nil
}

// GetDropForProduct returns the product's ACTIVE drop with its price decayed
// to now, or models.ErrDropNotFound. Lapsed drops are expired on read.
func (fs *FlashDropService) GetDropForProduct(ctx context.Context, productID int64) (*models.FlashDrop, error) {
	ctx, span := util.StartSpan(ctx, "FlashDropService.GetDropForProduct")
	defer span.End()

	drop, err := fs.drops.GetActiveFlashDropByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	drop, err = fs.refresh(ctx, drop)
	if err != nil {
		return nil, err
	}
	if drop.Status != models.FlashDropStatusActive {
		// Lazily expired between the query and the refresh.
		return nil, models.ErrDropNotFound
	}
	return drop, nil
}

// GetDrop returns a drop by id with its price decayed to now.
func (fs *FlashDropService) GetDrop(ctx context.Context, dropID int64) (*models.FlashDrop, error) {
	ctx, span := util.StartSpan(ctx, "FlashDropService.GetDrop")
	defer span.End()

	drop, err := fs.drops.GetFlashDropByID(ctx, dropID)
	if err != nil {
		return nil, err
	}
	return fs.refresh(ctx, drop)
}

// Freeze locks in the current decayed price for exactly one claimant.
// Exactly one concurrent caller wins; the rest get
// models.ErrDropAlreadyClaimed (or ErrDropNotActive for a lapsed drop).
func (fs *FlashDropService) Freeze(ctx context.Context, dropID, userID int64) (*FreezeResult, error) {
	ctx, span := util.StartSpan(ctx, "FlashDropService.Freeze")
	defer span.End()

	drop, err := fs.drops.GetFlashDropByID(ctx, dropID)
	if err != nil {
		util.FlashDropFreezeTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	drop, err = fs.refresh(ctx, drop)
	if err != nil {
		return nil, err
	}
	if drop.Status != models.FlashDropStatusActive {
		util.FlashDropFreezeTotal.WithLabelValues("not_active").Inc()
		if drop.Status == models.FlashDropStatusFrozen {
			return nil, models.ErrDropAlreadyClaimed
		}
		return nil, models.ErrDropNotActive
	}

	now := fs.now().UTC()
	price := fs.CurrentPrice(drop, now)

	if err := fs.drops.FreezeFlashDrop(ctx, dropID, userID, price, now); err != nil {
		if errors.Is(err, models.ErrDropAlreadyClaimed) || errors.Is(err, models.ErrDropNotActive) {
			util.FlashDropFreezeTotal.WithLabelValues("lost_race").Inc()
			fs.logger.Info("freeze lost the race",
				zap.Int64("drop_id", dropID),
				zap.Int64("user_id", userID))
			return nil, err
		}
		util.FlashDropFreezeTotal.WithLabelValues("store_error").Inc()
		return nil, err
	}

	util.FlashDropFreezeTotal.WithLabelValues("success").Inc()
	fs.logger.Info("flash drop frozen",
		zap.Int64("drop_id", dropID),
		zap.Int64("user_id", userID),
		zap.Int64("frozen_price", price))

	// Audit trail; the freeze itself already succeeded.
	if err := fs.drops.UpsertParticipant(ctx, dropID, userID, true); err != nil {
		fs.logger.Warn("failed to record participant",
			zap.Int64("drop_id", dropID),
			zap.Int64("user_id", userID),
			zap.Error(err))
	}

	event := &models.FlashDropFrozenEvent{
		BaseEvent:   newBaseEvent(models.EventTypeFlashDropFrozen),
		DropID:      dropID,
		ProductID:   drop.ProductID,
		UserID:      userID,
		FrozenPrice: price,
	}
	if err := fs.publisher.PublishFlashDropFrozen(ctx, event); err != nil {
		fs.logger.Error("failed to publish FlashDropFrozen event", zap.Error(err))
	}

	return &FreezeResult{DropID: dropID, ProductID: drop.ProductID, FrozenPrice: price}, nil
}

// RecordClick stores a best-effort (drop, user) participation record.
func (fs *FlashDropService) RecordClick(ctx context.Context, dropID, userID int64) error {
	if _, err := fs.drops.GetFlashDropByID(ctx, dropID); err != nil {
		return err
	}
	return fs.drops.UpsertParticipant(ctx, dropID, userID, false)
}

// ExpireLapsed transitions every ACTIVE drop whose end time has passed to
// EXPIRED. Returns how many drops were expired. Called by the sweep worker;
// reads also expire lazily, this is the backstop for unread drops.
func (fs *FlashDropService) ExpireLapsed(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "FlashDropService.ExpireLapsed")
	defer span.End()

	drops, err := fs.drops.ListLapsedActiveDrops(ctx, fs.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed drops: %w", err)
	}

	expired := 0
	for _, drop := range drops {
		ok, err := fs.drops.ExpireFlashDrop(ctx, drop.ID)
		if err != nil {
			fs.logger.Error("failed to expire flash drop",
				zap.Int64("drop_id", drop.ID),
				zap.Error(err))
			continue
		}
		if !ok {
			// Frozen or already expired since the list query.
			continue
		}

		expired++
		util.FlashDropsExpiredTotal.Inc()

		event := &models.FlashDropExpiredEvent{
			BaseEvent: newBaseEvent(models.EventTypeFlashDropExpired),
			DropID:    drop.ID,
			ProductID: drop.ProductID,
		}
		if err := fs.publisher.PublishFlashDropExpired(ctx, event); err != nil {
			fs.logger.Error("failed to publish FlashDropExpired event", zap.Error(err))
		}
	}

	return expired, nil
}

// CurrentPrice computes the decayed price at now. Pure: the stored price
// minus one decrement per whole elapsed interval since the stored update
// time, clamped at the floor. Non-ACTIVE drops keep their stored price.
func (fs *FlashDropService) CurrentPrice(drop *models.FlashDrop, now time.Time) int64 {
	if drop.Status != models.FlashDropStatusActive {
		return drop.CurrentPrice
	}

	elapsed := now.Sub(drop.LastPriceUpdate)
	if elapsed <= 0 || drop.IntervalSeconds <= 0 {
		return drop.CurrentPrice
	}

	intervals := int64(elapsed / (time.Duration(drop.IntervalSeconds) * time.Second))
	if intervals <= 0 {
		return drop.CurrentPrice
	}

	candidate := drop.CurrentPrice - intervals*drop.PriceDecrement
	if candidate < drop.MinPrice {
		return drop.MinPrice
	}
	return candidate
}

// refresh lazily expires a lapsed drop, then decays the price and persists
// it when it changed. The write is a cache refresh: losing it is safe, the
// next read recomputes the same value from elapsed time.
func (fs *FlashDropService) refresh(ctx context.Context, drop *models.FlashDrop) (*models.FlashDrop, error) {
	now := fs.now().UTC()

	if drop.Status == models.FlashDropStatusActive && drop.EndsAt != nil && !drop.EndsAt.After(now) {
		ok, err := fs.drops.ExpireFlashDrop(ctx, drop.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			util.FlashDropsExpiredTotal.Inc()
		}
		return fs.drops.GetFlashDropByID(ctx, drop.ID)
	}

	price := fs.CurrentPrice(drop, now)
	if price == drop.CurrentPrice {
		return drop, nil
	}

	if price < drop.MinPrice {
		// Never persist a price below the floor.
		fs.logger.Error("computed price below floor",
			zap.Int64("drop_id", drop.ID),
			zap.Int64("price", price),
			zap.Int64("min_price", drop.MinPrice))
		return nil, fmt.Errorf("drop %d: computed price %d below floor %d", drop.ID, price, drop.MinPrice)
	}

	// Advance the anchor by whole consumed intervals rather than to the
	// caller's wall clock, so partial intervals are never lost and repeated
	// reads within an interval stay identical.
	intervals := (drop.CurrentPrice - price) / drop.PriceDecrement
	if price == drop.MinPrice {
		intervals = int64(now.Sub(drop.LastPriceUpdate) / (time.Duration(drop.IntervalSeconds) * time.Second))
	}
	anchor := drop.LastPriceUpdate.Add(time.Duration(intervals*drop.IntervalSeconds) * time.Second)

	if err := fs.drops.UpdateFlashDropPrice(ctx, drop.ID, price, anchor); err != nil {
		// Non-fatal: concurrent writers converge on the same value.
		fs.logger.Warn("failed to persist decayed price",
			zap.Int64("drop_id", drop.ID),
			zap.Error(err))
	} else {
		drop.LastPriceUpdate = anchor
	}

	drop.CurrentPrice = price
	return drop, nil
}

func validateDropParams(params CreateDropParams) error {
	if params.StartingPrice <= 0 {
		return fmt.Errorf("starting price must be positive")
	}
	if params.MinPrice < 0 || params.MinPrice > params.StartingPrice {
		return fmt.Errorf("min price must be between 0 and the starting price")
	}
	if params.PriceDecrement <= 0 {
		return fmt.Errorf("price decrement must be positive")
	}
	if params.IntervalSeconds <= 0 {
		return fmt.Errorf("interval seconds must be positive")
	}
	return nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
