package worker

import (
	"context"
	"time"

	"bandachao-commerce/internal/broker"
	"bandachao-commerce/internal/service"
	"bandachao-commerce/internal/util"

	"go.uber.org/zap"
)

// CancelWorker consumes OrderCancelRequested events and drives the
// compensation saga.
type CancelWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCancelWorker creates a new cancel worker
func NewCancelWorker(consumer *broker.Consumer, saga *service.CancellationSaga) *CancelWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnCancelRequested(saga.HandleCancelRequested)

	return &CancelWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *CancelWorker) Start(ctx context.Context) error {
	w.logger.Info("starting cancel worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CancelWorker) Stop() error {
	w.logger.Info("stopping cancel worker")
	return w.consumer.Close()
}

// SweepWorker periodically expires lapsed flash drops and rebuilds the
// fast-path stock cache from durable truth.
type SweepWorker struct {
	drops         *service.FlashDropService
	inventory     *service.InventoryService
	sweepInterval time.Duration
	syncInterval  time.Duration
	logger        *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(
	drops *service.FlashDropService,
	inventory *service.InventoryService,
	sweepInterval, syncInterval time.Duration,
) *SweepWorker {
	return &SweepWorker{
		drops:         drops,
		inventory:     inventory,
		sweepInterval: sweepInterval,
		syncInterval:  syncInterval,
		logger:        util.GetLogger(),
	}
}

// Start runs the sweep loops until the context is cancelled.
func (sw *SweepWorker) Start(ctx context.Context) error {
	sw.logger.Info("starting sweep worker",
		zap.Duration("sweep_interval", sw.sweepInterval),
		zap.Duration("sync_interval", sw.syncInterval))

	sweepTicker := time.NewTicker(sw.sweepInterval)
	defer sweepTicker.Stop()
	syncTicker := time.NewTicker(sw.syncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweep worker context cancelled, stopping")
			return ctx.Err()

		case <-sweepTicker.C:
			expired, err := sw.drops.ExpireLapsed(ctx)
			if err != nil {
				sw.logger.Error("flash drop sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				sw.logger.Info("expired lapsed flash drops", zap.Int("count", expired))
			}

		case <-syncTicker.C:
			if err := sw.inventory.SyncToFastStore(ctx); err != nil {
				sw.logger.Error("periodic inventory sync failed", zap.Error(err))
			}
		}
	}
}
