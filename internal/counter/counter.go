// Package counter provides a linearizable decrement-with-floor counter for
// scarce resources, backed by a low-latency atomic store with a durable
// relational fallback.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bandachao-commerce/internal/models"
	"bandachao-commerce/internal/util"

	"go.uber.org/zap"
)

// Key identifies one sellable unit. VariantID is 0 for product-level stock.
type Key struct {
	ProductID int64
	VariantID int64
}

// String returns the cache key for this unit.
func (k Key) String() string {
	if k.VariantID != 0 {
		return fmt.Sprintf("stock:%d:%d", k.ProductID, k.VariantID)
	}
	return fmt.Sprintf("stock:%d", k.ProductID)
}

// FastStore is a single-key atomic integer store (Redis in production).
// Reserve must decrement first and compensate on a negative result, so the
// check and the mutation are a single atomic step.
type FastStore interface {
	// Reserve decrements by amount. Returns models.ErrInsufficientStock when
	// the result would be negative (after restoring the value).
	Reserve(ctx context.Context, key string, amount int64) (remaining int64, err error)
	// Release increments by amount unconditionally.
	Release(ctx context.Context, key string, amount int64) (int64, error)
	// Init overwrites the counter value, with a TTL. Only Sync may use it:
	// overwriting a live counter resurrects stock already reserved against it.
	Init(ctx context.Context, key string, quantity int64, ttl time.Duration) error
	// InitIfAbsent writes the counter only when the key does not exist,
	// reporting whether the write landed. Used for lazy cache loads, where a
	// concurrent loader may have seeded the key and taken reservations
	// against it already.
	InitIfAbsent(ctx context.Context, key string, quantity int64, ttl time.Duration) (bool, error)
	// Get reads the counter. Returns models.ErrStockNotFound for absent keys.
	Get(ctx context.Context, key string) (int64, error)
}

// DurableStore is the relational source of truth for stock quantities.
type DurableStore interface {
	// ReserveStock atomically decrements the stock column if and only if the
	// result stays non-negative. Returns models.ErrInsufficientStock or
	// models.ErrStockNotFound as business outcomes.
	ReserveStock(ctx context.Context, key Key, amount int64) error
	ReleaseStock(ctx context.Context, key Key, amount int64) error
	GetStock(ctx context.Context, key Key) (int64, error)
	ListStock(ctx context.Context) ([]models.StockRow, error)
}

// Counter combines the fast path with the durable store. All methods are
// safe for concurrent use; per-key operations are linearized by the backing
// store, never by in-process locks.
type Counter struct {
	fast         FastStore
	durable      DurableStore
	logger       *zap.Logger
	opTimeout    time.Duration
	cacheTTL     time.Duration
	releaseTries int
}

// Option configures a Counter.
type Option func(*Counter)

// WithOpTimeout bounds each backing-store round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Counter) { c.opTimeout = d }
}

// WithCacheTTL sets the TTL on fast-path entries.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Counter) { c.cacheTTL = d }
}

// WithReleaseTries sets how many times an ambiguous release is retried.
func WithReleaseTries(n int) Option {
	return func(c *Counter) { c.releaseTries = n }
}

// New creates a Counter. fast may be nil, in which case every operation
// goes straight to the durable store.
func New(fast FastStore, durable DurableStore, opts ...Option) *Counter {
	c := &Counter{
		fast:         fast,
		durable:      durable,
		logger:       util.GetLogger(),
		opTimeout:    2 * time.Second,
		cacheTTL:     time.Hour,
		releaseTries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reserve decrements the counter for key by amount, failing with
// models.ErrInsufficientStock when the stock cannot cover it. An ambiguous
// outcome (timeout, store error on both paths) is reported as an error and
// must be treated by callers as not reserved.
func (c *Counter) Reserve(ctx context.Context, key Key, amount int64) error {
	if amount <= 0 {
		return models.ErrInvalidQuantity
	}

	if c.fast == nil {
		return c.durable.ReserveStock(ctx, key, amount)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.ensureCached(opCtx, key); err != nil {
		if errors.Is(err, models.ErrStockNotFound) {
			return err
		}
		c.logger.Warn("fast store unavailable, reserving via durable store",
			zap.String("key", key.String()),
			zap.Error(err))
		return c.durable.ReserveStock(ctx, key, amount)
	}

	remaining, err := c.fast.Reserve(opCtx, key.String(), amount)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientStock) {
			return err
		}
		c.logger.Warn("fast reserve failed, falling back to durable store",
			zap.String("key", key.String()),
			zap.Error(err))
		return c.durable.ReserveStock(ctx, key, amount)
	}

	if remaining < 0 {
		// The fast store already compensated; seeing this means it did not.
		c.logger.Error("counter negative after successful reserve",
			zap.String("key", key.String()),
			zap.Int64("remaining", remaining))
		return fmt.Errorf("counter %s negative after reserve", key)
	}

	// Write through to the durable store so it stays the source of truth.
	// A failure here is repaired by the next Sync.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.durable.ReserveStock(ctx, key, amount); err != nil {
			c.logger.Error("failed to write reservation through to durable store",
				zap.String("key", key.String()),
				zap.Int64("amount", amount),
				zap.Error(err))
		}
	}()

	return nil
}

// Release increments the counter for key by amount. Releases are retried on
// failure: releasing twice only inflates stock until the next Sync, while a
// lost release permanently strands sellable stock.
func (c *Counter) Release(ctx context.Context, key Key, amount int64) error {
	if amount <= 0 {
		return models.ErrInvalidQuantity
	}

	if c.fast != nil {
		if err := c.withRetry(ctx, func(opCtx context.Context) error {
			_, err := c.fast.Release(opCtx, key.String(), amount)
			return err
		}); err != nil {
			c.logger.Error("failed to release stock in fast store",
				zap.String("key", key.String()),
				zap.Error(err))
		}
	}

	return c.withRetry(ctx, func(opCtx context.Context) error {
		return c.durable.ReleaseStock(opCtx, key, amount)
	})
}

// Read returns the current quantity, preferring the fast path.
func (c *Counter) Read(ctx context.Context, key Key) (int64, error) {
	if c.fast != nil {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		qty, err := c.fast.Get(opCtx, key.String())
		cancel()
		if err == nil {
			return qty, nil
		}
		if !errors.Is(err, models.ErrStockNotFound) {
			c.logger.Warn("fast read failed, falling back to durable store",
				zap.String("key", key.String()),
				zap.Error(err))
		}
	}
	return c.durable.GetStock(ctx, key)
}

// Sync bulk-loads durable quantities into the fast store, overwriting
// whatever is cached. Called at startup and periodically thereafter.
func (c *Counter) Sync(ctx context.Context) error {
	if c.fast == nil {
		return nil
	}

	rows, err := c.durable.ListStock(ctx)
	if err != nil {
		return fmt.Errorf("failed to list durable stock: %w", err)
	}

	synced := 0
	for _, row := range rows {
		key := Key{ProductID: row.ProductID, VariantID: row.VariantID}
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err := c.fast.Init(opCtx, key.String(), row.Quantity, c.cacheTTL)
		cancel()
		if err != nil {
			c.logger.Error("failed to sync stock to fast store",
				zap.String("key", key.String()),
				zap.Error(err))
			continue
		}
		synced++
	}

	c.logger.Info("stock sync completed",
		zap.Int("total", len(rows)),
		zap.Int("synced", synced))
	return nil
}

// ensureCached loads the durable quantity into the fast store when the key
// is not cached yet.
func (c *Counter) ensureCached(ctx context.Context, key Key) error {
	_, err := c.fast.Get(ctx, key.String())
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrStockNotFound) {
		return err
	}

	qty, err := c.durable.GetStock(ctx, key)
	if err != nil {
		return err
	}
	// Create-only. When two callers miss the cache at once, exactly one seed
	// lands; the loser reserves against the counter the winner created.
	_, err = c.fast.InitIfAbsent(ctx, key.String(), qty, c.cacheTTL)
	return err
}

func (c *Counter) withRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.releaseTries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		lastErr = op(opCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
