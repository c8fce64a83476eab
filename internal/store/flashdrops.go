package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bandachao-commerce/internal/models"
)

// CreateFlashDrop inserts a new drop, guarded so a product can never carry
// two ACTIVE drops: the INSERT only materializes when no ACTIVE row exists
// for the product, closing the race between two operators creating drops
// simultaneously.
func (s *Store) CreateFlashDrop(ctx context.Context, drop *models.FlashDrop) error {
	query := `
		INSERT INTO flash_drops
			(product_id, starting_price, current_price, min_price, price_decrement,
			 interval_seconds, status, started_at, ends_at, last_price_update)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM flash_drops WHERE product_id = $1 AND status = $11
		)
		RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		drop.ProductID, drop.StartingPrice, drop.CurrentPrice, drop.MinPrice,
		drop.PriceDecrement, drop.IntervalSeconds, drop.Status,
		drop.StartedAt, drop.EndsAt, drop.LastPriceUpdate,
		models.FlashDropStatusActive,
	).Scan(&drop.ID, &drop.CreatedAt)

	if err == sql.ErrNoRows {
		return models.ErrActiveDropExists
	}
	if err != nil {
		return fmt.Errorf("failed to create flash drop: %w", err)
	}
	return nil
}

// GetFlashDropByID retrieves a drop by id.
func (s *Store) GetFlashDropByID(ctx context.Context, id int64) (*models.FlashDrop, error) {
	var drop models.FlashDrop
	err := s.db.GetContext(ctx, &drop, "SELECT * FROM flash_drops WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrDropNotFound
	}
	if err != nil {
		return nil, err
	}
	return &drop, nil
}

// GetActiveFlashDropByProduct retrieves the product's ACTIVE drop, if any.
func (s *Store) GetActiveFlashDropByProduct(ctx context.Context, productID int64) (*models.FlashDrop, error) {
	var drop models.FlashDrop
	err := s.db.GetContext(ctx, &drop,
		"SELECT * FROM flash_drops WHERE product_id = $1 AND status = $2",
		productID, models.FlashDropStatusActive)
	if err == sql.ErrNoRows {
		return nil, models.ErrDropNotFound
	}
	if err != nil {
		return nil, err
	}
	return &drop, nil
}

// GetFrozenDropForUser retrieves the drop a user has frozen for a product,
// if any. Used by checkout to honor the locked-in price.
func (s *Store) GetFrozenDropForUser(ctx context.Context, productID, userID int64) (*models.FlashDrop, error) {
	var drop models.FlashDrop
	err := s.db.GetContext(ctx, &drop,
		"SELECT * FROM flash_drops WHERE product_id = $1 AND status = $2 AND frozen_by_user_id = $3 ORDER BY frozen_at DESC LIMIT 1",
		productID, models.FlashDropStatusFrozen, userID)
	if err == sql.ErrNoRows {
		return nil, models.ErrDropNotFound
	}
	if err != nil {
		return nil, err
	}
	return &drop, nil
}

// FreezeFlashDrop performs the test-and-set freeze: the UPDATE only lands if
// the drop is still ACTIVE. Zero rows affected is classified by re-reading
// the drop: a FROZEN drop lost the race, an EXPIRED one lapsed, a missing
// one never existed.
func (s *Store) FreezeFlashDrop(ctx context.Context, id, userID, price int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flash_drops
		SET status = $2, frozen_by_user_id = $3, frozen_at = $4,
		    current_price = $5, last_price_update = $4
		WHERE id = $1 AND status = $6`,
		id, models.FlashDropStatusFrozen, userID, at, price,
		models.FlashDropStatusActive)
	if err != nil {
		return fmt.Errorf("failed to freeze flash drop: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	drop, err := s.GetFlashDropByID(ctx, id)
	if err != nil {
		return err
	}
	switch drop.Status {
	case models.FlashDropStatusFrozen:
		return models.ErrDropAlreadyClaimed
	default:
		return models.ErrDropNotActive
	}
}

// UpdateFlashDropPrice refreshes the stored decayed price. Conditional on
// ACTIVE so a racing freeze is never overwritten; losing this write is
// harmless because the price is recomputed from elapsed time on every read.
func (s *Store) UpdateFlashDropPrice(ctx context.Context, id, price int64, lastUpdate time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE flash_drops SET current_price = $2, last_price_update = $3 WHERE id = $1 AND status = $4",
		id, price, lastUpdate, models.FlashDropStatusActive)
	return err
}

// ExpireFlashDrop transitions ACTIVE to EXPIRED. Returns false when the drop
// already left ACTIVE.
func (s *Store) ExpireFlashDrop(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE flash_drops SET status = $2 WHERE id = $1 AND status = $3",
		id, models.FlashDropStatusExpired, models.FlashDropStatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to expire flash drop: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListLapsedActiveDrops returns ACTIVE drops whose end time has passed.
func (s *Store) ListLapsedActiveDrops(ctx context.Context, now time.Time) ([]models.FlashDrop, error) {
	var drops []models.FlashDrop
	err := s.db.SelectContext(ctx, &drops,
		"SELECT * FROM flash_drops WHERE status = $1 AND ends_at IS NOT NULL AND ends_at <= $2",
		models.FlashDropStatusActive, now)
	return drops, err
}

// UpsertParticipant records that a user clicked toward claiming a drop.
// Best-effort audit data; clicked_buy never transitions back to false.
func (s *Store) UpsertParticipant(ctx context.Context, dropID, userID int64, clickedBuy bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flash_drop_participants (flash_drop_id, user_id, clicked_buy)
		VALUES ($1, $2, $3)
		ON CONFLICT (flash_drop_id, user_id)
		DO UPDATE SET clicked_buy = flash_drop_participants.clicked_buy OR EXCLUDED.clicked_buy`,
		dropID, userID, clickedBuy)
	return err
}
