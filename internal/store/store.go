package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bandachao-commerce/internal/counter"
	"bandachao-commerce/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// ReserveStock atomically decrements the stock column, predicated on the
// result staying non-negative. This is the durable fallback for the fast
// path: the single UPDATE is the check and the act, there is no window
// between them.
func (s *Store) ReserveStock(ctx context.Context, key counter.Key, amount int64) error {
	var res sql.Result
	var err error

	if key.VariantID != 0 {
		res, err = s.db.ExecContext(ctx,
			"UPDATE product_variants SET stock = stock - $1 WHERE id = $2 AND product_id = $3 AND stock >= $1",
			amount, key.VariantID, key.ProductID)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
			amount, key.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Zero rows: either the row is missing or the stock is short.
	if _, err := s.GetStock(ctx, key); err != nil {
		return err
	}
	return models.ErrInsufficientStock
}

// ReleaseStock unconditionally increments the stock column (compensation).
func (s *Store) ReleaseStock(ctx context.Context, key counter.Key, amount int64) error {
	var res sql.Result
	var err error

	if key.VariantID != 0 {
		res, err = s.db.ExecContext(ctx,
			"UPDATE product_variants SET stock = stock + $1 WHERE id = $2 AND product_id = $3",
			amount, key.VariantID, key.ProductID)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE products SET stock = stock + $1 WHERE id = $2",
			amount, key.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrStockNotFound
	}
	return nil
}

// GetStock reads the durable stock quantity for the key.
func (s *Store) GetStock(ctx context.Context, key counter.Key) (int64, error) {
	var qty int64
	var err error

	if key.VariantID != 0 {
		err = s.db.GetContext(ctx, &qty,
			"SELECT stock FROM product_variants WHERE id = $1 AND product_id = $2",
			key.VariantID, key.ProductID)
	} else {
		err = s.db.GetContext(ctx, &qty,
			"SELECT stock FROM products WHERE id = $1", key.ProductID)
	}
	if err == sql.ErrNoRows {
		return 0, models.ErrStockNotFound
	}
	if err != nil {
		return 0, err
	}
	return qty, nil
}

// ListStock returns every durable stock quantity, product-level rows first.
// Used to rebuild the fast-path cache.
func (s *Store) ListStock(ctx context.Context) ([]models.StockRow, error) {
	var rows []models.StockRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id AS product_id, 0 AS variant_id, stock AS quantity FROM products
		UNION ALL
		SELECT product_id, id AS variant_id, stock AS quantity FROM product_variants
		ORDER BY product_id, variant_id`)
	return rows, err
}
