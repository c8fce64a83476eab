package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bandachao-commerce/internal/counter"
	"bandachao-commerce/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStockStore is an in-memory counter.DurableStore. Tests run the counter
// without a fast path so every mutation is synchronous and assertable.
type fakeStockStore struct {
	mu   sync.Mutex
	vals map[counter.Key]int64
	err  error
}

func newFakeStockStore(initial map[counter.Key]int64) *fakeStockStore {
	vals := map[counter.Key]int64{}
	for k, v := range initial {
		vals[k] = v
	}
	return &fakeStockStore{vals: vals}
}

func (f *fakeStockStore) ReserveStock(_ context.Context, key counter.Key, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	v, ok := f.vals[key]
	if !ok {
		return models.ErrStockNotFound
	}
	if v < amount {
		return models.ErrInsufficientStock
	}
	f.vals[key] = v - amount
	return nil
}

func (f *fakeStockStore) ReleaseStock(_ context.Context, key counter.Key, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[key]; !ok {
		return models.ErrStockNotFound
	}
	f.vals[key] += amount
	return nil
}

func (f *fakeStockStore) GetStock(_ context.Context, key counter.Key) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return 0, models.ErrStockNotFound
	}
	return v, nil
}

func (f *fakeStockStore) ListStock(_ context.Context) ([]models.StockRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]models.StockRow, 0, len(f.vals))
	for k, v := range f.vals {
		rows = append(rows, models.StockRow{ProductID: k.ProductID, VariantID: k.VariantID, Quantity: v})
	}
	return rows, nil
}

func newTestInventoryService(initial map[counter.Key]int64) (*InventoryService, *fakeStockStore) {
	store := newFakeStockStore(initial)
	return NewInventoryService(counter.New(nil, store)), store
}

// TestReserveOrderLinesCompensatesOnFailure is the saga property: when a
// later line fails, all earlier reservations are rolled back before the
// failure surfaces.
func TestReserveOrderLinesCompensatesOnFailure(t *testing.T) {
	keyA := counter.Key{ProductID: 1}
	keyB := counter.Key{ProductID: 2}
	svc, _ := newTestInventoryService(map[counter.Key]int64{keyA: 10, keyB: 3})

	ctx := context.Background()
	err := svc.ReserveOrderLines(ctx, []Line{
		{ProductID: 1, Quantity: 5},
		{ProductID: 2, Quantity: 4}, // one more than available
	})

	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.ProductID)

	stockA, err := svc.GetStock(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stockA, "line A must be fully released")

	stockB, err := svc.GetStock(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stockB)
}

func TestReserveOrderLinesSuccess(t *testing.T) {
	svc, _ := newTestInventoryService(map[counter.Key]int64{
		{ProductID: 1}:               10,
		{ProductID: 1, VariantID: 2}: 4,
	})

	ctx := context.Background()
	err := svc.ReserveOrderLines(ctx, []Line{
		{ProductID: 1, Quantity: 3},
		{ProductID: 1, VariantID: 2, Quantity: 4},
	})
	require.NoError(t, err)

	stock, err := svc.GetStock(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stock)

	variantStock, err := svc.GetStock(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), variantStock, "zero is a valid steady state")
}

func TestReserveOrderLinesFailsFastOnInvalidQuantity(t *testing.T) {
	keyA := counter.Key{ProductID: 1}
	svc, store := newTestInventoryService(map[counter.Key]int64{keyA: 10})

	err := svc.ReserveOrderLines(context.Background(), []Line{
		{ProductID: 1, Quantity: 5},
		{ProductID: 2, Quantity: 0},
	})
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)

	// Validation precedes any reservation: no partial state to unwind.
	stock, getErr := store.GetStock(context.Background(), keyA)
	require.NoError(t, getErr)
	assert.Equal(t, int64(10), stock)
}

func TestReserveOrderLinesPropagatesInfraErrorAfterCompensation(t *testing.T) {
	keyA := counter.Key{ProductID: 1}
	keyB := counter.Key{ProductID: 2}
	svc, store := newTestInventoryService(map[counter.Key]int64{keyA: 10, keyB: 10})

	// Fail the second reserve with an infrastructure error.
	infra := errors.New("store unavailable")
	failing := &failingStockStore{fakeStockStore: store, failOn: 2, err: infra}
	svc = NewInventoryService(counter.New(nil, failing))

	err := svc.ReserveOrderLines(context.Background(), []Line{
		{ProductID: 1, Quantity: 5},
		{ProductID: 2, Quantity: 5},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, infra)
	assert.False(t, errors.Is(err, models.ErrInsufficientStock),
		"infrastructure errors must not downgrade to a business rejection")

	stock, getErr := store.GetStock(context.Background(), keyA)
	require.NoError(t, getErr)
	assert.Equal(t, int64(10), stock, "line A must be compensated")
}

func TestReleaseOrderLines(t *testing.T) {
	keyA := counter.Key{ProductID: 1}
	svc, store := newTestInventoryService(map[counter.Key]int64{keyA: 10})

	ctx := context.Background()
	require.NoError(t, svc.ReserveOrderLines(ctx, []Line{{ProductID: 1, Quantity: 6}}))
	require.NoError(t, svc.ReleaseOrderLines(ctx, []Line{{ProductID: 1, Quantity: 6}}))

	stock, err := store.GetStock(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stock)
}

// failingStockStore delegates to a fakeStockStore but fails the Nth reserve
// with an injected error.
type failingStockStore struct {
	*fakeStockStore
	failOn int
	err    error
	count  int
}

func (f *failingStockStore) ReserveStock(ctx context.Context, key counter.Key, amount int64) error {
	f.count++
	if f.count == f.failOn {
		return f.err
	}
	return f.fakeStockStore.ReserveStock(ctx, key, amount)
}
