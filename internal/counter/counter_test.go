package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bandachao-commerce/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFast is an in-memory FastStore with the same decrement-then-compensate
// protocol as the Redis client.
type fakeFast struct {
	mu       sync.Mutex
	vals     map[string]int64
	failOps  bool
	reserves int
}

func newFakeFast() *fakeFast {
	return &fakeFast{vals: map[string]int64{}}
}

func (f *fakeFast) Reserve(_ context.Context, key string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return 0, errors.New("fast store down")
	}
	v, ok := f.vals[key]
	if !ok {
		return 0, models.ErrStockNotFound
	}
	f.reserves++
	if v < amount {
		return v, models.ErrInsufficientStock
	}
	f.vals[key] = v - amount
	return f.vals[key], nil
}

func (f *fakeFast) Release(_ context.Context, key string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return 0, errors.New("fast store down")
	}
	f.vals[key] += amount
	return f.vals[key], nil
}

func (f *fakeFast) Init(_ context.Context, key string, quantity int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("fast store down")
	}
	f.vals[key] = quantity
	return nil
}

func (f *fakeFast) InitIfAbsent(_ context.Context, key string, quantity int64, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return false, errors.New("fast store down")
	}
	if _, ok := f.vals[key]; ok {
		return false, nil
	}
	f.vals[key] = quantity
	return true, nil
}

func (f *fakeFast) Get(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return 0, errors.New("fast store down")
	}
	v, ok := f.vals[key]
	if !ok {
		return 0, models.ErrStockNotFound
	}
	return v, nil
}

// fakeDurable is an in-memory DurableStore. getHook, when set, runs at the
// start of every GetStock, before the lock is taken.
type fakeDurable struct {
	mu      sync.Mutex
	vals    map[Key]int64
	failOps bool
	getHook func()
}

func newFakeDurable(initial map[Key]int64) *fakeDurable {
	vals := map[Key]int64{}
	for k, v := range initial {
		vals[k] = v
	}
	return &fakeDurable{vals: vals}
}

func (f *fakeDurable) ReserveStock(_ context.Context, key Key, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("db down")
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

func (f *fakeDurable) ReleaseStock(_ context.Context, key Key, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return errors.New("db down")
	}
	if _, ok := f.vals[key]; !ok {
		return models.ErrStockNotFound
	}
	f.vals[key] += amount
	return nil
}

func (f *fakeDurable) GetStock(_ context.Context, key Key) (int64, error) {
	if f.getHook != nil {
		f.getHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return 0, errors.New("db down")
	}
	v, ok := f.vals[key]
	if !ok {
		return 0, models.ErrStockNotFound
	}
	return v, nil
}

func (f *fakeDurable) ListStock(_ context.Context) ([]models.StockRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOps {
		return nil, errors.New("db down")
	}
	rows := make([]models.StockRow, 0, len(f.vals))
	for k, v := range f.vals {
		rows = append(rows, models.StockRow{ProductID: k.ProductID, VariantID: k.VariantID, Quantity: v})
	}
	return rows, nil
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "stock:42", Key{ProductID: 42}.String())
	assert.Equal(t, "stock:42:7", Key{ProductID: 42, VariantID: 7}.String())
}

func TestReserveAndRelease(t *testing.T) {
	key := Key{ProductID: 1}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: 10})
	c := New(fast, durable)

	ctx := context.Background()
	require.NoError(t, c.Sync(ctx))

	require.NoError(t, c.Reserve(ctx, key, 4))
	qty, err := c.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), qty)

	require.NoError(t, c.Release(ctx, key, 4))
	qty, err = c.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), qty)
}

func TestReserveInsufficient(t *testing.T) {
	key := Key{ProductID: 1}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: 3})
	c := New(fast, durable)

	ctx := context.Background()
	require.NoError(t, c.Sync(ctx))

	err := c.Reserve(ctx, key, 5)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	// The failed attempt must leave the counter untouched.
	qty, err := c.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)
}

func TestReserveInvalidAmount(t *testing.T) {
	c := New(newFakeFast(), newFakeDurable(nil))

	assert.ErrorIs(t, c.Reserve(context.Background(), Key{ProductID: 1}, 0), models.ErrInvalidQuantity)
	assert.ErrorIs(t, c.Reserve(context.Background(), Key{ProductID: 1}, -2), models.ErrInvalidQuantity)
}

func TestReserveUnknownKey(t *testing.T) {
	c := New(newFakeFast(), newFakeDurable(nil))

	err := c.Reserve(context.Background(), Key{ProductID: 99}, 1)
	assert.ErrorIs(t, err, models.ErrStockNotFound)
}

func TestReserveLoadsUncachedKeyFromDurable(t *testing.T) {
	key := Key{ProductID: 5, VariantID: 2}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: 7})
	c := New(fast, durable)

	// No sync: the key is absent from the fast store.
	require.NoError(t, c.Reserve(context.Background(), key, 3))

	qty, err := fast.Get(context.Background(), key.String())
	require.NoError(t, err)
	assert.Equal(t, int64(4), qty)
}

func TestReserveFallsBackWhenFastStoreDown(t *testing.T) {
	key := Key{ProductID: 1}
	fast := newFakeFast()
	fast.failOps = true
	durable := newFakeDurable(map[Key]int64{key: 10})
	c := New(fast, durable)

	require.NoError(t, c.Reserve(context.Background(), key, 4))

	qty, err := durable.GetStock(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), qty)
}

// TestConcurrentCacheLoadDoesNotResurrectStock covers the miss/miss race on
// a lazy cache load: caller B stalls inside its durable read while caller A
// seeds the cache and reserves. B's load must not overwrite A's decrement,
// or the resurrected stock oversells.
func TestConcurrentCacheLoadDoesNotResurrectStock(t *testing.T) {
	key := Key{ProductID: 1}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: 10})
	c := New(fast, durable)
	ctx := context.Background()

	gate := make(chan struct{})
	loaded := make(chan struct{})
	var first int32 = 1
	durable.getHook = func() {
		if atomic.CompareAndSwapInt32(&first, 1, 0) {
			close(loaded)
			<-gate
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var errB error
	go func() {
		defer wg.Done()
		errB = c.Reserve(ctx, key, 5)
	}()

	// B is now inside its durable read; A loads the cache and reserves 5.
	<-loaded
	require.NoError(t, c.Reserve(ctx, key, 5))

	close(gate)
	wg.Wait()
	require.NoError(t, errB)

	// Both reservations landed against one seeded counter; nothing remains.
	remaining, err := fast.Get(ctx, key.String())
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	assert.ErrorIs(t, c.Reserve(ctx, key, 5), models.ErrInsufficientStock)
}

// TestReserveFallsBackWhenCachedKeyVanishes covers a key expiring between the
// cache check and the decrement: the fast store reports the key absent and
// the reservation must land durably rather than surface a false rejection.
func TestReserveFallsBackWhenCachedKeyVanishes(t *testing.T) {
	key := Key{ProductID: 1}
	fast := &vanishingFast{fakeFast: newFakeFast()}
	durable := newFakeDurable(map[Key]int64{key: 10})
	c := New(fast, durable)
	ctx := context.Background()

	require.NoError(t, fast.fakeFast.Init(ctx, key.String(), 10, 0))
	require.NoError(t, c.Reserve(ctx, key, 4))

	qty, err := durable.GetStock(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), qty)
}

// vanishingFast passes cache checks but reports the key gone on Reserve, the
// way the Redis client does when the entry expires mid-operation.
type vanishingFast struct {
	*fakeFast
}

func (v *vanishingFast) Reserve(_ context.Context, _ string, _ int64) (int64, error) {
	return 0, models.ErrStockNotFound
}

func TestReserveErrorsWhenBothStoresDown(t *testing.T) {
	key := Key{ProductID: 1}
	fast := newFakeFast()
	fast.failOps = true
	durable := newFakeDurable(map[Key]int64{key: 10})
	durable.failOps = true
	c := New(fast, durable)

	err := c.Reserve(context.Background(), key, 1)
	require.Error(t, err)
	// An ambiguous outcome is never a business rejection.
	assert.False(t, errors.Is(err, models.ErrInsufficientStock))
}

func TestReserveWithoutFastStore(t *testing.T) {
	key := Key{ProductID: 1}
	durable := newFakeDurable(map[Key]int64{key: 2})
	c := New(nil, durable)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, key, 2))
	assert.ErrorIs(t, c.Reserve(ctx, key, 1), models.ErrInsufficientStock)
}

func TestReadFallsBackToDurable(t *testing.T) {
	key := Key{ProductID: 8}
	c := New(newFakeFast(), newFakeDurable(map[Key]int64{key: 11}))

	qty, err := c.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), qty)
}

func TestSyncOverwritesCache(t *testing.T) {
	key := Key{ProductID: 3}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: 20})
	c := New(fast, durable)

	ctx := context.Background()
	require.NoError(t, fast.Init(ctx, key.String(), 999, 0))
	require.NoError(t, c.Sync(ctx))

	qty, err := fast.Get(ctx, key.String())
	require.NoError(t, err)
	assert.Equal(t, int64(20), qty)
}

// TestConcurrentReserveNeverOversells is the no-oversell invariant: however
// reservations interleave, the successful amounts never exceed the initial
// stock and the counter never stays negative.
func TestConcurrentReserveNeverOversells(t *testing.T) {
	const initial = 50
	const workers = 100

	key := Key{ProductID: 1}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: initial})
	c := New(fast, durable)

	ctx := context.Background()
	require.NoError(t, c.Sync(ctx))

	var mu sync.Mutex
	var reservedTotal int64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		amount := int64(i%3 + 1)
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			if err := c.Reserve(ctx, key, amount); err == nil {
				mu.Lock()
				reservedTotal += amount
				mu.Unlock()
			}
		}(amount)
	}
	wg.Wait()

	assert.LessOrEqual(t, reservedTotal, int64(initial))

	remaining, err := fast.Get(ctx, key.String())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, remaining, int64(0))
	assert.Equal(t, int64(initial)-reservedTotal, remaining)
}

func TestConcurrentReserveReleaseRoundTrip(t *testing.T) {
	const initial = 10
	const workers = 40

	key := Key{ProductID: 2}
	fast := newFakeFast()
	durable := newFakeDurable(map[Key]int64{key: initial})
	c := New(fast, durable)

	ctx := context.Background()
	require.NoError(t, c.Sync(ctx))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Reserve(ctx, key, 1); err == nil {
				assert.NoError(t, c.Release(ctx, key, 1))
			}
		}()
	}
	wg.Wait()

	remaining, err := fast.Get(ctx, key.String())
	require.NoError(t, err)
	assert.Equal(t, int64(initial), remaining)
}

func TestReleaseRetriesOnFailure(t *testing.T) {
	key := Key{ProductID: 1}
	durable := &flakyDurable{failures: 2}
	durable.vals = map[Key]int64{key: 5}
	c := New(nil, durable, WithReleaseTries(3))

	require.NoError(t, c.Release(context.Background(), key, 1))
	assert.Equal(t, 3, durable.calls)
}

// flakyDurable fails its first N release calls.
type flakyDurable struct {
	fakeDurable
	failures int
	calls    int
}

func (f *flakyDurable) ReleaseStock(ctx context.Context, key Key, amount int64) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("transient failure %d", f.calls)
	}
	return f.fakeDurable.ReleaseStock(ctx, key, amount)
}
