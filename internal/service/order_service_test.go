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

// fakeOrderStore is an in-memory OrderStore and CancelStore.
type fakeOrderStore struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[int64]*models.Order
	items       map[int64][]models.OrderItem
	products    map[int64]*models.Product
	frozenDrops map[[2]int64]*models.FlashDrop
	processed   map[string]bool
}

func newFakeOrderStore(products ...*models.Product) *fakeOrderStore {
	s := &fakeOrderStore{
		nextID:      1,
		orders:      map[int64]*models.Order{},
		items:       map[int64][]models.OrderItem{},
		products:    map[int64]*models.Product{},
		frozenDrops: map[[2]int64]*models.FlashDrop{},
		processed:   map[string]bool{},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *fakeOrderStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.IdempotencyKey == key {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeOrderStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var products []models.Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			products = append(products, *p)
		}
	}
	return products, nil
}

func (s *fakeOrderStore) GetFrozenDropForUser(_ context.Context, productID, userID int64) (*models.FlashDrop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if drop, ok := s.frozenDrops[[2]int64{productID, userID}]; ok {
		copied := *drop
		return &copied, nil
	}
	return nil, models.ErrDropNotFound
}

func (s *fakeOrderStore) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.ID = s.nextID
	s.nextID++
	stored := *order
	s.orders[order.ID] = &stored
	return nil
}

func (s *fakeOrderStore) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.nextID
	s.nextID++
	s.items[item.OrderID] = append(s.items[item.OrderID], *item)
	return nil
}

func (s *fakeOrderStore) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	order.Status = status
	return nil
}

func (s *fakeOrderStore) UpdateOrderStatusIf(_ context.Context, orderID int64, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if order.Status == status {
			order.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeOrderStore) GetOrderByID(_ context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *fakeOrderStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderItem(nil), s.items[orderID]...), nil
}

func (s *fakeOrderStore) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []models.Order
	for _, order := range s.orders {
		if order.UserID == userID {
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

func (s *fakeOrderStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *fakeOrderStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = true
	return nil
}

// fakeOrderPublisher counts published events; cancel-requested publishes can
// be made to fail a configured number of times.
type fakeOrderPublisher struct {
	mu                  sync.Mutex
	created             int
	reserved            int
	failed              int
	cancelRequested     int
	cancelled           int
	released            int
	failCancelRequested int
}

func (f *fakeOrderPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return nil
}

func (f *fakeOrderPublisher) PublishOrderReserved(context.Context, *models.OrderReservedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved++
	return nil
}

func (f *fakeOrderPublisher) PublishOrderFailed(context.Context, *models.OrderFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	return nil
}

func (f *fakeOrderPublisher) PublishOrderCancelRequested(context.Context, *models.OrderCancelRequestedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancelRequested > 0 {
		f.failCancelRequested--
		return errors.New("broker unavailable")
	}
	f.cancelRequested++
	return nil
}

func (f *fakeOrderPublisher) PublishOrderCancelled(context.Context, *models.OrderCancelledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeOrderPublisher) PublishStockReleased(context.Context, *models.StockReleasedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func newTestOrderService(stock map[counter.Key]int64, products ...*models.Product) (*OrderService, *fakeOrderStore, *fakeOrderPublisher) {
	store := newFakeOrderStore(products...)
	publisher := &fakeOrderPublisher{}
	inventory, _ := newTestInventoryService(stock)
	return NewOrderService(store, inventory, publisher), store, publisher
}

func TestCalculateTotal(t *testing.T) {
	items := []Line{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
		{ProductID: 2, VariantID: 7, Quantity: 3},
	}

	unitPrices := map[counter.Key]int64{
		{ProductID: 1}:               1000,
		{ProductID: 2}:               500,
		{ProductID: 2, VariantID: 7}: 450,
	}

	total := calculateTotal(items, unitPrices)

	expected := int64(2*1000 + 1*500 + 3*450)
	assert.Equal(t, expected, total)
}

func TestCreateOrderReservesStock(t *testing.T) {
	svc, store, publisher := newTestOrderService(
		map[counter.Key]int64{{ProductID: 1}: 10},
		&models.Product{ID: 1, Price: 100},
	)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: 42,
		Items:  []Line{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReserved, resp.Status)

	order, err := store.GetOrderByID(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), order.TotalAmount)

	stock, err := svc.inventory.GetStock(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stock)

	assert.Equal(t, 1, publisher.created)
	assert.Equal(t, 1, publisher.reserved)
}

func TestCreateOrderInsufficientStockMarksFailed(t *testing.T) {
	svc, store, publisher := newTestOrderService(
		map[counter.Key]int64{{ProductID: 1}: 1},
		&models.Product{ID: 1, Price: 100},
	)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: 42,
		Items:  []Line{{ProductID: 1, Quantity: 5}},
	})
	assert.Nil(t, resp)

	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1), insufficient.ProductID)

	orders, err := store.GetOrdersByUserID(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusFailed, orders[0].Status)
	assert.Equal(t, 1, publisher.failed)
}

func TestCreateOrderIdempotencyKeyDedupes(t *testing.T) {
	svc, _, publisher := newTestOrderService(
		map[counter.Key]int64{{ProductID: 1}: 10},
		&models.Product{ID: 1, Price: 100},
	)

	req := &CreateOrderRequest{
		UserID:         42,
		Items:          []Line{{ProductID: 1, Quantity: 2}},
		IdempotencyKey: "key-1",
	}

	first, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	// The duplicate never reaches reservation or publishing.
	stock, err := svc.inventory.GetStock(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stock)
	assert.Equal(t, 1, publisher.created)
}

func TestCreateOrderHonorsFrozenDropPrice(t *testing.T) {
	svc, store, _ := newTestOrderService(
		map[counter.Key]int64{{ProductID: 1}: 10},
		&models.Product{ID: 1, Price: 5000},
	)
	store.frozenDrops[[2]int64{1, 42}] = &models.FlashDrop{
		ID:           9,
		ProductID:    1,
		Status:       models.FlashDropStatusFrozen,
		CurrentPrice: 3500,
	}

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: 42,
		Items:  []Line{{ProductID: 1, Quantity: 1}},
	})
	require.NoError(t, err)

	order, err := store.GetOrderByID(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(3500), order.TotalAmount)
}

// TestCancelOrderRetryAfterPublishFailure: a failed publish leaves the order
// in CANCEL_REQUESTED; retrying the cancellation must be able to publish
// again rather than being rejected by the status guard.
func TestCancelOrderRetryAfterPublishFailure(t *testing.T) {
	svc, store, publisher := newTestOrderService(
		map[counter.Key]int64{{ProductID: 1}: 10},
		&models.Product{ID: 1, Price: 100},
	)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: 42,
		Items:  []Line{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	publisher.failCancelRequested = 1
	err = svc.CancelOrder(context.Background(), resp.OrderID, "changed my mind")
	require.Error(t, err)

	order, err := store.GetOrderByID(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelRequested, order.Status)

	// The retry is not stuck: the event reaches the broker this time.
	require.NoError(t, svc.CancelOrder(context.Background(), resp.OrderID, "changed my mind"))
	assert.Equal(t, 1, publisher.cancelRequested)
}

func TestCancelOrderUnknownOrder(t *testing.T) {
	svc, _, _ := newTestOrderService(nil)

	err := svc.CancelOrder(context.Background(), 404, "whatever")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}
