package usecase_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"app/internal/domain/event"
	"app/internal/domain/model"
	"app/internal/observability"
	repo "app/internal/repository"
	"app/internal/usecase"
	"app/internal/validator"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// =====================
// Helpers
// =====================

type orderFixture struct {
	tx        *TxManagerMock
	orders    *OrderRepoMock
	items     *OrderItemRepoMock
	carts     *CartRepoMock
	inventory *InventoryRepoMock
	products  *ProductRepoMock
	notifier  *NotifierMock
	uc        *usecase.OrderUsecase
}

func newOrderFixture() *orderFixture {
	f := &orderFixture{
		tx:        new(TxManagerMock),
		orders:    new(OrderRepoMock),
		items:     new(OrderItemRepoMock),
		carts:     new(CartRepoMock),
		inventory: new(InventoryRepoMock),
		products:  new(ProductRepoMock),
		notifier:  NewNotifierMock(),
	}
	f.tx.Repos = &TxReposMock{
		orders:     f.orders,
		orderItems: f.items,
		carts:      f.carts,
		inventory:  f.inventory,
		products:   f.products,
	}
	f.uc = usecase.NewOrderUsecase(
		f.tx,
		validator.NewOrderValidator(),
		f.notifier,
		zap.NewNop(),
		observability.NewMetrics(),
	)
	return f
}

func validAddress() usecase.ShippingAddressInput {
	return usecase.ShippingAddressInput{
		Street:  "1-2-3 Chiyoda",
		City:    "Tokyo",
		State:   "Tokyo",
		ZipCode: "100-0001",
		Country: "JP",
	}
}

func waitForEvent(t *testing.T, ch chan event.OrderPlaced) event.OrderPlaced {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not dispatched")
		return event.OrderPlaced{}
	}
}

// =====================
// PlaceOrder
// =====================

func TestPlaceOrder_MissingCity_NoStoreAccess(t *testing.T) {
	f := newOrderFixture()

	addr := validAddress()
	addr.City = ""

	_, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: addr})

	var fe *usecase.FieldErrors
	if assert.ErrorAs(t, err, &fe) {
		assert.Contains(t, fe.Fields, "shipping_address.city")
	}

	//ストアには一切触らない
	f.tx.AssertNotCalled(t, "WithinTx", mock.Anything)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{}, nil)

	_, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	assert.ErrorIs(t, err, usecase.ErrEmptyCart)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.inventory.AssertNotCalled(t, "DecreaseStockIfEnough", mock.Anything, mock.Anything, mock.Anything)
}

func TestPlaceOrder_Success(t *testing.T) {
	f := newOrderFixture()

	price := decimal.RequireFromString("10.00")

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{
		{ID: 1, UserID: 1, ProductID: 10, Quantity: 2},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Smartphone X", Price: price, Stock: 5,
	}, nil)
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(10), int64(2)).Return(true, nil)
	f.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.UserID == 1 &&
			o.Status == model.OrderStatusPending &&
			o.TotalAmount.Equal(decimal.RequireFromString("20.00")) &&
			o.ShippingAddress.City == "Tokyo"
	})).Return(int64(99), nil)
	f.items.On("CreateBulk", mock.Anything, int64(99), mock.MatchedBy(func(items []model.OrderItem) bool {
		return len(items) == 1 &&
			items[0].ProductID == 10 &&
			items[0].Quantity == 2 &&
			items[0].PriceAtTime.Equal(price)
	})).Return(nil)
	f.carts.On("Clear", mock.Anything, int64(1)).Return(nil)
	f.notifier.On("NotifyOrderPlaced", mock.Anything, mock.Anything).Return(nil)

	out, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	assert.NoError(t, err)
	assert.Equal(t, int64(99), out.ID)
	assert.Equal(t, "pending", out.Status)
	assert.True(t, out.TotalAmount.Equal(decimal.RequireFromString("20.00")))
	assert.Len(t, out.Items, 1)
	assert.True(t, out.Items[0].PriceAtTime.Equal(price))

	//コミット後に通知が飛ぶ
	evt := waitForEvent(t, f.notifier.Received)
	assert.Equal(t, int64(99), evt.OrderID)
	assert.Equal(t, int64(1), evt.UserID)
	assert.True(t, evt.TotalAmount.Equal(decimal.RequireFromString("20.00")))
	assert.Len(t, evt.Lines, 1)
	assert.NotEmpty(t, evt.EventID)

	f.carts.AssertCalled(t, "Clear", mock.Anything, int64(1))
}

func TestPlaceOrder_TotalAcrossLines(t *testing.T) {
	f := newOrderFixture()

	p1 := decimal.RequireFromString("19.99")
	p2 := decimal.RequireFromString("5.50")

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(7)).Return([]model.CartItem{
		{ID: 1, UserID: 7, ProductID: 10, Quantity: 2},
		{ID: 2, UserID: 7, ProductID: 11, Quantity: 1},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Laptop Pro", Price: p1, Stock: 4,
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(11)).Return(model.Product{
		ID: 11, Name: "Bluetooth Speaker", Price: p2, Stock: 1,
	}, nil)
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(10), int64(2)).Return(true, nil)
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(11), int64(1)).Return(true, nil)

	// 19.99*2 + 5.50 = 45.48
	want := decimal.RequireFromString("45.48")
	f.orders.On("Create", mock.Anything, mock.MatchedBy(func(o model.Order) bool {
		return o.TotalAmount.Equal(want)
	})).Return(int64(100), nil)
	f.items.On("CreateBulk", mock.Anything, int64(100), mock.Anything).Return(nil)
	f.carts.On("Clear", mock.Anything, int64(7)).Return(nil)
	f.notifier.On("NotifyOrderPlaced", mock.Anything, mock.Anything).Return(nil)

	out, err := f.uc.PlaceOrder(context.Background(), 7, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	assert.NoError(t, err)
	assert.True(t, out.TotalAmount.Equal(want))
	assert.Len(t, out.Items, 2)

	waitForEvent(t, f.notifier.Received)
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{
		{ID: 1, UserID: 1, ProductID: 10, Quantity: 2},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Smart Watch", Price: decimal.RequireFromString("299.99"), Stock: 1,
	}, nil)

	_, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	var ise *usecase.InsufficientStockError
	if assert.ErrorAs(t, err, &ise) {
		assert.Equal(t, int64(10), ise.ProductID)
		assert.Equal(t, "Smart Watch", ise.ProductName)
		assert.Equal(t, int64(2), ise.Requested)
		assert.Equal(t, int64(1), ise.Available)
	}
	assert.Contains(t, err.Error(), "Smart Watch")

	//減算も注文作成もしていない（トランザクションごとrollback）
	f.inventory.AssertNotCalled(t, "DecreaseStockIfEnough", mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.carts.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
}

func TestPlaceOrder_SecondLineFails_NothingCreated(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{
		{ID: 1, UserID: 1, ProductID: 10, Quantity: 1},
		{ID: 2, UserID: 1, ProductID: 11, Quantity: 3},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Wireless Earbuds", Price: decimal.RequireFromString("199.99"), Stock: 5,
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(11)).Return(model.Product{
		ID: 11, Name: "Smart Watch", Price: decimal.RequireFromString("299.99"), Stock: 2,
	}, nil)
	//1行目は通る
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(10), int64(1)).Return(true, nil)

	_, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	//2行目で在庫不足 → エラーはtx境界まで伝播してrollback
	var ise *usecase.InsufficientStockError
	assert.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(11), ise.ProductID)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.carts.AssertNotCalled(t, "Clear", mock.Anything, mock.Anything)
}

func TestPlaceOrder_StockRace_DecreaseGuardFails(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{
		{ID: 1, UserID: 1, ProductID: 10, Quantity: 1},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Smartphone X", Price: decimal.RequireFromString("999.99"), Stock: 1,
	}, nil)
	//並行して最後の1個が取られた想定
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(10), int64(1)).Return(false, nil)

	_, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	var ise *usecase.InsufficientStockError
	assert.ErrorAs(t, err, &ise)
	f.orders.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestPlaceOrder_NotificationFailure_DoesNotFailOrder(t *testing.T) {
	f := newOrderFixture()

	price := decimal.RequireFromString("79.99")

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{
		{ID: 1, UserID: 1, ProductID: 10, Quantity: 1},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Bluetooth Speaker", Price: price, Stock: 3,
	}, nil)
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(10), int64(1)).Return(true, nil)
	f.orders.On("Create", mock.Anything, mock.Anything).Return(int64(55), nil)
	f.items.On("CreateBulk", mock.Anything, int64(55), mock.Anything).Return(nil)
	f.carts.On("Clear", mock.Anything, int64(1)).Return(nil)
	f.notifier.On("NotifyOrderPlaced", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	out, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})

	//通知が失敗しても注文は成立する
	assert.NoError(t, err)
	assert.Equal(t, int64(55), out.ID)

	waitForEvent(t, f.notifier.Received)
}

// =====================
// Read side
// =====================

func TestGetMyOrderDetail_ForeignOrder_Forbidden(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(42)).Return(model.Order{
		ID: 42, UserID: 2, Status: model.OrderStatusPending,
	}, nil)

	_, err := f.uc.GetMyOrderDetail(context.Background(), 1, 42)

	he, ok := usecase.AsHTTPError(err)
	if assert.True(t, ok) {
		assert.Equal(t, http.StatusForbidden, he.Status)
	}
	f.items.AssertNotCalled(t, "ListByOrderID", mock.Anything, mock.Anything)
}

func TestGetMyOrderDetail_NotFound(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(42)).Return(model.Order{}, repo.ErrNotFound)

	_, err := f.uc.GetMyOrderDetail(context.Background(), 1, 42)

	he, ok := usecase.AsHTTPError(err)
	if assert.True(t, ok) {
		assert.Equal(t, http.StatusNotFound, he.Status)
	}
}

func TestGetMyOrderDetail_PriceFrozenAfterProductPriceChange(t *testing.T) {
	f := newOrderFixture()

	placedPrice := decimal.RequireFromString("19.99")

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.carts.On("ListByUserID", mock.Anything, int64(1)).Return([]model.CartItem{
		{ID: 1, UserID: 1, ProductID: 10, Quantity: 2},
	}, nil)
	f.products.On("FindByIDForUpdate", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Laptop Pro", Price: placedPrice, Stock: 5,
	}, nil)
	f.inventory.On("DecreaseStockIfEnough", mock.Anything, int64(10), int64(2)).Return(true, nil)
	f.orders.On("Create", mock.Anything, mock.Anything).Return(int64(99), nil)

	//確定時に保存された明細をそのまま読み出し側に返す
	var stored []model.OrderItem
	f.items.On("CreateBulk", mock.Anything, int64(99), mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(2).([]model.OrderItem)
	}).Return(nil)
	f.carts.On("Clear", mock.Anything, int64(1)).Return(nil)
	f.notifier.On("NotifyOrderPlaced", mock.Anything, mock.Anything).Return(nil)

	_, err := f.uc.PlaceOrder(context.Background(), 1, usecase.PlaceOrderInput{ShippingAddress: validAddress()})
	assert.NoError(t, err)
	waitForEvent(t, f.notifier.Received)

	//確定後に商品価格が値上がりしたとする
	f.products.On("FindByID", mock.Anything, int64(10)).Return(model.Product{
		ID: 10, Name: "Laptop Pro", Price: decimal.RequireFromString("29.99"), Stock: 3,
	}, nil)

	f.orders.On("FindByID", mock.Anything, int64(99)).Return(model.Order{
		ID: 99, UserID: 1, Status: model.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("39.98"),
	}, nil)
	f.items.On("ListByOrderID", mock.Anything, int64(99)).Return(stored, nil)

	out, err := f.uc.GetMyOrderDetail(context.Background(), 1, 99)

	assert.NoError(t, err)
	assert.Len(t, out.Items, 1)
	//明細は確定時の価格のまま。現在の商品価格は見ない
	assert.True(t, out.Items[0].PriceAtTime.Equal(placedPrice))
	assert.True(t, out.TotalAmount.Equal(decimal.RequireFromString("39.98")))
	f.products.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
}

// =====================
// CancelMyOrder
// =====================

func TestCancelMyOrder_RestoresStockAndUpdatesStatus(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(42)).Return(model.Order{
		ID: 42, UserID: 1, Status: model.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("39.98"),
	}, nil)
	f.items.On("ListByOrderID", mock.Anything, int64(42)).Return([]model.OrderItem{
		{OrderID: 42, ProductID: 10, Quantity: 2, PriceAtTime: decimal.RequireFromString("19.99")},
	}, nil)
	f.inventory.On("IncreaseStock", mock.Anything, int64(10), int64(2)).Return(nil)
	f.inventory.On("CreateAdjustment", mock.Anything, mock.MatchedBy(func(a model.InventoryAdjustment) bool {
		return a.ProductID == 10 && a.UserID == 1 && a.Delta == 2 && a.Reason == "order cancelled"
	})).Return(nil)
	f.orders.On("UpdateStatus", mock.Anything, int64(42), model.OrderStatusCancelled).Return(nil)

	out, err := f.uc.CancelMyOrder(context.Background(), 1, 42)

	assert.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)
	f.inventory.AssertCalled(t, "IncreaseStock", mock.Anything, int64(10), int64(2))
	f.orders.AssertCalled(t, "UpdateStatus", mock.Anything, int64(42), model.OrderStatusCancelled)
}

func TestCancelMyOrder_Foreign_Forbidden(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(42)).Return(model.Order{
		ID: 42, UserID: 2, Status: model.OrderStatusPending,
	}, nil)

	_, err := f.uc.CancelMyOrder(context.Background(), 1, 42)

	he, ok := usecase.AsHTTPError(err)
	if assert.True(t, ok) {
		assert.Equal(t, http.StatusForbidden, he.Status)
	}
	f.inventory.AssertNotCalled(t, "IncreaseStock", mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelMyOrder_NotPending_Conflict(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.orders.On("FindByID", mock.Anything, int64(42)).Return(model.Order{
		ID: 42, UserID: 1, Status: model.OrderStatusCompleted,
	}, nil)

	_, err := f.uc.CancelMyOrder(context.Background(), 1, 42)

	he, ok := usecase.AsHTTPError(err)
	if assert.True(t, ok) {
		assert.Equal(t, http.StatusConflict, he.Status)
	}
	f.inventory.AssertNotCalled(t, "IncreaseStock", mock.Anything, mock.Anything, mock.Anything)
	f.orders.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestListMyOrders_NewestFirstWithItems(t *testing.T) {
	f := newOrderFixture()

	f.tx.On("WithinTx", mock.Anything).Return(nil)
	f.orders.On("ListByUserID", mock.Anything, int64(1)).Return([]model.Order{
		{ID: 2, UserID: 1, Status: model.OrderStatusPending},
		{ID: 1, UserID: 1, Status: model.OrderStatusCompleted},
	}, nil)
	f.items.On("ListByOrderID", mock.Anything, int64(2)).Return([]model.OrderItem{
		{OrderID: 2, ProductID: 10, Quantity: 1, PriceAtTime: decimal.RequireFromString("10.00")},
	}, nil)
	f.items.On("ListByOrderID", mock.Anything, int64(1)).Return([]model.OrderItem{}, nil)

	outs, err := f.uc.ListMyOrders(context.Background(), 1)

	assert.NoError(t, err)
	assert.Len(t, outs, 2)
	assert.Equal(t, int64(2), outs[0].ID)
	assert.Len(t, outs[0].Items, 1)
	assert.Equal(t, "completed", outs[1].Status)
}
