package usecase

import (
	"context"
	"errors"
	"net/http"
	"time"

	"app/internal/domain/event"
	"app/internal/domain/model"
	"app/internal/observability"
	repo "app/internal/repository"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var orderTracer = otel.Tracer("app/usecase/order")

// OrderNotifier はコミット済み注文の通知先。
// best-effort：失敗しても注文は巻き戻さない。
type OrderNotifier interface {
	NotifyOrderPlaced(ctx context.Context, evt event.OrderPlaced) error
}

// usecaseがValidatorInterfaceに依存する約束
type OrderValidator interface {
	ValidateShippingAddress(in ShippingAddressInput) error
}

type OrderUsecase struct {
	tx        repo.TransactionManager
	validator OrderValidator
	notifier  OrderNotifier
	log       *zap.Logger
	metrics   *observability.Metrics
}

func NewOrderUsecase(
	tx repo.TransactionManager,
	validator OrderValidator,
	notifier OrderNotifier,
	log *zap.Logger,
	metrics *observability.Metrics,
) *OrderUsecase {
	return &OrderUsecase{
		tx:        tx,
		validator: validator,
		notifier:  notifier,
		log:       log,
		metrics:   metrics,
	}
}

type ShippingAddressInput struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type PlaceOrderInput struct {
	ShippingAddress ShippingAddressInput
}

type OrderItemOutput struct {
	ProductID   int64           `json:"product_id"`
	Name        string          `json:"name"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
	Quantity    int64           `json:"quantity"`
}

type OrderOutput struct {
	ID              int64                 `json:"id"`
	UserID          int64                 `json:"user_id"`
	Status          string                `json:"status"`
	TotalAmount     decimal.Decimal       `json:"total_amount"`
	ShippingAddress model.ShippingAddress `json:"shipping_address"`
	CreatedAt       time.Time             `json:"created_at"`
	Items           []OrderItemOutput     `json:"items"`
}

// PlaceOrder はカートを注文へ原子的に変換する。
//
// 配送先の検証はストアに触る前。以降は1トランザクション：
// カート取得 → 明細ごとに行ロック付きで在庫チェック＆減算 →
// 注文＋明細作成 → カートclear。途中で失敗したら全部rollbackされ、
// 在庫もカートも注文も元のまま。
// コミット後の通知は別goroutineで行い、失敗してもエラーにしない。
func (u *OrderUsecase) PlaceOrder(ctx context.Context, userID int64, in PlaceOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if err := u.validator.ValidateShippingAddress(in.ShippingAddress); err != nil {
		u.metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return OrderOutput{}, err
	}

	ctx, span := orderTracer.Start(ctx, "order.place")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID))

	start := time.Now()
	defer func() {
		u.metrics.PlaceOrderSeconds.Observe(time.Since(start).Seconds())
	}()

	var out OrderOutput
	var createdOrder model.Order
	var createdItems []model.OrderItem

	//注文処理はトランザクション
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		//カート明細取得（id昇順で安定）
		cartItems, err := r.Carts().ListByUserID(ctx, userID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if len(cartItems) == 0 {
			return ErrEmptyCart
		}

		//在庫を確定時に再チェックして減らす
		orderItems := make([]model.OrderItem, 0, len(cartItems))
		total := decimal.Zero

		for _, ci := range cartItems {
			//行ロック付きで商品取得。同一商品への同時注文はここで直列化される
			p, err := r.Products().FindByIDForUpdate(ctx, ci.ProductID)
			if errors.Is(err, repo.ErrNotFound) {
				return NewHTTPError(http.StatusBadRequest, "invalid product")
			}
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}

			if p.Stock < ci.Quantity {
				return &InsufficientStockError{
					ProductID:   p.ID,
					ProductName: p.Name,
					Requested:   ci.Quantity,
					Available:   p.Stock,
				}
			}

			//在庫減算（WHERE句のガード付き。ロック済みなので通常は必ず成功）
			ok, err := r.Inventory().DecreaseStockIfEnough(ctx, ci.ProductID, ci.Quantity)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			if !ok {
				return &InsufficientStockError{
					ProductID:   p.ID,
					ProductName: p.Name,
					Requested:   ci.Quantity,
					Available:   p.Stock,
				}
			}

			//価格は注文時点でスナップショット
			total = total.Add(p.Price.Mul(decimal.NewFromInt(ci.Quantity)))
			orderItems = append(orderItems, model.OrderItem{
				ProductID:           ci.ProductID,
				ProductNameSnapshot: p.Name,
				PriceAtTime:         p.Price,
				Quantity:            ci.Quantity,
			})
		}

		// 注文作成
		now := time.Now()
		order := model.Order{
			UserID:      userID,
			Status:      model.OrderStatusPending,
			TotalAmount: total,
			ShippingAddress: model.ShippingAddress{
				Street:  in.ShippingAddress.Street,
				City:    in.ShippingAddress.City,
				State:   in.ShippingAddress.State,
				ZipCode: in.ShippingAddress.ZipCode,
				Country: in.ShippingAddress.Country,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		orderID, err := r.Orders().Create(ctx, order)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//注文明細一括作成
		if err := r.OrderItems().CreateBulk(ctx, orderID, orderItems); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//カートをクリア（注文と同じトランザクション内）
		if err := r.Carts().Clear(ctx, userID); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		order.ID = orderID
		createdOrder = order
		createdItems = orderItems
		out = toOrderOutput(order, orderItems)
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order rejected")
		u.metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return OrderOutput{}, err
	}

	span.SetAttributes(attribute.Int64("order_id", createdOrder.ID))
	u.metrics.OrdersPlaced.Inc()
	u.log.Info("order placed",
		zap.Int64("order_id", createdOrder.ID),
		zap.Int64("user_id", userID),
		zap.String("total_amount", createdOrder.TotalAmount.String()),
		zap.Int("items", len(createdItems)),
	)

	u.dispatchOrderPlaced(createdOrder, createdItems)

	return out, nil
}

const notifyTimeout = 5 * time.Second

// コミット後の通知。呼び出し側のctxには縛られない（注文は確定済み）。
func (u *OrderUsecase) dispatchOrderPlaced(order model.Order, items []model.OrderItem) {
	evt := event.NewOrderPlaced(order, items)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := u.notifier.NotifyOrderPlaced(ctx, evt); err != nil {
			//通知失敗は注文を巻き戻さない。ログだけ残す
			u.metrics.NotifyFailures.Inc()
			u.log.Error("order notification failed",
				zap.String("event_id", evt.EventID),
				zap.Int64("order_id", evt.OrderID),
				zap.Error(err),
			)
		}
	}()
}

func rejectReason(err error) string {
	var ise *InsufficientStockError
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.As(err, &ise):
		return "insufficient_stock"
	default:
		return "internal"
	}
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64) ([]OrderOutput, error) {
	if userID <= 0 {
		return []OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var outs []OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, err := r.Orders().ListByUserID(ctx, userID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outs = make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			outs = append(outs, toOrderOutput(o, items))
		}
		return nil
	})

	if err != nil {
		return []OrderOutput{}, err
	}
	return outs, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//他人の注文は404ではなく403（not foundと区別する）
		if o.UserID != userID {
			return NewHTTPError(http.StatusForbidden, "unauthorized")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// CancelMyOrder は自分の注文をキャンセルして在庫を戻す。
// pendingのみキャンセル可。在庫戻しとステータス更新は同一トランザクション。
func (u *OrderUsecase) CancelMyOrder(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if o.UserID != userID {
			return NewHTTPError(http.StatusForbidden, "unauthorized")
		}

		//出荷が動き出した後は取り消せない
		if o.Status != model.OrderStatusPending {
			return NewHTTPError(http.StatusConflict, "order cannot be cancelled")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//明細ぶんの在庫を戻して履歴に残す
		for _, it := range items {
			if err := r.Inventory().IncreaseStock(ctx, it.ProductID, it.Quantity); err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			adj := model.InventoryAdjustment{
				ProductID: it.ProductID,
				UserID:    userID,
				Delta:     it.Quantity,
				Reason:    "order cancelled",
			}
			if err := r.Inventory().CreateAdjustment(ctx, adj); err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
		}

		if err := r.Orders().UpdateStatus(ctx, orderID, model.OrderStatusCancelled); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		o.Status = model.OrderStatusCancelled
		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}

	u.log.Info("order cancelled",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", userID),
	)
	return out, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID:   it.ProductID,
			Name:        it.ProductNameSnapshot,
			PriceAtTime: it.PriceAtTime,
			Quantity:    it.Quantity,
		})
	}

	return OrderOutput{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          string(o.Status),
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		CreatedAt:       o.CreatedAt,
		Items:           outItems,
	}
}
