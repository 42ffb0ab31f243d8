package event

import (
	"time"

	"app/internal/domain/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderPlaced はコミット後に通知先（フルフィルメント等）へ流すイベント。
type OrderPlaced struct {
	EventID     string            `json:"event_id"`
	OrderID     int64             `json:"order_id"`
	UserID      int64             `json:"user_id"`
	Status      string            `json:"status"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Lines       []OrderPlacedLine `json:"lines"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

type OrderPlacedLine struct {
	ProductID   int64           `json:"product_id"`
	Quantity    int64           `json:"quantity"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
}

func (OrderPlaced) EventName() string { return "order.placed" }

func NewOrderPlaced(o model.Order, items []model.OrderItem) OrderPlaced {
	lines := make([]OrderPlacedLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, OrderPlacedLine{
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			PriceAtTime: it.PriceAtTime,
		})
	}

	return OrderPlaced{
		EventID:     uuid.NewString(),
		OrderID:     o.ID,
		UserID:      o.UserID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount,
		Lines:       lines,
		OccurredAt:  time.Now().UTC(),
	}
}
