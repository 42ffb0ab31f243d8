package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 注文明細。
// PriceAtTimeは注文時点の価格で、以後の商品価格の変更に影響されない。
type OrderItem struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID             int64           `gorm:"not null;index" json:"order_id"`
	ProductID           int64           `gorm:"not null;index" json:"product_id"`
	ProductNameSnapshot string          `gorm:"type:varchar(255);not null" json:"product_name_snapshot"`
	PriceAtTime         decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price_at_time"`
	Quantity            int64           `gorm:"not null" json:"quantity"`
	CreatedAt           time.Time       `gorm:"not null;autoCreateTime" json:"created_at"`
}
