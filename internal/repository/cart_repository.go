package repository

import (
	"app/internal/domain/model"
	"context"
)

// 明細＋現在の商品（表示用join）
type CartLine struct {
	Item    model.CartItem
	Product model.Product
}

type CartRepository interface {
	// ユーザーの明細を安定した順序（id昇順）で返す
	ListByUserID(ctx context.Context, userID int64) ([]model.CartItem, error)
	ListWithProducts(ctx context.Context, userID int64) ([]CartLine, error)

	FindByUserAndProduct(ctx context.Context, userID int64, productID int64) (model.CartItem, error)

	// 同一商品は数量加算
	Upsert(ctx context.Context, userID int64, productID int64, addQty int64) error
	UpdateQuantity(ctx context.Context, userID int64, productID int64, qty int64) error
	Remove(ctx context.Context, userID int64, productID int64) error

	// ユーザーの明細を全削除（注文確定と同一トランザクションで呼ぶ）
	Clear(ctx context.Context, userID int64) error
}
