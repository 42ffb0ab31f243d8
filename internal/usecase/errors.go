package usecase

import (
	"errors"
	"fmt"
)

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Message: message,
	}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

// FieldErrors は422で返すフィールド別のメッセージ。
// ストアに触る前の入力検証で使う。
type FieldErrors struct {
	Fields map[string][]string
}

func (e *FieldErrors) Error() string {
	return "validation failed"
}

// カートが空のまま注文確定した
var ErrEmptyCart = errors.New("cart is empty")

// InsufficientStockError は在庫不足。どの商品がいくつ足りないかを持つ。
// トランザクションはまるごとrollbackされる。
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product: %s (requested %d, available %d)",
		e.ProductName, e.Requested, e.Available)
}
