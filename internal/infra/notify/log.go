package notify

import (
	"context"

	"app/internal/domain/event"

	"go.uber.org/zap"
)

// LogNotifier はブローカー未設定の環境向け。イベントをログに書くだけ。
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyOrderPlaced(ctx context.Context, evt event.OrderPlaced) error {
	n.log.Info("order placed",
		zap.String("event_id", evt.EventID),
		zap.Int64("order_id", evt.OrderID),
		zap.Int64("user_id", evt.UserID),
		zap.String("total_amount", evt.TotalAmount.String()),
	)
	return nil
}
