package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"app/internal/domain/event"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter はkafka.Writerをテスト用に差し替えるための窓口。
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier は注文確定イベントをKafkaトピックへ流す。
// 配信はbest-effort。失敗しても注文は取り消さない（呼び出し側がログする）。
type KafkaNotifier struct {
	writer kafkaMessageWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (n *KafkaNotifier) NotifyOrderPlaced(ctx context.Context, evt event.OrderPlaced) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal order placed event: %w", err)
	}

	msg := kafka.Message{
		// 同一注文は同一パーティションへ
		Key:   []byte(strconv.FormatInt(evt.OrderID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(evt.EventName())},
			{Key: "event_id", Value: []byte(evt.EventID)},
		},
	}

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order placed event: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
