package achievements

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// EventType is the type stamped on every published trade event.
const EventType = "trade.executed"

// TradeContext is what the badge service needs to evaluate achievements.
type TradeContext struct {
	Reference       string          `json:"reference"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Quantity        int64           `json:"quantity"`
	PricePerShare   decimal.Decimal `json:"price_per_share"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	RealizedGain    decimal.Decimal `json:"realized_gain"`
	NewCashBalance  decimal.Decimal `json:"new_cash_balance"`
	HoldingQuantity int64           `json:"holding_quantity"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// Notifier is told about every completed trade. It is best effort: callers
// log its errors and never let them change a trade's outcome.
type Notifier interface {
	Notify(ctx context.Context, userID string, trade TradeContext) error
	Close() error
}

type event struct {
	Type   string       `json:"type"`
	UserID string       `json:"user_id"`
	Trade  TradeContext `json:"trade"`
	SentAt time.Time    `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes trade events for the badge service to consume.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

// NewKafkaNotifier creates a notifier writing to topic on brokers. Messages
// are keyed by user so one user's events stay ordered.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" {
		topic = EventType
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteBackoffMin:        50 * time.Millisecond,
		WriteBackoffMax:        500 * time.Millisecond,
	}

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka achievement notifier created")
	return &KafkaNotifier{writer: writer, topic: topic}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, userID string, trade TradeContext) error {
	data, err := json.Marshal(event{
		Type:   EventType,
		UserID: userID,
		Trade:  trade,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal trade event: %w", err)
	}

	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(userID),
		Value: data,
	}); err != nil {
		return fmt.Errorf("failed to publish trade event: %w", err)
	}

	log.Debug().
		Str("topic", n.topic).
		Str("user_id", userID).
		Str("reference", trade.Reference).
		Msg("trade event published")
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier only logs trades. It is used when no brokers are configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID string, trade TradeContext) error {
	log.Info().
		Str("user_id", userID).
		Str("symbol", trade.Symbol).
		Str("side", trade.Side).
		Int64("quantity", trade.Quantity).
		Str("total_amount", trade.TotalAmount.StringFixed(2)).
		Msg("trade completed, achievements not published")
	return nil
}

func (LogNotifier) Close() error { return nil }
