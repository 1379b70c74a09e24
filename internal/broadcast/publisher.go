// Package broadcast рассылает события об остатках и новых заказах через Kafka.
// Публикация никогда не блокирует вызывающего и не возвращает ошибок.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicStock  = "cafe.stock"
	TopicOrders = "cafe.orders"
)

// StockUpdate: новый остаток позиции меню.
type StockUpdate struct {
	ItemID      string `json:"item_id"`
	Stock       int    `json:"stock"`
	IsAvailable bool   `json:"is_available"`
}

// NewOrder: уведомление кухни о новом заказе.
type NewOrder struct {
	OrderID   string    `json:"order_id"`
	DisplayID string    `json:"display_id"`
	UserID    string    `json:"user_id"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	Items     int       `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderStatus: смена статуса заказа.
type OrderStatus struct {
	OrderID   string `json:"order_id"`
	DisplayID string `json:"display_id"`
	Status    string `json:"status"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher отправляет события в Kafka из фоновой горутины через буферизованный канал.
type Publisher struct {
	w      messageWriter
	inbox  chan kafka.Message
	logger *zap.Logger

	done chan struct{}
}

// NewPublisher создаёт издателя для указанных брокеров. buf задаёт размер очереди;
// при её переполнении события отбрасываются.
func NewPublisher(brokers []string, buf int, logger *zap.Logger) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, buf, logger)
}

func newPublisher(w messageWriter, buf int, logger *zap.Logger) *Publisher {
	if buf <= 0 {
		buf = 1
	}
	return &Publisher{
		w:      w,
		inbox:  make(chan kafka.Message, buf),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start запускает отправку. После отмены ctx оставшиеся события дописываются и writer закрывается.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Publisher) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			if err := p.w.Close(); err != nil {
				p.logger.Warn("close kafka writer", zap.Error(err))
			}
			return
		}
	}
}

func (p *Publisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Warn("broadcast failed",
			zap.String("topic", m.Topic),
			zap.ByteString("key", m.Key),
			zap.Error(err))
	}
}

// Wait блокируется до завершения фоновой горутины.
func (p *Publisher) Wait() {
	<-p.done
}

// PublishStock рассылает новый остаток позиции.
func (p *Publisher) PublishStock(u StockUpdate) {
	p.publish(TopicStock, u.ItemID, u)
}

// PublishOrder рассылает уведомление о новом заказе.
func (p *Publisher) PublishOrder(o NewOrder) {
	p.publish(TopicOrders, o.OrderID, o)
}

// PublishStatus рассылает смену статуса заказа.
func (p *Publisher) PublishStatus(s OrderStatus) {
	p.publish(TopicOrders, s.OrderID, s)
}

func (p *Publisher) publish(topic, key string, v any) {
	value, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal broadcast event", zap.String("topic", topic), zap.Error(err))
		return
	}

	m := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}

	select {
	case p.inbox <- m:
	default:
		p.logger.Warn("broadcast queue is full, event dropped",
			zap.String("topic", topic),
			zap.String("key", key))
	}
}

// Discard: издатель, который ничего не отправляет. Используется, когда Kafka не настроена.
type Discard struct{}

func (Discard) PublishStock(StockUpdate)  {}
func (Discard) PublishOrder(NewOrder)     {}
func (Discard) PublishStatus(OrderStatus) {}
