// Package service реализует оформление заказов кафе: резервирование остатков,
// слотов и квот, создание платежа и компенсацию при сбоях.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/cafe-orders/internal/broadcast"
	"github.com/mmeshcher/cafe-orders/internal/metrics"
	"github.com/mmeshcher/cafe-orders/internal/model"
	"github.com/mmeshcher/cafe-orders/internal/payment"
	"github.com/mmeshcher/cafe-orders/internal/repository"
)

var (
	// ErrInvalidRequest возвращается для некорректного запроса на заказ.
	ErrInvalidRequest = errors.New("invalid order request")
	// ErrItemUnavailable возвращается, если позиция меню снята с продажи.
	ErrItemUnavailable = errors.New("menu item is not available")
	// ErrPaymentInit возвращается, если не удалось создать платёж; заказ при этом откатывается.
	ErrPaymentInit = errors.New("payment initialisation failed")
	// ErrOrderNotFound возвращается, если заказ не найден или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidSignature возвращается при неверной подписи платежа.
	ErrInvalidSignature = errors.New("invalid payment signature")
	// ErrOrderExpired возвращается, если оплата пришла после отмены заказа.
	ErrOrderExpired = errors.New("order expired before payment")
	// ErrCancelNotAllowed возвращается, если заказ в текущем статусе нельзя отменить.
	ErrCancelNotAllowed = errors.New("order cannot be cancelled")
	// ErrCancelWindowClosed возвращается, если окно отмены истекло.
	ErrCancelWindowClosed = errors.New("cancellation window has closed")
)

// Store описывает хранилище, используемое сервисом.
type Store interface {
	Catalog(ctx context.Context, ids []string) (map[string]model.MenuItem, error)
	Slot(ctx context.Context, slotID string) (*model.Slot, error)
	Order(ctx context.Context, orderID string) (*model.Order, error)
	AttachPaymentRef(ctx context.Context, orderID, paymentRef string) error
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]string, error)
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
	Close() error
}

// PaymentGateway описывает платёжный шлюз.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64, receipt string) (*payment.Intent, error)
	VerifySignature(orderRef, paymentRef, signature string) bool
	Refund(ctx context.Context, paymentRef string, amount *int64) (*payment.Refund, error)
}

// Broadcaster рассылает события клиентам и кухне.
type Broadcaster interface {
	PublishStock(broadcast.StockUpdate)
	PublishOrder(broadcast.NewOrder)
	PublishStatus(broadcast.OrderStatus)
}

// Options: настраиваемые интервалы сервиса.
type Options struct {
	PaymentTimeout time.Duration
	ReservationTTL time.Duration
	PickupWindow   time.Duration
	SweepInterval  time.Duration
	CancelWindow   time.Duration
	SweepBatch     int

	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.PaymentTimeout <= 0 {
		o.PaymentTimeout = 10 * time.Second
	}
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = 5 * time.Minute
	}
	if o.PickupWindow <= 0 {
		o.PickupWindow = 3 * time.Hour
	}
	if o.CancelWindow <= 0 {
		o.CancelWindow = 2 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Service содержит бизнес-логику оформления заказов.
type Service struct {
	store       Store
	gateway     PaymentGateway
	broadcaster Broadcaster
	metrics     *metrics.Recorder
	logger      *zap.Logger
	tracer      trace.Tracer
	opts        Options
}

// NewService создаёт сервис заказов.
func NewService(store Store, gateway PaymentGateway, bc Broadcaster, rec *metrics.Recorder, logger *zap.Logger, opts Options) *Service {
	if bc == nil {
		bc = broadcast.Discard{}
	}
	return &Service{
		store:       store,
		gateway:     gateway,
		broadcaster: bc,
		metrics:     rec,
		logger:      logger,
		tracer:      otel.Tracer("cafeorders/service"),
		opts:        opts.withDefaults(),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// GetOrder возвращает заказ, если он принадлежит пользователю.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, ErrOrderNotFound
	}

	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) now() time.Time {
	return s.opts.Now()
}

// publishLevels рассылает остатки, полученные от журнала внутри зафиксированной транзакции.
func (s *Service) publishLevels(levels []model.StockLevel) {
	for _, l := range levels {
		s.broadcaster.PublishStock(broadcast.StockUpdate{
			ItemID:      l.ItemID,
			Stock:       l.Stock,
			IsAvailable: l.IsAvailable,
		})
	}
}

func (s *Service) publishStatus(o *model.Order) {
	s.broadcaster.PublishStatus(broadcast.OrderStatus{
		OrderID:   o.ID,
		DisplayID: o.DisplayID,
		Status:    string(o.Status),
	})
}
