package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/cafe-orders/internal/broadcast"
	"github.com/mmeshcher/cafe-orders/internal/ledger"
	"github.com/mmeshcher/cafe-orders/internal/model"
	"github.com/mmeshcher/cafe-orders/internal/repository"
	"github.com/mmeshcher/cafe-orders/internal/validation"
)

// PlaceOrderRequest: запрос на оформление заказа.
type PlaceOrderRequest struct {
	UserID        string
	Items         []model.CartItem
	Mode          model.OrderMode
	PaymentMethod model.PaymentMethod
	SlotID        *string
	PickupAt      *time.Time
	Note          string
}

// PlaceOrderResult: результат оформления заказа.
type PlaceOrderResult struct {
	OrderID    string
	DisplayID  string
	Total      int64
	Status     model.OrderStatus
	PaymentRef *string
}

// PlaceOrder оформляет заказ: списывает квоту подписки, бронирует слот, резервирует
// остатки и записывает заказ в одной транзакции. Для заказов с онлайн-оплатой после
// фиксации транзакции создаётся платёж; при ошибке шлюза заказ полностью откатывается.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.PlaceOrder", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("order.mode", string(req.Mode)),
		attribute.Int("order.lines", len(req.Items)),
	))
	defer span.End()

	res, err := s.placeOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.OrderPlaced(string(req.Mode), outcomeOf(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", res.OrderID),
		attribute.String("order.status", string(res.Status)),
	)
	s.metrics.OrderPlaced(string(req.Mode), strings.ToLower(string(res.Status)))
	return res, nil
}

func (s *Service) placeOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	switch req.Mode {
	case model.OrderModeNormal:
		switch req.PaymentMethod {
		case model.PaymentMethodCash, model.PaymentMethodUPI, model.PaymentMethodCard:
		default:
			return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, req.PaymentMethod)
		}
	case model.OrderModeSubscription:
		req.PaymentMethod = ""
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}

	cart, err := validation.NormalizeCart(req.Items)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	lines, total, err := s.priceCart(ctx, cart)
	if err != nil {
		return nil, err
	}
	if req.Mode == model.OrderModeSubscription {
		total = 0
	}

	now := s.now()
	if err := s.checkPickup(ctx, req, now); err != nil {
		return nil, err
	}

	status := model.OrderStatusConfirmed
	if req.Mode == model.OrderModeNormal && total > 0 && req.PaymentMethod != model.PaymentMethodCash {
		status = model.OrderStatusPendingPayment
	}

	order := &model.Order{
		ID:            s.opts.NewID(),
		UserID:        req.UserID,
		Mode:          req.Mode,
		Status:        status,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		SlotID:        req.SlotID,
		PickupAt:      req.PickupAt,
		Note:          strings.TrimSpace(req.Note),
		Items:         lines,
	}

	var levels []model.StockLevel
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		levels, err = s.createOrder(ctx, tx, order, cart, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("display_id", order.DisplayID),
		zap.String("status", string(order.Status)),
		zap.Int64("total", order.Total))

	if order.Status == model.OrderStatusPendingPayment {
		ref, err := s.initPayment(ctx, order)
		if err != nil {
			return nil, err
		}
		order.PaymentRef = &ref
	}

	s.publishLevels(levels)
	s.broadcaster.PublishOrder(broadcast.NewOrder{
		OrderID:   order.ID,
		DisplayID: order.DisplayID,
		UserID:    order.UserID,
		Mode:      string(order.Mode),
		Status:    string(order.Status),
		Total:     order.Total,
		Items:     order.Quantity(),
		CreatedAt: order.CreatedAt,
	})

	return &PlaceOrderResult{
		OrderID:    order.ID,
		DisplayID:  order.DisplayID,
		Total:      order.Total,
		Status:     order.Status,
		PaymentRef: order.PaymentRef,
	}, nil
}

// priceCart читает каталог и фиксирует название и цену каждой позиции.
func (s *Service) priceCart(ctx context.Context, cart []model.CartItem) ([]model.OrderItem, int64, error) {
	catalog, err := s.store.Catalog(ctx, cartIDs(cart))
	if err != nil {
		return nil, 0, fmt.Errorf("read catalog: %w", err)
	}

	var total int64
	lines := make([]model.OrderItem, 0, len(cart))
	for _, c := range cart {
		item, ok := catalog[c.MenuItemID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown menu item %s", ErrInvalidRequest, c.MenuItemID)
		}
		if !item.IsAvailable {
			return nil, 0, fmt.Errorf("%w: %w: %s", ErrInvalidRequest, ErrItemUnavailable, item.ID)
		}
		total += item.Price * int64(c.Quantity)
		lines = append(lines, model.OrderItem{
			MenuItemID: item.ID,
			Name:       item.Name,
			Price:      item.Price,
			Quantity:   c.Quantity,
		})
	}

	return lines, total, nil
}

func (s *Service) checkPickup(ctx context.Context, req PlaceOrderRequest, now time.Time) error {
	window := s.opts.PickupWindow

	if req.SlotID != nil {
		slot, err := s.store.Slot(ctx, *req.SlotID)
		if err != nil {
			if errors.Is(err, ledger.ErrSlotNotFound) {
				return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			return fmt.Errorf("read slot: %w", err)
		}
		if !slot.EndsAt.After(now) {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, validation.ErrPickupInPast)
		}
		// Идущий сейчас слот доступен.
		start := slot.StartsAt
		if start.Before(now) {
			start = now
		}
		if err := validation.CheckPickupWindow(start, now, window); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	if req.PickupAt != nil {
		if err := validation.CheckPickupWindow(*req.PickupAt, now, window); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	return nil
}

// createOrder выполняется внутри транзакции и может быть вызвана повторно,
// поэтому всё изменяемое состояние создаётся заново при каждом вызове.
func (s *Service) createOrder(ctx context.Context, tx repository.Tx, order *model.Order, cart []model.CartItem, now time.Time) ([]model.StockLevel, error) {
	if order.Mode == model.OrderModeSubscription {
		if err := tx.DebitQuota(ctx, order.UserID, now, order.Quantity()); err != nil {
			return nil, err
		}
	}

	if order.SlotID != nil {
		if err := tx.BookSlot(ctx, *order.SlotID); err != nil {
			return nil, err
		}
	}

	displayID, err := tx.NextDisplayID(ctx, now)
	if err != nil {
		return nil, err
	}
	order.DisplayID = displayID

	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := s.reserveAll(ctx, tx, order.ID, cart); err != nil {
		return nil, err
	}

	expires := now.Add(s.opts.ReservationTTL)
	rs := make([]model.Reservation, 0, len(cart))
	for _, c := range cart {
		rs = append(rs, model.Reservation{
			ID:         s.opts.NewID(),
			OrderID:    order.ID,
			MenuItemID: c.MenuItemID,
			Quantity:   c.Quantity,
			Status:     model.ReservationHeld,
			CreatedAt:  now,
			ExpiresAt:  expires,
		})
	}
	if err := tx.InsertReservations(ctx, rs); err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusConfirmed {
		return commitHeld(ctx, tx, order.ID)
	}
	return nil, nil
}

// reserveAll резервирует позиции по порядку. При первой неудаче освобождает ровно
// те резервы, что уже удались, и возвращает ошибку вместе с ошибками освобождения.
func (s *Service) reserveAll(ctx context.Context, tx repository.Tx, orderID string, cart []model.CartItem) error {
	reserved := make([]model.CartItem, 0, len(cart))

	for _, c := range cart {
		if _, err := tx.ReserveStock(ctx, c.MenuItemID, c.Quantity); err != nil {
			s.metrics.Compensation(compensationReason(err))
			s.logger.Info("reservation failed, releasing held items",
				zap.String("order_id", orderID),
				zap.String("item_id", c.MenuItemID),
				zap.Int("released", len(reserved)),
				zap.Error(err))

			if relErr := s.releaseItems(ctx, tx, orderID, reserved); relErr != nil {
				return errors.Join(err, relErr)
			}
			return err
		}
		reserved = append(reserved, c)
	}

	return nil
}

func (s *Service) releaseItems(ctx context.Context, tx repository.Tx, orderID string, items []model.CartItem) error {
	var errs []error
	for _, it := range items {
		if err := tx.ReleaseStock(ctx, it.MenuItemID, it.Quantity); err != nil {
			s.metrics.ReleaseFailure()
			s.logger.Error("release reservation",
				zap.String("order_id", orderID),
				zap.String("item_id", it.MenuItemID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("release %s: %w", it.MenuItemID, err))
		}
	}
	return errors.Join(errs...)
}

// commitHeld списывает удерживаемые резервы заказа и возвращает новые остатки.
func commitHeld(ctx context.Context, tx repository.Tx, orderID string) ([]model.StockLevel, error) {
	held, err := tx.MarkReservations(ctx, orderID, model.ReservationHeld, model.ReservationCommitted)
	if err != nil {
		return nil, err
	}
	levels := make([]model.StockLevel, 0, len(held))
	for _, r := range held {
		lvl, err := tx.CommitStock(ctx, r.MenuItemID, r.Quantity)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// initPayment создаёт платёж вне транзакции. При ошибке или таймауте заказ
// компенсируется отдельной транзакцией.
func (s *Service) initPayment(ctx context.Context, order *model.Order) (string, error) {
	intentCtx, cancel := context.WithTimeout(ctx, s.opts.PaymentTimeout)
	defer cancel()

	start := time.Now()
	intent, err := s.gateway.CreateIntent(intentCtx, order.Total, order.DisplayID)
	s.metrics.PaymentIntent(time.Since(start))

	if err == nil {
		err = s.store.AttachPaymentRef(ctx, order.ID, intent.ID)
		if err == nil {
			return intent.ID, nil
		}
	}

	s.logger.Warn("payment initialisation failed, compensating order",
		zap.String("order_id", order.ID),
		zap.String("display_id", order.DisplayID),
		zap.Error(err))
	s.metrics.Compensation("payment_init")

	if compErr := s.discardPending(context.WithoutCancel(ctx), order.ID); compErr != nil {
		s.logger.Error("compensate order after payment failure",
			zap.String("order_id", order.ID),
			zap.Error(compErr))
		return "", fmt.Errorf("%w: %w", ErrPaymentInit, errors.Join(err, compErr))
	}

	return "", fmt.Errorf("%w: %w", ErrPaymentInit, err)
}

// discardPending снимает резервы ожидающего оплаты заказа, освобождает слот и удаляет
// заказ. Повторный вызов для уже удалённого заказа ничего не делает.
func (s *Service) discardPending(ctx context.Context, orderID string) error {
	return s.store.InTx(ctx, func(tx repository.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				return nil
			}
			return err
		}
		if o.Status != model.OrderStatusPendingPayment {
			return nil
		}

		if err := s.releaseHeld(ctx, tx, o.ID); err != nil {
			return err
		}
		if o.SlotID != nil {
			if err := tx.ReleaseSlot(ctx, *o.SlotID); err != nil {
				return err
			}
		}
		return tx.DeleteOrder(ctx, o.ID)
	})
}

// releaseHeld переводит резервы заказа в RELEASED и возвращает количество на полку.
func (s *Service) releaseHeld(ctx context.Context, tx repository.Tx, orderID string) error {
	held, err := tx.MarkReservations(ctx, orderID, model.ReservationHeld, model.ReservationReleased)
	if err != nil {
		return err
	}

	items := make([]model.CartItem, 0, len(held))
	for _, r := range held {
		items = append(items, model.CartItem{MenuItemID: r.MenuItemID, Quantity: r.Quantity})
	}
	return s.releaseItems(ctx, tx, orderID, items)
}

func cartIDs(cart []model.CartItem) []string {
	ids := make([]string, 0, len(cart))
	for _, c := range cart {
		ids = append(ids, c.MenuItemID)
	}
	return ids
}

func compensationReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "reserve_error"
	}
}

func outcomeOf(err error) string {
	var capErr *ledger.CapacityError
	switch {
	case errors.As(err, &capErr), errors.Is(err, ledger.ErrNoActiveSubscription):
		return "rejected"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrPaymentInit):
		return "payment_failed"
	default:
		return "error"
	}
}
