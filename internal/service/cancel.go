package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/cafe-orders/internal/model"
	"github.com/mmeshcher/cafe-orders/internal/repository"
)

// CancelOrder отменяет заказ по просьбе владельца в течение окна отмены.
// Резервы и слот освобождаются, квота подписки возвращается, а оплаченный
// онлайн заказ возвращается через шлюз.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	o, err := s.cancelOrder(ctx, userID, orderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o, nil
}

func (s *Service) cancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if _, err := s.GetOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}

	var (
		order      *model.Order
		prevStatus model.OrderStatus
		levels     []model.StockLevel
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		levels = nil

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if o.UserID != userID {
			return ErrOrderNotFound
		}

		switch o.Status {
		case model.OrderStatusPendingPayment, model.OrderStatusConfirmed:
		default:
			return fmt.Errorf("%w: status %s", ErrCancelNotAllowed, o.Status)
		}

		if s.now().Sub(o.CreatedAt) > s.opts.CancelWindow {
			return ErrCancelWindowClosed
		}

		if err := s.releaseHeld(ctx, tx, o.ID); err != nil {
			return err
		}

		committed, err := tx.MarkReservations(ctx, o.ID, model.ReservationCommitted, model.ReservationReleased)
		if err != nil {
			return err
		}
		for _, r := range committed {
			lvl, err := tx.RestockItem(ctx, r.MenuItemID, r.Quantity)
			if err != nil {
				return err
			}
			levels = append(levels, lvl)
		}

		if o.Mode == model.OrderModeSubscription {
			if err := tx.CreditQuota(ctx, o.UserID, o.CreatedAt, o.Quantity()); err != nil {
				return err
			}
		}

		if o.SlotID != nil {
			if err := tx.ReleaseSlot(ctx, *o.SlotID); err != nil {
				return err
			}
		}

		if err := tx.UpdateOrderStatus(ctx, o.ID, model.OrderStatusCancelledUser); err != nil {
			return err
		}

		prevStatus = o.Status
		o.Status = model.OrderStatusCancelledUser
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order cancelled by user",
		zap.String("order_id", order.ID),
		zap.String("display_id", order.DisplayID),
		zap.String("previous_status", string(prevStatus)))

	if prevStatus == model.OrderStatusConfirmed && order.PaymentID != nil {
		s.refundCancelled(ctx, order)
	}

	s.publishLevels(levels)
	s.publishStatus(order)

	return order, nil
}

func (s *Service) refundCancelled(ctx context.Context, o *model.Order) {
	refund, err := s.gateway.Refund(context.WithoutCancel(ctx), *o.PaymentID, nil)
	if err != nil {
		s.logger.Error("refund of cancelled order failed, manual review needed",
			zap.String("order_id", o.ID),
			zap.String("payment_id", *o.PaymentID),
			zap.Error(err))
		return
	}
	s.logger.Info("cancelled order refunded",
		zap.String("order_id", o.ID),
		zap.String("refund_id", refund.ID))
}
