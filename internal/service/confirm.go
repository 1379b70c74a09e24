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

// ConfirmPayment подтверждает оплату заказа по ответу шлюза. Повторное подтверждение
// ничего не меняет. Если заказ уже отменён из-за истечения резерва, платёж
// возвращается и вызывающему сообщается ErrOrderExpired.
func (s *Service) ConfirmPayment(ctx context.Context, intentID, paymentID, signature string) (*model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.ConfirmPayment", trace.WithAttributes(
		attribute.String("payment.intent_id", intentID),
	))
	defer span.End()

	o, err := s.confirmPayment(ctx, intentID, paymentID, signature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o, nil
}

func (s *Service) confirmPayment(ctx context.Context, intentID, paymentID, signature string) (*model.Order, error) {
	if intentID == "" || paymentID == "" || signature == "" {
		return nil, fmt.Errorf("%w: intent id, payment id and signature are required", ErrInvalidRequest)
	}

	if !s.gateway.VerifySignature(intentID, paymentID, signature) {
		s.logger.Warn("payment signature mismatch", zap.String("intent_id", intentID))
		return nil, ErrInvalidSignature
	}

	var (
		order     *model.Order
		confirmed bool
		levels    []model.StockLevel
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		confirmed = false
		levels = nil

		o, err := tx.LockOrderByPaymentRef(ctx, intentID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		order = o

		if o.Status != model.OrderStatusPendingPayment {
			return nil
		}

		lv, err := commitHeld(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if err := tx.MarkOrderPaid(ctx, o.ID, paymentID); err != nil {
			return err
		}

		o.Status = model.OrderStatusConfirmed
		o.PaymentID = &paymentID
		confirmed = true
		levels = lv
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case confirmed:
		s.logger.Info("payment confirmed",
			zap.String("order_id", order.ID),
			zap.String("display_id", order.DisplayID))
		s.publishLevels(levels)
		s.publishStatus(order)
	case order.Status == model.OrderStatusCancelled || order.Status == model.OrderStatusCancelledUser:
		s.refundLatePayment(ctx, order, paymentID)
		return nil, fmt.Errorf("%w: %s", ErrOrderExpired, order.DisplayID)
	}

	return order, nil
}

// refundLatePayment возвращает деньги за заказ, отменённый до поступления оплаты.
func (s *Service) refundLatePayment(ctx context.Context, o *model.Order, paymentID string) {
	amount := o.Total
	refund, err := s.gateway.Refund(context.WithoutCancel(ctx), paymentID, &amount)
	if err != nil {
		s.logger.Error("refund of late payment failed, manual review needed",
			zap.String("order_id", o.ID),
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return
	}
	s.logger.Info("late payment refunded",
		zap.String("order_id", o.ID),
		zap.String("refund_id", refund.ID))
}
