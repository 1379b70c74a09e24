package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cafe-orders/internal/model"
	"github.com/mmeshcher/cafe-orders/internal/repository"
)

// StartReservationSweeper запускает фоновую отмену заказов с просроченными резервами.
func (s *Service) StartReservationSweeper(ctx context.Context) {
	if s.opts.SweepInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReleaseExpired(ctx, s.now()); err != nil && ctx.Err() == nil {
					s.logger.Error("release expired reservations", zap.Error(err))
				}
			}
		}
	}()
}

// ReleaseExpired отменяет неоплаченные заказы, чьи резервы истекли к моменту now,
// и возвращает число отменённых заказов. Каждый заказ обрабатывается в своей транзакции.
func (s *Service) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ExpiredHolds(ctx, now, s.opts.SweepBatch)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		o, err := s.expireOrder(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if o == nil {
			continue
		}

		expired++
		s.logger.Info("order hold expired",
			zap.String("order_id", o.ID),
			zap.String("display_id", o.DisplayID))

		s.publishStatus(o)
	}

	if expired > 0 {
		s.metrics.ReservationsExpired(expired)
	}
	return expired, errors.Join(errs...)
}

// expireOrder возвращает nil без ошибки, если заказ успели оплатить или отменить.
func (s *Service) expireOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order *model.Order
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		order = nil

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
		if err := tx.UpdateOrderStatus(ctx, o.ID, model.OrderStatusCancelled); err != nil {
			return err
		}

		o.Status = model.OrderStatusCancelled
		order = o
		return nil
	})
	return order, err
}
