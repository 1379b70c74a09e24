package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/cafe-orders/internal/model"
)

// Slots управляет счётчиком заказов в слотах выдачи.
type Slots struct {
	db DBTX
}

// NewSlots создаёт журнал слотов поверх пула или транзакции.
func NewSlots(db DBTX) *Slots {
	return &Slots{db: db}
}

// Get возвращает слот по идентификатору.
func (s *Slots) Get(ctx context.Context, slotID string) (*model.Slot, error) {
	var sl model.Slot
	err := s.db.QueryRow(ctx,
		`SELECT id, starts_at, ends_at, max_orders, booked_orders FROM slots WHERE id = $1`,
		slotID,
	).Scan(&sl.ID, &sl.StartsAt, &sl.EndsAt, &sl.MaxOrders, &sl.BookedOrders)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, slotID)
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return &sl, nil
}

// Book занимает qty мест в слоте, если это не превысит max_orders.
func (s *Slots) Book(ctx context.Context, slotID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE slots
		 SET booked_orders = booked_orders + $2
		 WHERE id = $1 AND booked_orders + $2 <= max_orders`,
		slotID, qty,
	)
	if err != nil {
		return fmt.Errorf("book slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capacity("slot", slotID, ErrSlotFull)
	}
	return nil
}

// Release освобождает qty мест в слоте.
func (s *Slots) Release(ctx context.Context, slotID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE slots
		 SET booked_orders = booked_orders - $2
		 WHERE id = $1 AND booked_orders >= $2`,
		slotID, qty,
	)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: slot %s qty %d", ErrReleaseUnderflow, slotID, qty)
	}
	return nil
}
