package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/cafe-orders/internal/model"
)

// Stock управляет полями stock и reserved_stock позиций меню.
type Stock struct {
	db DBTX
}

// NewStock создаёт журнал остатков поверх пула или транзакции.
func NewStock(db DBTX) *Stock {
	return &Stock{db: db}
}

// Reserve атомарно увеличивает reserved_stock, если свободного остатка достаточно.
// Возвращает количество, оставшееся доступным после резерва.
func (s *Stock) Reserve(ctx context.Context, itemID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}

	var remaining int
	err := s.db.QueryRow(ctx,
		`UPDATE menu_items
		 SET reserved_stock = reserved_stock + $2, updated_at = now()
		 WHERE id = $1 AND is_available AND stock - reserved_stock >= $2
		 RETURNING stock - reserved_stock`,
		itemID, qty,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, capacity("item", itemID, ErrInsufficientStock)
		}
		return 0, fmt.Errorf("reserve stock: %w", err)
	}

	return remaining, nil
}

// Release возвращает ранее зарезервированное количество.
func (s *Stock) Release(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE menu_items
		 SET reserved_stock = reserved_stock - $2, updated_at = now()
		 WHERE id = $1 AND reserved_stock >= $2`,
		itemID, qty,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %s qty %d", ErrReleaseUnderflow, itemID, qty)
	}
	return nil
}

// Commit превращает резерв в списание: уменьшает и stock, и reserved_stock.
// Возвращает новый физический остаток для рассылки клиентам.
func (s *Stock) Commit(ctx context.Context, itemID string, qty int) (model.StockLevel, error) {
	if qty <= 0 {
		return model.StockLevel{}, ErrInvalidQuantity
	}

	lvl := model.StockLevel{ItemID: itemID}
	err := s.db.QueryRow(ctx,
		`UPDATE menu_items
		 SET stock = stock - $2, reserved_stock = reserved_stock - $2, updated_at = now()
		 WHERE id = $1 AND stock >= $2 AND reserved_stock >= $2
		 RETURNING stock, is_available AND stock > 0`,
		itemID, qty,
	).Scan(&lvl.Stock, &lvl.IsAvailable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lvl, fmt.Errorf("%w: item %s qty %d", ErrStockCommit, itemID, qty)
		}
		return lvl, fmt.Errorf("commit stock: %w", err)
	}

	return lvl, nil
}

// Restock возвращает списанное количество на полку (отмена подтверждённого заказа).
func (s *Stock) Restock(ctx context.Context, itemID string, qty int) (model.StockLevel, error) {
	if qty <= 0 {
		return model.StockLevel{}, ErrInvalidQuantity
	}

	lvl := model.StockLevel{ItemID: itemID}
	err := s.db.QueryRow(ctx,
		`UPDATE menu_items
		 SET stock = stock + $2, updated_at = now()
		 WHERE id = $1
		 RETURNING stock, is_available AND stock > 0`,
		itemID, qty,
	).Scan(&lvl.Stock, &lvl.IsAvailable)
	if err != nil {
		return lvl, fmt.Errorf("restock item %s: %w", itemID, err)
	}

	return lvl, nil
}
