package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/cafe-orders/internal/ledger"
	"github.com/mmeshcher/cafe-orders/internal/model"
)

const selectOrderSQL = `SELECT id, display_id, user_id, mode, status, total, payment_method,
	payment_ref, payment_id, slot_id, pickup_at, note, created_at, updated_at
	FROM orders`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOrder(ctx context.Context, q querier, row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		mode, status  string
		paymentMethod string
	)
	err := row.Scan(
		&o.ID, &o.DisplayID, &o.UserID, &mode, &status, &o.Total, &paymentMethod,
		&o.PaymentRef, &o.PaymentID, &o.SlotID, &o.PickupAt, &o.Note, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Mode = model.OrderMode(mode)
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(paymentMethod)

	rows, err := q.Query(ctx,
		`SELECT menu_item_id, name, price, quantity
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY position`,
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it := model.OrderItem{OrderID: o.ID}
		if err := rows.Scan(&it.MenuItemID, &it.Name, &it.Price, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

// Catalog читает актуальные данные позиций меню. Отсутствующие в базе идентификаторы
// просто не попадают в результат.
func (r *PostgresRepository) Catalog(ctx context.Context, ids []string) (map[string]model.MenuItem, error) {
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return map[string]model.MenuItem{}, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price, stock, reserved_stock, is_available
		 FROM menu_items
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	res := make(map[string]model.MenuItem, len(ids))
	for rows.Next() {
		var m model.MenuItem
		if err := rows.Scan(&m.ID, &m.Name, &m.Price, &m.Stock, &m.ReservedStock, &m.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		res[m.ID] = m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Slot возвращает слот выдачи.
func (r *PostgresRepository) Slot(ctx context.Context, slotID string) (*model.Slot, error) {
	if _, err := uuid.Parse(slotID); err != nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, slotID)
	}
	return ledger.NewSlots(r.pool).Get(ctx, slotID)
}

// Order возвращает заказ вместе со строками.
func (r *PostgresRepository) Order(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, selectOrderSQL+` WHERE id = $1`, orderID)
	return loadOrder(ctx, r.pool, row)
}

// AttachPaymentRef сохраняет идентификатор платёжного намерения у ожидающего оплаты заказа.
func (r *PostgresRepository) AttachPaymentRef(ctx context.Context, orderID, paymentRef string) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET payment_ref = $2, updated_at = now()
			 WHERE id = $1 AND status = $3`,
			orderID, paymentRef, string(model.OrderStatusPendingPayment),
		)
		if err != nil {
			return fmt.Errorf("attach payment ref: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}

// ExpiredHolds возвращает заказы, у которых есть просроченные резервы в статусе HELD.
func (r *PostgresRepository) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id
		 FROM reservations
		 WHERE status = $1 AND expires_at <= $2
		 GROUP BY order_id
		 ORDER BY min(expires_at)
		 LIMIT $3`,
		string(model.ReservationHeld), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired holds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// validUUIDs отбрасывает идентификаторы, которые не могут быть ключом menu_items.
func validUUIDs(ids []string) []string {
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			res = append(res, id)
		}
	}
	return res
}
