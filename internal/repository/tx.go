package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/cafe-orders/internal/ledger"
	"github.com/mmeshcher/cafe-orders/internal/model"
)

// Tx: операции, доступные внутри транзакции InTx.
type Tx interface {
	ReserveStock(ctx context.Context, itemID string, qty int) (int, error)
	ReleaseStock(ctx context.Context, itemID string, qty int) error
	CommitStock(ctx context.Context, itemID string, qty int) (model.StockLevel, error)
	RestockItem(ctx context.Context, itemID string, qty int) (model.StockLevel, error)

	BookSlot(ctx context.Context, slotID string) error
	ReleaseSlot(ctx context.Context, slotID string) error

	DebitQuota(ctx context.Context, userID string, day time.Time, qty int) error
	CreditQuota(ctx context.Context, userID string, day time.Time, qty int) error

	NextDisplayID(ctx context.Context, at time.Time) (string, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	LockOrder(ctx context.Context, orderID string) (*model.Order, error)
	LockOrderByPaymentRef(ctx context.Context, paymentRef string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	MarkOrderPaid(ctx context.Context, orderID, paymentID string) error
	DeleteOrder(ctx context.Context, orderID string) error

	InsertReservations(ctx context.Context, rs []model.Reservation) error
	MarkReservations(ctx context.Context, orderID string, from, to model.ReservationStatus) ([]model.Reservation, error)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReserveStock(ctx context.Context, itemID string, qty int) (int, error) {
	return ledger.NewStock(t.tx).Reserve(ctx, itemID, qty)
}

func (t *pgTx) ReleaseStock(ctx context.Context, itemID string, qty int) error {
	return ledger.NewStock(t.tx).Release(ctx, itemID, qty)
}

func (t *pgTx) CommitStock(ctx context.Context, itemID string, qty int) (model.StockLevel, error) {
	return ledger.NewStock(t.tx).Commit(ctx, itemID, qty)
}

func (t *pgTx) RestockItem(ctx context.Context, itemID string, qty int) (model.StockLevel, error) {
	return ledger.NewStock(t.tx).Restock(ctx, itemID, qty)
}

func (t *pgTx) BookSlot(ctx context.Context, slotID string) error {
	return ledger.NewSlots(t.tx).Book(ctx, slotID, 1)
}

func (t *pgTx) ReleaseSlot(ctx context.Context, slotID string) error {
	return ledger.NewSlots(t.tx).Release(ctx, slotID, 1)
}

func (t *pgTx) DebitQuota(ctx context.Context, userID string, day time.Time, qty int) error {
	return ledger.NewQuota(t.tx).Debit(ctx, userID, day, qty)
}

func (t *pgTx) CreditQuota(ctx context.Context, userID string, day time.Time, qty int) error {
	return ledger.NewQuota(t.tx).Credit(ctx, userID, day, qty)
}

// DisplayIDPrefix возвращает префикс номера заказа вида OCT26.
func DisplayIDPrefix(at time.Time) string {
	return strings.ToUpper(at.Format("Jan06"))
}

// FormatDisplayID собирает номер заказа вида OCT26-0042.
func FormatDisplayID(prefix string, n int) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

// NextDisplayID увеличивает счётчик месяца. Строка счётчика блокируется до конца
// транзакции, поэтому номера не повторяются и не пропускаются при откате.
func (t *pgTx) NextDisplayID(ctx context.Context, at time.Time) (string, error) {
	prefix := DisplayIDPrefix(at)

	var n int
	err := t.tx.QueryRow(ctx,
		`INSERT INTO display_id_counters (prefix, last_value) VALUES ($1, 1)
		 ON CONFLICT (prefix) DO UPDATE SET last_value = display_id_counters.last_value + 1
		 RETURNING last_value`,
		prefix,
	).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("next display id: %w", err)
	}

	return FormatDisplayID(prefix, n), nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, display_id, user_id, mode, status, total, payment_method, payment_ref, slot_id, pickup_at, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		o.ID, o.DisplayID, o.UserID, string(o.Mode), string(o.Status), o.Total,
		string(o.PaymentMethod), o.PaymentRef, o.SlotID, o.PickupAt, o.Note,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateDisplayID, o.DisplayID)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(
			`INSERT INTO order_items (order_id, position, menu_item_id, name, price, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, i, it.MenuItemID, it.Name, it.Price, it.Quantity,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx, selectOrderSQL+` WHERE id = $1 FOR UPDATE`, orderID)
	return loadOrder(ctx, t.tx, row)
}

func (t *pgTx) LockOrderByPaymentRef(ctx context.Context, paymentRef string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx, selectOrderSQL+` WHERE payment_ref = $1 FOR UPDATE`, paymentRef)
	return loadOrder(ctx, t.tx, row)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// MarkOrderPaid подтверждает заказ и сохраняет идентификатор платежа для возвратов.
func (t *pgTx) MarkOrderPaid(ctx context.Context, orderID, paymentID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, payment_id = $3, updated_at = now() WHERE id = $1`,
		orderID, string(model.OrderStatusConfirmed), paymentID,
	)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// DeleteOrder удаляет заказ вместе со строками и резервами (ON DELETE CASCADE).
func (t *pgTx) DeleteOrder(ctx context.Context, orderID string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

func (t *pgTx) InsertReservations(ctx context.Context, rs []model.Reservation) error {
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, []any{r.ID, r.OrderID, r.MenuItemID, r.Quantity, string(r.Status), r.CreatedAt, r.ExpiresAt})
	}

	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"reservations"},
		[]string{"id", "order_id", "menu_item_id", "quantity", "status", "created_at", "expires_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert reservations: %w", err)
	}
	return nil
}

// MarkReservations переводит резервы заказа из статуса from в to и возвращает затронутые строки.
func (t *pgTx) MarkReservations(ctx context.Context, orderID string, from, to model.ReservationStatus) ([]model.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`UPDATE reservations SET status = $3
		 WHERE order_id = $1 AND status = $2
		 RETURNING id, order_id, menu_item_id, quantity, status, created_at, expires_at`,
		orderID, string(from), string(to),
	)
	if err != nil {
		return nil, fmt.Errorf("mark reservations: %w", err)
	}
	defer rows.Close()

	var res []model.Reservation
	for rows.Next() {
		var (
			r      model.Reservation
			status string
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &r.MenuItemID, &r.Quantity, &status, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.Status = model.ReservationStatus(status)
		res = append(res, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
