package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/cafe-orders/internal/model"
)

// Quota управляет месячными кредитами подписки и дневным счётчиком выдачи.
type Quota struct {
	db DBTX
}

// NewQuota создаёт журнал квот. Debit и Credit меняют две таблицы,
// поэтому db должен быть транзакцией.
func NewQuota(db DBTX) *Quota {
	return &Quota{db: db}
}

// Debit списывает qty кредитов и увеличивает дневной счётчик за day.
// Строка дневного учёта создаётся лениво.
func (q *Quota) Debit(ctx context.Context, userID string, day time.Time, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	var dailyLimit int
	err := q.db.QueryRow(ctx,
		`UPDATE user_subscriptions
		 SET credits_used = credits_used + $2, updated_at = now()
		 WHERE user_id = $1 AND status = $3 AND credits_used + $2 <= credits_total
		 RETURNING daily_limit`,
		userID, qty, model.SubscriptionStatusActive,
	).Scan(&dailyLimit)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("debit credits: %w", err)
		}
		return q.explainDebitMiss(ctx, userID)
	}

	date := truncateDay(day)
	if _, err := q.db.Exec(ctx,
		`INSERT INTO daily_usage (user_id, usage_date, items_redeemed)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (user_id, usage_date) DO NOTHING`,
		userID, date,
	); err != nil {
		return fmt.Errorf("ensure daily usage: %w", err)
	}

	tag, err := q.db.Exec(ctx,
		`UPDATE daily_usage
		 SET items_redeemed = items_redeemed + $3
		 WHERE user_id = $1 AND usage_date = $2 AND items_redeemed + $3 <= $4`,
		userID, date, qty, dailyLimit,
	)
	if err != nil {
		return fmt.Errorf("debit daily usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capacity("daily limit", userID, ErrDailyLimitExceeded)
	}

	return nil
}

func (q *Quota) explainDebitMiss(ctx context.Context, userID string) error {
	var status string
	err := q.db.QueryRow(ctx,
		`SELECT status FROM user_subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoActiveSubscription
		}
		return fmt.Errorf("select subscription: %w", err)
	}
	if status != model.SubscriptionStatusActive {
		return ErrNoActiveSubscription
	}
	return capacity("monthly quota", userID, ErrMonthlyQuotaExceeded)
}

// Credit возвращает qty кредитов и уменьшает дневной счётчик за day.
func (q *Quota) Credit(ctx context.Context, userID string, day time.Time, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tag, err := q.db.Exec(ctx,
		`UPDATE user_subscriptions
		 SET credits_used = credits_used - $2, updated_at = now()
		 WHERE user_id = $1 AND credits_used >= $2`,
		userID, qty,
	)
	if err != nil {
		return fmt.Errorf("credit subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credits of %s qty %d", ErrReleaseUnderflow, userID, qty)
	}

	// Строки за день может не быть, если заказ пережил смену суток в другой таймзоне.
	if _, err := q.db.Exec(ctx,
		`UPDATE daily_usage
		 SET items_redeemed = items_redeemed - $3
		 WHERE user_id = $1 AND usage_date = $2 AND items_redeemed >= $3`,
		userID, truncateDay(day), qty,
	); err != nil {
		return fmt.Errorf("credit daily usage: %w", err)
	}

	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
