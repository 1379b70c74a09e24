// Package ledger реализует счётчики ёмкости: остатки меню, слоты выдачи и квоты подписки.
//
// Каждая операция выполняется одним условным SQL-выражением, в WHERE которого заново проверяется
// инвариант. Поэтому корректность сохраняется при любом числе конкурентных вызовов,
// в том числе из разных процессов, без блокировок в памяти.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX: общий интерфейс пула соединений и транзакции pgx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	// ErrInsufficientStock возвращается, если доступного остатка не хватает для резерва.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStockCommit возвращается, если остаток упал ниже зарезервированного.
	ErrStockCommit = errors.New("stock commit failed")
	// ErrReleaseUnderflow возвращается при попытке освободить больше, чем было занято.
	ErrReleaseUnderflow = errors.New("release exceeds held amount")
	// ErrSlotFull возвращается, если слот выдачи заполнен.
	ErrSlotFull = errors.New("pickup slot is full")
	// ErrSlotNotFound возвращается, если слот не найден.
	ErrSlotNotFound = errors.New("pickup slot not found")
	// ErrNoActiveSubscription возвращается, если у пользователя нет активной подписки.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrMonthlyQuotaExceeded возвращается при превышении месячной квоты.
	ErrMonthlyQuotaExceeded = errors.New("monthly quota exceeded")
	// ErrDailyLimitExceeded возвращается при превышении дневного лимита.
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	// ErrInvalidQuantity возвращается для неположительного количества.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// CapacityError сообщает, какой именно ресурс исчерпан.
type CapacityError struct {
	Resource string
	ID       string
	Err      error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Resource, e.ID, e.Err)
}

func (e *CapacityError) Unwrap() error {
	return e.Err
}

func capacity(resource, id string, err error) error {
	return &CapacityError{Resource: resource, ID: id, Err: err}
}
