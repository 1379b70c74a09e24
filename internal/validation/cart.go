// Package validation содержит проверки входных данных заказа.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/cafe-orders/internal/model"
)

// MaxLineQuantity ограничивает количество одной позиции после объединения повторов.
const MaxLineQuantity = 100

var (
	// ErrEmptyCart возвращается для корзины без позиций.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidQuantity возвращается для неположительного количества.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrQuantityTooLarge возвращается, если количество позиции больше MaxLineQuantity.
	ErrQuantityTooLarge = errors.New("quantity is too large")
	// ErrMissingItemID возвращается для позиции без идентификатора.
	ErrMissingItemID = errors.New("menu item id is required")
	// ErrPickupInPast возвращается, если время выдачи уже прошло.
	ErrPickupInPast = errors.New("pickup time is in the past")
	// ErrPickupTooFar возвращается, если время выдачи дальше допустимого окна.
	ErrPickupTooFar = errors.New("pickup time is too far ahead")
)

// NormalizeCart проверяет корзину и объединяет повторяющиеся позиции.
// Порядок позиций соответствует первому появлению каждой из них.
func NormalizeCart(items []model.CartItem) ([]model.CartItem, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	index := make(map[string]int, len(items))
	res := make([]model.CartItem, 0, len(items))

	for _, it := range items {
		id := strings.TrimSpace(it.MenuItemID)
		if id == "" {
			return nil, ErrMissingItemID
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %s", ErrInvalidQuantity, id)
		}
		if it.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%w: item %s max %d", ErrQuantityTooLarge, id, MaxLineQuantity)
		}

		if i, ok := index[id]; ok {
			res[i].Quantity += it.Quantity
			if res[i].Quantity > MaxLineQuantity {
				return nil, fmt.Errorf("%w: item %s max %d", ErrQuantityTooLarge, id, MaxLineQuantity)
			}
			continue
		}
		index[id] = len(res)
		res = append(res, model.CartItem{MenuItemID: id, Quantity: it.Quantity})
	}

	return res, nil
}

// CheckPickupWindow проверяет, что at попадает в [now, now+window].
func CheckPickupWindow(at, now time.Time, window time.Duration) error {
	if at.Before(now) {
		return ErrPickupInPast
	}
	if at.After(now.Add(window)) {
		return fmt.Errorf("%w: limit %s", ErrPickupTooFar, window)
	}
	return nil
}
