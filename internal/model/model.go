// Package model содержит доменные сущности сервиса заказов кафе.
package model

import "time"

// OrderMode определяет способ оплаты заказа.
type OrderMode string

const (
	OrderModeNormal       OrderMode = "NORMAL"
	OrderModeSubscription OrderMode = "SUBSCRIPTION"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusPreparing      OrderStatus = "PREPARING"
	OrderStatusReady          OrderStatus = "READY"
	OrderStatusCompleted      OrderStatus = "COMPLETED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusCancelledUser  OrderStatus = "CANCELLED_USER"
)

// PaymentMethod: способ оплаты обычного заказа.
type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "CASH"
	PaymentMethodUPI  PaymentMethod = "UPI"
	PaymentMethodCard PaymentMethod = "CARD"
)

// SubscriptionStatusActive: статус действующей подписки.
const SubscriptionStatusActive = "ACTIVE"

// ReservationStatus описывает состояние резерва остатка.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// MenuItem: позиция меню с физическим остатком и зарезервированным количеством.
// Доступно для новых резервов stock - reserved_stock.
type MenuItem struct {
	ID            string
	Name          string
	Price         int64
	Stock         int
	ReservedStock int
	IsAvailable   bool
}

// Available возвращает количество, доступное для резервирования.
func (m MenuItem) Available() int {
	return m.Stock - m.ReservedStock
}

// Slot: окно выдачи заказов с ограниченной вместимостью.
type Slot struct {
	ID           string
	StartsAt     time.Time
	EndsAt       time.Time
	MaxOrders    int
	BookedOrders int
}

// Order описывает заказ пользователя.
type Order struct {
	ID            string
	DisplayID     string
	UserID        string
	Mode          OrderMode
	Status        OrderStatus
	Total         int64
	PaymentMethod PaymentMethod
	PaymentRef    *string
	PaymentID     *string
	SlotID        *string
	PickupAt      *time.Time
	Note          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Items         []OrderItem
}

// OrderItem: строка заказа. Название и цена копируются из меню в момент заказа,
// чтобы последующие правки меню не меняли историю.
type OrderItem struct {
	OrderID    string
	MenuItemID string
	Name       string
	Price      int64
	Quantity   int
}

// Quantity возвращает общее количество позиций в заказе.
func (o *Order) Quantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// UserSubscription описывает месячную подписку пользователя.
type UserSubscription struct {
	UserID       string
	Status       string
	CreditsTotal int
	CreditsUsed  int
	DailyLimit   int
}

// DailyUsage: счётчик позиций, выданных по подписке за календарный день.
type DailyUsage struct {
	UserID        string
	Date          time.Time
	ItemsRedeemed int
}

// Reservation: резерв остатка, принадлежащий заказу.
type Reservation struct {
	ID         string
	OrderID    string
	MenuItemID string
	Quantity   int
	Status     ReservationStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// StockLevel: физический остаток позиции после списания или возврата.
// Рассылается клиентам.
type StockLevel struct {
	ItemID      string
	Stock       int
	IsAvailable bool
}

// CartItem: запрошенная позиция корзины.
type CartItem struct {
	MenuItemID string
	Quantity   int
}
