package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/cafe-orders/internal/broadcast"
	"github.com/mmeshcher/cafe-orders/internal/ledger"
	"github.com/mmeshcher/cafe-orders/internal/metrics"
	"github.com/mmeshcher/cafe-orders/internal/model"
	"github.com/mmeshcher/cafe-orders/internal/payment"
	"github.com/mmeshcher/cafe-orders/internal/repository"
)

var baseTime = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore: хранилище в памяти. Транзакции выполняются под общим мьютексом
// и откатываются восстановлением снимка.
type memStore struct {
	mu    sync.Mutex
	clock *testClock

	items    map[string]model.MenuItem
	slots    map[string]model.Slot
	subs     map[string]model.UserSubscription
	daily    map[string]int
	orders   map[string]model.Order
	resv     map[string]model.Reservation
	counters map[string]int

	attachErr  error
	releaseErr error
}

type memSnapshot struct {
	items    map[string]model.MenuItem
	slots    map[string]model.Slot
	subs     map[string]model.UserSubscription
	daily    map[string]int
	orders   map[string]model.Order
	resv     map[string]model.Reservation
	counters map[string]int
}

func newMemStore(clock *testClock) *memStore {
	return &memStore{
		clock:    clock,
		items:    map[string]model.MenuItem{},
		slots:    map[string]model.Slot{},
		subs:     map[string]model.UserSubscription{},
		daily:    map[string]int{},
		orders:   map[string]model.Order{},
		resv:     map[string]model.Reservation{},
		counters: map[string]int{},
	}
}

func (s *memStore) addItem(id string, price int64, stock int) {
	s.items[id] = model.MenuItem{ID: id, Name: "item " + id, Price: price, Stock: stock, IsAvailable: true}
}

func (s *memStore) addSlot(id string, startsIn time.Duration, maxOrders int) {
	start := s.clock.Now().Add(startsIn)
	s.slots[id] = model.Slot{ID: id, StartsAt: start, EndsAt: start.Add(30 * time.Minute), MaxOrders: maxOrders}
}

func (s *memStore) addSubscription(userID string, total, used, dailyLimit int) {
	s.subs[userID] = model.UserSubscription{
		UserID:       userID,
		Status:       model.SubscriptionStatusActive,
		CreditsTotal: total,
		CreditsUsed:  used,
		DailyLimit:   dailyLimit,
	}
}

func (s *memStore) item(id string) model.MenuItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

func (s *memStore) slot(id string) model.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

func (s *memStore) sub(userID string) model.UserSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[userID]
}

func (s *memStore) dailyUsage(userID string, day time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[dailyKey(userID, day)]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) reservations(orderID string) []model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Reservation
	for _, r := range s.resv {
		if r.OrderID == orderID {
			res = append(res, r)
		}
	}
	return res
}

func dailyKey(userID string, day time.Time) string {
	return userID + "|" + day.Format(time.DateOnly)
}

func (s *memStore) snapshot() memSnapshot {
	return memSnapshot{
		items:    maps.Clone(s.items),
		slots:    maps.Clone(s.slots),
		subs:     maps.Clone(s.subs),
		daily:    maps.Clone(s.daily),
		orders:   maps.Clone(s.orders),
		resv:     maps.Clone(s.resv),
		counters: maps.Clone(s.counters),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.items = snap.items
	s.slots = snap.slots
	s.subs = snap.subs
	s.daily = snap.daily
	s.orders = snap.orders
	s.resv = snap.resv
	s.counters = snap.counters
}

func (s *memStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) Catalog(ctx context.Context, ids []string) (map[string]model.MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make(map[string]model.MenuItem, len(ids))
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			res[id] = it
		}
	}
	return res, nil
}

func (s *memStore) Slot(ctx context.Context, slotID string) (*model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, slotID)
	}
	return &sl, nil
}

func (s *memStore) Order(ctx context.Context, orderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return &o, nil
}

func (s *memStore) AttachPaymentRef(ctx context.Context, orderID, paymentRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attachErr != nil {
		return s.attachErr
	}
	o, ok := s.orders[orderID]
	if !ok || o.Status != model.OrderStatusPendingPayment {
		return repository.ErrOrderNotFound
	}
	o.PaymentRef = &paymentRef
	s.orders[orderID] = o
	return nil
}

func (s *memStore) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	var ids []string
	for _, r := range s.resv {
		if r.Status == model.ReservationHeld && !r.ExpiresAt.After(now) && !seen[r.OrderID] {
			seen[r.OrderID] = true
			ids = append(ids, r.OrderID)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) Close() error { return nil }

type memTx struct {
	s *memStore
}

func (t *memTx) ReserveStock(ctx context.Context, itemID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, ledger.ErrInvalidQuantity
	}
	it, ok := t.s.items[itemID]
	if !ok || !it.IsAvailable || it.Stock-it.ReservedStock < qty {
		return 0, &ledger.CapacityError{Resource: "item", ID: itemID, Err: ledger.ErrInsufficientStock}
	}
	it.ReservedStock += qty
	t.s.items[itemID] = it
	return it.Available(), nil
}

func (t *memTx) ReleaseStock(ctx context.Context, itemID string, qty int) error {
	if t.s.releaseErr != nil {
		return t.s.releaseErr
	}
	it, ok := t.s.items[itemID]
	if !ok || it.ReservedStock < qty {
		return fmt.Errorf("%w: item %s", ledger.ErrReleaseUnderflow, itemID)
	}
	it.ReservedStock -= qty
	t.s.items[itemID] = it
	return nil
}

func (t *memTx) CommitStock(ctx context.Context, itemID string, qty int) (model.StockLevel, error) {
	it, ok := t.s.items[itemID]
	if !ok || it.Stock < qty || it.ReservedStock < qty {
		return model.StockLevel{}, fmt.Errorf("%w: item %s", ledger.ErrStockCommit, itemID)
	}
	it.Stock -= qty
	it.ReservedStock -= qty
	t.s.items[itemID] = it
	return model.StockLevel{ItemID: itemID, Stock: it.Stock, IsAvailable: it.IsAvailable && it.Stock > 0}, nil
}

func (t *memTx) RestockItem(ctx context.Context, itemID string, qty int) (model.StockLevel, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return model.StockLevel{}, errors.New("restock: unknown item")
	}
	it.Stock += qty
	t.s.items[itemID] = it
	return model.StockLevel{ItemID: itemID, Stock: it.Stock, IsAvailable: it.IsAvailable && it.Stock > 0}, nil
}

func (t *memTx) BookSlot(ctx context.Context, slotID string) error {
	sl, ok := t.s.slots[slotID]
	if !ok || sl.BookedOrders+1 > sl.MaxOrders {
		return &ledger.CapacityError{Resource: "slot", ID: slotID, Err: ledger.ErrSlotFull}
	}
	sl.BookedOrders++
	t.s.slots[slotID] = sl
	return nil
}

func (t *memTx) ReleaseSlot(ctx context.Context, slotID string) error {
	sl, ok := t.s.slots[slotID]
	if !ok || sl.BookedOrders < 1 {
		return fmt.Errorf("%w: slot %s", ledger.ErrReleaseUnderflow, slotID)
	}
	sl.BookedOrders--
	t.s.slots[slotID] = sl
	return nil
}

func (t *memTx) DebitQuota(ctx context.Context, userID string, day time.Time, qty int) error {
	sub, ok := t.s.subs[userID]
	if !ok || sub.Status != model.SubscriptionStatusActive {
		return ledger.ErrNoActiveSubscription
	}
	if sub.CreditsUsed+qty > sub.CreditsTotal {
		return &ledger.CapacityError{Resource: "monthly quota", ID: userID, Err: ledger.ErrMonthlyQuotaExceeded}
	}
	sub.CreditsUsed += qty
	t.s.subs[userID] = sub

	key := dailyKey(userID, day)
	if t.s.daily[key]+qty > sub.DailyLimit {
		return &ledger.CapacityError{Resource: "daily limit", ID: userID, Err: ledger.ErrDailyLimitExceeded}
	}
	t.s.daily[key] += qty
	return nil
}

func (t *memTx) CreditQuota(ctx context.Context, userID string, day time.Time, qty int) error {
	sub, ok := t.s.subs[userID]
	if !ok || sub.CreditsUsed < qty {
		return fmt.Errorf("%w: credits of %s", ledger.ErrReleaseUnderflow, userID)
	}
	sub.CreditsUsed -= qty
	t.s.subs[userID] = sub

	key := dailyKey(userID, day)
	if t.s.daily[key] >= qty {
		t.s.daily[key] -= qty
	}
	return nil
}

func (t *memTx) NextDisplayID(ctx context.Context, at time.Time) (string, error) {
	prefix := repository.DisplayIDPrefix(at)
	t.s.counters[prefix]++
	return repository.FormatDisplayID(prefix, t.s.counters[prefix]), nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	for _, existing := range t.s.orders {
		if existing.DisplayID == o.DisplayID {
			return repository.ErrDuplicateDisplayID
		}
	}
	o.CreatedAt = t.s.clock.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	cp.Items = append([]model.OrderItem(nil), o.Items...)
	for i := range cp.Items {
		cp.Items[i].OrderID = o.ID
	}
	t.s.orders[o.ID] = cp
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) LockOrderByPaymentRef(ctx context.Context, paymentRef string) (*model.Order, error) {
	for _, o := range t.s.orders {
		if o.PaymentRef != nil && *o.PaymentRef == paymentRef {
			return &o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status = status
	t.s.orders[orderID] = o
	return nil
}

func (t *memTx) MarkOrderPaid(ctx context.Context, orderID, paymentID string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status = model.OrderStatusConfirmed
	o.PaymentID = &paymentID
	t.s.orders[orderID] = o
	return nil
}

func (t *memTx) DeleteOrder(ctx context.Context, orderID string) error {
	delete(t.s.orders, orderID)
	for id, r := range t.s.resv {
		if r.OrderID == orderID {
			delete(t.s.resv, id)
		}
	}
	return nil
}

func (t *memTx) InsertReservations(ctx context.Context, rs []model.Reservation) error {
	for _, r := range rs {
		t.s.resv[r.ID] = r
	}
	return nil
}

func (t *memTx) MarkReservations(ctx context.Context, orderID string, from, to model.ReservationStatus) ([]model.Reservation, error) {
	var res []model.Reservation
	for id, r := range t.s.resv {
		if r.OrderID == orderID && r.Status == from {
			r.Status = to
			t.s.resv[id] = r
			res = append(res, r)
		}
	}
	return res, nil
}

type stubGateway struct {
	mu sync.Mutex

	intentErr    error
	block        bool
	rejectSig    bool
	refundErr    error
	intents      []string
	refunds      []string
	refundAmount []*int64
}

func (g *stubGateway) CreateIntent(ctx context.Context, amount int64, receipt string) (*payment.Intent, error) {
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.intentErr != nil {
		return nil, g.intentErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	id := "order_" + receipt
	g.intents = append(g.intents, id)
	return &payment.Intent{ID: id, Amount: amount, Currency: "INR", Receipt: receipt, Status: "created"}, nil
}

func (g *stubGateway) VerifySignature(orderRef, paymentRef, signature string) bool {
	return !g.rejectSig
}

func (g *stubGateway) Refund(ctx context.Context, paymentRef string, amount *int64) (*payment.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, paymentRef)
	g.refundAmount = append(g.refundAmount, amount)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &payment.Refund{ID: "rfnd_" + paymentRef, PaymentID: paymentRef, Status: "processed"}, nil
}

func (g *stubGateway) intentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intents)
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	stock    []broadcast.StockUpdate
	orders   []broadcast.NewOrder
	statuses []broadcast.OrderStatus
}

func (b *recordingBroadcaster) PublishStock(u broadcast.StockUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stock = append(b.stock, u)
}

func (b *recordingBroadcaster) PublishOrder(o broadcast.NewOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, o)
}

func (b *recordingBroadcaster) PublishStatus(s broadcast.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, s)
}

type testEnv struct {
	svc   *Service
	store *memStore
	gw    *stubGateway
	bc    *recordingBroadcaster
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &testClock{t: baseTime}
	store := newMemStore(clock)
	gw := &stubGateway{}
	bc := &recordingBroadcaster{}

	svc := NewService(store, gw, bc, metrics.New(prometheus.NewRegistry()), zap.NewNop(), Options{
		PaymentTimeout: 200 * time.Millisecond,
		ReservationTTL: 5 * time.Minute,
		PickupWindow:   3 * time.Hour,
		CancelWindow:   2 * time.Minute,
		Now:            clock.Now,
	})

	return &testEnv{svc: svc, store: store, gw: gw, bc: bc, clock: clock}
}

func cart(pairs ...any) []model.CartItem {
	var items []model.CartItem
	for i := 0; i+1 < len(pairs); i += 2 {
		items = append(items, model.CartItem{MenuItemID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return items
}

func normalOrder(user string, method model.PaymentMethod, items []model.CartItem) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:        user,
		Items:         items,
		Mode:          model.OrderModeNormal,
		PaymentMethod: method,
	}
}
