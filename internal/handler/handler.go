// Package handler содержит HTTP-обработчики API сервиса заказов кафе.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/cafe-orders/internal/ledger"
	"github.com/mmeshcher/cafe-orders/internal/metrics"
	"github.com/mmeshcher/cafe-orders/internal/middleware"
	"github.com/mmeshcher/cafe-orders/internal/model"
	"github.com/mmeshcher/cafe-orders/internal/redisx"
	"github.com/mmeshcher/cafe-orders/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*service.PlaceOrderResult, error)
	GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	ConfirmPayment(ctx context.Context, intentID, paymentID, signature string) (*model.Order, error)
}

// Idempotency хранит ответы на создание заказа по ключу Idempotency-Key.
type Idempotency interface {
	Lookup(ctx context.Context, userID, key string) (*redisx.Response, error)
	Acquire(ctx context.Context, userID, key string) (bool, error)
	Release(ctx context.Context, userID, key string) error
	Save(ctx context.Context, userID, key string, resp redisx.Response) error
}

// Pinger проверяет доступность зависимостей для /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service        Service
	idem           Idempotency
	health         Pinger
	logger         *zap.Logger
	metrics        *metrics.Recorder
	authMiddleware *middleware.AuthMiddleware
	rateLimiter    *middleware.RateLimiter
}

// Options задаёт необязательные зависимости обработчика. Нулевые поля отключают
// соответствующую функциональность.
type Options struct {
	Idempotency Idempotency
	Health      Pinger
	Metrics     *metrics.Recorder
	RateLimiter *middleware.RateLimiter
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	return &Handler{
		service:        s,
		idem:           opts.Idempotency,
		health:         opts.Health,
		logger:         logger,
		metrics:        opts.Metrics,
		authMiddleware: auth,
		rateLimiter:    opts.RateLimiter,
	}
}

type cartItemRequest struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

type placeOrderRequest struct {
	Items         []cartItemRequest `json:"items"`
	Mode          string            `json:"mode"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	SlotID        *string           `json:"slot_id,omitempty"`
	PickupAt      *time.Time        `json:"pickup_at,omitempty"`
	Note          string            `json:"note,omitempty"`
}

type placeOrderResponse struct {
	OrderID    string  `json:"order_id"`
	DisplayID  string  `json:"display_id"`
	Total      int64   `json:"total"`
	Status     string  `json:"status"`
	PaymentRef *string `json:"payment_ref,omitempty"`
}

type orderItemResponse struct {
	MenuItemID string `json:"menu_item_id"`
	Name       string `json:"name"`
	Price      int64  `json:"price"`
	Quantity   int    `json:"quantity"`
}

type orderResponse struct {
	OrderID       string              `json:"order_id"`
	DisplayID     string              `json:"display_id"`
	Mode          string              `json:"mode"`
	Status        string              `json:"status"`
	Total         int64               `json:"total"`
	PaymentMethod string              `json:"payment_method,omitempty"`
	PaymentRef    *string             `json:"payment_ref,omitempty"`
	SlotID        *string             `json:"slot_id,omitempty"`
	PickupAt      *string             `json:"pickup_at,omitempty"`
	Note          string              `json:"note,omitempty"`
	CreatedAt     string              `json:"created_at"`
	Items         []orderItemResponse `json:"items"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
}

// PlaceOrder оформляет заказ текущего пользователя. Повтор запроса с тем же
// Idempotency-Key возвращает сохранённый ответ без повторного оформления.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idem != nil {
		saved, err := h.idem.Lookup(r.Context(), userID, key)
		if err != nil {
			h.logger.Warn("idempotency lookup failed", zap.Error(err), zap.String("user_id", userID))
		}
		if saved != nil {
			w.Header().Set("Idempotent-Replayed", "true")
			writeRaw(w, saved.Status, saved.Body)
			return
		}

		acquired, err := h.idem.Acquire(r.Context(), userID, key)
		if err != nil {
			h.logger.Warn("idempotency acquire failed", zap.Error(err), zap.String("user_id", userID))
		} else if !acquired {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is in progress"})
			return
		}
	} else {
		key = ""
	}

	items := make([]model.CartItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.CartItem{MenuItemID: it.MenuItemID, Quantity: it.Quantity})
	}

	res, err := h.service.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		UserID:        userID,
		Items:         items,
		Mode:          model.OrderMode(strings.ToUpper(req.Mode)),
		PaymentMethod: model.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
		SlotID:        req.SlotID,
		PickupAt:      req.PickupAt,
		Note:          req.Note,
	})

	status, body := http.StatusCreated, any(nil)
	if err != nil {
		status, body = h.mapError(err, "place order")
	} else {
		body = placeOrderResponse{
			OrderID:    res.OrderID,
			DisplayID:  res.DisplayID,
			Total:      res.Total,
			Status:     string(res.Status),
			PaymentRef: res.PaymentRef,
		}
	}

	raw, encErr := json.Marshal(body)
	if encErr != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if key != "" {
		// Ответы 5xx не сохраняются: клиент может повторить запрос с тем же ключом.
		ctx := context.WithoutCancel(r.Context())
		if status < http.StatusInternalServerError {
			if err := h.idem.Save(ctx, userID, key, redisx.Response{Status: status, Body: raw}); err != nil {
				h.logger.Warn("idempotency save failed", zap.Error(err), zap.String("user_id", userID))
			}
		} else if err := h.idem.Release(ctx, userID, key); err != nil {
			h.logger.Warn("idempotency release failed", zap.Error(err), zap.String("user_id", userID))
		}
	}

	writeRaw(w, status, raw)
}

// GetOrder возвращает заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	o, err := h.service.GetOrder(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		status, body := h.mapError(err, "get order")
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// CancelOrder отменяет заказ по просьбе пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	o, err := h.service.CancelOrder(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		status, body := h.mapError(err, "cancel order")
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type confirmPaymentRequest struct {
	IntentID  string `json:"intent_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

// ConfirmPayment принимает подтверждение оплаты от клиента после checkout.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	if req.IntentID == "" || req.PaymentID == "" || req.Signature == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "intent_id, payment_id and signature are required"})
		return
	}

	o, err := h.service.ConfirmPayment(r.Context(), req.IntentID, req.PaymentID, req.Signature)
	if err != nil {
		status, body := h.mapError(err, "confirm payment")
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// Health сообщает, доступна ли база данных.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) mapError(err error, op string) (int, errorResponse) {
	var capErr *ledger.CapacityError

	switch {
	case errors.Is(err, ledger.ErrNoActiveSubscription):
		return http.StatusForbidden, errorResponse{Error: ledger.ErrNoActiveSubscription.Error()}
	case errors.As(err, &capErr):
		return http.StatusConflict, errorResponse{Error: capErr.Err.Error(), Resource: capErr.Resource, ID: capErr.ID}
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidQuantity):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, service.ErrOrderNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error()}
	case errors.Is(err, service.ErrOrderExpired):
		return http.StatusGone, errorResponse{Error: err.Error()}
	case errors.Is(err, service.ErrCancelNotAllowed), errors.Is(err, service.ErrCancelWindowClosed):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	case errors.Is(err, service.ErrPaymentInit):
		h.logger.Warn(op+" payment error", zap.Error(err))
		return http.StatusBadGateway, errorResponse{Error: service.ErrPaymentInit.Error()}
	}

	h.logger.Error(op+" error", zap.Error(err))
	return http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)}
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		OrderID:       o.ID,
		DisplayID:     o.DisplayID,
		Mode:          string(o.Mode),
		Status:        string(o.Status),
		Total:         o.Total,
		PaymentMethod: string(o.PaymentMethod),
		PaymentRef:    o.PaymentRef,
		SlotID:        o.SlotID,
		Note:          o.Note,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		Items:         make([]orderItemResponse, 0, len(o.Items)),
	}
	if o.PickupAt != nil {
		at := o.PickupAt.Format(time.RFC3339)
		resp.PickupAt = &at
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			MenuItemID: it.MenuItemID,
			Name:       it.Name,
			Price:      it.Price,
			Quantity:   it.Quantity,
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, raw)
}

func writeRaw(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bytes.TrimSpace(raw))
}
