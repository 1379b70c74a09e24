// Package payment предоставляет клиент платёжного шлюза.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.razorpay.com"
	currencyINR    = "INR"
)

// Config содержит параметры подключения к шлюзу.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
// Без ключей работает в режиме заглушки: ссылки детерминированы, подписи принимаются.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
	logger     *zap.Logger
}

// Intent: платёжное намерение (заказ на стороне шлюза).
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Refund описывает возврат платежа.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// StatusError возвращается, если шлюз ответил неуспешным статусом.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d: %s", e.Code, e.Body)
}

// NewClient создаёт клиент платёжного шлюза.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		baseURL:   base,
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}

	if c.Mock() {
		logger.Warn("payment gateway keys are not configured, running in mock mode")
	}

	return c
}

// Mock сообщает, что клиент работает без реального шлюза.
func (c *Client) Mock() bool {
	return c.keyID == "" || c.keySecret == ""
}

type createIntentRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

// CreateIntent создаёт платёжное намерение на сумму amount в пайсах.
func (c *Client) CreateIntent(ctx context.Context, amount int64, receipt string) (*Intent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("intent amount must be positive, got %d", amount)
	}

	if c.Mock() {
		c.logger.Debug("mock payment intent", zap.String("receipt", receipt))
		return &Intent{
			ID:       "order_mock_" + receipt,
			Amount:   amount,
			Currency: currencyINR,
			Receipt:  receipt,
			Status:   "created",
		}, nil
	}

	var intent Intent
	err := c.do(ctx, "/v1/orders", createIntentRequest{
		Amount:         amount,
		Currency:       currencyINR,
		Receipt:        receipt,
		PaymentCapture: 1,
	}, &intent)
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	return &intent, nil
}

// VerifySignature проверяет HMAC-SHA256 подпись "orderRef|paymentRef" в hex.
func (c *Client) VerifySignature(orderRef, paymentRef, signature string) bool {
	if c.Mock() {
		c.logger.Warn("accepting payment signature without verification in mock mode",
			zap.String("intent_id", orderRef))
		return true
	}

	expected := Sign(c.keySecret, orderRef, paymentRef)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign вычисляет подпись, которую шлюз передаёт клиенту после оплаты.
func Sign(secret, orderRef, paymentRef string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}

type refundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

// Refund возвращает платёж полностью (amount == nil) или частично.
func (c *Client) Refund(ctx context.Context, paymentRef string, amount *int64) (*Refund, error) {
	if c.Mock() {
		c.logger.Info("mock refund", zap.String("payment_id", paymentRef))
		r := &Refund{ID: "rfnd_mock_" + paymentRef, PaymentID: paymentRef, Status: "processed"}
		if amount != nil {
			r.Amount = *amount
		}
		return r, nil
	}

	var refund Refund
	path := "/v1/payments/" + url.PathEscape(paymentRef) + "/refund"
	if err := c.do(ctx, path, refundRequest{Amount: amount}, &refund); err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", paymentRef, err)
	}

	return &refund, nil
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
