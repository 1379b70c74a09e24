// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cafe"

// Recorder регистрирует и обновляет метрики сервиса заказов.
type Recorder struct {
	ordersPlaced       *prometheus.CounterVec
	compensations      *prometheus.CounterVec
	releaseFailures    prometheus.Counter
	paymentIntent      prometheus.Histogram
	reservationsExpiry prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Order placement attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensations_total",
			Help:      "Compensations executed while placing orders.",
		}, []string{"reason"}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_release_failures_total",
			Help:      "Stock releases that failed during compensation.",
		}),
		paymentIntent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_intent_duration_seconds",
			Help:      "Latency of payment intent creation.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		reservationsExpiry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Orders cancelled because their stock hold expired.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		r.ordersPlaced,
		r.compensations,
		r.releaseFailures,
		r.paymentIntent,
		r.reservationsExpiry,
		r.httpRequests,
		r.httpDuration,
	)

	return r
}

// OrderPlaced учитывает попытку оформления заказа.
func (r *Recorder) OrderPlaced(mode, outcome string) {
	r.ordersPlaced.WithLabelValues(mode, outcome).Inc()
}

func (r *Recorder) Compensation(reason string) {
	r.compensations.WithLabelValues(reason).Inc()
}

func (r *Recorder) ReleaseFailure() {
	r.releaseFailures.Inc()
}

func (r *Recorder) PaymentIntent(d time.Duration) {
	r.paymentIntent.Observe(d.Seconds())
}

func (r *Recorder) ReservationsExpired(n int) {
	r.reservationsExpiry.Add(float64(n))
}

// HTTPRequest учитывает обработанный HTTP-запрос.
func (r *Recorder) HTTPRequest(method, route string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
