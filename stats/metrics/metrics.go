// Package metrics exports server request and connection statistics to
// Prometheus.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crazyfrankie/zmodbus/protocol"
	"github.com/crazyfrankie/zmodbus/stats"
)

const namespace = "zmodbus"

var (
	registerOnce   sync.Once
	defaultHandler *Handler
)

// Handler is a stats.Handler recording Prometheus metrics.
type Handler struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	openConns   *prometheus.GaugeVec
	connections *prometheus.CounterVec
}

// New creates a handler and registers its collectors with reg.
func New(reg prometheus.Registerer) (*Handler, error) {
	h := &Handler{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Modbus requests handled, by outcome.",
			},
			[]string{"service", "function", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Time from frame decode to response write.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"service", "function"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "bytes_total",
				Help:      "Bytes read and written, MBAP header included.",
			},
			[]string{"service", "direction"},
		),
		openConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "open_connections",
				Help:      "Connections currently served.",
			},
			[]string{"service"},
		),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "connections_total",
				Help:      "Connections accepted.",
			},
			[]string{"service"},
		),
	}

	for _, c := range []prometheus.Collector{h.requests, h.duration, h.bytes, h.openConns, h.connections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Default returns a handler registered with the default Prometheus registry.
func Default() *Handler {
	registerOnce.Do(func() {
		h, err := New(prometheus.DefaultRegisterer)
		if err != nil {
			panic(err)
		}
		defaultHandler = h
	})
	return defaultHandler
}

type connKey struct{}

type requestKey struct{}

func serviceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(connKey{}).(string); ok {
		return s
	}
	return "unknown"
}

func (h *Handler) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	return context.WithValue(ctx, connKey{}, info.Service)
}

func (h *Handler) HandleConn(ctx context.Context, s stats.ConnStats) {
	service := serviceFrom(ctx)
	switch s.(type) {
	case *stats.ConnBegin:
		h.connections.WithLabelValues(service).Inc()
		h.openConns.WithLabelValues(service).Inc()
	case *stats.ConnEnd:
		h.openConns.WithLabelValues(service).Dec()
	}
}

func (h *Handler) TagRequest(ctx context.Context, info *stats.RequestTagInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info.Function)
}

func (h *Handler) HandleRequest(ctx context.Context, s stats.RequestStats) {
	service := serviceFrom(ctx)
	fc, _ := ctx.Value(requestKey{}).(protocol.FunctionCode)

	switch s := s.(type) {
	case *stats.InPayload:
		h.bytes.WithLabelValues(service, "in").Add(float64(s.WireLength))
	case *stats.OutPayload:
		h.bytes.WithLabelValues(service, "out").Add(float64(s.WireLength))
	case *stats.End:
		h.requests.WithLabelValues(service, fc.String(), s.Outcome.String()).Inc()
		h.duration.WithLabelValues(service, fc.String()).Observe(s.EndTime.Sub(s.BeginTime).Seconds())
	}
}
