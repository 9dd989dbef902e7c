package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/crazyfrankie/zmodbus/stats"
)

const (
	unitIDKey        = attribute.Key("modbus.unit_id")
	transactionIDKey = attribute.Key("modbus.transaction_id")
	outcomeKey       = attribute.Key("modbus.outcome")
	callerKey        = attribute.Key("modbus.caller")
)

type connContextKey struct{}

type requestContextKey struct{}

// connContext is what TagConn learned about the connection.
type connContext struct {
	service string
	caller  string
	peer    string
}

type requestContext struct {
	metricAttrs []attribute.KeyValue
	record      bool
}

// serverHandler implements stats.Handler for server-side tracing.
type serverHandler struct {
	*config
	tracer trace.Tracer

	// Metrics
	duration metric.Float64Histogram
	inSize   metric.Int64Histogram
	outSize  metric.Int64Histogram
}

// NewServerHandler creates a stats.Handler that starts one server span per
// Modbus request.
func NewServerHandler(opts ...Option) stats.Handler {
	c := newConfig(opts)
	h := &serverHandler{config: c}

	h.tracer = c.TracerProvider.Tracer(
		ScopeName,
		trace.WithInstrumentationVersion(Version()),
	)

	meter := c.MeterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(Version()),
	)

	var err error
	if h.duration, err = meter.Float64Histogram(
		"rpc.server.duration",
		metric.WithDescription("Measures the duration of inbound Modbus requests."),
		metric.WithUnit("ms"),
	); err != nil {
		otel.Handle(err)
	}

	if h.inSize, err = meter.Int64Histogram(
		"rpc.server.request.size",
		metric.WithDescription("Measures size of Modbus request frames."),
		metric.WithUnit("By"),
	); err != nil {
		otel.Handle(err)
	}

	if h.outSize, err = meter.Int64Histogram(
		"rpc.server.response.size",
		metric.WithDescription("Measures size of Modbus response frames."),
		metric.WithUnit("By"),
	); err != nil {
		otel.Handle(err)
	}

	return h
}

// TagConn remembers the session for the spans of its requests.
func (h *serverHandler) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	cc := &connContext{service: info.Service, caller: info.Session.CallerID}
	if info.Session.Addr != nil {
		cc.peer = info.Session.Addr.String()
	}
	return context.WithValue(ctx, connContextKey{}, cc)
}

// HandleConn does nothing; connections are not traced.
func (h *serverHandler) HandleConn(context.Context, stats.ConnStats) {}

// TagRequest starts the request span when the filter accepts it.
func (h *serverHandler) TagRequest(ctx context.Context, info *stats.RequestTagInfo) context.Context {
	attrs := []attribute.KeyValue{
		semconv.RPCSystemKey.String("modbus"),
		semconv.RPCMethodKey.String(info.Function.String()),
	}
	spanAttrs := []attribute.KeyValue{
		unitIDKey.Int(int(info.UnitID)),
		transactionIDKey.Int(int(info.TransactionID)),
	}
	if cc, ok := ctx.Value(connContextKey{}).(*connContext); ok {
		attrs = append(attrs, semconv.RPCServiceKey.String(cc.service))
		if cc.caller != "" {
			spanAttrs = append(spanAttrs, callerKey.String(cc.caller))
		}
		if cc.peer != "" {
			spanAttrs = append(spanAttrs, semconv.NetworkPeerAddress(cc.peer))
		}
	}

	record := h.Filter(ctx, info)
	if record {
		ctx, _ = h.tracer.Start(
			ctx,
			"modbus/"+info.Function.String(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
			trace.WithAttributes(spanAttrs...),
		)
	}

	rc := &requestContext{
		metricAttrs: attrs,
		record:      record,
	}

	return context.WithValue(ctx, requestContextKey{}, rc)
}

// HandleRequest processes the request stats.
func (h *serverHandler) HandleRequest(ctx context.Context, rs stats.RequestStats) {
	rc, _ := ctx.Value(requestContextKey{}).(*requestContext)
	if rc == nil || !rc.record {
		return
	}

	span := trace.SpanFromContext(ctx)

	switch rs := rs.(type) {
	case *stats.InPayload:
		h.inSize.Record(ctx, int64(rs.WireLength), metric.WithAttributes(rc.metricAttrs...))

		if h.ReceivedEvent && span.IsRecording() {
			span.AddEvent("message",
				trace.WithAttributes(
					semconv.RPCMessageTypeReceived,
					semconv.RPCMessageUncompressedSizeKey.Int(rs.WireLength),
				),
			)
		}
	case *stats.OutPayload:
		h.outSize.Record(ctx, int64(rs.WireLength), metric.WithAttributes(rc.metricAttrs...))

		if h.SentEvent && span.IsRecording() {
			span.AddEvent("message",
				trace.WithAttributes(
					semconv.RPCMessageTypeSent,
					semconv.RPCMessageUncompressedSizeKey.Int(rs.WireLength),
				),
			)
		}
	case *stats.End:
		elapsedTime := rs.EndTime.Sub(rs.BeginTime)
		h.duration.Record(ctx, float64(elapsedTime)/float64(time.Millisecond), metric.WithAttributes(rc.metricAttrs...))

		if span.IsRecording() {
			span.SetAttributes(outcomeKey.String(rs.Outcome.String()))
			if rs.Error != nil {
				span.RecordError(rs.Error)
				span.SetStatus(codes.Error, rs.Error.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
		span.End()
	}
}
