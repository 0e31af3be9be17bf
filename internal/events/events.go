// Package events provides best-effort NATS pub/sub fan-out for
// workflow signals and status changes, with OTel trace-context
// propagation across the wire. Ported near-verbatim from the teacher's
// libs/go/core/natsctx helper, generalized to a small Bus type so
// callers don't need to pass the *nats.Conn around directly.
package events

import (
	"context"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Bus wraps a NATS connection for best-effort fan-out. A nil *Bus (or
// one built over a nil connection) degrades Publish to a no-op, so the
// orchestrator can run without a NATS deployment in dev/test.
type Bus struct {
	nc     *nats.Conn
	log    *slog.Logger
	tracer trace.Tracer
}

// Connect dials url and returns a Bus. On failure it returns a Bus with
// a nil connection rather than an error, matching signals/status being
// best-effort per spec — the orchestrator's correctness never depends
// on NATS being reachable.
func Connect(url string, log *slog.Logger) *Bus {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2e9))
	if err != nil {
		log.Warn("nats connect failed, signal/status fan-out disabled", "error", err, "url", url)
		return &Bus{log: log, tracer: otel.Tracer("orchestrator-events")}
	}
	return &Bus{nc: nc, log: log, tracer: otel.Tracer("orchestrator-events")}
}

// Publish injects the current trace context into NATS headers and
// publishes, swallowing errors (best-effort, never blocks the caller's
// workflow).
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) {
	if b == nil || b.nc == nil {
		return
	}
	_, span := b.tracer.Start(ctx, "nats.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		b.log.Warn("nats publish failed", "subject", subject, "error", err)
	}
}

// Subscribe wraps nc.Subscribe, extracting the sender's trace context
// into a child span around handler.
func (b *Bus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		ctx, span := b.tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Close drains and closes the underlying connection, if any.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	_ = b.nc.Drain()
}
