package events

import (
	"context"
	"io"
	"log/slog"
	"testing"

	nats "github.com/nats-io/nats.go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNilBusPublishIsANoOp(t *testing.T) {
	var b *Bus
	b.Publish(context.Background(), "subject", []byte("payload")) // must not panic
}

func TestConnectWithUnreachableURLDegradesToNoOp(t *testing.T) {
	b := Connect("nats://127.0.0.1:1", discardLogger())
	if b == nil {
		t.Fatalf("expected Connect to always return a non-nil Bus")
	}
	// No broker is listening on that port, so the connection attempt
	// failed and publishing must be a harmless no-op rather than a panic.
	b.Publish(context.Background(), "subject", []byte("payload"))
	b.Close()
}

func TestSubscribeOnDisconnectedBusReturnsNilWithoutError(t *testing.T) {
	b := Connect("nats://127.0.0.1:1", discardLogger())
	sub, err := b.Subscribe("subject", func(context.Context, *nats.Msg) {})
	if sub != nil || err != nil {
		t.Fatalf("expected a disconnected bus to report no subscription and no error, got sub=%v err=%v", sub, err)
	}
}
