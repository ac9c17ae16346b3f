//go:build integration

package natsutil

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// Runs against the broker at NATS_URL (default nats://localhost:4222).
func liveConn(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("no broker at %s: %v", url, err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestLive_QueueGroupDeliversOnce(t *testing.T) {
	nc := liveConn(t)
	subject := "folio.integ." + nats.NewInbox()[7:]

	var got atomic.Int32
	for range 3 {
		sub, err := Subscribe(nc, subject, "folio-integ", func(context.Context, testMsg, *nats.Msg) {
			got.Add(1)
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { sub.Unsubscribe() })
	}

	for i := range 10 {
		if err := Publish(context.Background(), nc, subject, testMsg{Name: "evt", Value: i}); err != nil {
			t.Fatal(err)
		}
	}
	nc.Flush()

	deadline := time.Now().Add(5 * time.Second)
	for got.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := got.Load(); n != 10 {
		t.Fatalf("delivered %d, want 10 (once per message across the group)", n)
	}
}

func TestLive_RetryHeaderSurvivesBroker(t *testing.T) {
	nc := liveConn(t)
	subject := "folio.integ." + nats.NewInbox()[7:]

	counts := make(chan int, 1)
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) { counts <- RetryCount(m) })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := PublishRaw(context.Background(), nc, subject, []byte(`{}`), RetryHeaders(2)); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-counts:
		if n != 2 {
			t.Fatalf("retry count = %d, want 2", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
