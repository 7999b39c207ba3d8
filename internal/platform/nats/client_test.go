package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marko911/sitb-ckg/internal/bus"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("expected default URL nats://localhost:4222, got %s", cfg.URL)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("expected unlimited reconnects (-1), got %d", cfg.MaxReconnects)
	}
	if cfg.ReconnectWait != 2*time.Second {
		t.Errorf("expected 2s reconnect wait, got %v", cfg.ReconnectWait)
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig("CKG", "pkg-konsolidator-tb", "sitb-status-tb")

	if cfg.Name != "CKG" {
		t.Errorf("expected stream name CKG, got %s", cfg.Name)
	}
	if len(cfg.Subjects) != 2 || cfg.Subjects[0] != "pkg-konsolidator-tb" {
		t.Errorf("unexpected subjects %v", cfg.Subjects)
	}
}

func TestDefaultSubscriptionConfig(t *testing.T) {
	cfg := DefaultSubscriptionConfig("pkg-konsolidator-tb-sub", "pkg-konsolidator-tb", time.Minute)

	if cfg.Name != "pkg-konsolidator-tb-sub" {
		t.Errorf("expected subscription name, got %s", cfg.Name)
	}
	if cfg.FilterSubject != "pkg-konsolidator-tb" {
		t.Errorf("expected filter on topic, got %s", cfg.FilterSubject)
	}
	if cfg.AckWait != time.Minute {
		t.Errorf("expected ack wait 1m, got %v", cfg.AckWait)
	}
}

func TestAttributes(t *testing.T) {
	h := nats.Header{}
	h.Set("source", "ckg")
	h.Add("priority", "high")
	h.Add("priority", "low")

	attrs := attributes(h)
	if attrs["source"] != "ckg" || attrs["priority"] != "high" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	if got := attributes(nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty map for no headers, got %v", got)
	}
}

func TestToMsg(t *testing.T) {
	msg := bus.OutgoingMessage{
		ID:          "batch-1",
		Data:        []byte(`{"x":1}`),
		Attributes:  map[string]string{"source": "ckg"},
		OrderingKey: "T-1",
	}

	m := toMsg("sitb-status-tb", msg)
	if m.Subject != "sitb-status-tb" || string(m.Data) != `{"x":1}` {
		t.Errorf("unexpected message %+v", m)
	}
	if got := m.Header.Get(nats.MsgIdHdr); got != "batch-1" {
		t.Errorf("Nats-Msg-Id = %q, want batch-1", got)
	}
	if m.Header.Get("source") != "ckg" || m.Header.Get(OrderingKeyHeader) != "T-1" {
		t.Errorf("unexpected headers %v", m.Header)
	}

	again := toMsg("sitb-status-tb", msg)
	if again.Header.Get(nats.MsgIdHdr) != m.Header.Get(nats.MsgIdHdr) {
		t.Error("expected the same Nats-Msg-Id for a resend")
	}

	msg.ID = ""
	if toMsg("sitb-status-tb", msg).Header.Get(nats.MsgIdHdr) == "" {
		t.Error("expected a generated Nats-Msg-Id")
	}
}
