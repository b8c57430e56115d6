package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/connectus/chat-session/internal/protocol"
)

// newTestNATS returns a transport on per-test subjects and a plain NATS
// connection playing the backend. Tests that call this helper require a
// running NATS server on localhost:4222.
func newTestNATS(t *testing.T) (*NATSTransport, *nats.Conn) {
	t.Helper()
	backend, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(backend.Close)

	suffix := uuid.New().String()
	cfg := DefaultNATSConfig()
	cfg.InboundSubject = "test.inbound." + suffix
	cfg.OutboundSubject = "test.outbound." + suffix
	cfg.ReconnectWait = 50 * time.Millisecond
	return NewNATSTransport(cfg), backend
}

func TestNATSConnectEmptyToken(t *testing.T) {
	tr := NewNATSTransport(DefaultNATSConfig())
	if _, err := tr.Connect(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestNATSConnectError(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	tr := NewNATSTransport(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Connect(ctx, "tok")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestNATSRoundTrip(t *testing.T) {
	tr, backend := newTestNATS(t)
	events, unsub := collectEvents(tr)
	defer unsub()

	outbound, err := backend.SubscribeSync(tr.config.OutboundSubject)
	if err != nil {
		t.Fatalf("subscribe outbound: %v", err)
	}

	conn, err := tr.Connect(context.Background(), "tok")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	if !Resumes(conn) {
		t.Error("nats connections resume on their own")
	}

	err = conn.Send(context.Background(), protocol.TypeSendMessage, protocol.SendMessageMsg{Content: "hi", ChatID: "general"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := outbound.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("backend did not receive the frame: %v", err)
	}
	if !strings.Contains(string(msg.Data), `"type":"send_message"`) {
		t.Errorf("unexpected frame %s", msg.Data)
	}

	frame := []byte(`{"type":"user_count","count":7}`)
	if err := backend.Publish(tr.config.InboundSubject, frame); err != nil {
		t.Fatalf("publish inbound: %v", err)
	}
	ev := waitEvent(t, events, EventPresenceCount)
	if ev.Count != 7 || ev.ConnID != conn.ID() {
		t.Errorf("unexpected presence event: %+v", ev)
	}
}

func TestNATSCloseIsQuiet(t *testing.T) {
	tr, _ := newTestNATS(t)
	events, unsub := collectEvents(tr)
	defer unsub()

	conn, err := tr.Connect(context.Background(), "tok")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := conn.Send(context.Background(), protocol.TypePing, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type == EventConnectionLost {
			t.Errorf("explicit close must not report a lost connection")
		}
	case <-time.After(200 * time.Millisecond):
	}
}
