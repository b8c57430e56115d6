package transport

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/connectus/chat-session/internal/protocol"
	"github.com/connectus/chat-session/internal/pubsub"
)

// NATS subjects carrying live-channel envelopes.
const (
	SubjectInbound  = "chat.inbound"
	SubjectOutbound = "chat.outbound"
)

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	URL             string        // nats://localhost:4222
	Name            string        // client name for identification
	InboundSubject  string        // server -> client envelopes
	OutboundSubject string        // client -> server envelopes
	ReconnectWait   time.Duration // time between reconnect attempts
	MaxReconnects   int           // attempts before the connection closes for good
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		Name:            "connectus-chat",
		InboundSubject:  SubjectInbound,
		OutboundSubject: SubjectOutbound,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   5,
	}
}

// NATSTransport carries the live channel over NATS. The NATS client
// reconnects by itself, so its connections implement Resumer.
type NATSTransport struct {
	config NATSConfig
	events pubsub.Bus[Event]
}

// NewNATSTransport creates a NATS transport.
func NewNATSTransport(config NATSConfig) *NATSTransport {
	if config.InboundSubject == "" {
		config.InboundSubject = SubjectInbound
	}
	if config.OutboundSubject == "" {
		config.OutboundSubject = SubjectOutbound
	}
	return &NATSTransport{config: config}
}

// Subscribe registers fn for inbound events.
func (t *NATSTransport) Subscribe(fn func(Event)) func() {
	return t.events.Subscribe(fn)
}

// Connect authenticates with the token and subscribes to the inbound subject.
func (t *NATSTransport) Connect(ctx context.Context, token string) (Conn, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	c := &natsConn{
		id:     uuid.New().String(),
		config: t.config,
	}

	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.Token(token),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.closing.Load() {
				return
			}
			if err == nil {
				err = fmt.Errorf("disconnected")
			}
			log.Printf("[nats] disconnected conn=%s: %v", c.id, err)
			t.events.Publish(Event{Type: EventConnectionLost, ConnID: c.id, Err: &Error{Op: "read", Err: err}})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected conn=%s to %s", c.id, nc.ConnectedUrl())
			t.events.Publish(Event{Type: EventConnectionRestored, ConnID: c.id})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if c.closing.Load() {
				log.Printf("[nats] connection closed conn=%s", c.id)
				return
			}
			log.Printf("[nats] connection closed after reconnects exhausted conn=%s", c.id)
			t.events.Publish(Event{
				Type:     EventConnectionLost,
				ConnID:   c.id,
				Err:      &Error{Op: "reconnect", Err: nats.ErrConnectionClosed},
				Terminal: true,
			})
		}),
	}
	if d, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(d)))
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	sub, err := nc.Subscribe(t.config.InboundSubject, func(msg *nats.Msg) {
		dispatchFrame(&t.events, c.id, msg.Data)
	})
	if err != nil {
		c.closing.Store(true)
		nc.Close()
		return nil, &Error{Op: "subscribe " + t.config.InboundSubject, Err: err}
	}

	c.nc = nc
	c.sub = sub
	log.Printf("[nats] connected conn=%s to %s", c.id, nc.ConnectedUrl())
	return c, nil
}

type natsConn struct {
	id      string
	config  NATSConfig
	nc      *nats.Conn
	sub     *nats.Subscription
	closing atomic.Bool
}

func (c *natsConn) ID() string { return c.id }

// Resumes reports that NATS restores the link on its own.
func (c *natsConn) Resumes() bool { return true }

// Send publishes a typed envelope on the outbound subject.
func (c *natsConn) Send(ctx context.Context, event string, payload interface{}) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.NewClientMessage(event, payload)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(c.config.OutboundSubject, data); err != nil {
		return &Error{Op: "send " + event, Err: err}
	}
	return nil
}

// Close drains the subscription and the connection. Safe to call twice.
func (c *natsConn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	if err := c.sub.Unsubscribe(); err != nil {
		log.Printf("[nats] unsubscribe %s: %v", c.config.InboundSubject, err)
	}
	if err := c.nc.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
		c.nc.Close()
	}
	return nil
}
