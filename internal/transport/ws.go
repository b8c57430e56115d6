package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/connectus/chat-session/internal/protocol"
	"github.com/connectus/chat-session/internal/pubsub"
)

// WSConfig holds WebSocket transport tuning parameters.
type WSConfig struct {
	URL          string        // ws://host:port/path
	DialTimeout  time.Duration // handshake timeout
	WriteTimeout time.Duration // per-frame write deadline
	PingInterval time.Duration // application ping period, 0 disables the heartbeat
	PongTimeout  time.Duration // extra silence tolerated after a ping
}

// DefaultWSConfig returns sensible defaults for the live channel.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:          "ws://127.0.0.1:8000/ws",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongTimeout:  10 * time.Second,
	}
}

// WSTransport dials the live channel over WebSocket using gobwas/ws. It never
// reconnects by itself; a dropped link is reported with EventConnectionLost.
type WSTransport struct {
	config WSConfig
	events pubsub.Bus[Event]
}

// NewWSTransport creates a WebSocket transport.
func NewWSTransport(config WSConfig) *WSTransport {
	return &WSTransport{config: config}
}

// Subscribe registers fn for inbound events.
func (t *WSTransport) Subscribe(fn func(Event)) func() {
	return t.events.Subscribe(fn)
}

// Connect performs the WebSocket handshake with the token in the
// Authorization header and starts the read and heartbeat loops.
func (t *WSTransport) Connect(ctx context.Context, token string) (Conn, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	dialer := ws.Dialer{
		Timeout: t.config.DialTimeout,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}

	start := time.Now()
	netConn, br, _, err := dialer.Dial(ctx, t.config.URL)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	c := &wsConn{
		id:     uuid.New().String(),
		conn:   netConn,
		config: t.config,
		events: &t.events,
		done:   make(chan struct{}),
	}

	// Frames the server sent right after the handshake may already sit in br.
	var src io.Reader = netConn
	if br != nil {
		src = br
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}

	log.Printf("[ws] connected conn=%s url=%s latency=%s", c.id, t.config.URL, time.Since(start).Round(time.Millisecond))

	go c.readLoop()
	if t.config.PingInterval > 0 {
		go c.heartbeat()
	}
	return c, nil
}

// wsConn is one WebSocket connection. Writes, including control frame
// replies from the read loop, are serialized by writeMu.
type wsConn struct {
	id     string
	conn   net.Conn
	reader *wsutil.Reader
	config WSConfig
	events *pubsub.Bus[Event]

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Send writes a typed JSON frame. It is goroutine-safe.
func (c *wsConn) Send(ctx context.Context, event string, payload interface{}) error {
	data, err := protocol.NewClientMessage(event, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if err := c.write(ctx, ws.OpText, data); err != nil {
		return &Error{Op: "send " + event, Err: err}
	}
	return nil
}

// Close sends a close frame and closes the socket. It is safe to call
// multiple times and never emits EventConnectionLost.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = c.write(context.Background(), ws.OpClose, body)
		err = c.conn.Close()
		log.Printf("[ws] closed conn=%s", c.id)
	})
	return err
}

func (c *wsConn) write(ctx context.Context, op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// handleControl answers pings and close frames under the write mutex so the
// replies never interleave with application frames.
func (c *wsConn) handleControl(hdr ws.Header, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
}

// readText returns the payload of the next text message, handling control
// frames and skipping binary ones.
func (c *wsConn) readText() ([]byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.reader)
	}
}

// readLoop reads frames until the connection fails or is closed and
// dispatches them as events. An unexpected failure is reported once with
// EventConnectionLost.
func (c *wsConn) readLoop() {
	idle := time.Duration(0)
	if c.config.PingInterval > 0 {
		idle = c.config.PingInterval + c.config.PongTimeout
	}

	for {
		if idle > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		}

		data, err := c.readText()
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; not a drop.
				return
			default:
			}
			c.lost(err)
			return
		}

		dispatchFrame(c.events, c.id, data)
	}
}

// heartbeat sends an application ping every PingInterval. Pongs only extend
// the read deadline by arriving.
func (c *wsConn) heartbeat() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	ping, _ := protocol.NewClientMessage(protocol.TypePing, nil)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(context.Background(), ws.OpText, ping); err != nil {
				log.Printf("[ws] heartbeat ping failed conn=%s: %v", c.id, err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) lost(err error) {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		log.Printf("[ws] server closed conn=%s code=%d reason=%q", c.id, closed.Code, closed.Reason)
	} else {
		log.Printf("[ws] connection lost conn=%s: %v", c.id, err)
	}

	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	c.events.Publish(Event{Type: EventConnectionLost, ConnID: c.id, Err: &Error{Op: "read", Err: err}})
}
