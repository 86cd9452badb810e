package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	sendBuffer  = 256
	readLimit   = 16 * 1024 * 1024
	dialTimeout = 10 * time.Second
)

// Dialer opens gateway sockets with gorilla/websocket.
type Dialer struct {
	// Version and Encoding are appended to the gateway URL as query
	// parameters when they are not already present.
	Version  int
	Encoding string

	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a Dialer for gateway API version.
func NewDialer(version int, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		Version:  version,
		Encoding: "json",
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.Named("websocket"),
	}
}

// Dial connects to the gateway at rawURL.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (kephasgate.Conn, error) {
	target, err := d.gatewayURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s: %w", target, err)
	}
	conn.SetReadLimit(readLimit)

	d.logger.Debug("gateway socket opened", zap.String("url", target))
	return NewConn(conn), nil
}

func (d *Dialer) gatewayURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url %q: %w", rawURL, err)
	}
	q := u.Query()
	if d.Version > 0 && q.Get("v") == "" {
		q.Set("v", fmt.Sprint(d.Version))
	}
	if d.Encoding != "" && q.Get("encoding") == "" {
		q.Set("encoding", d.Encoding)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn implements kephasgate.Conn over a gorilla websocket. Writes go
// through a buffered channel drained by a single write pump, so callers
// never write to the socket concurrently.
type Conn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte
	mu     sync.RWMutex
	closed bool
}

// NewConn wraps an established websocket and starts its write pump.
func NewConn(conn *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan []byte, sendBuffer),
	}

	go c.writePump()

	return c
}

// ReadMessage returns the next payload, inflating binary frames.
func (c *Conn) ReadMessage() ([]byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &kephasgate.CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		if c.isClosed() {
			return nil, &kephasgate.CloseError{Code: kephasgate.CloseNormal, Reason: "closed locally"}
		}
		return nil, fmt.Errorf("reading gateway frame: %w", err)
	}

	if messageType == websocket.BinaryMessage {
		return protocol.Inflate(data)
	}
	return data, nil
}

// WriteMessage queues data for the write pump.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return kephasgate.ErrNotConnected
	}

	// Keep the lock while sending to prevent race with CloseWithCode()
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return kephasgate.ErrNotConnected
	}
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return c.conn.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	for {
		select {
		case message := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// The read side observes the broken socket and reports it.
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
