package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Channel is one live push connection.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for the next inbound frame. Any error ends the channel.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// WebSocketDialer opens push channels over gorilla websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           *zap.SugaredLogger
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Channel, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = writeWait
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	log := d.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return newWSChannel(conn, log), nil
}

type wsChannel struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	sendMu sync.Mutex

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newWSChannel(conn *websocket.Conn, log *zap.SugaredLogger) *wsChannel {
	ch := &wsChannel{
		conn:    conn,
		log:     log,
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}

	conn.SetReadLimit(MaxPushMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ch.readLoop()
	go ch.keepAliveLoop()
	return ch
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	if err := c.terminalError(); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write push frame: %w", err))
		return err
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		return nil, c.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsChannel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *wsChannel) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debugw("network: push read failed", "error", err)
			}
			c.closeWithError(fmt.Errorf("read push frame: %w", err))
			return
		}
		if len(payload) == 0 {
			continue
		}
		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *wsChannel) keepAliveLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// terminalError is nil while open. A channel closed locally reports
// ErrChannelClosed.
func (c *wsChannel) terminalError() error {
	select {
	case <-c.closed:
	default:
		return nil
	}
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrChannelClosed
}

func (c *wsChannel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		close(c.closed)
	})
}
