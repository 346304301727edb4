package converse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes passed to TransportConn.Close, mirroring RFC 6455.
const (
	CloseCodeNormal    = 1000
	CloseCodeGoingAway = 1001
)

// TransportHandler carries the callbacks a Transport invokes for one
// connection. OnClosing fires when the peer announces a close; exactly one
// of OnClosed or OnFailure fires when the connection ends, never both.
type TransportHandler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClosing func(code int, reason string)
	OnClosed  func(code int, reason string)
	OnFailure func(err error)
}

// Transport opens bidirectional message connections. Implementations own
// their read loop and deliver inbound frames through the handler.
type Transport interface {
	Open(ctx context.Context, endpoint string, header http.Header, handler TransportHandler) (TransportConn, error)
}

// TransportConn is one live connection.
type TransportConn interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// WebSocketTransport dials with gorilla/websocket.
type WebSocketTransport struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64

	log *Logger
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   16 << 20,
		log:              GetGlobalLogger().WithComponent("transport"),
	}
}

func (t *WebSocketTransport) Open(ctx context.Context, endpoint string, header http.Header, handler TransportHandler) (TransportConn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, classifyDialError(err, resp)
	}

	if t.MaxMessageSize > 0 {
		conn.SetReadLimit(t.MaxMessageSize)
	}

	c := &wsConn{
		conn:         conn,
		handler:      handler,
		writeTimeout: t.WriteTimeout,
		log:          t.log,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		if handler.OnClosing != nil {
			handler.OnClosing(code, text)
		}
		message := websocket.FormatCloseMessage(code, "")
		return conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	})

	if handler.OnOpen != nil {
		handler.OnOpen()
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	handler      TransportHandler
	writeTimeout time.Duration

	writeMu    sync.Mutex
	localClose atomic.Bool
	doneOnce   sync.Once

	log *Logger
}

func (c *wsConn) Send(payload []byte) error {
	if c.localClose.Load() {
		return NewConnectionError("connection is closed", false)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return NewConnectionError(fmt.Sprintf("write failed: %v", err), true)
	}
	return nil
}

// Close sends a close frame and arranges for the read loop to wind down. The
// peer's ack (or the read deadline) ends the loop, which fires OnClosed.
// Calling Close again is a no-op.
func (c *wsConn) Close(code int, reason string) error {
	if c.localClose.Swap(true) {
		return nil
	}

	deadline := time.Now().Add(c.writeTimeout)
	message := websocket.FormatCloseMessage(code, reason)
	err := c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.conn.Close()
		return nil
	}
	c.conn.SetReadDeadline(time.Now().Add(c.writeTimeout))
	return nil
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.conn.Close()
			c.dispatchTerminal(err)
			return
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(data)
		}
	}
}

// dispatchTerminal fires the single end-of-connection callback: OnClosed for
// clean closes and locally initiated ones, OnFailure for everything else.
func (c *wsConn) dispatchTerminal(err error) {
	c.doneOnce.Do(func() {
		var closeErr *websocket.CloseError
		switch {
		case errors.As(err, &closeErr) && isExpectedClose(closeErr.Code):
			c.log.Debugf("connection closed by peer: %d %s", closeErr.Code, closeErr.Text)
			if c.handler.OnClosed != nil {
				c.handler.OnClosed(closeErr.Code, closeErr.Text)
			}
		case c.localClose.Load():
			if c.handler.OnClosed != nil {
				c.handler.OnClosed(websocket.CloseNormalClosure, "client closed")
			}
		default:
			c.log.WithError(err).Debug("connection failed")
			if c.handler.OnFailure != nil {
				c.handler.OnFailure(classifyReadError(err))
			}
		}
	})
}

func isExpectedClose(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}

func classifyDialError(err error, resp *http.Response) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			authErr := NewAuthError("handshake rejected")
			authErr.AddDetail("status", resp.StatusCode)
			return authErr
		case resp.StatusCode == http.StatusTooManyRequests:
			return NewRateLimitError("handshake rate limited", parseRetryAfter(resp.Header.Get("Retry-After")))
		case resp.StatusCode >= 500:
			return NewConnectionError(fmt.Sprintf("handshake failed with status %d", resp.StatusCode), true)
		case resp.StatusCode >= 400:
			return NewConnectionError(fmt.Sprintf("handshake failed with status %d", resp.StatusCode), false)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("handshake timed out", TimeoutConnection)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError("handshake timed out", TimeoutConnection)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(err, ErrCodeConnectionFailed)
	}
	return NewConnectionError(fmt.Sprintf("dial failed: %v", err), true)
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		connErr := NewConnectionError(fmt.Sprintf("connection closed unexpectedly: %s", closeErr.Text), true)
		connErr.AddDetail("close_code", closeErr.Code)
		return connErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError("read timed out", TimeoutResponse)
	}
	return NewConnectionError(fmt.Sprintf("connection lost: %v", err), true)
}

// parseRetryAfter reads a Retry-After header given in seconds; malformed or
// absent values yield zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
