package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single live transport.
type Conn interface {
	// Read blocks until the next frame arrives. It returns a *CloseError
	// once the transport has closed.
	Read() (data []byte, receivedAt time.Time, err error)

	// Write sends one text frame.
	Write(data []byte) error

	// Close closes the transport with the given close code. Safe to call
	// more than once.
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer opens gorilla/websocket connections.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration // HTTP upgrade timeout
	WriteTimeout     time.Duration // Write deadline for sends
	ReadLimit        int64         // Max inbound frame size in bytes (0 = unlimited)
	Header           http.Header   // Extra upgrade headers
	Logger           *slog.Logger
}

// NewWebSocketDialer returns a dialer with sensible defaults.
func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
		Logger:           logger,
	}
}

// Dial establishes the WebSocket connection. Failures are returned as
// *CloseError; HTTP 401/403 on upgrade is classified as an auth close.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		reason := CloseReason{Kind: CloseNetwork, Detail: err.Error()}
		if resp != nil {
			reason.Code = resp.StatusCode
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				reason.Kind = CloseAuth
				reason.Detail = fmt.Sprintf("upgrade rejected: %s", http.StatusText(resp.StatusCode))
			}
		}
		return nil, &CloseError{Reason: reason, Err: err}
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("websocket connected", "url", url)

	return &wsConn{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
	}, nil
}

// wsConn implements Conn over a gorilla/websocket connection.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Read returns the next data frame.
func (c *wsConn) Read() ([]byte, time.Time, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately
		if err != nil {
			return nil, receivedAt, classifyReadError(err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, receivedAt, nil
		}
	}
}

// Write writes one text frame.
func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		// Best effort; the peer may already be gone.
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// classifyReadError maps a read failure to a structured close reason.
func classifyReadError(err error) *CloseError {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return &CloseError{Reason: ClassifyCloseCode(wsErr.Code, wsErr.Text), Err: err}
	}
	return &CloseError{Reason: CloseReason{Kind: CloseNetwork, Detail: err.Error()}, Err: err}
}

// ClassifyCloseCode maps a WebSocket close code to a CloseReason.
func ClassifyCloseCode(code int, text string) CloseReason {
	reason := CloseReason{Kind: CloseNetwork, Code: code, Detail: text}
	switch code {
	case CloseCodeUnauthorized, CloseCodeForbidden, websocket.ClosePolicyViolation:
		reason.Kind = CloseAuth
	case websocket.CloseNormalClosure:
		reason.Kind = CloseNormal
	}
	return reason
}
