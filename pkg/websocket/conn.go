// Package websocket is the transport under every devlink channel: one
// gorilla/websocket connection with serialised writes and a receive loop that
// reports frames, closes and errors to an EventHandler.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaozhi/devlink/pkg/logger"
)

// ErrClosed is returned when writing to a transport closed by this side.
var ErrClosed = errors.New("transport closed")

// EventHandler receives events from a transport's receive loop.
type EventHandler interface {
	// OnFrame is called for every text or binary frame
	OnFrame(data []byte)
	// OnClose is called once when the peer closes or the connection drops
	OnClose(code int, reason string)
	// OnError is called when reading fails for a reason other than a close frame
	OnError(err error)
}

// Dialer opens transports.
type Dialer struct {
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write (0 = none)
	WriteTimeout time.Duration
}

// Conn is a single WebSocket transport.
type Conn struct {
	id      string
	url     string
	conn    *websocket.Conn
	writeMu sync.Mutex // Protects concurrent writes

	writeTimeout time.Duration

	closed   bool
	closedMu sync.RWMutex
}

// Dial performs the WebSocket handshake against url.
func (d Dialer) Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		//nolint:errcheck // Best-effort close of HTTP response body
		defer resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}

		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Conn{
		id:           uuid.NewString(),
		url:          url,
		conn:         conn,
		writeTimeout: d.WriteTimeout,
	}

	logger.Debug("WebSocket transport established", "transport_id", c.id, "url", url)

	return c, nil
}

// ID returns the transport's unique id, used to correlate log lines.
func (c *Conn) ID() string {
	return c.id
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()

	return c.closed
}

// WriteText sends data as a single text frame.
func (c *Conn) WriteText(data []byte) error {
	if c.Closed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		//nolint:errcheck,gosec // Deadline errors surface on the write itself
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// Close sends a close frame with code and reason and tears the connection
// down. The receive loop exits without reporting an event. Closing twice is a no-op.
func (c *Conn) Close(code int, reason string) error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}

	c.closed = true
	c.closedMu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	//nolint:errcheck,gosec // Close is best-effort; WriteControl error is returned
	c.conn.Close()

	logger.Debug("WebSocket transport closed",
		"transport_id", c.id,
		"code", code,
		"reason", reason,
	)

	return err
}

// Run reads frames until the connection ends, reporting to h. It blocks, so
// callers run it on its own goroutine. A read failure that is not a close
// frame is reported as OnError followed by OnClose with CloseAbnormalClosure.
func (c *Conn) Run(h EventHandler) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.Closed() {
				return
			}

			//nolint:errcheck,gosec // Connection is already finished
			c.conn.Close()

			// 1006 never travels in a close frame; gorilla synthesises it for
			// an unexpected EOF, which is a transport failure.
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != CloseAbnormalClosure {
				h.OnClose(closeErr.Code, closeErr.Text)
				return
			}

			h.OnError(err)
			h.OnClose(CloseAbnormalClosure, err.Error())

			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			h.OnFrame(data)
		default:
			logger.Warn("Unknown message type from device",
				"transport_id", c.id,
				"message_type", messageType,
			)
		}
	}
}
