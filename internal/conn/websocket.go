package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agent-sync/internal/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var (
	// ErrClosed is returned by Send after the connection went away.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the write pump is behind.
	ErrSendBufferFull = errors.New("send buffer full")
)

// WSConn is a client websocket to the daemon. Requests go out through
// Send; every server message comes in on Messages.
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	send     chan []byte
	messages chan *protocol.Message

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects to a daemon websocket endpoint such as
// ws://localhost:8420/ws.
func Dial(ctx context.Context, url string, header http.Header, logger *zap.Logger) (*WSConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSConn{
		conn:     ws,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
		messages: make(chan *protocol.Message, sendBuffer),
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues a request without blocking.
func (c *WSConn) Send(req *protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Messages delivers decoded server messages. It is closed when the
// connection ends.
func (c *WSConn) Messages() <-chan *protocol.Message { return c.messages }

// Done is closed when the connection ends.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended; nil for a local Close.
func (c *WSConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down.
func (c *WSConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *WSConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		close(c.send)
		c.mu.Unlock()
		close(c.done)
	})
}

// readPump reads messages from the WebSocket connection.
func (c *WSConn) readPump() {
	defer func() {
		close(c.messages)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable server message", zap.Error(err))
			continue
		}
		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued requests and keepalive pings.
func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
