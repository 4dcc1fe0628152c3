package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection is the slice of *websocket.Conn the adapter needs.
// Narrowed for testability.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

var errConnClosed = errors.New("transport: connection closed")

// conn adapts a WebSocket connection to the room.Transport contract.
// Send never blocks: frames are queued on a buffered channel drained by
// the write pump, and dropped with a warning when the client cannot
// keep up. Close closes the queue; the pump drains what is buffered,
// sends the close frame and tears the socket down, so frames queued
// before Close still reach the client.
type conn struct {
	ws        wsConnection
	sessionID string

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string

	send      chan []byte
	closeOnce sync.Once
}

func newConn(ws wsConnection, sessionID string) *conn {
	return &conn{
		ws:        ws,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
	}
}

// Send queues a frame for delivery. Satisfies room.Transport.
func (c *conn) Send(data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return errConnClosed
	}
	c.mu.RUnlock()

	// The queue can be closed between the check above and the send.
	defer func() {
		if recover() != nil {
			logging.Warn(context.Background(), "Dropped frame for closing client",
				zap.String("session_id", c.sessionID))
		}
	}()

	select {
	case c.send <- data:
		return nil
	default:
		logging.Warn(context.Background(), "Client send buffer full, dropping frame",
			zap.String("session_id", c.sessionID))
		return errors.New("transport: send buffer full")
	}
}

// Close records the close code and closes the send queue, which makes
// the write pump finish the connection. Satisfies room.Transport. Safe
// to call twice.
func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
	})
	return nil
}

// writePump drains the send queue onto the socket. Runs on its own
// goroutine per connection; after Close it flushes the remaining
// buffered frames, writes the close frame and closes the socket.
func (c *conn) writePump() {
	defer func() { _ = c.ws.Close() }()

	for message := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
			logging.Warn(context.Background(), "Error writing frame",
				zap.String("session_id", c.sessionID), zap.Error(err))
			c.Close(websocket.CloseAbnormalClosure, "write failed")
			// Keep draining so senders are not stuck on a closed peer.
			for range c.send {
			}
			return
		}
	}

	c.mu.RLock()
	code, reason := c.closeCode, c.closeReason
	c.mu.RUnlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
}
