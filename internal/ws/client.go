package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/irc-web-terminal/backend/internal/model"
)

const sendQueueSize = 256

// ErrSendQueueFull is returned when a client cannot keep up with output. The
// client is closed so it can reconnect and resynchronize from history.
var ErrSendQueueFull = errors.New("send queue full")

// Client is one websocket viewer. It implements session.Channel.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		closeCode: websocket.CloseNormalClosure,
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a frame without blocking.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ErrChannelClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.closeLocked(websocket.CloseTryAgainLater, "output backlog")
		return ErrSendQueueFull
	}
}

// Close ends the connection with a normal close frame once queued frames are written.
func (c *Client) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "session ended")
}

// CloseWithCode ends the connection with the given close code and reason.
func (c *Client) CloseWithCode(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, text)
	return nil
}

func (c *Client) closeLocked(code int, text string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}
