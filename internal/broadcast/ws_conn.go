package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxReadBytes = 512
)

// ErrConnClosed is returned by Send after the connection went away
var ErrConnClosed = errors.New("connection closed")

// WSConn adapts a gorilla websocket connection to Conn.
// Viewers never send anything meaningful; reads only detect close and keep pongs flowing.
type WSConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps conn and starts its read and ping loops
func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn: conn,
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

// Send writes one text frame
func (c *WSConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	return c.threadSafeWrite(websocket.TextMessage, msg)
}

// Done is closed when the connection is gone
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Safe to call repeatedly.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) threadSafeWrite(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}

func (c *WSConn) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
