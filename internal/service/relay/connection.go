package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultSendBufferSize = 32
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultReadLimit      = 512
)

// Connection is one downstream client session bound to a single channel.
// The registry references it, the gateway handler owns its lifecycle.
type Connection struct {
	ID      string
	Channel string

	ws   *websocket.Conn
	send chan entity.Frame

	writeWait    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewConnection(ws *websocket.Conn, channel string, bufferSize int, writeWait, pongWait, pingInterval time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultSendBufferSize
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 2 / 3
	}

	return &Connection{
		ID:           uuid.NewString(),
		Channel:      channel,
		ws:           ws,
		send:         make(chan entity.Frame, bufferSize),
		writeWait:    writeWait,
		pongWait:     pongWait,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
}

// enqueue is non-blocking: a full buffer means the reader is too slow and the
// connection gets dropped instead of stalling delivery to its siblings.
func (c *Connection) enqueue(frame entity.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// WritePump drains the send buffer into the socket and keeps the client
// alive with pings. Returns when the connection is closed or a write fails.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				logrus.Debugf("downstream write failed for connection %s: %v", c.ID, err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ReadPump discards inbound frames, the downstream protocol has no
// client-to-server messages after connect. It exists to notice disconnects
// and answer pings.
func (c *Connection) ReadPump(readLimit int64) {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.Close()
			return
		}
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
