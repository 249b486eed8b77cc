package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

// Conn is one authenticated device connection. ID changes on every reconnect,
// DeviceID does not.
type Conn struct {
	ID          string
	DeviceID    string
	UserID      string
	Info        models.DeviceInfo
	ConnectedAt time.Time

	ws       *websocket.Conn
	send     chan []byte
	lastSeen atomic.Int64

	mu      sync.Mutex
	pending map[string]chan messages.Envelope

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	c := &Conn{
		ws:      ws,
		send:    make(chan []byte, buffer),
		pending: map[string]chan messages.Envelope{},
		closed:  make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send queues env for the write pump.
func (c *Conn) Send(env messages.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrDisconnected
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) await(id string) chan messages.Envelope {
	ch := make(chan messages.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands env to its waiter. It reports false for unknown or late ids.
func (c *Conn) resolve(env messages.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	delete(c.pending, env.RequestID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
