// Package hub is the orchestrator end of the device transport: websocket
// handshake, heartbeat, registry of connected devices and request/response
// correlation.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
)

var (
	ErrNotConnected   = errors.New("device not connected")
	ErrTimeout        = errors.New("device request timed out")
	ErrDisconnected   = errors.New("device disconnected")
	ErrSendBufferFull = errors.New("device send buffer full")
)

// Identity is what a valid credential resolves to.
type Identity struct {
	UserID   string
	DeviceID string
}

type Authenticator interface {
	Validate(credential string) (Identity, error)
}

// Handler receives unsolicited device messages of one kind.
type Handler func(c *Conn, env messages.Envelope)

type Config struct {
	AuthTimeout    time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	RequestTimeout time.Duration
	SendBuffer     int
	ReadLimit      int64
}

func DefaultConfig() Config {
	return Config{
		AuthTimeout:    10 * time.Second,
		PingPeriod:     25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		RequestTimeout: 15 * time.Second,
		SendBuffer:     64,
		ReadLimit:      16 << 20,
	}
}

type Hub struct {
	cfg      Config
	auth     Authenticator
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	byConn   map[string]*Conn
	byDevice map[string]*Conn

	hooksMu      sync.RWMutex
	onConnect    []func(*Conn)
	onDisconnect []func(*Conn)
	handlers     map[messages.Kind]Handler

	wg sync.WaitGroup
}

func New(cfg Config, auth Authenticator, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:  cfg,
		auth: auth,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// devices are native clients, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		byConn:   map[string]*Conn{},
		byDevice: map[string]*Conn{},
		handlers: map[messages.Kind]Handler{},
	}
}

func (h *Hub) OnConnect(fn func(*Conn)) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// OnDisconnect runs when a device's current connection goes away. It does not
// run for a connection replaced by a newer one from the same device.
func (h *Hub) OnDisconnect(fn func(*Conn)) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

func (h *Hub) Handle(kind messages.Kind, fn Handler) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.handlers[kind] = fn
}

// ServeHTTP upgrades the request and serves the device until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	c := newConn(ws, h.cfg.SendBuffer)
	c.ID = uuid.NewString()
	log := h.log.With().Str(logger.ConnField, c.ID).Logger()

	if err := h.handshake(c); err != nil {
		log.Info().Err(err).Msg("device authentication failed")
		c.close()
		return
	}
	log = log.With().Str(logger.DeviceField, c.DeviceID).Logger()
	log.Info().Str("model", c.Info.Model).Msg("device connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	h.readPump(c, log)

	c.close()
	h.unregister(c)
	log.Info().Msg("device disconnected")
}

func (h *Hub) handshake(c *Conn) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	var env messages.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	if env.Type != messages.Auth {
		h.reject(c, "expected auth")
		return fmt.Errorf("unexpected %s before auth", env.Type)
	}
	var auth messages.AuthPayload
	if err := env.Decode(&auth); err != nil {
		h.reject(c, "malformed auth")
		return err
	}
	id, err := h.auth.Validate(auth.Credential)
	if err != nil {
		h.reject(c, "invalid credential")
		return err
	}
	if id.DeviceID == "" {
		id.DeviceID = uuid.NewString()
	}
	c.DeviceID, c.UserID, c.Info = id.DeviceID, id.UserID, auth.DeviceInfo
	c.ConnectedAt = time.Now()

	h.register(c)
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	if err := c.ws.WriteJSON(messages.MustNew(messages.AuthOK, "", messages.AuthOKPayload{DeviceID: c.DeviceID})); err != nil {
		h.unregister(c)
		return fmt.Errorf("write auth_ok: %w", err)
	}
	return nil
}

func (h *Hub) reject(c *Conn, msg string) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	_ = c.ws.WriteJSON(messages.MustNew(messages.AuthError, "", messages.AuthErrorPayload{Message: msg}))
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(time.Second))
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	old := h.byDevice[c.DeviceID]
	h.byConn[c.ID] = c
	h.byDevice[c.DeviceID] = c
	h.mu.Unlock()

	if old != nil {
		h.log.Info().Str(logger.DeviceField, c.DeviceID).Str(logger.ConnField, old.ID).Msg("replacing existing connection")
		old.close()
	}
	h.hooksMu.RLock()
	hooks := h.onConnect
	h.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.byConn, c.ID)
	current := h.byDevice[c.DeviceID] == c
	if current {
		delete(h.byDevice, c.DeviceID)
	}
	h.mu.Unlock()

	if !current {
		return
	}
	h.hooksMu.RLock()
	hooks := h.onDisconnect
	h.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}

func (h *Hub) readPump(c *Conn, log zerolog.Logger) {
	c.ws.SetReadLimit(h.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("unexpected close")
			}
			return
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var env messages.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Int("len", len(data)).Msg("malformed message")
			continue
		}
		h.dispatch(c, env, log)
	}
}

func (h *Hub) dispatch(c *Conn, env messages.Envelope, log zerolog.Logger) {
	switch {
	case env.Type == messages.Ping:
		if err := c.Send(messages.MustNew(messages.Pong, env.RequestID, nil)); err != nil {
			log.Debug().Err(err).Msg("pong not sent")
		}
		return
	case env.Correlated():
		if !c.resolve(env) {
			log.Debug().Str(logger.RequestField, env.RequestID).Str("type", string(env.Type)).Msg("dropping unmatched or late result")
		}
		return
	}
	h.hooksMu.RLock()
	fn, ok := h.handlers[env.Type]
	h.hooksMu.RUnlock()
	if !ok {
		log.Debug().Str("type", string(env.Type)).Msg("no handler for message")
		return
	}
	fn(c, env)
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// Request sends env to the device with a fresh request id and waits for the
// tagged answer. Only this waiter fails on timeout or disconnect.
func (h *Hub) Request(ctx context.Context, deviceID string, env messages.Envelope) (messages.Envelope, error) {
	c, ok := h.Lookup(deviceID)
	if !ok {
		return messages.Envelope{}, ErrNotConnected
	}
	env.RequestID = uuid.NewString()
	ch := c.await(env.RequestID)
	defer c.forget(env.RequestID)

	if err := c.Send(env); err != nil {
		return messages.Envelope{}, err
	}
	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-c.closed:
		return messages.Envelope{}, ErrDisconnected
	case <-timer.C:
		return messages.Envelope{}, ErrTimeout
	case <-ctx.Done():
		return messages.Envelope{}, ctx.Err()
	}
}

// Send pushes an unsolicited message to a device.
func (h *Hub) Send(deviceID string, env messages.Envelope) error {
	c, ok := h.Lookup(deviceID)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(env)
}

func (h *Hub) Lookup(deviceID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byDevice[deviceID]
	return c, ok
}

// Owner returns the user a connected device belongs to.
func (h *Hub) Owner(deviceID string) (string, bool) {
	c, ok := h.Lookup(deviceID)
	if !ok {
		return "", false
	}
	return c.UserID, true
}

func (h *Hub) LookupConn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byConn[connID]
	return c, ok
}

// Devices lists current connections ordered by device id.
func (h *Hub) Devices() []*Conn {
	h.mu.RLock()
	out := make([]*Conn, 0, len(h.byDevice))
	for _, c := range h.byDevice {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close drops every connection and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byConn))
	for _, c := range h.byConn {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}
