// Package bridge is the device end of the orchestrator transport. It keeps a
// websocket session alive across network loss, answers orchestrator commands
// through an Actuator and buffers unsolicited events while offline.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go-droidagent/internal/poll"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

var (
	ErrQueueFull   = errors.New("outbound queue full")
	errPongTimeout = errors.New("no pong within heartbeat window")
)

// AuthError means the orchestrator refused the credential. Retrying cannot help.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "authentication rejected: " + e.Message }

// Actuator performs orchestrator commands on the physical device.
type Actuator interface {
	Screen(ctx context.Context) (messages.ScreenPayload, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Execute(ctx context.Context, a models.Action) (models.ActionResult, error)
}

type Config struct {
	URL            string
	Credential     string
	Device         models.DeviceInfo
	Heartbeat      time.Duration
	PongTimeout    time.Duration
	AuthTimeout    time.Duration
	WriteWait      time.Duration
	CommandTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	QueueLimit     int
}

func DefaultConfig() Config {
	return Config{
		Heartbeat:      20 * time.Second,
		PongTimeout:    45 * time.Second,
		AuthTimeout:    10 * time.Second,
		WriteWait:      10 * time.Second,
		CommandTimeout: 30 * time.Second,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		QueueLimit:     256,
	}
}

type Client struct {
	cfg    Config
	act    Actuator
	clock  poll.Clock
	log    zerolog.Logger
	dialer *websocket.Dialer

	// Notify, when set, receives orchestrator messages that are not commands
	// (step updates, goal outcomes, transcripts). It runs on the read loop.
	Notify func(messages.Envelope)

	state    watchers
	deviceID atomic.Value

	mu     sync.Mutex
	outbox []messages.Envelope
	wake   chan struct{}
}

func New(cfg Config, act Actuator, clock poll.Clock, log zerolog.Logger) *Client {
	if clock == nil {
		clock = poll.RealClock{}
	}
	c := &Client{
		cfg:    cfg,
		act:    act,
		clock:  clock,
		log:    log.With().Str(logger.AgentNameField, "bridge").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.AuthTimeout},
		wake:   make(chan struct{}, 1),
	}
	c.state.state = Disconnected
	return c
}

func (c *Client) State() State { return c.state.get() }

// Subscribe delivers the current state immediately and every change after.
func (c *Client) Subscribe() (<-chan State, func()) { return c.state.subscribe() }

// DeviceID is the identity assigned at the last successful handshake.
func (c *Client) DeviceID() string {
	id, _ := c.deviceID.Load().(string)
	return id
}

// Emit queues an unsolicited message. Queued messages go out in order as soon
// as a session is authenticated.
func (c *Client) Emit(env messages.Envelope) error {
	c.mu.Lock()
	if c.cfg.QueueLimit > 0 && len(c.outbox) >= c.cfg.QueueLimit {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.outbox = append(c.outbox, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of queued messages not yet written.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffInitial
	b.MaxInterval = c.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run keeps the session up until ctx ends or the credential is rejected.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()
	defer c.state.set(Closed)

	for {
		c.state.set(Connecting)
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.log.Error().Err(err).Msg("credential rejected, giving up")
			return err
		}
		c.state.set(Disconnected)

		wait := b.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("connection lost")
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context, b backoff.BackOff) error {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	l := &link{ws: ws, writeWait: c.cfg.WriteWait}
	if err := c.authenticate(l); err != nil {
		return err
	}
	b.Reset()
	l.touch()
	ws.SetPingHandler(func(data string) error {
		l.touch()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteWait))
	})

	if err := c.flush(l); err != nil {
		return err
	}
	c.state.set(Connected)
	c.log.Info().Str(logger.DeviceField, c.DeviceID()).Msg("connected")

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan messages.Envelope, 16)
	g.Go(func() error {
		<-gctx.Done()
		return ws.Close()
	})
	g.Go(func() error { return c.readLoop(gctx, l, work) })
	g.Go(func() error { return c.writeLoop(gctx, l) })
	g.Go(func() error { return c.serve(gctx, l, work) })
	return g.Wait()
}

func (c *Client) authenticate(l *link) error {
	hello := messages.MustNew(messages.Auth, "", messages.AuthPayload{
		Credential: c.cfg.Credential,
		DeviceInfo: c.cfg.Device,
	})
	if err := l.write(hello); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	_ = l.ws.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	var reply messages.Envelope
	if err := l.ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	_ = l.ws.SetReadDeadline(time.Time{})

	switch reply.Type {
	case messages.AuthOK:
		var ok messages.AuthOKPayload
		if err := reply.Decode(&ok); err != nil {
			return err
		}
		c.deviceID.Store(ok.DeviceID)
		return nil
	case messages.AuthError:
		var p messages.AuthErrorPayload
		_ = reply.Decode(&p)
		return &AuthError{Message: p.Message}
	}
	return fmt.Errorf("unexpected handshake reply %q", reply.Type)
}

// flush writes queued messages front first. A message leaves the queue only
// once written, so a failed write keeps it for the next session.
func (c *Client) flush(l *link) error {
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.mu.Unlock()
			return nil
		}
		env := c.outbox[0]
		c.mu.Unlock()

		if err := l.write(env); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		c.mu.Lock()
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(ctx context.Context, l *link, work chan<- messages.Envelope) error {
	for {
		var env messages.Envelope
		if err := l.ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.touch()

		switch env.Type {
		case messages.Pong:
		case messages.Ping:
			if err := l.write(messages.MustNew(messages.Pong, "", nil)); err != nil {
				return err
			}
		case messages.GetScreen, messages.GetShot, messages.Execute:
			select {
			case work <- env:
			case <-ctx.Done():
				return nil
			}
		default:
			if c.Notify != nil {
				c.Notify(env)
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, l *link) error {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			if err := c.flush(l); err != nil {
				return err
			}
		case <-ticker.C:
			if time.Since(l.seen()) > c.cfg.PongTimeout {
				return errPongTimeout
			}
			if err := l.write(messages.MustNew(messages.Ping, "", nil)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// serve answers commands one at a time, in arrival order.
func (c *Client) serve(ctx context.Context, l *link, work <-chan messages.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-work:
			reply := c.handle(ctx, env)
			reply.RequestID = env.RequestID
			if err := l.write(reply); err != nil {
				return fmt.Errorf("reply %s: %w", env.Type, err)
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, env messages.Envelope) messages.Envelope {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	log := c.log.With().Str(logger.RequestField, env.RequestID).Logger()

	switch env.Type {
	case messages.GetScreen:
		p, err := c.act.Screen(ctx)
		if err != nil {
			return failed(log, env, err)
		}
		return messages.MustNew(messages.Screen, "", p)

	case messages.GetShot:
		img, err := c.act.Screenshot(ctx)
		if err != nil {
			return failed(log, env, err)
		}
		return messages.MustNew(messages.Screenshot, "", messages.ScreenshotPayload{Image: img, Format: "png"})

	default:
		var p messages.ExecutePayload
		if err := env.Decode(&p); err != nil {
			return failed(log, env, err)
		}
		res, err := c.act.Execute(ctx, p.Action)
		if err != nil {
			return failed(log, env, err)
		}
		log.Debug().Str(logger.ActionField, string(p.Action.Kind)).Bool("success", res.Success).Msg("executed")
		return messages.MustNew(messages.Result, "", messages.ResultPayload{
			Success: res.Success,
			Message: res.Message,
			Data:    res.Data,
		})
	}
}

func failed(log zerolog.Logger, env messages.Envelope, err error) messages.Envelope {
	log.Warn().Err(err).Str("command", string(env.Type)).Msg("command failed")
	return messages.MustNew(messages.Error, "", messages.ErrorPayload{Reason: err.Error()})
}

// link serialises writes on one websocket.
type link struct {
	ws        *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
	lastSeen  atomic.Int64
}

func (l *link) write(env messages.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(l.writeWait))
	return l.ws.WriteJSON(env)
}

func (l *link) touch() { l.lastSeen.Store(time.Now().UnixNano()) }

func (l *link) seen() time.Time { return time.Unix(0, l.lastSeen.Load()) }
