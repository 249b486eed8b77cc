package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sleepRecorder never blocks and cancels after a fixed number of sleeps.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (s *sleepRecorder) Now() time.Time { return time.Now() }

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	done := s.limit > 0 && len(s.sleeps) >= s.limit
	s.mu.Unlock()
	if done {
		s.cancel()
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type fakeActuator struct {
	mu      sync.Mutex
	actions []models.Action
}

func (f *fakeActuator) Screen(context.Context) (messages.ScreenPayload, error) {
	return messages.ScreenPayload{Width: 1080, Height: 2400, Package: "com.example.chat"}, nil
}

func (f *fakeActuator) Screenshot(context.Context) ([]byte, error) {
	return nil, errors.New("screencap unavailable")
}

func (f *fakeActuator) Execute(_ context.Context, a models.Action) (models.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return models.Succeeded("did %s", a.Kind), nil
}

var upgrader = websocket.Upgrader{}

// server accepts every connection with fn. n is the 1-based connection number.
func server(t *testing.T, fn func(n int, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		mu.Lock()
		n++
		id := n
		mu.Unlock()
		fn(id, ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func accept(t *testing.T, ws *websocket.Conn, deviceID string) {
	var env messages.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	require.Equal(t, messages.Auth, env.Type)
	var p messages.AuthPayload
	require.NoError(t, env.Decode(&p))
	require.Equal(t, "cred", p.Credential)
	require.NoError(t, ws.WriteJSON(messages.MustNew(messages.AuthOK, "", messages.AuthOKPayload{DeviceID: deviceID})))
}

func readUntilClosed(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Credential = "cred"
	cfg.AuthTimeout = 2 * time.Second
	cfg.Heartbeat = time.Minute
	cfg.PongTimeout = 2 * time.Minute
	return cfg
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(ctx context.Context, cancel context.CancelFunc, c *Client) *running {
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- c.Run(ctx) }()
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
		return nil
	}
}

func waitFor(t *testing.T, states <-chan State, want State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("never reached %s", want)
		}
	}
}

func TestQueuedEventsFlushInOrderAfterReconnect(t *testing.T) {
	release := make(chan struct{})
	got := make(chan []string, 1)

	srv := server(t, func(n int, ws *websocket.Conn) {
		if n == 1 {
			accept(t, ws, "dev-1")
			return // drop the first session right away
		}
		<-release
		accept(t, ws, "dev-1")
		var names []string
		for len(names) < 3 {
			var env messages.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != messages.Event {
				continue
			}
			var p messages.EventPayload
			_ = env.Decode(&p)
			names = append(names, p.Name)
		}
		got <- names
		readUntilClosed(ws)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := New(testConfig(wsURL(srv)), &fakeActuator{}, &sleepRecorder{cancel: cancel}, zerolog.Nop())
	states, unsubscribe := c.Subscribe()
	defer unsubscribe()
	r := start(ctx, cancel, c)

	waitFor(t, states, Connected)
	waitFor(t, states, Disconnected)
	for _, name := range []string{"e1", "e2", "e3"} {
		require.NoError(t, c.Emit(messages.MustNew(messages.Event, "", messages.EventPayload{Name: name})))
	}
	assert.Equal(t, 3, c.Pending())
	close(release)

	select {
	case names := <-got:
		assert.Equal(t, []string{"e1", "e2", "e3"}, names)
	case <-time.After(5 * time.Second):
		t.Fatal("queued events never arrived")
	}
	waitFor(t, states, Connected)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, "dev-1", c.DeviceID())

	assert.NoError(t, r.stop(t))
	assert.Equal(t, Closed, c.State())
}

func TestBackoffDoublesToCap(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	clock := &sleepRecorder{limit: 7, cancel: cancel}
	c := New(testConfig(url), &fakeActuator{}, clock, zerolog.Nop())

	require.NoError(t, c.Run(ctx))
	s := time.Second
	assert.Equal(t, []time.Duration{s, 2 * s, 4 * s, 8 * s, 16 * s, 30 * s, 30 * s}, clock.recorded())
}

func TestBackoffResetsAfterAuthentication(t *testing.T) {
	srv := server(t, func(_ int, ws *websocket.Conn) {
		accept(t, ws, "dev-1")
	})

	ctx, cancel := context.WithCancel(context.Background())
	clock := &sleepRecorder{limit: 4, cancel: cancel}
	c := New(testConfig(wsURL(srv)), &fakeActuator{}, clock, zerolog.Nop())

	require.NoError(t, c.Run(ctx))
	for _, d := range clock.recorded() {
		assert.Equal(t, time.Second, d)
	}
}

func TestRejectedCredentialIsFatal(t *testing.T) {
	srv := server(t, func(_ int, ws *websocket.Conn) {
		var env messages.Envelope
		_ = ws.ReadJSON(&env)
		_ = ws.WriteJSON(messages.MustNew(messages.AuthError, "", messages.AuthErrorPayload{Message: "revoked"}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &sleepRecorder{cancel: cancel}
	c := New(testConfig(wsURL(srv)), &fakeActuator{}, clock, zerolog.Nop())

	err := c.Run(ctx)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "revoked", authErr.Message)
	assert.Empty(t, clock.recorded(), "no retry after rejection")
	assert.Equal(t, Closed, c.State())
}

func TestCommandsAreAnsweredWithTheirRequestID(t *testing.T) {
	replies := make(chan map[string]messages.Envelope, 1)
	srv := server(t, func(_ int, ws *websocket.Conn) {
		accept(t, ws, "dev-1")
		_ = ws.WriteJSON(messages.MustNew(messages.GetScreen, "r1", nil))
		_ = ws.WriteJSON(messages.MustNew(messages.Execute, "r2",
			messages.ExecutePayload{Action: models.Action{Kind: models.ActionTap, X: 10, Y: 20}}))
		_ = ws.WriteJSON(messages.MustNew(messages.GetShot, "r3", nil))

		out := map[string]messages.Envelope{}
		for len(out) < 3 {
			var env messages.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.RequestID != "" {
				out[env.RequestID] = env
			}
		}
		replies <- out
		readUntilClosed(ws)
	})

	act := &fakeActuator{}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(testConfig(wsURL(srv)), act, &sleepRecorder{cancel: cancel}, zerolog.Nop())
	r := start(ctx, cancel, c)

	var out map[string]messages.Envelope
	select {
	case out = <-replies:
	case <-time.After(5 * time.Second):
		t.Fatal("no replies")
	}
	require.NoError(t, r.stop(t))

	assert.Equal(t, messages.Screen, out["r1"].Type)
	var sp messages.ScreenPayload
	require.NoError(t, out["r1"].Decode(&sp))
	assert.Equal(t, "com.example.chat", sp.Package)

	assert.Equal(t, messages.Result, out["r2"].Type)
	var rp messages.ResultPayload
	require.NoError(t, out["r2"].Decode(&rp))
	assert.True(t, rp.Success)
	assert.Equal(t, []models.Action{{Kind: models.ActionTap, X: 10, Y: 20}}, act.actions)

	assert.Equal(t, messages.Error, out["r3"].Type)
	var ep messages.ErrorPayload
	require.NoError(t, out["r3"].Decode(&ep))
	assert.Contains(t, ep.Reason, "screencap")
}

func TestMissingPongDropsTheSession(t *testing.T) {
	srv := server(t, func(n int, ws *websocket.Conn) {
		accept(t, ws, "dev-1")
		readUntilClosed(ws) // swallow pings, never answer
	})

	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig(wsURL(srv))
	cfg.Heartbeat = 10 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	c := New(cfg, &fakeActuator{}, &sleepRecorder{limit: 1, cancel: cancel}, zerolog.Nop())
	states, unsubscribe := c.Subscribe()
	defer unsubscribe()
	r := start(ctx, cancel, c)

	waitFor(t, states, Connected)
	waitFor(t, states, Disconnected)
	assert.NoError(t, r.stop(t))
}

func TestNotificationsReachListener(t *testing.T) {
	srv := server(t, func(_ int, ws *websocket.Conn) {
		accept(t, ws, "dev-1")
		_ = ws.WriteJSON(messages.MustNew(messages.GoalCompleted, "", messages.GoalPayload{SessionID: "s1"}))
		readUntilClosed(ws)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := New(testConfig(wsURL(srv)), &fakeActuator{}, &sleepRecorder{cancel: cancel}, zerolog.Nop())
	got := make(chan messages.Kind, 1)
	c.Notify = func(env messages.Envelope) { got <- env.Type }
	r := start(ctx, cancel, c)

	select {
	case k := <-got:
		assert.Equal(t, messages.GoalCompleted, k)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
	assert.NoError(t, r.stop(t))
}

func TestEmitRespectsQueueLimit(t *testing.T) {
	cfg := testConfig("ws://unused")
	cfg.QueueLimit = 2
	c := New(cfg, &fakeActuator{}, nil, zerolog.Nop())
	ev := messages.MustNew(messages.Event, "", messages.EventPayload{Name: "x"})
	require.NoError(t, c.Emit(ev))
	require.NoError(t, c.Emit(ev))
	assert.ErrorIs(t, c.Emit(ev), ErrQueueFull)
}
