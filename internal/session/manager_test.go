package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-droidagent/internal/agents/reasoner/handler"
	"go-droidagent/internal/agents/runner"
	"go-droidagent/internal/hub"
	"go-droidagent/internal/poll"
	"go-droidagent/internal/skills"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

// fakeTransport plays a device that always shows one button and accepts
// every action.
type fakeTransport struct {
	mu     sync.Mutex
	owners map[string]string
	sent   []messages.Envelope
}

func (f *fakeTransport) Owner(deviceID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.owners[deviceID]
	return u, ok
}

func (f *fakeTransport) Devices() []*hub.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*hub.Conn
	for d, u := range f.owners {
		out = append(out, &hub.Conn{DeviceID: d, UserID: u})
	}
	return out
}

func (f *fakeTransport) Request(_ context.Context, _ string, env messages.Envelope) (messages.Envelope, error) {
	switch env.Type {
	case messages.GetScreen:
		return messages.MustNew(messages.Screen, env.RequestID, messages.ScreenPayload{
			Width:  1080,
			Height: 2400,
			Elements: []models.UIElement{
				{Text: "OK", Clickable: true, Enabled: true, Bounds: models.Rect{Left: 100, Top: 100, Right: 300, Bottom: 200}},
			},
		}), nil
	case messages.Execute:
		return messages.MustNew(messages.Result, env.RequestID, messages.ResultPayload{Success: true, Message: "done"}), nil
	}
	return messages.MustNew(messages.Error, env.RequestID, messages.ErrorPayload{Reason: "unsupported"}), nil
}

func (f *fakeTransport) Send(_ string, env messages.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) kinds() []messages.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []messages.Kind
	for _, e := range f.sent {
		out = append(out, e.Type)
	}
	return out
}

// gatedReasoner taps until released, then reports done.
type gatedReasoner struct {
	release chan struct{}
}

func (g *gatedReasoner) Decide(ctx context.Context, _ handler.Input) (handler.Result, error) {
	select {
	case <-g.release:
		return handler.Result{Decision: models.Decision{Action: models.ActionDecision{Kind: models.ActionDone, Text: "finished"}}}, nil
	case <-ctx.Done():
		return handler.Result{}, ctx.Err()
	}
}

func newManager(t *testing.T, transport Transport, mind runner.Reasoner) *Manager {
	t.Helper()
	clock := poll.NewFakeClock()
	m := New(Config{Runner: runner.DefaultConfig(), ActorTimeout: time.Second},
		actor.NewActorSystem().Root,
		transport,
		func(*models.ReasonerConfig) (runner.Reasoner, error) { return mind, nil },
		skills.NewEngine(skills.DefaultConfig(), clock, zerolog.Nop()),
		clock,
		zerolog.Nop(),
	)
	t.Cleanup(m.Shutdown)
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want models.SessionStatus) *models.AgentSession {
	t.Helper()
	var got *models.AgentSession
	require.Eventually(t, func() bool {
		s, err := m.Session(context.Background(), id, "u1")
		if err != nil {
			return false
		}
		got = s
		return s.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestConcurrentSubmissionsConflict(t *testing.T) {
	tr := &fakeTransport{owners: map[string]string{"d1": "u1"}}
	mind := &gatedReasoner{release: make(chan struct{})}
	m := newManager(t, tr, mind)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*models.AgentSession
		errs     []error
	)
	for _, goal := range []string{"open mail", "open maps"} {
		wg.Add(1)
		go func(goal string) {
			defer wg.Done()
			s, err := m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1", Goal: goal})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			accepted = append(accepted, s)
		}(goal)
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	require.Len(t, errs, 1)
	var conflict *ConflictError
	require.ErrorAs(t, errs[0], &conflict)
	assert.Equal(t, accepted[0].ID, conflict.SessionID)
	assert.Equal(t, accepted[0].Goal, conflict.Goal)

	close(mind.release)
	done := waitStatus(t, m, accepted[0].ID, models.Completed)
	assert.Equal(t, "finished", done.Reason)

	require.Eventually(t, func() bool {
		_, err := m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1", Goal: "again"})
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitRejections(t *testing.T) {
	tr := &fakeTransport{owners: map[string]string{"d1": "u1"}}
	m := newManager(t, tr, &gatedReasoner{release: make(chan struct{})})

	_, err := m.Submit(context.Background(), Goal{DeviceID: "nope", UserID: "u1", Goal: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u2", Goal: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrEmptyGoal)

	bad := New(Config{ActorTimeout: time.Second}, actor.NewActorSystem().Root, tr,
		func(*models.ReasonerConfig) (runner.Reasoner, error) { return nil, errors.New("no api key") },
		nil, nil, zerolog.Nop())
	defer bad.Shutdown()
	_, err = bad.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1", Goal: "x"})
	assert.ErrorIs(t, err, ErrReasoner)
	assert.ErrorContains(t, err, "no api key")
}

func TestStopCancelsAndReleases(t *testing.T) {
	tr := &fakeTransport{owners: map[string]string{"d1": "u1"}}
	m := newManager(t, tr, &gatedReasoner{release: make(chan struct{})})

	_, err := m.Stop(context.Background(), "d1", "u1")
	assert.ErrorIs(t, err, ErrNotRunning)

	s, err := m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1", Goal: "wait forever"})
	require.NoError(t, err)
	_, err = m.Stop(context.Background(), "d1", "u2")
	assert.ErrorIs(t, err, ErrForbidden)

	id, err := m.Stop(context.Background(), "d1", "u1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, id)

	got := waitStatus(t, m, s.ID, models.Cancelled)
	assert.NotEmpty(t, got.Reason)
	require.Eventually(t, func() bool {
		for _, k := range tr.kinds() {
			if k == messages.GoalFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, messages.GoalStarted, tr.kinds()[0])
}

func TestStepsAreRecordedAndNotified(t *testing.T) {
	tr := &fakeTransport{owners: map[string]string{"d1": "u1"}}
	mind := &scripted{decisions: []models.ActionDecision{
		{Kind: models.ActionTap, Element: new(int)},
		{Kind: models.ActionDone},
	}}
	m := newManager(t, tr, mind)

	s, err := m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1", Goal: "press ok"})
	require.NoError(t, err)
	got := waitStatus(t, m, s.ID, models.Completed)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 2, got.StepsUsed)
	assert.True(t, got.Steps[0].Result.Success)

	require.Eventually(t, func() bool { return len(tr.kinds()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []messages.Kind{messages.GoalStarted, messages.Step, messages.Step, messages.GoalCompleted}, tr.kinds())

	_, err = m.Session(context.Background(), s.ID, "u2")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.Session(context.Background(), "missing", "u1")
	assert.ErrorIs(t, err, ErrNoSession)

	devices := m.Devices(context.Background(), "u1")
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].DeviceID)
	assert.Empty(t, m.Devices(context.Background(), "u2"))
}

type scripted struct {
	mu        sync.Mutex
	decisions []models.ActionDecision
}

func (s *scripted) Decide(context.Context, handler.Input) (handler.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.decisions[0]
	if len(s.decisions) > 1 {
		s.decisions = s.decisions[1:]
	}
	return handler.Result{Decision: models.Decision{Action: d}}, nil
}

func TestSlotIsReleasedWhenFinishIsNotAcknowledged(t *testing.T) {
	tr := &fakeTransport{owners: map[string]string{"d1": "u1"}}
	m := newManager(t, tr, &gatedReasoner{release: make(chan struct{})})

	sess := &models.AgentSession{ID: "s1", DeviceID: "d1", UserID: "u1", Goal: "open mail", Status: models.Queued}
	_, err := m.ask(messages.Admit{Session: sess})
	require.NoError(t, err)

	m.cfg.ActorTimeout = time.Nanosecond
	m.finish("s1", runner.Outcome{Status: models.Failed, Reason: "gave up"}, zerolog.Nop())
	m.cfg.ActorTimeout = time.Second

	require.Eventually(t, func() bool {
		active, err := m.active("d1")
		return err == nil && active == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectForgetsLikeAttempts(t *testing.T) {
	m := newManager(t, &fakeTransport{owners: map[string]string{}}, &gatedReasoner{release: make(chan struct{})})
	c := &hub.Conn{DeviceID: "d1"}

	m.Connected(c)
	l := m.ledger("d1")
	l.Record(skills.LikeAttempt{Ordinal: 2, X: 10, Y: 20})
	m.Disconnected(c)

	assert.Same(t, l, m.ledger("d1"))
	_, ok := l.Get(2)
	assert.False(t, ok)
}

func TestDeviceEventsAreRecordedOnRunningSession(t *testing.T) {
	tr := &fakeTransport{owners: map[string]string{"d1": "u1"}}
	mind := &gatedReasoner{release: make(chan struct{})}
	m := newManager(t, tr, mind)

	sess, err := m.Submit(context.Background(), Goal{DeviceID: "d1", UserID: "u1", Goal: "open mail"})
	require.NoError(t, err)
	waitStatus(t, m, sess.ID, models.Running)

	c := &hub.Conn{DeviceID: "d1", UserID: "u1"}
	m.Event(c, messages.MustNew(messages.Event, "", messages.EventPayload{Name: "foreground_changed", Data: map[string]any{"package": "com.example.mail"}}))
	m.Event(c, messages.MustNew(messages.Event, "", messages.EventPayload{}))

	require.Eventually(t, func() bool {
		s, err := m.Session(context.Background(), sess.ID, "u1")
		return err == nil && len(s.Events) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s, _ := m.Session(context.Background(), sess.ID, "u1")
	assert.Equal(t, "com.example.mail", s.Events[0].Data["package"])

	close(mind.release)
	waitStatus(t, m, sess.ID, models.Completed)
}
