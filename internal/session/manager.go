// Package session admits goals onto connected devices and runs one agent loop
// per admitted goal.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go-droidagent/internal/agents/runner"
	supervisor "go-droidagent/internal/agents/supervisor/actor"
	"go-droidagent/internal/hub"
	"go-droidagent/internal/poll"
	"go-droidagent/internal/skills"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

var (
	ErrNotFound   = errors.New("device not connected")
	ErrForbidden  = errors.New("device belongs to another user")
	ErrNotRunning = errors.New("no session running on device")
	ErrNoSession  = errors.New("session not found")
	ErrEmptyGoal  = errors.New("goal is empty")
	ErrReasoner   = errors.New("reasoning service unavailable")
)

// ConflictError names the session that already holds the device.
type ConflictError struct {
	SessionID string
	Goal      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device busy with session %s (%q)", e.SessionID, e.Goal)
}

// Transport is the part of the device hub the manager needs.
type Transport interface {
	Owner(deviceID string) (string, bool)
	Devices() []*hub.Conn
	Request(ctx context.Context, deviceID string, env messages.Envelope) (messages.Envelope, error)
	Send(deviceID string, env messages.Envelope) error
}

// ReasonerFunc returns the reasoning client for a goal, honouring an override.
type ReasonerFunc func(override *models.ReasonerConfig) (runner.Reasoner, error)

type Config struct {
	Runner       runner.Config
	MaxElements  int
	ActorTimeout time.Duration
}

// Goal is one submission.
type Goal struct {
	DeviceID string
	UserID   string
	Goal     string
	MaxSteps int
	Reasoner *models.ReasonerConfig
}

// Device is the public view of a connected device.
type Device struct {
	DeviceID      string            `json:"deviceId"`
	Info          models.DeviceInfo `json:"deviceInfo"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	LastSeen      time.Time         `json:"lastSeen"`
	ActiveSession string            `json:"activeSession,omitempty"`
}

type Manager struct {
	cfg       Config
	root      *actor.RootContext
	pid       *actor.PID
	transport Transport
	reasoners ReasonerFunc
	skills    *skills.Engine
	clock     poll.Clock
	log       zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu      sync.Mutex
	ledgers map[string]*skills.LikeLedger
}

func New(cfg Config, root *actor.RootContext, transport Transport, reasoners ReasonerFunc, engine *skills.Engine, clock poll.Clock, log zerolog.Logger) *Manager {
	if cfg.ActorTimeout <= 0 {
		cfg.ActorTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = poll.RealClock{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		root:      root,
		pid:       root.Spawn(actor.PropsFromProducer(supervisor.New)),
		transport: transport,
		reasoners: reasoners,
		skills:    engine,
		clock:     clock,
		log:       log,
		base:      base,
		cancel:    cancel,
		ledgers:   map[string]*skills.LikeLedger{},
	}
}

// Connected and Disconnected bind per-device skill state to the connection.
func (m *Manager) Connected(c *hub.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledgers[c.DeviceID]; !ok {
		m.ledgers[c.DeviceID] = skills.NewLikeLedger()
	}
}

// Disconnected forgets the device's like attempts. The ledger itself stays so
// a loop still running against the device keeps a live reference.
func (m *Manager) Disconnected(c *hub.Conn) {
	m.ledger(c.DeviceID).Reset()
}

// Event records an unsolicited device event against the device's running
// session. Events with no running session are only logged.
func (m *Manager) Event(c *hub.Conn, env messages.Envelope) {
	var p messages.EventPayload
	if err := env.Decode(&p); err != nil || p.Name == "" {
		m.log.Debug().Err(err).Str(logger.DeviceField, c.DeviceID).Msg("dropping malformed device event")
		return
	}
	m.log.Info().Str(logger.DeviceField, c.DeviceID).Str("event", p.Name).Interface("data", p.Data).Msg("device event")
	m.root.Send(m.pid, messages.EventRecorded{
		DeviceID: c.DeviceID,
		Event:    models.DeviceEvent{Name: p.Name, Data: p.Data, Time: m.clock.Now()},
	})
}

func (m *Manager) ledger(deviceID string) *skills.LikeLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[deviceID]
	if !ok {
		l = skills.NewLikeLedger()
		m.ledgers[deviceID] = l
	}
	return l
}

// Submit admits a goal and starts its loop. The returned session is queued.
func (m *Manager) Submit(ctx context.Context, g Goal) (*models.AgentSession, error) {
	if g.Goal == "" {
		return nil, ErrEmptyGoal
	}
	owner, ok := m.transport.Owner(g.DeviceID)
	if !ok {
		return nil, ErrNotFound
	}
	if owner != g.UserID {
		return nil, ErrForbidden
	}
	mind, err := m.reasoners(g.Reasoner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReasoner, err)
	}
	maxSteps := g.MaxSteps
	if maxSteps <= 0 {
		maxSteps = m.cfg.Runner.MaxSteps
	}
	sess := &models.AgentSession{
		ID:        uuid.NewString(),
		DeviceID:  g.DeviceID,
		UserID:    g.UserID,
		Goal:      g.Goal,
		Status:    models.Queued,
		MaxSteps:  maxSteps,
		CreatedAt: m.clock.Now(),
	}

	loopCtx, cancel := context.WithCancel(m.base)
	res, err := m.ask(messages.Admit{Session: sess, Cancel: cancel})
	if err != nil {
		cancel()
		return nil, err
	}
	switch r := res.(type) {
	case messages.Rejected:
		cancel()
		return nil, &ConflictError{SessionID: r.SessionID, Goal: r.Goal}
	case messages.Admitted:
	default:
		cancel()
		return nil, fmt.Errorf("supervisor: unexpected reply %T", res)
	}

	m.loops.Add(1)
	go m.run(loopCtx, cancel, sess.Clone(), mind)
	return sess, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, sess *models.AgentSession, mind runner.Reasoner) {
	defer m.loops.Done()
	defer cancel()
	log := m.log.With().Str(logger.SessionField, sess.ID).Str(logger.DeviceField, sess.DeviceID).Logger()

	m.root.Send(m.pid, messages.Started{SessionID: sess.ID})
	m.notify(sess.DeviceID, messages.GoalStarted, messages.GoalPayload{SessionID: sess.ID, Goal: sess.Goal, Status: models.Running})
	log.Info().Str("goal", sess.Goal).Msg("goal started")

	cfg := m.cfg.Runner
	cfg.MaxSteps = sess.MaxSteps
	r := runner.New(cfg, runner.Deps{
		Device:   &remoteDevice{transport: m.transport, deviceID: sess.DeviceID, maxElements: m.cfg.MaxElements},
		Reasoner: mind,
		Skills:   m.skills,
		Ledger:   m.ledger(sess.DeviceID),
		Clock:    m.clock,
		Progress: &progress{m: m, sessionID: sess.ID, deviceID: sess.DeviceID},
		Log:      log,
	})
	out := r.Run(ctx, sess.Goal)

	m.finish(sess.ID, out, log)
	kind := messages.GoalFailed
	if out.Status == models.Completed {
		kind = messages.GoalCompleted
	}
	m.notify(sess.DeviceID, kind, messages.GoalPayload{
		SessionID: sess.ID,
		Goal:      sess.Goal,
		Status:    out.Status,
		Reason:    out.Reason,
		Steps:     out.StepsUsed,
	})
}

// finish records the outcome and frees the device slot. When the supervisor
// does not answer in time the message is still delivered without a reply.
func (m *Manager) finish(sessionID string, out runner.Outcome, log zerolog.Logger) {
	msg := messages.Finished{SessionID: sessionID, Status: out.Status, Reason: out.Reason, StepsUsed: out.StepsUsed}
	if _, err := m.ask(msg); err != nil {
		log.Warn().Err(err).Msg("session end not acknowledged, resending")
		m.root.Send(m.pid, msg)
	}
}

// Stop cancels the device's running session and returns its id.
func (m *Manager) Stop(_ context.Context, deviceID, userID string) (string, error) {
	active, err := m.active(deviceID)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", ErrNotRunning
	}
	if active.UserID != userID {
		return "", ErrForbidden
	}
	res, err := m.ask(messages.Stop{DeviceID: deviceID})
	if err != nil {
		return "", err
	}
	stopped, ok := res.(messages.Stopped)
	if !ok {
		return "", ErrNotRunning
	}
	m.log.Info().Str(logger.DeviceField, deviceID).Str(logger.SessionField, stopped.SessionID).Msg("stop requested")
	return stopped.SessionID, nil
}

func (m *Manager) Session(_ context.Context, id, userID string) (*models.AgentSession, error) {
	res, err := m.ask(messages.GetSession{SessionID: id})
	if err != nil {
		return nil, err
	}
	snap, _ := res.(messages.SessionSnapshot)
	if snap.Session == nil {
		return nil, ErrNoSession
	}
	if snap.Session.UserID != userID {
		return nil, ErrForbidden
	}
	return snap.Session, nil
}

// Devices lists the caller's connected devices.
func (m *Manager) Devices(_ context.Context, userID string) []Device {
	var out []Device
	for _, c := range m.transport.Devices() {
		if c.UserID != userID {
			continue
		}
		d := Device{DeviceID: c.DeviceID, Info: c.Info, ConnectedAt: c.ConnectedAt, LastSeen: c.LastSeen()}
		if active, err := m.active(c.DeviceID); err == nil && active != nil {
			d.ActiveSession = active.ID
		}
		out = append(out, d)
	}
	return out
}

// Shutdown cancels every loop and waits for them to report their end.
func (m *Manager) Shutdown() {
	m.cancel()
	m.loops.Wait()
	m.root.Stop(m.pid)
}

func (m *Manager) active(deviceID string) (*models.AgentSession, error) {
	res, err := m.ask(messages.GetActive{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}
	snap, _ := res.(messages.SessionSnapshot)
	return snap.Session, nil
}

func (m *Manager) ask(msg any) (any, error) {
	res, err := m.root.RequestFuture(m.pid, msg, m.cfg.ActorTimeout).Result()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	return res, nil
}

func (m *Manager) notify(deviceID string, kind messages.Kind, payload any) {
	env, err := messages.New(kind, "", payload)
	if err == nil {
		err = m.transport.Send(deviceID, env)
	}
	if err != nil {
		m.log.Debug().Err(err).Str(logger.DeviceField, deviceID).Str("type", string(kind)).Msg("notification not delivered")
	}
}

type progress struct {
	m         *Manager
	sessionID string
	deviceID  string
}

func (p *progress) Step(step models.AgentStep) {
	p.m.root.Send(p.m.pid, messages.StepRecorded{SessionID: p.sessionID, Step: step})
	p.m.notify(p.deviceID, messages.Step, messages.StepPayload{
		SessionID:  p.sessionID,
		StepNumber: step.Number,
		Action:     step.Decision,
		Reasoning:  step.Reasoning,
		Success:    step.Result.Success,
		Message:    step.Result.Message,
	})
}
