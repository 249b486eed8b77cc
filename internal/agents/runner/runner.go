// Package runner drives the observe, decide, act cycle for one goal on one
// device until the goal is done, fails, runs out of steps or is cancelled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go-droidagent/internal/agents/reasoner/handler"
	"go-droidagent/internal/hub"
	"go-droidagent/internal/poll"
	"go-droidagent/internal/skills"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/memory/buffer"
	"go-droidagent/pkg/models"
	"go-droidagent/pkg/prompts"
	"go-droidagent/pkg/template"
)

// Device is the loop's only way to reach the phone. Every call blocks until the
// device answers or the command times out.
type Device interface {
	skills.Device
	Screenshot(ctx context.Context) ([]byte, error)
}

type Reasoner interface {
	Decide(ctx context.Context, in handler.Input) (handler.Result, error)
}

// Progress is told about every step as soon as it is recorded.
type Progress interface {
	Step(step models.AgentStep)
}

type Config struct {
	MaxSteps             int
	StuckThreshold       int
	HistoryWindow        int
	MaxTransportFailures int
	MaxReasoningFailures int
	ScreenshotFallback   bool
	// Reconnect is how long a command waits for an offline device to come
	// back before the attempt counts as a transport failure.
	Reconnect            poll.Policy
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:             30,
		StuckThreshold:       3,
		HistoryWindow:        8,
		MaxTransportFailures: 3,
		MaxReasoningFailures: 3,
		ScreenshotFallback:   true,
		Reconnect: poll.Policy{
			Attempts: 7,
			Delays:   []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second},
		},
	}
}

type Deps struct {
	Device   Device
	Reasoner Reasoner
	Skills   *skills.Engine
	Ledger   *skills.LikeLedger
	Clock    poll.Clock
	Progress Progress
	Log      zerolog.Logger
}

// Outcome is the terminal result of one run.
type Outcome struct {
	Status    models.SessionStatus
	Reason    string
	StepsUsed int
	Steps     []models.AgentStep
}

type Runner struct {
	cfg      Config
	dev      Device
	reasoner Reasoner
	skills   *skills.Engine
	ledger   *skills.LikeLedger
	clock    poll.Clock
	progress Progress
	log      zerolog.Logger

	state   models.LoopState
	steps   []models.AgentStep
	memory  *buffer.Memories
	stuck   *StuckDetector
	last    *models.ActionResult
	badComm int
	badMind int
}

func New(cfg Config, deps Deps) *Runner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.MaxTransportFailures <= 0 {
		cfg.MaxTransportFailures = DefaultConfig().MaxTransportFailures
	}
	if cfg.MaxReasoningFailures <= 0 {
		cfg.MaxReasoningFailures = DefaultConfig().MaxReasoningFailures
	}
	if cfg.Reconnect.Attempts <= 0 {
		cfg.Reconnect = DefaultConfig().Reconnect
	}
	if deps.Clock == nil {
		deps.Clock = poll.RealClock{}
	}
	if deps.Ledger == nil {
		deps.Ledger = skills.NewLikeLedger()
	}
	return &Runner{
		cfg:      cfg,
		dev:      deps.Device,
		reasoner: deps.Reasoner,
		skills:   deps.Skills,
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		progress: deps.Progress,
		log:      deps.Log,
		state:    models.Idle,
		memory:   buffer.New(cfg.HistoryWindow),
		stuck:    NewStuckDetector(cfg.StuckThreshold),
	}
}

func (r *Runner) State() models.LoopState { return r.state }

// Run executes goal. It always returns a terminal outcome with a reason.
func (r *Runner) Run(ctx context.Context, goal string) Outcome {
	for n := 1; n <= r.cfg.MaxSteps; n++ {
		if ctx.Err() != nil {
			return r.end(models.Cancelled, "cancelled")
		}
		out, done := r.iterate(ctx, goal, n)
		if done {
			return out
		}
	}
	return r.end(models.Failed, fmt.Sprintf("step budget of %d exhausted without reaching the goal", r.cfg.MaxSteps))
}

func (r *Runner) iterate(ctx context.Context, goal string, n int) (Outcome, bool) {
	log := r.log.With().Int(logger.StepField, n).Logger()

	r.setState(models.Observing)
	var screen models.Screen
	err := r.reach(ctx, "observe", offline, func() error {
		var err error
		screen, err = r.dev.Screen(ctx)
		return err
	})
	if err != nil {
		return r.transportFailure(ctx, n, models.ActionDecision{}, "observe", err)
	}
	step := models.AgentStep{Number: n, ScreenHash: screen.Hash, Stuck: r.stuck.Observe(screen.Hash)}

	var directive string
	if step.Stuck {
		directive, _ = template.Parse(prompts.StuckDirective, map[string]any{"Steps": r.stuck.Repeats()})
		log.Info().Int("repeats", r.stuck.Repeats()).Msg("screen unchanged, asking for a different approach")
	}
	if len(screen.Elements) == 0 && r.cfg.ScreenshotFallback {
		directive = joinDirective(directive, r.screenshotNote(ctx, log))
	}

	r.setState(models.Deciding)
	res, err := r.reasoner.Decide(ctx, handler.Input{
		Goal:       goal,
		Screen:     screen,
		History:    r.memory.Items,
		LastResult: r.last,
		Directive:  directive,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.end(models.Cancelled, "cancelled"), true
		}
		r.badMind++
		log.Warn().Err(err).Int("failures", r.badMind).Msg("reasoning failed")
		step.Result = models.Failure("reasoning service error: %v", err)
		r.record(step)
		if r.badMind >= r.cfg.MaxReasoningFailures {
			return r.end(models.Failed, fmt.Sprintf("reasoning service failed %d times in a row: %v", r.badMind, err)), true
		}
		return Outcome{}, false
	}
	r.badMind = 0
	step.Decision = res.Decision.Action
	step.Reasoning = res.Decision.Reasoning
	log.Debug().Str(logger.ActionField, string(step.Decision.Kind)).Str("reasoning", step.Reasoning).Msg("decided")

	switch step.Decision.Kind {
	case models.ActionDone:
		step.Result = models.Succeeded("goal reported complete")
		r.record(step)
		return r.end(models.Completed, firstNonEmpty(step.Decision.Text, step.Reasoning, "goal reached")), true
	case models.ActionFail:
		step.Result = models.Failure("goal reported impossible")
		r.record(step)
		return r.end(models.Failed, firstNonEmpty(step.Decision.Text, step.Reasoning, "reasoning service gave up")), true
	}

	r.setState(models.Executing)
	result, err := r.execute(ctx, step.Decision, screen)
	if err != nil {
		return r.transportFailure(ctx, n, step.Decision, "execute", err, step)
	}
	r.badComm = 0

	r.setState(models.Evaluating)
	step.Result = result
	r.record(step)
	return Outcome{}, false
}

// execute routes a decision to a primitive or a skill. Anything else is a
// typed error reported as a failed step.
func (r *Runner) execute(ctx context.Context, d models.ActionDecision, s models.Screen) (models.ActionResult, error) {
	if fn, ok := primitives[d.Kind]; ok {
		return fn(ctx, r, d, s)
	}
	if r.skills != nil && r.skills.Has(d.Kind) {
		return r.skills.Run(ctx, skills.Call{Device: r.dev, Ledger: r.ledger, Decision: d, Screen: s})
	}
	err := &models.UnknownActionError{Kind: string(d.Kind)}
	return models.Failure("%v", err), nil
}

// transportFailure records a failed command. Only consecutive failures end
// the session.
func (r *Runner) transportFailure(ctx context.Context, n int, d models.ActionDecision, op string, err error, partial ...models.AgentStep) (Outcome, bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return r.end(models.Cancelled, "cancelled"), true
	}
	r.badComm++
	r.log.Warn().Err(err).Int(logger.StepField, n).Str("op", op).Int("failures", r.badComm).Msg("device command failed")
	step := models.AgentStep{Number: n, Decision: d}
	if len(partial) > 0 {
		step = partial[0]
	}
	step.Result = models.Failure("%s: device did not respond: %v", op, err)
	r.record(step)
	if r.badComm >= r.cfg.MaxTransportFailures {
		return r.end(models.Failed, fmt.Sprintf("device unreachable after %d failed commands: %v", r.badComm, err)), true
	}
	return Outcome{}, false
}

// perform sends one primitive. A command the hub never delivered is retried
// once the device reconnects; anything that may have reached the device is not.
func (r *Runner) perform(ctx context.Context, a models.Action) (models.ActionResult, error) {
	var res models.ActionResult
	err := r.reach(ctx, string(a.Kind), notConnected, func() error {
		var err error
		res, err = r.dev.Perform(ctx, a)
		return err
	})
	return res, err
}

// reach calls fn and, while retry accepts its error, waits on the reconnect
// schedule and calls it again. It returns fn's last error, or ctx's.
func (r *Runner) reach(ctx context.Context, op string, retry func(error) bool, fn func() error) error {
	var last error
	_, err := poll.Until(ctx, r.clock, r.cfg.Reconnect, func(attempt int) (bool, error) {
		last = fn()
		if last == nil || !retry(last) {
			return true, nil
		}
		r.log.Debug().Err(last).Str("op", op).Int("attempt", attempt+1).Msg("device offline, waiting for reconnect")
		return false, nil
	})
	if err != nil && !errors.Is(err, poll.ErrExhausted) {
		return err
	}
	return last
}

func offline(err error) bool {
	return errors.Is(err, hub.ErrNotConnected) || errors.Is(err, hub.ErrDisconnected)
}

func notConnected(err error) bool { return errors.Is(err, hub.ErrNotConnected) }

func (r *Runner) screenshotNote(ctx context.Context, log zerolog.Logger) string {
	img, err := r.dev.Screenshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("screenshot fallback unavailable")
		return "No elements could be read from the screen, it may be secure or still loading. Try waiting, going back, or launching the app again."
	}
	log.Debug().Int("bytes", len(img)).Msg("captured screenshot fallback")
	return fmt.Sprintf("No elements could be read from the screen (a %d byte screenshot was captured but the content is not accessible). Try waiting, going back, or launching the app again.", len(img))
}

func (r *Runner) record(step models.AgentStep) {
	step.Time = r.clock.Now()
	r.steps = append(r.steps, step)
	r.memory.Add(step)
	res := step.Result
	r.last = &res
	if r.progress != nil {
		r.progress.Step(step)
	}
}

func (r *Runner) end(status models.SessionStatus, reason string) Outcome {
	r.setState(models.Idle)
	r.log.Info().Str("status", string(status)).Str("reason", reason).Int("steps", len(r.steps)).Msg("goal finished")
	return Outcome{Status: status, Reason: reason, StepsUsed: len(r.steps), Steps: r.steps}
}

func (r *Runner) setState(s models.LoopState) {
	r.state = s
	r.log.Trace().Str(logger.StateField, string(s)).Msg("state")
}

func joinDirective(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
