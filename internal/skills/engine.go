// Package skills implements composite routines that chain primitive actions
// with re-observation between steps. Every routine produces exactly one
// ActionResult; Go errors are returned only for transport failures and
// cancellation.
package skills

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"go-droidagent/internal/poll"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/models"
)

// Device is the skills' view of a remote device.
type Device interface {
	Screen(ctx context.Context) (models.Screen, error)
	Perform(ctx context.Context, a models.Action) (models.ActionResult, error)
}

type Config struct {
	Settle            time.Duration
	WaitInterval      time.Duration
	WaitPolls         int
	WaitMinChars      int
	MaxScrolls        int
	LikeZone          float64
	HeaderBand        float64
	FooterBand        float64
	RowTolerance      int
	RelayoutTolerance int
	DefaultOrdinal    int
}

func DefaultConfig() Config {
	return Config{
		Settle:            1500 * time.Millisecond,
		WaitInterval:      3 * time.Second,
		WaitPolls:         5,
		WaitMinChars:      20,
		MaxScrolls:        10,
		LikeZone:          0.28,
		HeaderBand:        0.12,
		FooterBand:        0.12,
		RowTolerance:      24,
		RelayoutTolerance: 120,
		DefaultOrdinal:    3,
	}
}

// Call is one skill invocation against one device.
type Call struct {
	Device   Device
	Ledger   *LikeLedger
	Decision models.ActionDecision
	Screen   models.Screen
}

type skillFunc func(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error)

type Engine struct {
	cfg   Config
	clock poll.Clock
	log   zerolog.Logger
	table map[models.ActionKind]skillFunc
}

func NewEngine(cfg Config, clock poll.Clock, log zerolog.Logger) *Engine {
	if clock == nil {
		clock = poll.RealClock{}
	}
	return &Engine{
		cfg:   cfg,
		clock: clock,
		log:   log,
		table: map[models.ActionKind]skillFunc{
			models.SkillSubmitMessage:   submitMessage,
			models.SkillCopyVisibleText: copyVisibleText,
			models.SkillWaitForContent:  waitForContent,
			models.SkillFindAndTap:      findAndTap,
			models.SkillComposeEmail:    composeEmail,
			models.SkillLikeNthComment:  likeNthComment,
			models.SkillVerifyNthLike:   verifyNthLike,
		},
	}
}

// Has reports whether kind is routed to a skill.
func (e *Engine) Has(kind models.ActionKind) bool {
	_, ok := e.table[kind]
	return ok
}

// Run executes the skill named by the decision. Screen is the observation the
// decision was made on; when it is empty the engine observes first.
func (e *Engine) Run(ctx context.Context, c Call) (models.ActionResult, error) {
	fn, ok := e.table[c.Decision.Kind]
	if !ok {
		return models.ActionResult{}, &models.UnknownActionError{Kind: string(c.Decision.Kind)}
	}
	if c.Ledger == nil {
		c.Ledger = NewLikeLedger()
	}
	if len(c.Screen.Elements) == 0 {
		s, err := c.Device.Screen(ctx)
		if err != nil {
			return models.ActionResult{}, err
		}
		c.Screen = s
	}
	log := e.log.With().Str(logger.SkillField, string(c.Decision.Kind)).Logger()
	res, err := fn(ctx, e, &c)
	if err != nil {
		log.Debug().Err(err).Msg("skill aborted")
		return models.ActionResult{}, err
	}
	log.Debug().Bool("success", res.Success).Str("message", res.Message).Msg("skill finished")
	return res, nil
}

func (e *Engine) settle(ctx context.Context) error {
	return e.clock.Sleep(ctx, e.cfg.Settle)
}

// perform runs a primitive and turns a device-side failure into a result.
func perform(ctx context.Context, c *Call, a models.Action) (models.ActionResult, bool, error) {
	res, err := c.Device.Perform(ctx, a)
	if err != nil {
		return models.ActionResult{}, false, err
	}
	return res, res.Success, nil
}
