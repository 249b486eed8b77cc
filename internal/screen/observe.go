package screen

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"go-droidagent/internal/poll"
	"go-droidagent/pkg/models"
)

// RetryDelays is the wait before each observation attempt. Transitional
// screens often report no root for a few frames.
var RetryDelays = []time.Duration{
	0,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
	500 * time.Millisecond,
}

// Source returns the current raw tree. A nil root with a nil error means the
// screen is in transition.
type Source func(ctx context.Context) (*models.Node, error)

type Observer struct {
	Source      Source
	MaxElements int
	Delays      []time.Duration
	Clock       poll.Clock
	Log         zerolog.Logger
}

func NewObserver(source Source, maxElements int, clock poll.Clock, log zerolog.Logger) *Observer {
	return &Observer{Source: source, MaxElements: maxElements, Clock: clock, Log: log}
}

// Observe retries until the tree yields at least one element. After the last
// attempt it returns an empty screen, or the last source error if every
// attempt failed.
func (o *Observer) Observe(ctx context.Context) (models.Screen, error) {
	delays := o.Delays
	if len(delays) == 0 {
		delays = RetryDelays
	}
	var (
		result  models.Screen
		lastErr error
		gotRoot bool
	)
	attempts, err := poll.Until(ctx, o.Clock, poll.Policy{Attempts: len(delays), Delays: delays}, func(n int) (bool, error) {
		root, err := o.Source(ctx)
		if err != nil {
			lastErr = err
			o.Log.Debug().Err(err).Int("attempt", n+1).Msg("screen source failed")
			return false, nil
		}
		if root == nil {
			return false, nil
		}
		gotRoot = true
		result = Build(root, o.MaxElements)
		return len(result.Elements) > 0, nil
	})
	switch {
	case err == nil:
		return result, nil
	case !errors.Is(err, poll.ErrExhausted):
		return models.Screen{}, err
	case !gotRoot && lastErr != nil:
		return models.Screen{}, lastErr
	}
	o.Log.Warn().Int("attempts", attempts).Msg("screen still empty after retries")
	if !gotRoot {
		result = models.Screen{Hash: Hash(nil)}
	}
	return result, nil
}
