package runner

import (
	"context"
	"strings"
	"time"

	"go-droidagent/pkg/models"
)

const (
	longPressMs = 800
	swipeMs     = 300
	waitStep    = 2 * time.Second
)

type primitiveFunc func(ctx context.Context, r *Runner, d models.ActionDecision, s models.Screen) (models.ActionResult, error)

var primitives = map[models.ActionKind]primitiveFunc{
	models.ActionTap:          tap,
	models.ActionLongPress:    longPress,
	models.ActionType:         typeText,
	models.ActionSwipe:        swipe,
	models.ActionScroll:       scroll,
	models.ActionLaunch:       launch,
	models.ActionBack:         global(models.ActionBack),
	models.ActionHome:         global(models.ActionHome),
	models.ActionRecents:      global(models.ActionRecents),
	models.ActionPaste:        global(models.ActionPaste),
	models.ActionSetClipboard: setClipboard,
	models.ActionWait:         wait,
}

// target resolves an element index or explicit coordinates into a point.
func target(d models.ActionDecision, s models.Screen) (models.Point, models.ActionResult, bool) {
	if d.Element != nil {
		el, ok := s.Element(*d.Element)
		if !ok {
			return models.Point{}, models.Failure("%s: element %d is not on screen", d.Kind, *d.Element), false
		}
		return el.Center, models.ActionResult{}, true
	}
	if d.X != nil && d.Y != nil {
		return models.Point{X: *d.X, Y: *d.Y}, models.ActionResult{}, true
	}
	return models.Point{}, models.Failure("%s: needs an element index or x and y", d.Kind), false
}

func tap(ctx context.Context, r *Runner, d models.ActionDecision, s models.Screen) (models.ActionResult, error) {
	p, fail, ok := target(d, s)
	if !ok {
		return fail, nil
	}
	res, err := r.perform(ctx, models.Tap(p))
	return res.With("x", p.X).With("y", p.Y), err
}

func longPress(ctx context.Context, r *Runner, d models.ActionDecision, s models.Screen) (models.ActionResult, error) {
	p, fail, ok := target(d, s)
	if !ok {
		return fail, nil
	}
	return r.perform(ctx, models.Action{Kind: models.ActionLongPress, X: p.X, Y: p.Y, DurationMs: longPressMs})
}

// typeText focuses the referenced element first when one is given.
func typeText(ctx context.Context, r *Runner, d models.ActionDecision, s models.Screen) (models.ActionResult, error) {
	if d.Text == "" {
		return models.Failure("type: no text given"), nil
	}
	if d.Element != nil || (d.X != nil && d.Y != nil) {
		res, err := tap(ctx, r, d, s)
		if err != nil || !res.Success {
			return res, err
		}
	}
	return r.perform(ctx, models.Action{Kind: models.ActionType, Text: d.Text})
}

func direction(d models.ActionDecision, def models.Direction) (models.Direction, bool) {
	switch models.Direction(strings.ToLower(strings.TrimSpace(d.Direction))) {
	case "":
		return def, true
	case models.Up:
		return models.Up, true
	case models.Down:
		return models.Down, true
	case models.Left:
		return models.Left, true
	case models.Right:
		return models.Right, true
	}
	return "", false
}

// swipe moves a finger in the given direction across the middle of the screen.
func swipe(ctx context.Context, r *Runner, d models.ActionDecision, s models.Screen) (models.ActionResult, error) {
	dir, ok := direction(d, models.Up)
	if !ok {
		return models.Failure("swipe: unknown direction %q", d.Direction), nil
	}
	a := models.Action{Kind: models.ActionSwipe, Direction: dir, DurationMs: swipeMs}
	if w, h := s.Size(); w > 0 && h > 0 {
		cx, cy := w/2, h/2
		a.X, a.Y, a.X2, a.Y2 = cx, cy, cx, cy
		switch dir {
		case models.Up:
			a.Y, a.Y2 = h*3/4, h/4
		case models.Down:
			a.Y, a.Y2 = h/4, h*3/4
		case models.Left:
			a.X, a.X2 = w*3/4, w/4
		case models.Right:
			a.X, a.X2 = w/4, w*3/4
		}
	}
	return r.perform(ctx, a)
}

func scroll(ctx context.Context, r *Runner, d models.ActionDecision, _ models.Screen) (models.ActionResult, error) {
	dir, ok := direction(d, models.Down)
	if !ok {
		return models.Failure("scroll: unknown direction %q", d.Direction), nil
	}
	return r.perform(ctx, models.Scroll(dir))
}

func launch(ctx context.Context, r *Runner, d models.ActionDecision, _ models.Screen) (models.ActionResult, error) {
	pkg := strings.TrimSpace(d.Package)
	if pkg == "" {
		pkg = strings.TrimSpace(d.Query)
	}
	if pkg == "" {
		return models.Failure("launch: no package given"), nil
	}
	a := models.Action{Kind: models.ActionLaunch, Package: pkg}
	if strings.Contains(pkg, ":") {
		a = models.Action{Kind: models.ActionLaunch, URI: pkg}
	}
	return r.perform(ctx, a)
}

func setClipboard(ctx context.Context, r *Runner, d models.ActionDecision, _ models.Screen) (models.ActionResult, error) {
	if d.Text == "" {
		return models.Failure("set_clipboard: no text given"), nil
	}
	return r.perform(ctx, models.Action{Kind: models.ActionSetClipboard, Text: d.Text})
}

func global(kind models.ActionKind) primitiveFunc {
	return func(ctx context.Context, r *Runner, _ models.ActionDecision, _ models.Screen) (models.ActionResult, error) {
		return r.perform(ctx, models.Action{Kind: kind})
	}
}

func wait(ctx context.Context, r *Runner, _ models.ActionDecision, _ models.Screen) (models.ActionResult, error) {
	if err := r.clock.Sleep(ctx, waitStep); err != nil {
		return models.ActionResult{}, err
	}
	return models.Succeeded("waited %s", waitStep), nil
}
