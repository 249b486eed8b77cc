package skills

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go-droidagent/internal/poll"
	"go-droidagent/pkg/models"
)

const sampleTexts = 8

func submitMessage(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	buttons := RankSendButtons(c.Screen)
	if len(buttons) == 0 {
		return models.Failure("submit_message: no enabled clickable send control on screen"), nil
	}
	btn := buttons[0]
	res, ok, err := perform(ctx, c, models.Tap(btn.Center))
	if err != nil {
		return res, err
	}
	if !ok {
		return models.Failure("submit_message: tap on %s failed: %s", label(btn), res.Message), nil
	}
	if err := e.settle(ctx); err != nil {
		return models.ActionResult{}, err
	}
	after, err := c.Device.Screen(ctx)
	if err != nil {
		return models.ActionResult{}, err
	}
	fresh := newTexts(c.Screen.Texts(), after.Texts())
	out := models.Succeeded("submit_message: tapped %s at (%d,%d)", label(btn), btn.Center.X, btn.Center.Y)
	if len(fresh) == 0 {
		out.Message += ", no new text yet"
	} else {
		out.Message += ", new text appeared"
		out = out.With("new_text", strings.Join(fresh, "\n"))
	}
	return out.With("x", btn.Center.X).With("y", btn.Center.Y), nil
}

func copyVisibleText(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	query := strings.ToLower(strings.TrimSpace(c.Decision.Query))
	pick := func(readOnly bool) []models.UIElement {
		var out []models.UIElement
		for _, el := range c.Screen.Elements {
			if el.Text == "" || (readOnly && el.Kind != models.KindRead) {
				continue
			}
			if query != "" && !strings.Contains(strings.ToLower(el.Text), query) {
				continue
			}
			out = append(out, el)
		}
		return out
	}
	els := pick(true)
	if len(els) == 0 {
		els = pick(false)
	}
	if len(els) == 0 {
		if query != "" {
			return models.Failure("copy_visible_text: no visible text matches %q", c.Decision.Query), nil
		}
		return models.Failure("copy_visible_text: no visible text on screen"), nil
	}
	sort.SliceStable(els, func(i, j int) bool {
		if els[i].Center.Y != els[j].Center.Y {
			return els[i].Center.Y < els[j].Center.Y
		}
		return els[i].Center.X < els[j].Center.X
	})
	lines := make([]string, len(els))
	for i, el := range els {
		lines[i] = el.Text
	}
	text := strings.Join(lines, "\n")
	res, ok, err := perform(ctx, c, models.Action{Kind: models.ActionSetClipboard, Text: text})
	if err != nil {
		return res, err
	}
	if !ok {
		return models.Failure("copy_visible_text: clipboard write failed: %s", res.Message), nil
	}
	return models.Succeeded("copy_visible_text: copied %d lines", len(lines)).With("text", text), nil
}

func waitForContent(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	before := c.Screen.Texts()
	var fresh []string
	policy := poll.Policy{Attempts: e.cfg.WaitPolls, Delays: []time.Duration{e.cfg.WaitInterval}}
	attempts, err := poll.Until(ctx, e.clock, policy, func(int) (bool, error) {
		s, err := c.Device.Screen(ctx)
		if err != nil {
			return false, err
		}
		fresh = newTexts(before, s.Texts())
		chars := 0
		for _, t := range fresh {
			chars += len([]rune(t))
		}
		return chars > e.cfg.WaitMinChars, nil
	})
	switch {
	case err == nil:
		return models.Succeeded("wait_for_content: new content after %d polls", attempts).
			With("new_text", strings.Join(fresh, "\n")), nil
	case errors.Is(err, poll.ErrExhausted):
		return models.Failure("wait_for_content: no new content after %d polls", attempts), nil
	default:
		return models.ActionResult{}, err
	}
}

func findAndTap(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	query := strings.TrimSpace(c.Decision.Query)
	if query == "" {
		query = strings.TrimSpace(c.Decision.Text)
	}
	if query == "" {
		return models.Failure("find_and_tap: no text to look for"), nil
	}
	screen := c.Screen
	for scrolls := 0; ; scrolls++ {
		if hits := RankMatches(screen.Elements, query); len(hits) > 0 {
			target := hits[0]
			res, ok, err := perform(ctx, c, models.Tap(target.Center))
			if err != nil {
				return res, err
			}
			if !ok {
				return models.Failure("find_and_tap: tap on %q failed: %s", target.Text, res.Message), nil
			}
			return models.Succeeded("find_and_tap: tapped %q at (%d,%d) after %d scrolls",
				target.Text, target.Center.X, target.Center.Y, scrolls).
				With("x", target.Center.X).
				With("y", target.Center.Y).
				With("scrolls", scrolls), nil
		}
		if scrolls >= e.cfg.MaxScrolls {
			break
		}
		res, ok, err := perform(ctx, c, models.Scroll(models.Down))
		if err != nil {
			return res, err
		}
		if !ok {
			return models.Failure("find_and_tap: scroll failed: %s", res.Message), nil
		}
		if err := e.settle(ctx); err != nil {
			return models.ActionResult{}, err
		}
		if screen, err = c.Device.Screen(ctx); err != nil {
			return models.ActionResult{}, err
		}
	}
	texts := screen.Texts()
	if len(texts) > sampleTexts {
		texts = texts[:sampleTexts]
	}
	return models.Failure("find_and_tap: %q not found after %d scrolls; visible: %s",
		query, e.cfg.MaxScrolls, strings.Join(texts, ", ")), nil
}

func composeEmail(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	addr := ExtractEmail(c.Decision.Query)
	if addr == "" {
		addr = ExtractEmail(c.Decision.Text)
	}
	if addr == "" {
		return models.Failure("compose_email: no recipient address in query or text"), nil
	}
	res, ok, err := perform(ctx, c, models.Action{Kind: models.ActionLaunch, URI: "mailto:" + addr})
	if err != nil {
		return res, err
	}
	if !ok {
		return models.Failure("compose_email: send-to intent failed: %s", res.Message), nil
	}
	if err := e.settle(ctx); err != nil {
		return models.ActionResult{}, err
	}
	screen, err := c.Device.Screen(ctx)
	if err != nil {
		return models.ActionResult{}, err
	}
	var editables []models.UIElement
	for _, el := range screen.Elements {
		if el.Editable && el.Enabled {
			editables = append(editables, el)
		}
	}
	body, found := PickBodyField(editables)
	if !found {
		return models.Failure("compose_email: no editable fields after opening composer for %s", addr), nil
	}
	if res, ok, err = perform(ctx, c, models.Tap(body.Center)); err != nil || !ok {
		if err != nil {
			return res, err
		}
		return models.Failure("compose_email: tap on body field failed: %s", res.Message), nil
	}
	if text := strings.TrimSpace(c.Decision.Text); text != "" {
		if res, ok, err = perform(ctx, c, models.Action{Kind: models.ActionSetClipboard, Text: text}); err != nil || !ok {
			if err != nil {
				return res, err
			}
			return models.Failure("compose_email: clipboard write failed: %s", res.Message), nil
		}
	}
	if res, ok, err = perform(ctx, c, models.Action{Kind: models.ActionPaste}); err != nil || !ok {
		if err != nil {
			return res, err
		}
		return models.Failure("compose_email: paste failed: %s", res.Message), nil
	}
	return models.Succeeded("compose_email: composing to %s, body pasted into %s", addr, label(body)).
		With("to", addr), nil
}

func likeNthComment(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	n := ParseOrdinal(e.cfg.DefaultOrdinal, c.Decision.Query, c.Decision.Text)
	rows := LikeRows(c.Screen, e.cfg)
	if len(rows) < n {
		return models.Failure("like_nth_comment: only %d like buttons visible, need #%d", len(rows), n).
			With("rows", len(rows)), nil
	}
	row := rows[n-1]
	attempt := LikeAttempt{Ordinal: n, X: row.X, Y: row.Y}
	if count, ok := NearbyCount(c.Screen, row, e.cfg.RowTolerance); ok {
		attempt.CountBefore = &count
	}
	res, ok, err := perform(ctx, c, models.Tap(models.Point{X: row.X, Y: row.Y}))
	if err != nil {
		return res, err
	}
	if !ok {
		return models.Failure("like_nth_comment: tap on like #%d failed: %s", n, res.Message), nil
	}
	c.Ledger.Record(attempt)
	if err := e.settle(ctx); err != nil {
		return models.ActionResult{}, err
	}
	out := models.Succeeded("like_nth_comment: tapped like #%d at (%d,%d), not verified yet", n, row.X, row.Y).
		With("ordinal", n).With("x", row.X).With("y", row.Y)
	if attempt.CountBefore != nil {
		out = out.With("count_before", *attempt.CountBefore)
	}
	return out, nil
}

// verifyNthLike prefers the control's own selected state over a counter change.
func verifyNthLike(ctx context.Context, e *Engine, c *Call) (models.ActionResult, error) {
	n := ParseOrdinal(e.cfg.DefaultOrdinal, c.Decision.Query, c.Decision.Text)
	rows := LikeRows(c.Screen, e.cfg)
	attempt, tried := c.Ledger.Get(n)

	var (
		row   LikeRow
		found bool
	)
	if tried {
		row, found = NearestRow(rows, attempt.Y, e.cfg.RelayoutTolerance)
	}
	if !found && len(rows) >= n {
		row, found = rows[n-1], true
	}
	if !found {
		return models.Failure("verify_nth_comment_like: like #%d not visible", n).With("ambiguous", true), nil
	}
	if row.Liked() {
		return models.Succeeded("verify_nth_comment_like: like #%d is selected", n).
			With("ordinal", n).With("signal", "selected"), nil
	}
	if tried && attempt.CountBefore != nil {
		if now, ok := NearbyCount(c.Screen, row, e.cfg.RowTolerance); ok && now != *attempt.CountBefore {
			return models.Succeeded("verify_nth_comment_like: like #%d count changed %d -> %d", n, *attempt.CountBefore, now).
				With("ordinal", n).With("signal", "count").With("count", now), nil
		}
	}
	msg := "no selected state or count change yet"
	if !tried {
		msg = "no earlier like attempt recorded and no selected state"
	}
	return models.Failure("verify_nth_comment_like: like #%d not confirmed: %s", n, msg).
		With("ordinal", n).With("ambiguous", true), nil
}

// newTexts lists texts in after that were absent before.
func newTexts(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, t := range before {
		seen[t] = struct{}{}
	}
	var out []string
	for _, t := range after {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func label(el models.UIElement) string {
	switch {
	case el.Text != "":
		return "\"" + el.Text + "\""
	case el.ID != "":
		return el.ID
	default:
		return el.Class
	}
}
