package skills

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-droidagent/internal/poll"
	"go-droidagent/internal/screen"
	"go-droidagent/pkg/models"
)

// fakeDevice replays scripted observations and records every primitive.
type fakeDevice struct {
	mu      sync.Mutex
	screens []models.Screen
	actions []models.Action
	fail    map[models.ActionKind]bool
}

func (d *fakeDevice) Screen(context.Context) (models.Screen, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.screens) == 0 {
		return models.Screen{}, nil
	}
	s := d.screens[0]
	if len(d.screens) > 1 {
		d.screens = d.screens[1:]
	}
	return s, nil
}

func (d *fakeDevice) Perform(_ context.Context, a models.Action) (models.ActionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
	if d.fail[a.Kind] {
		return models.Failure("device refused"), nil
	}
	return models.Succeeded("ok"), nil
}

func (d *fakeDevice) kinds() []models.ActionKind {
	out := make([]models.ActionKind, len(d.actions))
	for i, a := range d.actions {
		out[i] = a.Kind
	}
	return out
}

type opt func(*models.UIElement)

func clickable(e *models.UIElement) { e.Clickable = true }
func editable(e *models.UIElement) { e.Editable = true; e.Clickable = true }
func disabled(e *models.UIElement) { e.Enabled = false }
func selected(e *models.UIElement) { e.Selected = true }

func withID(id string) opt { return func(e *models.UIElement) { e.ID = id } }
func withHint(h string) opt { return func(e *models.UIElement) { e.Hint = h } }
func sized(w, h int) opt {
	return func(e *models.UIElement) {
		e.Bounds = models.Rect{Left: e.Center.X - w/2, Top: e.Center.Y - h/2, Right: e.Center.X + w/2, Bottom: e.Center.Y + h/2}
	}
}

func el(text string, x, y int, opts ...opt) models.UIElement {
	e := models.UIElement{
		Text:    text,
		Center:  models.Point{X: x, Y: y},
		Bounds:  models.Rect{Left: x - 20, Top: y - 20, Right: x + 20, Bottom: y + 20},
		Enabled: true,
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func snap(els ...models.UIElement) models.Screen {
	s := screen.Normalize(models.Screen{Elements: els, Width: 1080, Height: 2400}, 0)
	return s
}

func newTestEngine() (*Engine, *poll.FakeClock) {
	clock := poll.NewFakeClock()
	return NewEngine(DefaultConfig(), clock, zerolog.Nop()), clock
}

func run(t *testing.T, e *Engine, dev *fakeDevice, ledger *LikeLedger, d models.ActionDecision, s models.Screen) models.ActionResult {
	t.Helper()
	res, err := e.Run(context.Background(), Call{Device: dev, Ledger: ledger, Decision: d, Screen: s})
	require.NoError(t, err)
	return res
}

func TestEveryKnownSkillIsRouted(t *testing.T) {
	e, _ := newTestEngine()
	for _, k := range models.Kinds() {
		assert.Equal(t, k.IsSkill(), e.Has(k), k)
	}
	_, err := e.Run(context.Background(), Call{Device: &fakeDevice{}, Decision: models.ActionDecision{Kind: models.ActionTap}})
	var unknown *models.UnknownActionError
	assert.ErrorAs(t, err, &unknown)
}

func TestSubmitMessageWithoutClickables(t *testing.T) {
	e, _ := newTestEngine()
	screens := []models.Screen{
		snap(),
		snap(el("Hello", 100, 300), el("Send", 1000, 2300, clickable, disabled)),
	}
	for _, s := range screens {
		dev := &fakeDevice{}
		res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillSubmitMessage}, s)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "no enabled clickable")
		assert.Empty(t, dev.actions)
	}
}

func TestSubmitMessageTapsNamedSendAndReportsNewText(t *testing.T) {
	e, clock := newTestEngine()
	before := snap(
		el("What is Go?", 500, 2000, editable),
		el("", 1000, 2250, clickable, withID("send_button")),
		el("Attach", 80, 2250, clickable),
	)
	after := snap(el("What is Go?", 500, 300), el("Go is a programming language.", 500, 500))
	dev := &fakeDevice{screens: []models.Screen{after}}

	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillSubmitMessage}, before)
	require.True(t, res.Success, res.Message)
	require.Len(t, dev.actions, 1)
	assert.Equal(t, models.Tap(models.Point{X: 1000, Y: 2250}), dev.actions[0])
	assert.Equal(t, "Go is a programming language.", res.Data["new_text"])
	assert.Equal(t, []time.Duration{DefaultConfig().Settle}, clock.Sleeps())
}

func TestSubmitMessageFallsBackToRightmostBottomControl(t *testing.T) {
	buttons := RankSendButtons(snap(
		el("Menu", 60, 200, clickable),
		el("", 700, 2300, clickable),
		el("", 1020, 2310, clickable),
	))
	require.Len(t, buttons, 2)
	assert.Equal(t, 1020, buttons[0].Center.X)
}

func TestFindAndTapScrollsUntilFound(t *testing.T) {
	e, _ := newTestEngine()
	first := snap(el("Wi-Fi", 300, 400, clickable), el("Bluetooth", 300, 600, clickable))
	second := snap(el("Display", 300, 400, clickable), el("Sound", 300, 600, clickable))
	third := snap(el("Battery", 300, 400, clickable), el("Settings", 320, 900, clickable))
	dev := &fakeDevice{screens: []models.Screen{second, third}}

	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillFindAndTap, Query: "settings"}, first)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []models.ActionKind{models.ActionScroll, models.ActionScroll, models.ActionTap}, dev.kinds())
	assert.Equal(t, 320, res.Data["x"])
	assert.Equal(t, 900, res.Data["y"])
	assert.Equal(t, 2, res.Data["scrolls"])
	assert.Equal(t, models.Tap(models.Point{X: 320, Y: 900}), dev.actions[2])
}

func TestFindAndTapGivesUpWithSample(t *testing.T) {
	e, _ := newTestEngine()
	s := snap(el("Wi-Fi", 300, 400, clickable))
	dev := &fakeDevice{screens: []models.Screen{s}}

	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillFindAndTap, Query: "Settings"}, s)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Wi-Fi")
	assert.Len(t, dev.actions, DefaultConfig().MaxScrolls)
}

func TestRankMatchesPrefersExactClickable(t *testing.T) {
	hits := RankMatches([]models.UIElement{
		el("Settings and privacy", 100, 100),
		el("Settings", 100, 200, clickable),
		el("settings", 100, 300, disabled),
	}, "Settings")
	require.Len(t, hits, 3)
	assert.Equal(t, 200, hits[0].Center.Y)
	assert.Equal(t, 300, hits[1].Center.Y)
}

func TestCopyVisibleText(t *testing.T) {
	e, _ := newTestEngine()
	s := snap(
		el("second line", 100, 800),
		el("Reply", 900, 200, clickable),
		el("first line", 100, 400),
	)
	dev := &fakeDevice{}
	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillCopyVisibleText}, s)
	require.True(t, res.Success)
	require.Len(t, dev.actions, 1)
	assert.Equal(t, models.ActionSetClipboard, dev.actions[0].Kind)
	assert.Equal(t, "first line\nsecond line", dev.actions[0].Text)

	res = run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillCopyVisibleText, Query: "reply"}, s)
	require.True(t, res.Success, "falls back to any text")
	assert.Equal(t, "Reply", res.Data["text"])

	res = run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillCopyVisibleText, Query: "missing"}, s)
	assert.False(t, res.Success)
}

func TestWaitForContent(t *testing.T) {
	e, clock := newTestEngine()
	base := snap(el("Question", 100, 300))
	grown := snap(el("Question", 100, 300), el("Here is a rather long answer", 100, 600))
	dev := &fakeDevice{screens: []models.Screen{base, base, grown}}

	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillWaitForContent}, base)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Here is a rather long answer", res.Data["new_text"])
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, clock.Sleeps())
}

func TestWaitForContentIgnoresShortText(t *testing.T) {
	e, clock := newTestEngine()
	base := snap(el("Question", 100, 300))
	dev := &fakeDevice{screens: []models.Screen{snap(el("Question", 100, 300), el("typing…", 100, 500))}}

	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillWaitForContent}, base)
	assert.False(t, res.Success)
	assert.Len(t, clock.Sleeps(), 5)
}

func TestComposeEmail(t *testing.T) {
	e, _ := newTestEngine()
	composer := snap(
		el("", 540, 300, editable, withID("to"), sized(900, 80)),
		el("", 540, 450, editable, withID("subject"), sized(900, 80)),
		el("", 540, 900, editable, withID("body_field"), sized(900, 600)),
	)
	dev := &fakeDevice{screens: []models.Screen{composer}}
	res := run(t, e, dev, nil, models.ActionDecision{
		Kind: models.SkillComposeEmail,
		Text: "Please send the report to ops@example.com by Friday",
	}, snap(el("Inbox", 100, 100)))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "ops@example.com", res.Data["to"])
	require.Equal(t, []models.ActionKind{
		models.ActionLaunch, models.ActionTap, models.ActionSetClipboard, models.ActionPaste,
	}, dev.kinds())
	assert.Equal(t, "mailto:ops@example.com", dev.actions[0].URI)
	assert.Equal(t, 900, dev.actions[1].Y)
}

func TestComposeEmailWithoutEditables(t *testing.T) {
	e, _ := newTestEngine()
	dev := &fakeDevice{screens: []models.Screen{snap(el("Choose an app", 540, 1200))}}
	res := run(t, e, dev, nil, models.ActionDecision{Kind: models.SkillComposeEmail, Query: "a@b.io"}, snap(el("Home", 1, 1)))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no editable fields")

	res = run(t, e, &fakeDevice{}, nil, models.ActionDecision{Kind: models.SkillComposeEmail, Text: "hi"}, snap(el("Home", 1, 1)))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no recipient")
}

func TestPickBodyField(t *testing.T) {
	byHint, _ := PickBodyField([]models.UIElement{
		el("", 0, 100, editable, withID("to")),
		el("", 0, 200, editable, withHint("Compose email")),
	})
	assert.Equal(t, 200, byHint.Center.Y)

	largest, _ := PickBodyField([]models.UIElement{
		el("", 500, 100, editable, sized(900, 80)),
		el("", 500, 800, editable, sized(900, 500)),
		el("", 500, 1400, editable, sized(900, 80)),
	})
	assert.Equal(t, 800, largest.Center.Y)

	_, ok := PickBodyField(nil)
	assert.False(t, ok)
}

func commentsScreen(count2 string, liked bool) models.Screen {
	second := []opt{clickable, withID("like_button")}
	if liked {
		second = append(second, selected)
	}
	return snap(
		el("Like", 1000, 150, clickable),
		el("", 1000, 600, clickable, withID("like_button")),
		el("", 960, 605, clickable, withID("like_button")),
		el("4", 940, 600),
		el("", 1000, 1000, second...),
		el(count2, 940, 1000),
		el("Like", 300, 1400, clickable),
		el("", 1000, 1400, clickable, withID("like_button")),
		el("Like", 1000, 2300, clickable),
	)
}

func TestLikeRows(t *testing.T) {
	rows := LikeRows(commentsScreen("12", false), DefaultConfig())
	require.Len(t, rows, 3)
	assert.Equal(t, []int{600, 1000, 1400}, []int{rows[0].Y, rows[1].Y, rows[2].Y})
	assert.Equal(t, 1000, rows[0].X, "rightmost candidate wins within a row")

	n, ok := NearbyCount(commentsScreen("12", false), rows[1], DefaultConfig().RowTolerance)
	require.True(t, ok)
	assert.Equal(t, 12, n)
}

func TestLikeThenVerifyBySelection(t *testing.T) {
	e, _ := newTestEngine()
	ledger := NewLikeLedger()
	dev := &fakeDevice{}

	res := run(t, e, dev, ledger, models.ActionDecision{Kind: models.SkillLikeNthComment, Query: "2nd comment"}, commentsScreen("12", false))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.Tap(models.Point{X: 1000, Y: 1000}), dev.actions[0])
	attempt, ok := ledger.Get(2)
	require.True(t, ok)
	require.NotNil(t, attempt.CountBefore)
	assert.Equal(t, 12, *attempt.CountBefore)

	res = run(t, e, dev, ledger, models.ActionDecision{Kind: models.SkillVerifyNthLike, Query: "second"}, commentsScreen("12", true))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "selected", res.Data["signal"])
}

func TestVerifyLikeByCountAndAmbiguous(t *testing.T) {
	e, _ := newTestEngine()
	ledger := NewLikeLedger()
	before := 12
	ledger.Record(LikeAttempt{Ordinal: 2, X: 1000, Y: 1000, CountBefore: &before})

	res := run(t, e, &fakeDevice{}, ledger, models.ActionDecision{Kind: models.SkillVerifyNthLike, Query: "2"}, commentsScreen("13", false))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "count", res.Data["signal"])

	res = run(t, e, &fakeDevice{}, ledger, models.ActionDecision{Kind: models.SkillVerifyNthLike, Query: "2"}, commentsScreen("12", false))
	assert.False(t, res.Success)
	assert.Equal(t, true, res.Data["ambiguous"])
}

func TestLikeNthCommentTooFewRows(t *testing.T) {
	e, _ := newTestEngine()
	res := run(t, e, &fakeDevice{}, NewLikeLedger(), models.ActionDecision{Kind: models.SkillLikeNthComment, Query: "7"}, commentsScreen("1", false))
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Data["rows"])
}

func TestParseOrdinal(t *testing.T) {
	tests := []struct {
		texts []string
		want  int
	}{
		{nil, 3},
		{[]string{""}, 3},
		{[]string{"0"}, 3},
		{[]string{"like the 5th comment"}, 5},
		{[]string{"second one"}, 2},
		{[]string{"", "comment 4"}, 4},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.texts, "|"), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOrdinal(3, tt.texts...))
		})
	}
}

func TestParseCount(t *testing.T) {
	for in, want := range map[string]int{
		"12": 12, "1,204": 1204, "1.204": 1204, "3.4K": 3400, "7 likes": 7, "2m": 2000000,
		"3.4": 3, "2,6": 3, "10.50": 11,
	} {
		got, ok := ParseCount(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseCount("Reply")
	assert.False(t, ok)
}
