// Package adb drives an Android device through the adb command line: it
// dumps the accessibility tree, injects input and captures screenshots.
package adb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"go-droidagent/internal/poll"
	"go-droidagent/internal/screen"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

// android key codes
const (
	keyHome    = 3
	keyBack    = 4
	keyRecents = 187
	keyPaste   = 279
)

const (
	defaultLongPressMs = 800
	defaultSwipeMs     = 300
	scrollMs           = 400
)

type Config struct {
	MaxElements int
	// RetryDelays overrides the transitional-screen retry schedule.
	RetryDelays []time.Duration
	// ClipboardCommand is the shell command that sets the clipboard; the text
	// is appended as its last argument. Stock shells have no clipboard
	// command, so this targets a helper app.
	ClipboardCommand []string
}

func DefaultConfig() Config {
	return Config{
		MaxElements:      60,
		ClipboardCommand: []string{"am", "broadcast", "-a", "clipper.set", "-e", "text"},
	}
}

// Device implements the bridge Actuator against one adb target.
type Device struct {
	cfg      Config
	run      Runner
	observer *screen.Observer
	clock    poll.Clock
	log      zerolog.Logger

	mu     sync.Mutex
	width  int
	height int
}

func New(cfg Config, run Runner, clock poll.Clock, log zerolog.Logger) *Device {
	if clock == nil {
		clock = poll.RealClock{}
	}
	d := &Device{cfg: cfg, run: run, clock: clock, log: log}
	d.observer = screen.NewObserver(d.dump, cfg.MaxElements, clock, log)
	d.observer.Delays = cfg.RetryDelays
	return d
}

func (d *Device) shell(ctx context.Context, args ...string) ([]byte, error) {
	return d.run.Run(ctx, append([]string{"shell"}, args...)...)
}

func (d *Device) dump(ctx context.Context) (*models.Node, error) {
	out, err := d.run.Run(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, err
	}
	return parseDump(out)
}

// Screen observes through the transitional-screen retry and returns
// sanitized elements.
func (d *Device) Screen(ctx context.Context) (messages.ScreenPayload, error) {
	s, err := d.observer.Observe(ctx)
	if err != nil {
		return messages.ScreenPayload{}, err
	}
	if s.Width == 0 || s.Height == 0 {
		s.Width, s.Height = d.size(ctx)
	}
	return messages.ScreenPayload{
		Elements:   s.Elements,
		ScreenHash: s.Hash,
		Width:      s.Width,
		Height:     s.Height,
		Package:    s.Package,
	}, nil
}

func (d *Device) Screenshot(ctx context.Context) ([]byte, error) {
	out, err := d.run.Run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("screencap returned no data")
	}
	return out, nil
}

// Info reads the descriptor sent at handshake.
func (d *Device) Info(ctx context.Context) models.DeviceInfo {
	prop := func(name string) string {
		out, err := d.shell(ctx, "getprop", name)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	}
	info := models.DeviceInfo{
		Model:        prop("ro.product.model"),
		Manufacturer: prop("ro.product.manufacturer"),
		OSVersion:    prop("ro.build.version.release"),
	}
	info.Width, info.Height = d.size(ctx)
	return info
}

func (d *Device) size(ctx context.Context) (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.width > 0 {
		return d.width, d.height
	}
	out, err := d.shell(ctx, "wm", "size")
	if err != nil {
		d.log.Debug().Err(err).Msg("wm size failed")
		return 0, 0
	}
	if w, h, ok := parseSize(out); ok {
		d.width, d.height = w, h
	}
	return d.width, d.height
}

// Execute maps a primitive onto adb input. A failing command is an error;
// an action the device cannot express is a failed result.
func (d *Device) Execute(ctx context.Context, a models.Action) (models.ActionResult, error) {
	args, res, ok := d.command(ctx, a)
	if !ok {
		return res, nil
	}
	if _, err := d.shell(ctx, args...); err != nil {
		return models.ActionResult{}, err
	}
	return res, nil
}

func itoa(n int) string { return strconv.Itoa(n) }

func (d *Device) command(ctx context.Context, a models.Action) ([]string, models.ActionResult, bool) {
	switch a.Kind {
	case models.ActionTap:
		return []string{"input", "tap", itoa(a.X), itoa(a.Y)}, models.Succeeded("tapped %d,%d", a.X, a.Y), true

	case models.ActionLongPress:
		ms := a.DurationMs
		if ms <= 0 {
			ms = defaultLongPressMs
		}
		return []string{"input", "swipe", itoa(a.X), itoa(a.Y), itoa(a.X), itoa(a.Y), itoa(ms)},
			models.Succeeded("long pressed %d,%d", a.X, a.Y), true

	case models.ActionType:
		if a.Text == "" {
			return nil, models.Failure("type: no text given"), false
		}
		// input text treats a literal space as an argument break
		text := strings.ReplaceAll(a.Text, " ", "%s")
		return []string{"input", "text", shellescape.Quote(text)}, models.Succeeded("typed %d characters", len(a.Text)), true

	case models.ActionSwipe:
		x, y, x2, y2 := a.X, a.Y, a.X2, a.Y2
		if x == x2 && y == y2 {
			var ok bool
			if x, y, x2, y2, ok = d.stroke(ctx, a.Direction, 75, 25); !ok {
				return nil, models.Failure("swipe: no coordinates and screen size unknown"), false
			}
		}
		ms := a.DurationMs
		if ms <= 0 {
			ms = defaultSwipeMs
		}
		return []string{"input", "swipe", itoa(x), itoa(y), itoa(x2), itoa(y2), itoa(ms)},
			models.Succeeded("swiped %s", a.Direction), true

	case models.ActionScroll:
		dir := a.Direction
		if dir == "" {
			dir = models.Down
		}
		// content moves opposite to the finger
		finger := map[models.Direction]models.Direction{
			models.Down: models.Up, models.Up: models.Down,
			models.Left: models.Right, models.Right: models.Left,
		}[dir]
		if finger == "" {
			return nil, models.Failure("scroll: unknown direction %q", dir), false
		}
		x, y, x2, y2, ok := d.stroke(ctx, finger, 70, 30)
		if !ok {
			return nil, models.Failure("scroll: screen size unknown"), false
		}
		return []string{"input", "swipe", itoa(x), itoa(y), itoa(x2), itoa(y2), itoa(scrollMs)},
			models.Succeeded("scrolled %s", dir), true

	case models.ActionLaunch:
		if a.URI != "" {
			intent := "android.intent.action.VIEW"
			if strings.HasPrefix(a.URI, "mailto:") || strings.HasPrefix(a.URI, "smsto:") {
				intent = "android.intent.action.SENDTO"
			}
			return []string{"am", "start", "-a", intent, "-d", shellescape.Quote(a.URI)},
				models.Succeeded("opened %s", a.URI), true
		}
		if a.Package == "" {
			return nil, models.Failure("launch: no package or uri"), false
		}
		return []string{"monkey", "-p", shellescape.Quote(a.Package), "-c", "android.intent.category.LAUNCHER", "1"},
			models.Succeeded("launched %s", a.Package), true

	case models.ActionBack:
		return keyevent(keyBack), models.Succeeded("pressed back"), true
	case models.ActionHome:
		return keyevent(keyHome), models.Succeeded("pressed home"), true
	case models.ActionRecents:
		return keyevent(keyRecents), models.Succeeded("opened recents"), true
	case models.ActionPaste:
		return keyevent(keyPaste), models.Succeeded("pasted"), true

	case models.ActionSetClipboard:
		if len(d.cfg.ClipboardCommand) == 0 {
			return nil, models.Failure("set_clipboard: no clipboard command configured"), false
		}
		args := append(append([]string(nil), d.cfg.ClipboardCommand...), shellescape.Quote(a.Text))
		return args, models.Succeeded("clipboard set"), true
	}
	return nil, models.Failure("%s: not supported by the adb device", a.Kind), false
}

func keyevent(code int) []string { return []string{"input", "keyevent", itoa(code)} }

// stroke is a finger path through the screen centre in direction dir, from
// from percent to to percent of the relevant axis.
func (d *Device) stroke(ctx context.Context, dir models.Direction, from, to int) (int, int, int, int, bool) {
	w, h := d.size(ctx)
	if w == 0 || h == 0 {
		return 0, 0, 0, 0, false
	}
	cx, cy := w/2, h/2
	at := func(n, pct int) int { return n * pct / 100 }
	switch dir {
	case models.Up:
		return cx, at(h, from), cx, at(h, to), true
	case models.Down:
		return cx, at(h, to), cx, at(h, from), true
	case models.Left:
		return at(w, from), cy, at(w, to), cy, true
	case models.Right:
		return at(w, to), cy, at(w, from), cy, true
	}
	return cx, at(h, from), cx, at(h, to), true
}
