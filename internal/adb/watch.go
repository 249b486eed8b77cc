package adb

import (
	"context"
	"regexp"
	"time"

	"go-droidagent/pkg/messages"
)

// ForegroundChanged is the event name reported when another app takes focus.
const ForegroundChanged = "foreground_changed"

var focusPattern = regexp.MustCompile(`mCurrentFocus=Window\{\S+ \S+ ([\w.]+)/`)

// Foreground returns the package of the focused window, or "" when nothing
// holds focus (lock screen, transitions).
func (d *Device) Foreground(ctx context.Context) (string, error) {
	out, err := d.shell(ctx, "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	m := focusPattern.FindSubmatch(out)
	if m == nil {
		return "", nil
	}
	return string(m[1]), nil
}

// WatchForeground polls the focused package every interval and emits an event
// each time it changes. It returns when ctx ends.
func (d *Device) WatchForeground(ctx context.Context, every time.Duration, emit func(messages.EventPayload) error) error {
	var last string
	for {
		pkg, err := d.Foreground(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			d.log.Debug().Err(err).Msg("reading foreground app failed")
		case pkg != "" && pkg != last:
			ev := messages.EventPayload{Name: ForegroundChanged, Data: map[string]any{"package": pkg}}
			if last != "" {
				ev.Data["previous"] = last
			}
			if err := emit(ev); err != nil {
				d.log.Warn().Err(err).Str("package", pkg).Msg("foreground event not queued")
			} else {
				last = pkg
			}
		}
		if err := d.clock.Sleep(ctx, every); err != nil {
			return nil
		}
	}
}
