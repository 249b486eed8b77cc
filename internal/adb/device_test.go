package adb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-droidagent/internal/poll"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

const chatDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.chat" content-desc="" clickable="false" enabled="true" bounds="[0,0][1080,2400]">
    <node index="0" text="" resource-id="com.example.chat:id/composer" class="android.widget.EditText" package="com.example.chat" hint="Message" clickable="true" enabled="true" bounds="[40,2200][900,2320]" />
    <node index="1" text="" resource-id="com.example.chat:id/send" class="android.widget.ImageButton" package="com.example.chat" content-desc="Send" clickable="true" enabled="true" bounds="[920,2200][1040,2320]" />
    <node index="2" text="Hello there" resource-id="" class="android.widget.TextView" package="com.example.chat" clickable="false" enabled="true" bounds="[40,400][700,480]" />
  </node>
</hierarchy>UI hierchary dumped to: /dev/tty`

// fakeRunner answers by the joined argument list; queued replies are used
// once each before falling back to the fixed reply.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	fixed  map[string]string
	queued map[string][]string
	fail   map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		fixed:  map[string]string{"shell wm size": "Physical size: 1080x2400\n"},
		queued: map[string][]string{},
		fail:   map[string]error{},
	}
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.fail[key]; ok {
		return nil, err
	}
	if q := f.queued[key]; len(q) > 0 {
		f.queued[key] = q[1:]
		return []byte(q[0]), nil
	}
	return []byte(f.fixed[key]), nil
}

func (f *fakeRunner) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

const dumpCmd = "exec-out uiautomator dump /dev/tty"

func newDevice(r *fakeRunner) (*Device, *poll.FakeClock) {
	clock := poll.NewFakeClock()
	return New(DefaultConfig(), r, clock, zerolog.Nop()), clock
}

func TestParseDump(t *testing.T) {
	root, err := parseDump([]byte(chatDump))
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, models.Rect{Right: 1080, Bottom: 2400}, root.Bounds)
	require.Len(t, root.Children, 3)

	composer := root.Children[0]
	assert.True(t, composer.Editable)
	assert.Equal(t, "Message", composer.Hint)
	assert.Equal(t, models.Rect{Left: 40, Top: 2200, Right: 900, Bottom: 2320}, composer.Bounds)
	assert.Equal(t, "Send", root.Children[1].ContentDesc)
	assert.True(t, root.Children[1].Clickable)
}

func TestParseDumpWithoutHierarchy(t *testing.T) {
	root, err := parseDump([]byte("ERROR: null root node returned by UiTestAutomationBridge.\n"))
	assert.NoError(t, err)
	assert.Nil(t, root)

	_, err = parseDump([]byte("<hierarchy><node bounds=></hierarchy>"))
	assert.Error(t, err)
}

func TestParseSizePrefersOverride(t *testing.T) {
	w, h, ok := parseSize([]byte("Physical size: 1440x3120\nOverride size: 1080x2340\n"))
	require.True(t, ok)
	assert.Equal(t, 1080, w)
	assert.Equal(t, 2340, h)

	_, _, ok = parseSize([]byte("no display"))
	assert.False(t, ok)
}

func TestScreenRetriesTransitionalDumps(t *testing.T) {
	r := newFakeRunner()
	r.queued[dumpCmd] = []string{"ERROR: null root node returned by UiTestAutomationBridge.", chatDump}
	d, clock := newDevice(r)

	p, err := d.Screen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1080, p.Width)
	assert.Equal(t, 2400, p.Height)
	assert.Equal(t, "com.example.chat", p.Package)
	assert.NotEmpty(t, p.ScreenHash)
	assert.Len(t, p.Elements, 3)
	assert.Len(t, clock.Sleeps(), 1)
}

func TestScreenSurfacesAdbFailure(t *testing.T) {
	r := newFakeRunner()
	r.fail[dumpCmd] = errors.New("device offline")
	d, _ := newDevice(r)

	_, err := d.Screen(context.Background())
	assert.ErrorContains(t, err, "device offline")
}

func TestExecuteMapsPrimitives(t *testing.T) {
	tests := []struct {
		name   string
		action models.Action
		want   string
	}{
		{"tap", models.Action{Kind: models.ActionTap, X: 10, Y: 20}, "shell input tap 10 20"},
		{"long press default", models.Action{Kind: models.ActionLongPress, X: 5, Y: 6}, "shell input swipe 5 6 5 6 800"},
		{"type escapes", models.Action{Kind: models.ActionType, Text: "it's done"}, `shell input text 'it'"'"'s%sdone'`},
		{"swipe explicit", models.Action{Kind: models.ActionSwipe, X: 540, Y: 1800, X2: 540, Y2: 600, DurationMs: 300}, "shell input swipe 540 1800 540 600 300"},
		{"swipe by direction", models.Action{Kind: models.ActionSwipe, Direction: models.Left}, "shell input swipe 810 1200 270 1200 300"},
		{"scroll down", models.Action{Kind: models.ActionScroll, Direction: models.Down}, "shell input swipe 540 1680 540 720 400"},
		{"scroll default", models.Action{Kind: models.ActionScroll}, "shell input swipe 540 1680 540 720 400"},
		{"scroll up", models.Action{Kind: models.ActionScroll, Direction: models.Up}, "shell input swipe 540 720 540 1680 400"},
		{"launch package", models.Action{Kind: models.ActionLaunch, Package: "com.example.chat"}, "shell monkey -p com.example.chat -c android.intent.category.LAUNCHER 1"},
		{"launch mailto", models.Action{Kind: models.ActionLaunch, URI: "mailto:a@b.io"}, "shell am start -a android.intent.action.SENDTO -d mailto:a@b.io"},
		{"launch url", models.Action{Kind: models.ActionLaunch, URI: "https://x.io/?a=1&b=2"}, "shell am start -a android.intent.action.VIEW -d 'https://x.io/?a=1&b=2'"},
		{"back", models.Action{Kind: models.ActionBack}, "shell input keyevent 4"},
		{"home", models.Action{Kind: models.ActionHome}, "shell input keyevent 3"},
		{"recents", models.Action{Kind: models.ActionRecents}, "shell input keyevent 187"},
		{"paste", models.Action{Kind: models.ActionPaste}, "shell input keyevent 279"},
		{"clipboard", models.Action{Kind: models.ActionSetClipboard, Text: "hi there"}, "shell am broadcast -a clipper.set -e text 'hi there'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			d, _ := newDevice(r)
			res, err := d.Execute(context.Background(), tt.action)
			require.NoError(t, err)
			assert.True(t, res.Success, res.Message)
			assert.Equal(t, tt.want, r.last())
		})
	}
}

func TestExecuteRefusals(t *testing.T) {
	r := newFakeRunner()
	r.fixed["shell wm size"] = ""
	d, _ := newDevice(r)

	for _, a := range []models.Action{
		{Kind: models.ActionType},
		{Kind: models.ActionLaunch},
		{Kind: models.ActionWait},
		{Kind: models.ActionScroll, Direction: "sideways"},
		{Kind: models.ActionScroll, Direction: models.Down},
	} {
		res, err := d.Execute(context.Background(), a)
		require.NoError(t, err)
		assert.False(t, res.Success, a.Kind)
	}
}

func TestExecuteCommandFailureIsError(t *testing.T) {
	r := newFakeRunner()
	r.fail["shell input keyevent 4"] = errors.New("exit status 1")
	d, _ := newDevice(r)

	_, err := d.Execute(context.Background(), models.Action{Kind: models.ActionBack})
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	r := newFakeRunner()
	r.fixed["shell getprop ro.product.model"] = "Pixel 8\n"
	r.fixed["shell getprop ro.product.manufacturer"] = "Google\n"
	r.fixed["shell getprop ro.build.version.release"] = "14\n"
	d, _ := newDevice(r)

	assert.Equal(t, models.DeviceInfo{Model: "Pixel 8", Manufacturer: "Google", OSVersion: "14", Width: 1080, Height: 2400},
		d.Info(context.Background()))
}

func TestScreenshot(t *testing.T) {
	r := newFakeRunner()
	r.fixed["exec-out screencap -p"] = "\x89PNG"
	d, _ := newDevice(r)

	img, err := d.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), img)

	delete(r.fixed, "exec-out screencap -p")
	_, err = d.Screenshot(context.Background())
	assert.Error(t, err)
}

const windowsCmd = "shell dumpsys window windows"

func focus(pkg string) string {
	return "  mCurrentFocus=Window{4f1a2c u0 " + pkg + "/" + pkg + ".MainActivity}\n  mFocusedApp=ActivityRecord{...}\n"
}

func TestForeground(t *testing.T) {
	r := newFakeRunner()
	r.fixed[windowsCmd] = focus("com.android.settings")
	d, _ := newDevice(r)

	pkg, err := d.Foreground(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "com.android.settings", pkg)

	r.fixed[windowsCmd] = "  mCurrentFocus=null\n"
	pkg, err = d.Foreground(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pkg)
}

func TestWatchForegroundEmitsChangesOnly(t *testing.T) {
	r := newFakeRunner()
	r.queued[windowsCmd] = []string{focus("com.android.settings"), focus("com.android.settings"), "  mCurrentFocus=null\n", focus("com.example.mail")}
	d, clock := newDevice(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []map[string]any
	err := d.WatchForeground(ctx, time.Second, func(ev messages.EventPayload) error {
		assert.Equal(t, ForegroundChanged, ev.Name)
		got = append(got, ev.Data)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"package": "com.android.settings"},
		{"package": "com.example.mail", "previous": "com.android.settings"},
	}, got)
	assert.Len(t, clock.Sleeps(), 3)
}
