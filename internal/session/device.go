package session

import (
	"context"
	"fmt"

	"go-droidagent/internal/screen"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

// remoteDevice drives a phone through the transport, one command at a time.
type remoteDevice struct {
	transport   Transport
	deviceID    string
	maxElements int
}

func (d *remoteDevice) Screen(ctx context.Context) (models.Screen, error) {
	res, err := d.transport.Request(ctx, d.deviceID, messages.MustNew(messages.GetScreen, "", nil))
	if err != nil {
		return models.Screen{}, fmt.Errorf("get_screen: %w", err)
	}
	if res.Type == messages.Error {
		return models.Screen{}, deviceError(res)
	}
	var p messages.ScreenPayload
	if err := res.Decode(&p); err != nil {
		return models.Screen{}, err
	}
	if p.Tree != nil {
		return screen.Build(p.Tree, d.maxElements), nil
	}
	return screen.Normalize(models.Screen{
		Elements: p.Elements,
		Width:    p.Width,
		Height:   p.Height,
		Package:  p.Package,
	}, d.maxElements), nil
}

// Perform returns a failed result, not an error, when the device refuses an action.
func (d *remoteDevice) Perform(ctx context.Context, a models.Action) (models.ActionResult, error) {
	env, err := messages.New(messages.Execute, "", messages.ExecutePayload{Action: a})
	if err != nil {
		return models.ActionResult{}, err
	}
	res, err := d.transport.Request(ctx, d.deviceID, env)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("execute %s: %w", a.Kind, err)
	}
	if res.Type == messages.Error {
		return models.Failure("%s: %v", a.Kind, deviceError(res)), nil
	}
	var p messages.ResultPayload
	if err := res.Decode(&p); err != nil {
		return models.ActionResult{}, err
	}
	out := models.ActionResult{Success: p.Success, Message: p.Message, Data: p.Data}
	if out.Message == "" {
		out.Message = p.Error
	}
	if out.Message == "" {
		out.Message = string(a.Kind)
	}
	return out, nil
}

func (d *remoteDevice) Screenshot(ctx context.Context) ([]byte, error) {
	res, err := d.transport.Request(ctx, d.deviceID, messages.MustNew(messages.GetShot, "", nil))
	if err != nil {
		return nil, fmt.Errorf("get_screenshot: %w", err)
	}
	if res.Type == messages.Error {
		return nil, deviceError(res)
	}
	var p messages.ScreenshotPayload
	if err := res.Decode(&p); err != nil {
		return nil, err
	}
	return p.Image, nil
}

func deviceError(env messages.Envelope) error {
	var p messages.ErrorPayload
	_ = env.Decode(&p)
	if p.Reason == "" {
		p.Reason = "unspecified"
	}
	return fmt.Errorf("device error: %s", p.Reason)
}
