package messages

import (
	"context"

	"go-droidagent/pkg/models"
)

// Admit asks the supervisor for the device slot.
type Admit struct {
	Session *models.AgentSession
	Cancel  context.CancelFunc
}

type Admitted struct {
	SessionID string
}

// Rejected carries the session that already holds the device.
type Rejected struct {
	SessionID string
	Goal      string
}

type Started struct {
	SessionID string
}

type StepRecorded struct {
	SessionID string
	Step      models.AgentStep
}

type Finished struct {
	SessionID string
	Status    models.SessionStatus
	Reason    string
	StepsUsed int
}

// EventRecorded attaches a device event to the device's active session, if any.
type EventRecorded struct {
	DeviceID string
	Event    models.DeviceEvent
}

// Stop cancels whatever session holds the device.
type Stop struct {
	DeviceID string
}

type Stopped struct {
	SessionID string
}

type NotRunning struct{}

type GetSession struct {
	SessionID string
}

type GetActive struct {
	DeviceID string
}

type SessionSnapshot struct {
	Session *models.AgentSession // nil when unknown
}
