package models

import (
	"time"
)

// AgentSession is one goal execution on one device.
type AgentSession struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"deviceId"`
	UserID    string        `json:"userId,omitempty"`
	Goal      string        `json:"goal"`
	Status    SessionStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	MaxSteps  int           `json:"maxSteps"`
	StepsUsed int           `json:"stepsUsed"`
	Steps     []AgentStep   `json:"steps"`
	Events    []DeviceEvent `json:"events,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
}

// Transition moves the session to a new status. Terminal sessions never move again.
func (s *AgentSession) Transition(to SessionStatus, reason string, at time.Time) error {
	if !s.Status.CanTransition(to) {
		return &TransitionError{From: s.Status, To: to}
	}
	s.Status = to
	switch {
	case to == Running:
		s.StartedAt = &at
	case to.Terminal():
		s.Reason = reason
		s.EndedAt = &at
	}
	return nil
}

// Append records a finished step. Steps are immutable once appended.
func (s *AgentSession) Append(step AgentStep) {
	s.Steps = append(s.Steps, step)
	if step.Number > s.StepsUsed {
		s.StepsUsed = step.Number
	}
}

// Clone returns a copy safe to hand outside the owning actor.
func (s *AgentSession) Clone() *AgentSession {
	c := *s
	c.Steps = append([]AgentStep(nil), s.Steps...)
	c.Events = append([]DeviceEvent(nil), s.Events...)
	return &c
}

// MaxEvents bounds the device events kept on a session; older ones are dropped.
const MaxEvents = 64

// DeviceEvent is something the device reported on its own, such as a new
// foreground app.
type DeviceEvent struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
	Time time.Time      `json:"time"`
}

// Observe records a device event on a live session.
func (s *AgentSession) Observe(ev DeviceEvent) {
	s.Events = append(s.Events, ev)
	if over := len(s.Events) - MaxEvents; over > 0 {
		s.Events = append(s.Events[:0:0], s.Events[over:]...)
	}
}

// AgentStep is one loop iteration.
type AgentStep struct {
	Number     int            `json:"number"`
	ScreenHash string         `json:"screenHash"`
	Decision   ActionDecision `json:"decision"`
	Reasoning  string         `json:"reasoning"`
	Result     ActionResult   `json:"result"`
	Stuck      bool           `json:"stuck,omitempty"`
	Time       time.Time      `json:"time"`
}

// ReasonerConfig overrides the default reasoning service for one goal.
type ReasonerConfig struct {
	Model string `json:"model,omitempty"`
	Token string `json:"token,omitempty"`
}

// DeviceInfo is the descriptor a device sends with its credential.
type DeviceInfo struct {
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
	AppVersion   string `json:"appVersion,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}
