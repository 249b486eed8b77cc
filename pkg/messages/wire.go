package messages

import (
	"encoding/json"
	"fmt"

	"go-droidagent/pkg/models"
)

type Kind string

// device <-> orchestrator message kinds
const (
	Auth       Kind = "auth"
	AuthOK     Kind = "auth_ok"
	AuthError  Kind = "auth_error"
	GetScreen  Kind = "get_screen"
	Screen     Kind = "screen"
	GetShot    Kind = "get_screenshot"
	Screenshot Kind = "screenshot"
	Execute    Kind = "execute"
	Result     Kind = "result"
	Error      Kind = "error"
	Ping       Kind = "ping"
	Pong       Kind = "pong"
	Event      Kind = "event"

	Step          Kind = "step"
	GoalStarted   Kind = "goal_started"
	GoalCompleted Kind = "goal_completed"
	GoalFailed    Kind = "goal_failed"

	VoiceStart        Kind = "voice_start"
	VoiceChunk        Kind = "voice_chunk"
	VoiceSend         Kind = "voice_send"
	VoiceCancel       Kind = "voice_cancel"
	TranscriptPartial Kind = "transcript_partial"
	TranscriptFinal   Kind = "transcript_final"
)

// Envelope is the single frame type on the device websocket.
type Envelope struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Correlated reports whether the kind answers a tagged request.
func (e Envelope) Correlated() bool {
	switch e.Type {
	case Screen, Screenshot, Result, Error:
		return e.RequestID != ""
	}
	return false
}

// New builds an envelope, marshalling payload when given.
func New(kind Kind, requestID string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", kind, err)
	}
	env.Payload = raw
	return env, nil
}

// MustNew is New for payloads that always marshal.
func MustNew(kind Kind, requestID string, payload any) Envelope {
	env, err := New(kind, requestID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

type AuthPayload struct {
	Credential string            `json:"credential"`
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type AuthOKPayload struct {
	DeviceID string `json:"deviceId"`
}

type AuthErrorPayload struct {
	Message string `json:"message"`
}

// ScreenPayload carries either sanitized elements or the raw tree.
type ScreenPayload struct {
	Elements   []models.UIElement `json:"elements,omitempty"`
	ScreenHash string             `json:"screenHash,omitempty"`
	Width      int                `json:"width,omitempty"`
	Height     int                `json:"height,omitempty"`
	Package    string             `json:"package,omitempty"`
	Tree       *models.Node       `json:"tree,omitempty"`
}

type ScreenshotPayload struct {
	Image  []byte `json:"image"`
	Format string `json:"format,omitempty"`
}

type ExecutePayload struct {
	Action models.Action `json:"action"`
}

type ResultPayload struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
}

type StepPayload struct {
	SessionID  string                `json:"sessionId"`
	StepNumber int                   `json:"stepNumber"`
	Action     models.ActionDecision `json:"action"`
	Reasoning  string                `json:"reasoning"`
	Success    bool                  `json:"success"`
	Message    string                `json:"message,omitempty"`
}

type GoalPayload struct {
	SessionID string               `json:"sessionId"`
	Goal      string               `json:"goal,omitempty"`
	Status    models.SessionStatus `json:"status,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Steps     int                  `json:"steps,omitempty"`
}

type EventPayload struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

type VoiceChunkPayload struct {
	Data []byte `json:"data"`
}

type TranscriptPayload struct {
	Text string `json:"text"`
}
