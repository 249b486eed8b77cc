package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	AgentNameField = "agent"
	DeviceField    = "device"
	ConnField      = "conn"
	SessionField   = "session"
	RequestField   = "request"
	StepField      = "step"
	SkillField     = "skill"
	ActionField    = "action"
	StateField     = "state"
)

func NewGlobal(level string, pretty bool) error {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(l)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// Named returns the global logger tagged with a component name.
func Named(name string) zerolog.Logger {
	return log.With().Str(AgentNameField, name).Logger()
}
