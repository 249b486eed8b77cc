package actor

import (
	"context"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/zerolog/log"

	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

// Supervisor is the single writer of session records and of the per-device
// admission map. A device holds its slot from admission until the session
// reaches a terminal status.
type Supervisor struct {
	sessions map[string]*models.AgentSession
	active   map[string]string // device id -> session id
	cancels  map[string]context.CancelFunc
	now      func() time.Time
}

func New() actor.Actor {
	return &Supervisor{
		sessions: map[string]*models.AgentSession{},
		active:   map[string]string{},
		cancels:  map[string]context.CancelFunc{},
		now:      time.Now,
	}
}

func (s *Supervisor) Receive(ac actor.Context) {
	l := log.With().Str(logger.AgentNameField, "supervisor").Logger()
	switch msg := ac.Message().(type) {
	case *actor.Started:
		l.Debug().Msg("starting actor")
	case *actor.Stopping:
		l.Debug().Msg("stopping actor")
		for id, cancel := range s.cancels {
			cancel()
			delete(s.cancels, id)
		}
	case *actor.Restarting:
		l.Debug().Msg("restarting actor")
	case messages.Admit:
		sess := msg.Session
		if id, ok := s.active[sess.DeviceID]; ok {
			holder := s.sessions[id]
			l.Debug().Str(logger.DeviceField, sess.DeviceID).Str(logger.SessionField, id).Msg("device busy")
			ac.Respond(messages.Rejected{SessionID: id, Goal: holder.Goal})
			return
		}
		rec := sess.Clone()
		s.sessions[rec.ID] = rec
		s.active[rec.DeviceID] = rec.ID
		if msg.Cancel != nil {
			s.cancels[rec.ID] = msg.Cancel
		}
		l.Info().Str(logger.DeviceField, rec.DeviceID).Str(logger.SessionField, rec.ID).Msg("session admitted")
		ac.Respond(messages.Admitted{SessionID: rec.ID})
	case messages.Started:
		if rec, ok := s.sessions[msg.SessionID]; ok {
			if err := rec.Transition(models.Running, "", s.now()); err != nil {
				l.Warn().Err(err).Str(logger.SessionField, msg.SessionID).Msg("ignoring start")
			}
		}
	case messages.StepRecorded:
		if rec, ok := s.sessions[msg.SessionID]; ok && !rec.Status.Terminal() {
			rec.Append(msg.Step)
		}
	case messages.EventRecorded:
		if id, ok := s.active[msg.DeviceID]; ok {
			if rec := s.sessions[id]; !rec.Status.Terminal() {
				rec.Observe(msg.Event)
			}
		}
	case messages.Finished:
		rec, ok := s.sessions[msg.SessionID]
		if !ok {
			reply(ac, messages.SessionSnapshot{})
			return
		}
		if err := rec.Transition(msg.Status, msg.Reason, s.now()); err != nil {
			l.Warn().Err(err).Str(logger.SessionField, msg.SessionID).Msg("ignoring finish")
		} else if msg.StepsUsed > rec.StepsUsed {
			rec.StepsUsed = msg.StepsUsed
		}
		s.release(rec)
		l.Info().Str(logger.SessionField, rec.ID).Str("status", string(rec.Status)).Msg("session finished")
		reply(ac, messages.SessionSnapshot{Session: rec.Clone()})
	case messages.Stop:
		id, ok := s.active[msg.DeviceID]
		if !ok {
			ac.Respond(messages.NotRunning{})
			return
		}
		// the slot is released when the loop reports Finished
		if cancel, ok := s.cancels[id]; ok {
			cancel()
		}
		ac.Respond(messages.Stopped{SessionID: id})
	case messages.GetSession:
		if rec, ok := s.sessions[msg.SessionID]; ok {
			ac.Respond(messages.SessionSnapshot{Session: rec.Clone()})
			return
		}
		ac.Respond(messages.SessionSnapshot{})
	case messages.GetActive:
		if id, ok := s.active[msg.DeviceID]; ok {
			ac.Respond(messages.SessionSnapshot{Session: s.sessions[id].Clone()})
			return
		}
		ac.Respond(messages.SessionSnapshot{})
	default:
		l.Warn().Msgf("unknown message: %T", msg)
	}
}

func (s *Supervisor) release(rec *models.AgentSession) {
	if s.active[rec.DeviceID] == rec.ID {
		delete(s.active, rec.DeviceID)
	}
	if cancel, ok := s.cancels[rec.ID]; ok {
		cancel()
		delete(s.cancels, rec.ID)
	}
}

// reply answers requests. Finished may also arrive as a plain send.
func reply(ac actor.Context, msg any) {
	if ac.Sender() != nil {
		ac.Respond(msg)
	}
}
