package voice

import (
	"go-droidagent/internal/hub"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
)

// Attach routes the device voice messages on h to m. A disconnect discards
// the device's capture.
func Attach(h *hub.Hub, m *Manager) {
	h.Handle(messages.VoiceStart, func(c *hub.Conn, _ messages.Envelope) {
		m.Start(c.DeviceID)
	})
	h.Handle(messages.VoiceChunk, func(c *hub.Conn, env messages.Envelope) {
		var p messages.VoiceChunkPayload
		if err := env.Decode(&p); err != nil {
			m.log.Debug().Err(err).Str(logger.DeviceField, c.DeviceID).Msg("bad voice chunk")
			return
		}
		if err := m.Chunk(c.DeviceID, p.Data); err != nil {
			m.log.Debug().Err(err).Str(logger.DeviceField, c.DeviceID).Msg("voice chunk dropped")
		}
	})
	h.Handle(messages.VoiceSend, func(c *hub.Conn, _ messages.Envelope) {
		if err := m.Finalize(c.DeviceID); err != nil {
			m.log.Debug().Err(err).Str(logger.DeviceField, c.DeviceID).Msg("nothing to finalize")
		}
	})
	h.Handle(messages.VoiceCancel, func(c *hub.Conn, _ messages.Envelope) {
		m.Cancel(c.DeviceID)
	})
	h.OnDisconnect(func(c *hub.Conn) {
		m.Cancel(c.DeviceID)
	})
}
