// Package voice buffers streamed microphone audio per device and turns it
// into partial and final transcripts.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
)

var ErrNoSession = errors.New("no voice session for device")

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Emitter delivers a transcript message to a device.
type Emitter func(deviceID string, env messages.Envelope) error

// TickerFunc returns a tick channel and its stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Config struct {
	PartialInterval   time.Duration
	MinBytes          int
	TranscribeTimeout time.Duration
}

// DefaultConfig requires 100 ms of 16 kHz mono PCM16 before transcribing.
func DefaultConfig() Config {
	return Config{
		PartialInterval:   2 * time.Second,
		MinBytes:          3200,
		TranscribeTimeout: 30 * time.Second,
	}
}

type capture struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	buf     []byte
	partial int // buffer length at the last partial
}

func (c *capture) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf...)
}

type Manager struct {
	cfg    Config
	stt    Transcriber
	emit   Emitter
	ticker TickerFunc
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*capture
}

// New returns a manager; a nil ticker uses time.Ticker.
func New(cfg Config, stt Transcriber, emit Emitter, ticker TickerFunc, log zerolog.Logger) *Manager {
	if ticker == nil {
		ticker = realTicker
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		stt:      stt,
		emit:     emit,
		ticker:   ticker,
		log:      log.With().Str(logger.AgentNameField, "voice").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*capture{},
	}
}

// Start opens a capture for the device, discarding any capture already open.
func (m *Manager) Start(deviceID string) {
	c := &capture{done: make(chan struct{})}
	c.ctx, c.cancel = context.WithCancel(m.ctx)

	m.mu.Lock()
	prev := m.sessions[deviceID]
	m.sessions[deviceID] = c
	m.mu.Unlock()
	if prev != nil {
		m.log.Debug().Str(logger.DeviceField, deviceID).Msg("restart discards previous capture")
		stop(prev)
	}

	tick, stopTicker := m.ticker(m.cfg.PartialInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(c.done)
		defer stopTicker()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-tick:
				m.partial(deviceID, c)
			}
		}
	}()
}

func (m *Manager) Chunk(deviceID string, data []byte) error {
	c := m.lookup(deviceID)
	if c == nil {
		return ErrNoSession
	}
	c.mu.Lock()
	c.buf = append(c.buf, data...)
	c.mu.Unlock()
	return nil
}

// Finalize stops the capture and emits one final transcript. Audio shorter
// than the minimum yields an empty final transcript.
func (m *Manager) Finalize(deviceID string) error {
	c := m.take(deviceID)
	if c == nil {
		return ErrNoSession
	}
	stop(c)

	pcm := c.snapshot()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var text string
		if len(pcm) >= m.cfg.MinBytes {
			var err error
			if text, err = m.transcribe(m.ctx, pcm); err != nil {
				m.log.Warn().Err(err).Str(logger.DeviceField, deviceID).Msg("final transcription failed")
			}
		}
		m.send(deviceID, messages.TranscriptFinal, text)
	}()
	return nil
}

// Cancel discards the capture without transcribing.
func (m *Manager) Cancel(deviceID string) {
	if c := m.take(deviceID); c != nil {
		stop(c)
	}
}

func (m *Manager) Active(deviceID string) bool { return m.lookup(deviceID) != nil }

// Close cancels every capture and waits for in-flight transcriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*capture{}
	m.mu.Unlock()
	m.cancel()
	for _, c := range all {
		<-c.done
	}
	m.wg.Wait()
}

func (m *Manager) partial(deviceID string, c *capture) {
	c.mu.Lock()
	ready := len(c.buf) >= m.cfg.MinBytes && len(c.buf) > c.partial
	pcm := append([]byte(nil), c.buf...)
	if ready {
		c.partial = len(pcm)
	}
	c.mu.Unlock()
	if !ready {
		return
	}

	text, err := m.transcribe(c.ctx, pcm)
	if err != nil {
		if c.ctx.Err() == nil {
			m.log.Warn().Err(err).Str(logger.DeviceField, deviceID).Msg("partial transcription failed")
		}
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	m.send(deviceID, messages.TranscriptPartial, text)
}

func (m *Manager) transcribe(ctx context.Context, pcm []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TranscribeTimeout)
	defer cancel()
	return m.stt.Transcribe(ctx, pcm)
}

func (m *Manager) send(deviceID string, kind messages.Kind, text string) {
	env := messages.MustNew(kind, "", messages.TranscriptPayload{Text: text})
	if err := m.emit(deviceID, env); err != nil {
		m.log.Debug().Err(err).Str(logger.DeviceField, deviceID).Msg("transcript not delivered")
	}
}

func (m *Manager) lookup(deviceID string) *capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[deviceID]
}

func (m *Manager) take(deviceID string) *capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	return c
}

func stop(c *capture) {
	c.cancel()
	<-c.done
}
