// Package config loads droidagent settings from defaults, an optional YAML
// file and DROIDAGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Skills    SkillsConfig    `mapstructure:"skills"`
	Screen    ScreenConfig    `mapstructure:"screen"`
	Transport TransportConfig `mapstructure:"transport"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Pairing   PairingConfig   `mapstructure:"pairing"`
	Reasoner  ReasonerConfig  `mapstructure:"reasoner"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type AgentConfig struct {
	MaxSteps             int           `mapstructure:"max_steps"`
	StuckThreshold       int           `mapstructure:"stuck_threshold"`
	HistoryWindow        int           `mapstructure:"history_window"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout"`
	ReasoningTimeout     time.Duration `mapstructure:"reasoning_timeout"`
	MaxTransportFailures int           `mapstructure:"max_transport_failures"`
	MaxReasoningFailures int           `mapstructure:"max_reasoning_failures"`
	ActorTimeout         time.Duration `mapstructure:"actor_timeout"`
	ScreenshotFallback   bool          `mapstructure:"screenshot_fallback"`
}

type SkillsConfig struct {
	Settle            time.Duration `mapstructure:"settle"`
	WaitInterval      time.Duration `mapstructure:"wait_interval"`
	WaitPolls         int           `mapstructure:"wait_polls"`
	WaitMinChars      int           `mapstructure:"wait_min_chars"`
	MaxScrolls        int           `mapstructure:"max_scrolls"`
	LikeZone          float64       `mapstructure:"like_zone"`
	HeaderBand        float64       `mapstructure:"header_band"`
	FooterBand        float64       `mapstructure:"footer_band"`
	RowTolerance      int           `mapstructure:"row_tolerance"`
	RelayoutTolerance int           `mapstructure:"relayout_tolerance"`
	DefaultOrdinal    int           `mapstructure:"default_ordinal"`
}

type ScreenConfig struct {
	MaxElements int             `mapstructure:"max_elements"`
	RetryDelays []time.Duration `mapstructure:"retry_delays"`
}

type TransportConfig struct {
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	QueueLimit     int           `mapstructure:"queue_limit"`
}

type VoiceConfig struct {
	PartialInterval   time.Duration `mapstructure:"partial_interval"`
	SampleRate        int           `mapstructure:"sample_rate"`
	MinBytes          int           `mapstructure:"min_bytes"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	TranscribeTimeout time.Duration `mapstructure:"transcribe_timeout"`
}

type PairingConfig struct {
	CodeTTL       time.Duration `mapstructure:"code_ttl"`
	Secret        string        `mapstructure:"secret"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Burst         int           `mapstructure:"burst"`
}

type ReasonerConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

type BridgeConfig struct {
	Server     string `mapstructure:"server"`
	Credential string `mapstructure:"credential"`
	Serial     string `mapstructure:"serial"`
	ADB        string `mapstructure:"adb"`

	// ForegroundInterval is how often the foreground app is polled for
	// change events; zero turns the watcher off.
	ForegroundInterval time.Duration `mapstructure:"foreground_interval"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "ws://localhost:8080/ws")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.pretty", false)

	v.SetDefault("agent.max_steps", 30)
	v.SetDefault("agent.stuck_threshold", 3)
	v.SetDefault("agent.history_window", 8)
	v.SetDefault("agent.command_timeout", "15s")
	v.SetDefault("agent.reasoning_timeout", "60s")
	v.SetDefault("agent.max_transport_failures", 3)
	v.SetDefault("agent.max_reasoning_failures", 3)
	v.SetDefault("agent.actor_timeout", "5s")
	v.SetDefault("agent.screenshot_fallback", true)

	v.SetDefault("skills.settle", "1500ms")
	v.SetDefault("skills.wait_interval", "3s")
	v.SetDefault("skills.wait_polls", 5)
	v.SetDefault("skills.wait_min_chars", 20)
	v.SetDefault("skills.max_scrolls", 10)
	v.SetDefault("skills.like_zone", 0.28)
	v.SetDefault("skills.header_band", 0.12)
	v.SetDefault("skills.footer_band", 0.12)
	v.SetDefault("skills.row_tolerance", 24)
	v.SetDefault("skills.relayout_tolerance", 120)
	v.SetDefault("skills.default_ordinal", 3)

	v.SetDefault("screen.max_elements", 60)
	v.SetDefault("screen.retry_delays", []string{"0s", "50ms", "100ms", "200ms", "300ms", "500ms"})

	v.SetDefault("transport.heartbeat", "25s")
	v.SetDefault("transport.pong_timeout", "60s")
	v.SetDefault("transport.auth_timeout", "10s")
	v.SetDefault("transport.backoff_initial", "1s")
	v.SetDefault("transport.backoff_max", "30s")
	v.SetDefault("transport.queue_limit", 256)

	v.SetDefault("voice.partial_interval", "2s")
	v.SetDefault("voice.sample_rate", 16000)
	v.SetDefault("voice.min_bytes", 3200)
	v.SetDefault("voice.model", "whisper-1")
	v.SetDefault("voice.api_key", "")
	v.SetDefault("voice.transcribe_timeout", "30s")

	v.SetDefault("pairing.code_ttl", "5m")
	v.SetDefault("pairing.secret", "")
	v.SetDefault("pairing.rate_per_minute", 5)
	v.SetDefault("pairing.burst", 3)

	v.SetDefault("reasoner.model", "gpt-4o-mini")

	v.SetDefault("bridge.server", "")
	v.SetDefault("bridge.credential", "")
	v.SetDefault("bridge.serial", "")
	v.SetDefault("bridge.adb", "adb")
	v.SetDefault("bridge.foreground_interval", "2s")
}

// Load reads path (or ./droidagent.yaml when empty and present) over the
// defaults, applies the environment and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("droidagent")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DROIDAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("reasoner.api_key", "DROIDAGENT_REASONER_API_KEY", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Voice.APIKey == "" {
		cfg.Voice.APIKey = cfg.Reasoner.APIKey
	}
	return &cfg, nil
}

// Validate checks what every role needs.
func (c *Config) Validate() error {
	switch {
	case c.Agent.MaxSteps <= 0:
		return errors.New("agent.max_steps must be positive")
	case c.Agent.StuckThreshold < 2:
		return errors.New("agent.stuck_threshold must be at least 2")
	case c.Agent.CommandTimeout <= 0 || c.Agent.ReasoningTimeout <= 0:
		return errors.New("agent timeouts must be positive")
	case c.Screen.MaxElements <= 0:
		return errors.New("screen.max_elements must be positive")
	case c.Skills.LikeZone <= 0 || c.Skills.LikeZone > 1:
		return errors.New("skills.like_zone must be in (0,1]")
	case c.Transport.BackoffInitial <= 0 || c.Transport.BackoffMax < c.Transport.BackoffInitial:
		return errors.New("transport backoff must be positive with max >= initial")
	}
	return nil
}

// ValidateServe adds what the orchestrator needs on top of Validate.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Pairing.Secret) < 16 {
		return errors.New("pairing.secret must be at least 16 characters")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

// ValidateBridge adds what the device side needs on top of Validate.
func (c *Config) ValidateBridge() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Bridge.Server == "" || c.Bridge.Credential == "" {
		return errors.New("bridge.server and bridge.credential are required")
	}
	return nil
}
