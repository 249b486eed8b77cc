package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"go-droidagent/internal/adb"
	"go-droidagent/internal/bridge"
	"go-droidagent/internal/poll"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Connect an adb device to the orchestrator and execute its commands.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateBridge(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runBridge(ctx)
	},
}

func runBridge(ctx context.Context) error {
	log := logger.Named("bridge")
	clock := poll.RealClock{}

	adbCfg := adb.DefaultConfig()
	adbCfg.MaxElements = cfg.Screen.MaxElements
	adbCfg.RetryDelays = cfg.Screen.RetryDelays
	dev := adb.New(adbCfg, adb.ExecRunner{Path: cfg.Bridge.ADB, Serial: cfg.Bridge.Serial}, clock, logger.Named("adb"))

	bcfg := bridge.DefaultConfig()
	bcfg.URL = cfg.Bridge.Server
	bcfg.Credential = cfg.Bridge.Credential
	bcfg.Device = dev.Info(ctx)
	bcfg.Heartbeat = cfg.Transport.Heartbeat
	bcfg.PongTimeout = cfg.Transport.PongTimeout
	bcfg.AuthTimeout = cfg.Transport.AuthTimeout
	bcfg.BackoffInitial = cfg.Transport.BackoffInitial
	bcfg.BackoffMax = cfg.Transport.BackoffMax
	bcfg.QueueLimit = cfg.Transport.QueueLimit

	client := bridge.New(bcfg, dev, clock, log)
	client.Notify = func(env messages.Envelope) { logNotification(log, env) }

	states, unsubscribe := client.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-states:
				log.Info().Str(logger.StateField, string(s)).Msg("connection state")
			}
		}
	}()

	if every := cfg.Bridge.ForegroundInterval; every > 0 {
		go func() {
			_ = dev.WatchForeground(ctx, every, func(ev messages.EventPayload) error {
				env, err := messages.New(messages.Event, "", ev)
				if err != nil {
					return err
				}
				return client.Emit(env)
			})
		}()
	}

	return client.Run(ctx)
}

func logNotification(log zerolog.Logger, env messages.Envelope) {
	switch env.Type {
	case messages.Step:
		var p messages.StepPayload
		if env.Decode(&p) == nil {
			log.Info().Str(logger.SessionField, p.SessionID).Int(logger.StepField, p.StepNumber).
				Str(logger.ActionField, string(p.Action.Kind)).Bool("success", p.Success).Msg(p.Message)
		}
	case messages.GoalStarted, messages.GoalCompleted, messages.GoalFailed:
		var p messages.GoalPayload
		if env.Decode(&p) == nil {
			log.Info().Str(logger.SessionField, p.SessionID).Str("status", string(p.Status)).Msg(string(env.Type))
		}
	default:
		log.Debug().Str("type", string(env.Type)).Msg("notification")
	}
}
