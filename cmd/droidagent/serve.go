package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-droidagent/internal/agents/reasoner/handler"
	"go-droidagent/internal/agents/runner"
	"go-droidagent/internal/api"
	"go-droidagent/internal/hub"
	"go-droidagent/internal/pairing"
	"go-droidagent/internal/poll"
	"go-droidagent/internal/session"
	"go-droidagent/internal/skills"
	"go-droidagent/internal/voice"
	"go-droidagent/pkg/logger"
	"go-droidagent/pkg/messages"
	"go-droidagent/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: goal API, device endpoint and agent loops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	issuer, err := pairing.NewIssuer(cfg.Pairing.Secret, "droidagent", 0)
	if err != nil {
		return err
	}

	hubCfg := hub.DefaultConfig()
	hubCfg.AuthTimeout = cfg.Transport.AuthTimeout
	hubCfg.PingPeriod = cfg.Transport.Heartbeat
	hubCfg.PongWait = cfg.Transport.PongTimeout
	hubCfg.RequestTimeout = cfg.Agent.CommandTimeout
	devices := hub.New(hubCfg, issuer, logger.Named("hub"))

	factory, err := handler.NewFactory(cfg.Reasoner.Model, cfg.Reasoner.APIKey, cfg.Agent.ReasoningTimeout)
	if err != nil {
		return err
	}
	reasoners := func(override *models.ReasonerConfig) (runner.Reasoner, error) {
		h, err := factory.For(override)
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	clock := poll.RealClock{}
	engine := skills.NewEngine(skillsConfig(), clock, logger.Named("skills"))

	system := actor.NewActorSystem()
	sessions := session.New(session.Config{
		Runner: runner.Config{
			MaxSteps:             cfg.Agent.MaxSteps,
			StuckThreshold:       cfg.Agent.StuckThreshold,
			HistoryWindow:        cfg.Agent.HistoryWindow,
			MaxTransportFailures: cfg.Agent.MaxTransportFailures,
			MaxReasoningFailures: cfg.Agent.MaxReasoningFailures,
			ScreenshotFallback:   cfg.Agent.ScreenshotFallback,
		},
		MaxElements:  cfg.Screen.MaxElements,
		ActorTimeout: cfg.Agent.ActorTimeout,
	}, system.Root, devices, reasoners, engine, clock, logger.Named("session"))
	devices.OnConnect(sessions.Connected)
	devices.OnDisconnect(sessions.Disconnected)
	devices.Handle(messages.Event, sessions.Event)

	speech := voice.New(voice.Config{
		PartialInterval:   cfg.Voice.PartialInterval,
		MinBytes:          cfg.Voice.MinBytes,
		TranscribeTimeout: cfg.Voice.TranscribeTimeout,
	}, voice.NewWhisper(cfg.Voice.APIKey, cfg.Voice.Model, cfg.Voice.SampleRate), devices.Send, nil, logger.Named("voice"))
	voice.Attach(devices, speech)

	pairs := pairing.New(pairing.Config{
		CodeTTL:       cfg.Pairing.CodeTTL,
		CodeDigits:    pairing.DefaultConfig().CodeDigits,
		RatePerMinute: cfg.Pairing.RatePerMinute,
		Burst:         cfg.Pairing.Burst,
		Endpoint:      cfg.Server.PublicURL,
	}, issuer, nil, logger.Named("pairing"))

	srv := api.New(cfg.Server.Addr, sessions, pairs, devices, logger.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Stop(sctx)
		sessions.Shutdown()
		speech.Close()
		devices.Close()
		log.Info().Msg("server exiting")
		return err
	})
	return g.Wait()
}

func skillsConfig() skills.Config {
	s := cfg.Skills
	return skills.Config{
		Settle:            s.Settle,
		WaitInterval:      s.WaitInterval,
		WaitPolls:         s.WaitPolls,
		WaitMinChars:      s.WaitMinChars,
		MaxScrolls:        s.MaxScrolls,
		LikeZone:          s.LikeZone,
		HeaderBand:        s.HeaderBand,
		FooterBand:        s.FooterBand,
		RowTolerance:      s.RowTolerance,
		RelayoutTolerance: s.RelayoutTolerance,
		DefaultOrdinal:    s.DefaultOrdinal,
	}
}
