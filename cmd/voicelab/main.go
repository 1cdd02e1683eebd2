// Command voicelab is a headless session runner for smoke testing the
// full pipeline: credential mint, negotiation, duplex audio against mock
// devices, live turn-detection tuning, and escalation signaling.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradecraft-ai/voicelab/internal/config"
	"github.com/tradecraft-ai/voicelab/internal/log"
	"github.com/tradecraft-ai/voicelab/pkg/audioio"
	"github.com/tradecraft-ai/voicelab/pkg/credentials"
	"github.com/tradecraft-ai/voicelab/pkg/interaction"
	"github.com/tradecraft-ai/voicelab/pkg/playback"
	"github.com/tradecraft-ai/voicelab/pkg/session"
	"github.com/tradecraft-ai/voicelab/pkg/tools"
)

var (
	voice      = flag.String("voice", "", "voice identity (default from VOICELAB_VOICE)")
	phaseFlag  = flag.String("phase", "opening", "conversational phase: opening|discovery|objection|closing")
	trust      = flag.Float64("trust", 0.5, "trust level in [0,1] from the scenario layer")
	duration   = flag.Duration("duration", 0, "auto-stop after this long (0 runs until interrupted)")
	nativeFlag = flag.Bool("native", false, "use the media-track transport instead of the framed websocket")
)

func main() {
	flag.Parse()
	log.Init(config.LogLevel())
	logger := log.Component("voicelab")

	if *voice == "" {
		*voice = config.Env("VOICELAB_VOICE", config.DefaultVoice)
	}

	broker := credentials.NewHTTPBroker(config.BrokerURL(),
		credentials.WithVoice(*voice),
		credentials.WithLogger(log.L()),
	)

	source := audioio.NewMockSource(audioio.DefaultConfig(), log.L(),
		audioio.WithSineWave(440, 0.4))
	defer source.Close()

	player := audioio.NewMockPlayer(log.L())
	defer player.Close()

	queue := playback.New(player, playback.WithLogger(log.L()))
	queue.Start()
	defer queue.Stop()

	tracker := interaction.NewTracker(interaction.WithLogger(log.L()))

	registry := tools.NewRegistry()
	registry.Register(tools.Handler{
		Definition: tools.Define[consultArgs]("consult_manager",
			"Ask the sales manager for guidance on the current situation"),
		Fn: func(_ context.Context, req tools.Request) (string, error) {
			var args consultArgs
			if err := req.Args(&args); err != nil {
				return "", err
			}
			logger.Info("tool invoked", "question", args.Question)
			return "Manager says: hold firm on price, offer the extended trial instead.", nil
		},
	})

	opts := []session.Option{
		session.WithCredentials(broker),
		session.WithSource(source),
		session.WithPlayback(queue),
		session.WithRecorder(tracker),
		session.WithResolver(registry),
		session.WithTools(registry.Definitions()...),
		session.WithVoice(*voice),
		session.WithInstructions(config.Env("VOICELAB_INSTRUCTIONS",
			"You are a skeptical prospect evaluating a software purchase.")),
		session.WithLogger(log.L()),
		session.WithCallbacks(session.Callbacks{
			OnTranscript: func(role, text string, isFinal bool) {
				if isFinal {
					logger.Info("transcript", "role", role, "text", text)
				}
			},
			OnError: func(err error) {
				logger.Warn("session error", "error", err)
			},
		}),
	}
	if *nativeFlag {
		opts = append(opts, session.WithTransport(func() session.AudioTransport {
			return session.NewNativeMediaTransport(session.DefaultModel, log.L())
		}))
	}

	sess, err := session.New(opts...)
	if err != nil {
		logger.Error("session setup failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := sess.OpenWithRetry(ctx); err != nil {
		logger.Error("session open failed", "error", err)
		os.Exit(1)
	}
	tracker.Reset()
	defer sess.Close()

	phase := interaction.Phase(*phaseFlag)
	go tuneLoop(sess, tracker, *trust, phase, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case sig := <-sigCh:
			logger.Info("interrupted", "signal", sig.String())
		case <-time.After(*duration):
			logger.Info("duration elapsed")
		}
	} else {
		sig := <-sigCh
		logger.Info("interrupted", "signal", sig.String())
	}

	m := sess.Metrics()
	logger.Info("session summary",
		"uptime", m.Uptime,
		"frames_sent", m.FramesSent,
		"played", queue.Played(),
		"playback_faults", queue.Faults(),
	)
}

type consultArgs struct {
	Question string `json:"question" jsonschema:"description=What to ask the manager"`
}

// tuneLoop periodically recomputes turn-detection parameters and re-applies
// them only on material change, and logs escalation signals.
func tuneLoop(sess *session.Session, tracker *interaction.Tracker, trust float64, phase interaction.Phase, logger *slog.Logger) {
	applied := tracker.ComputeTurnDetectionParams(trust, phase)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if sess.State() != session.StateOpen {
			return
		}

		next := tracker.ComputeTurnDetectionParams(trust, phase)
		if interaction.Materially(applied, next) {
			if err := sess.UpdateTurnDetection(next); err != nil {
				logger.Warn("turn-detection update failed", "error", err)
				continue
			}
			applied = next
		}

		if sig := tracker.DetectProblematicPattern(); sig != nil {
			logger.Warn("escalation signal",
				"severity", string(sig.Severity),
				"reason", sig.Reason,
			)
		}
	}
}
