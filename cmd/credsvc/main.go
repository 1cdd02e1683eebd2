// Command credsvc is the ephemeral credential broker for voicelab sessions.
//
// Browser clients POST /api/session and receive a short-lived, single-use
// token minted from the upstream realtime API; the long-lived API key stays
// server-side. A websocket status feed at /ws/status streams mint activity
// to observing dashboards.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/tradecraft-ai/voicelab/internal/config"
	"github.com/tradecraft-ai/voicelab/internal/log"
)

func main() {
	log.Init(config.LogLevel())
	logger := log.Component("credsvc")

	apiKey := config.EnvRequired("OPENAI_API_KEY")
	upstream := config.Env("OPENAI_API_URL", "https://api.openai.com")
	voice := config.Env("VOICELAB_VOICE", config.DefaultVoice)
	model := config.Env("VOICELAB_MODEL", "gpt-4o-realtime-preview-2024-12-17")
	port := config.CredsvcPort()

	svc := newService(upstream, apiKey, voice, model, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.start(port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		if err := svc.shutdown(); err != nil {
			logger.Error("shutdown failed", "error", err)
			os.Exit(1)
		}
	}
}
