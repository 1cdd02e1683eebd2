package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/tradecraft-ai/voicelab/internal/httpc"
	"github.com/tradecraft-ai/voicelab/pkg/hub"
)

// mintRequest is what browser clients send.
type mintRequest struct {
	Voice string `json:"voice"`
	Model string `json:"model"`
}

// mintResponse matches the credential contract session clients consume.
type mintResponse struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// upstreamSession is the relevant slice of the realtime sessions response.
type upstreamSession struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// statusEvent is broadcast to dashboard subscribers on every mint.
type statusEvent struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Voice     string    `json:"voice"`
	Model     string    `json:"model"`
	MintedAt  time.Time `json:"minted_at"`
	Total     int64     `json:"total"`
}

type service struct {
	app    *fiber.App
	logger *slog.Logger

	upstreamURL  string
	apiKey       string
	defaultVoice string
	defaultModel string
	client       *http.Client

	statusHub *hub.Hub
	minted    atomic.Int64
}

func newService(upstreamURL, apiKey, defaultVoice, defaultModel string, logger *slog.Logger) *service {
	s := &service{
		logger:       logger,
		upstreamURL:  upstreamURL,
		apiKey:       apiKey,
		defaultVoice: defaultVoice,
		defaultModel: defaultModel,
		client:       httpc.Client,
		statusHub:    hub.New("status", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicelab credential service",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Post("/session", s.handleMint)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

func (s *service) start(port string) error {
	go s.statusHub.Run()
	s.logger.Info("credential service listening", "port", port)
	return s.app.Listen(":" + port)
}

func (s *service) shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

func (s *service) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "minted": s.minted.Load()})
}

// handleMint exchanges the service API key for a short-lived, single-use
// session credential. The API key never crosses to the browser.
func (s *service) handleMint(c *fiber.Ctx) error {
	var req mintRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed request body"})
	}
	if req.Voice == "" {
		req.Voice = s.defaultVoice
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID)

	session, err := s.mintUpstream(c.Context(), req)
	if err != nil {
		logger.Error("upstream mint failed", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "credential mint failed"})
	}

	total := s.minted.Add(1)
	logger.Info("credential minted", "session_id", session.ID, "voice", req.Voice, "total", total)

	s.statusHub.BroadcastJSON(statusEvent{
		RequestID: requestID,
		SessionID: session.ID,
		Voice:     req.Voice,
		Model:     req.Model,
		MintedAt:  time.Now().UTC(),
		Total:     total,
	})

	return c.JSON(mintResponse{
		Value:     session.ClientSecret.Value,
		ExpiresAt: time.Unix(session.ClientSecret.ExpiresAt, 0).UTC(),
	})
}

func (s *service) mintUpstream(ctx context.Context, req mintRequest) (*upstreamSession, error) {
	body, err := json.Marshal(map[string]string{
		"model": req.Model,
		"voice": req.Voice,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.upstreamURL+"/v1/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var session upstreamSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	if session.ClientSecret.Value == "" {
		return nil, fmt.Errorf("upstream returned empty client secret")
	}
	return &session, nil
}

func (s *service) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c)
	client.Run()
}
