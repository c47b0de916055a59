// Package webhook is the inbound HTTP surface: enhanced-transaction ingest
// from the webhook provider, the health endpoint, and the signed admin API.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/admin"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/health"
	"flywheel-engine/internal/reactive"
	"flywheel-engine/internal/store"
)

// Server hosts all inbound HTTP on one listener.
type Server struct {
	app      *fiber.App
	cfg      *config.Manager
	engine   *reactive.Engine
	checker  *health.Checker
	verifier *admin.Verifier
	service  *admin.Service
	host     string
	port     int
}

// NewServer wires the routes. The reactive engine must already be started;
// the handler only enqueues.
func NewServer(cfg *config.Manager, engine *reactive.Engine, checker *health.Checker, verifier *admin.Verifier, service *admin.Service) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	srv := cfg.Get().Server
	s := &Server{
		app:      app,
		cfg:      cfg,
		engine:   engine,
		checker:  checker,
		verifier: verifier,
		service:  service,
		host:     srv.ListenHost,
		port:     srv.ListenPort,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Post("/webhooks/swaps", s.handleSwaps)

	adm := s.app.Group("/admin")
	adm.Post("/nonce", s.handleNonce)
	adm.Post("/suspend", s.handleSuspend)
	adm.Post("/unsuspend", s.handleUnsuspend)
	adm.Post("/bulk-suspend", s.handleBulkSuspend)
	adm.Post("/limits", s.handleLimits)
	adm.Post("/config", s.handleConfig)
	adm.Post("/restart", s.handleRestart)
	adm.Get("/stats", s.handleStats)
	adm.Get("/audit", s.handleAudit)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	snap := s.checker.Snapshot()
	status := fiber.StatusOK
	if !snap.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(snap)
}

// handleSwaps accepts the provider batch, acknowledges immediately, and
// hands events to the reactive queue. Per-event failures never propagate
// back to the provider.
func (s *Server) handleSwaps(c *fiber.Ctx) error {
	if !s.authorizedWebhook(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	events, err := decodeSwapBatch(c.Body())
	if err != nil {
		log.Error().Err(err).Msg("webhook batch rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	accepted := s.engine.Enqueue(events)
	if accepted < len(events) {
		log.Warn().
			Int("received", len(events)).
			Int("accepted", accepted).
			Msg("webhook batch partially dropped")
	}

	return c.JSON(fiber.Map{"success": true})
}

// authorizedWebhook checks the shared secret when one is configured. The
// provider sends it either as x-helius-secret or as a bearer token.
func (s *Server) authorizedWebhook(c *fiber.Ctx) bool {
	secret := s.cfg.GetWebhookSecret()
	if secret == "" {
		return true
	}
	if c.Get("x-helius-secret") == secret {
		return true
	}
	const prefix = "Bearer "
	auth := c.Get(fiber.HeaderAuthorization)
	return strings.HasPrefix(auth, prefix) && auth[len(prefix):] == secret
}

// decodeSwapBatch accepts either one enhanced-transaction object or an
// array of them; the provider sends both shapes.
func decodeSwapBatch(body []byte) ([]reactive.SwapEvent, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		var events []reactive.SwapEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev reactive.SwapEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []reactive.SwapEvent{ev}, nil
}

type nonceRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleNonce(c *fiber.Ctx) error {
	var req nonceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if req.Action == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action required"})
	}
	return c.JSON(s.verifier.Issue(req.Action, req.Payload))
}

// adminEnvelope is the signed mutation request. Payload stays raw so the
// verifier hashes the exact bytes the caller committed to.
type adminEnvelope struct {
	Message   string          `json:"message"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"publicKey"`
	Payload   json.RawMessage `json:"payload"`
}

// authenticate verifies the envelope against the route's action and
// returns the payload plus the caller's key for the audit trail.
func (s *Server) authenticate(c *fiber.Ctx, action string) (json.RawMessage, string, error) {
	var env adminEnvelope
	if err := c.BodyParser(&env); err != nil {
		return nil, "", admin.ErrNonceInvalid
	}
	nonce, err := admin.NonceFromMessage(env.Message)
	if err != nil {
		return nil, "", err
	}
	if err := s.verifier.Verify(action, nonce, env.PublicKey, env.Signature, env.Payload, false); err != nil {
		return nil, "", err
	}
	return env.Payload, env.PublicKey, nil
}

// authenticateRead covers GET endpoints: the envelope rides in headers and
// the payload is empty.
func (s *Server) authenticateRead(c *fiber.Ctx, action string) (string, error) {
	nonce, err := admin.NonceFromMessage(c.Get("X-Admin-Message"))
	if err != nil {
		return "", err
	}
	publicKey := c.Get("X-Admin-Public-Key")
	if err := s.verifier.Verify(action, nonce, publicKey, c.Get("X-Admin-Signature"), nil, true); err != nil {
		return "", err
	}
	return publicKey, nil
}

func adminError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, admin.ErrKeyNotAuthorized):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, admin.ErrNonceInvalid),
		errors.Is(err, admin.ErrRequestStale),
		errors.Is(err, admin.ErrBadSignature):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
}

type suspendRequest struct {
	TokenID string `json:"tokenId"`
	Reason  string `json:"reason"`
}

func (s *Server) handleSuspend(c *fiber.Ctx) error {
	payload, actor, err := s.authenticate(c, "suspend")
	if err != nil {
		return adminError(c, err)
	}
	var req suspendRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.TokenID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tokenId required"})
	}
	if err := s.service.Suspend(c.Context(), actor, req.TokenID, req.Reason); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleUnsuspend(c *fiber.Ctx) error {
	payload, actor, err := s.authenticate(c, "unsuspend")
	if err != nil {
		return adminError(c, err)
	}
	var req suspendRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.TokenID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tokenId required"})
	}
	if err := s.service.Unsuspend(c.Context(), actor, req.TokenID); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleBulkSuspend(c *fiber.Ctx) error {
	payload, actor, err := s.authenticate(c, "bulk_suspend")
	if err != nil {
		return adminError(c, err)
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	count, err := s.service.BulkSuspend(c.Context(), actor, req.Reason)
	if err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "suspended": count})
}

type limitsRequest struct {
	TokenID string `json:"tokenId"`
	admin.Limits
}

func (s *Server) handleLimits(c *fiber.Ctx) error {
	payload, actor, err := s.authenticate(c, "limits")
	if err != nil {
		return adminError(c, err)
	}
	var req limitsRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.TokenID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tokenId required"})
	}
	if err := s.service.UpdateLimits(c.Context(), actor, req.TokenID, req.Limits); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// configRequest carries partial updates; only non-nil fields are applied
// before the config is re-validated as a whole.
type configRequest struct {
	TokenID string `json:"tokenId"`

	Algorithm      *string  `json:"algorithm"`
	MinBuySol      *float64 `json:"minBuySol"`
	MaxBuySol      *float64 `json:"maxBuySol"`
	MaxSellTokens  *float64 `json:"maxSellTokens"`
	SlippageBps    *int     `json:"slippageBps"`
	BuyIntervalSec *int     `json:"buyIntervalSec"`

	AutoClaimEnabled *bool    `json:"autoClaimEnabled"`
	FeeThresholdSol  *float64 `json:"feeThresholdSol"`

	FlywheelActive      *bool `json:"flywheelActive"`
	MarketMakingEnabled *bool `json:"marketMakingEnabled"`

	ReactiveEnabled        *bool    `json:"reactiveEnabled"`
	ReactiveMinTriggerSol  *float64 `json:"reactiveMinTriggerSol"`
	ReactiveScalePct       *float64 `json:"reactiveScalePct"`
	ReactiveMaxResponsePct *float64 `json:"reactiveMaxResponsePct"`
	ReactiveCooldownMs     *int64   `json:"reactiveCooldownMs"`

	TargetSolPct          *float64 `json:"targetSolPct"`
	TargetTokenPct        *float64 `json:"targetTokenPct"`
	RebalanceThresholdPct *float64 `json:"rebalanceThresholdPct"`

	TwapSlices    *int `json:"twapSlices"`
	TwapWindowSec *int `json:"twapWindowSec"`

	DynamicBoost      *bool    `json:"dynamicBoost"`
	ReservePctNormal  *float64 `json:"reservePctNormal"`
	ReservePctAdverse *float64 `json:"reservePctAdverse"`
}

func (r *configRequest) apply(c *store.Config) {
	if r.Algorithm != nil {
		c.Algorithm = *r.Algorithm
	}
	if r.MinBuySol != nil {
		c.MinBuySol = *r.MinBuySol
	}
	if r.MaxBuySol != nil {
		c.MaxBuySol = *r.MaxBuySol
	}
	if r.MaxSellTokens != nil {
		c.MaxSellTokens = *r.MaxSellTokens
	}
	if r.SlippageBps != nil {
		c.SlippageBps = *r.SlippageBps
	}
	if r.BuyIntervalSec != nil {
		c.BuyIntervalSec = *r.BuyIntervalSec
	}
	if r.AutoClaimEnabled != nil {
		c.AutoClaimEnabled = *r.AutoClaimEnabled
	}
	if r.FeeThresholdSol != nil {
		c.FeeThresholdSol = *r.FeeThresholdSol
	}
	if r.FlywheelActive != nil {
		c.FlywheelActive = *r.FlywheelActive
	}
	if r.MarketMakingEnabled != nil {
		c.MarketMakingEnabled = *r.MarketMakingEnabled
	}
	if r.ReactiveEnabled != nil {
		c.ReactiveEnabled = *r.ReactiveEnabled
	}
	if r.ReactiveMinTriggerSol != nil {
		c.ReactiveMinTriggerSol = *r.ReactiveMinTriggerSol
	}
	if r.ReactiveScalePct != nil {
		c.ReactiveScalePct = *r.ReactiveScalePct
	}
	if r.ReactiveMaxResponsePct != nil {
		c.ReactiveMaxResponsePct = *r.ReactiveMaxResponsePct
	}
	if r.ReactiveCooldownMs != nil {
		c.ReactiveCooldownMs = *r.ReactiveCooldownMs
	}
	if r.TargetSolPct != nil {
		c.TargetSolPct = *r.TargetSolPct
	}
	if r.TargetTokenPct != nil {
		c.TargetTokenPct = *r.TargetTokenPct
	}
	if r.RebalanceThresholdPct != nil {
		c.RebalanceThresholdPct = *r.RebalanceThresholdPct
	}
	if r.TwapSlices != nil {
		c.TwapSlices = *r.TwapSlices
	}
	if r.TwapWindowSec != nil {
		c.TwapWindowSec = *r.TwapWindowSec
	}
	if r.DynamicBoost != nil {
		c.DynamicBoost = *r.DynamicBoost
	}
	if r.ReservePctNormal != nil {
		c.ReservePctNormal = *r.ReservePctNormal
	}
	if r.ReservePctAdverse != nil {
		c.ReservePctAdverse = *r.ReservePctAdverse
	}
}

func (s *Server) handleConfig(c *fiber.Ctx) error {
	payload, actor, err := s.authenticate(c, "config")
	if err != nil {
		return adminError(c, err)
	}
	var req configRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.TokenID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tokenId required"})
	}
	if err := s.service.UpdateTokenConfig(c.Context(), actor, req.TokenID, req.apply); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

type restartRequest struct {
	Kind        string `json:"kind"`
	IntervalSec int    `json:"intervalSec"`
	Budget      int    `json:"budget"`
}

func (s *Server) handleRestart(c *fiber.Ctx) error {
	payload, actor, err := s.authenticate(c, "restart")
	if err != nil {
		return adminError(c, err)
	}
	var req restartRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Kind == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "kind required"})
	}
	interval := time.Duration(req.IntervalSec) * time.Second
	if err := s.service.RestartScheduler(actor, req.Kind, interval, req.Budget); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	if _, err := s.authenticateRead(c, "stats"); err != nil {
		return adminError(c, err)
	}
	stats, err := s.service.Stats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(stats)
}

func (s *Server) handleAudit(c *fiber.Ctx) error {
	if _, err := s.authenticateRead(c, "audit"); err != nil {
		return adminError(c, err)
	}
	limit := c.QueryInt("limit", 50)
	events, err := s.service.Audit(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(events)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting webhook server")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
