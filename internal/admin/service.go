package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/config"
	"flywheel-engine/internal/flywheel"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/store"
)

// Limits is the per-token risk envelope an admin can adjust.
type Limits struct {
	DailyTradeLimitSol float64 `json:"dailyTradeLimitSol"`
	MaxPositionSizeSol float64 `json:"maxPositionSizeSol"`
	RiskLevel          string  `json:"riskLevel"`
}

// PlatformStats is the read-session snapshot.
type PlatformStats struct {
	Totals          *store.TokenStats `json:"totals"`
	TokensTotal     int               `json:"tokensTotal"`
	TokensActive    int               `json:"tokensActive"`
	TokensSuspended int               `json:"tokensSuspended"`
	Schedulers      []string          `json:"schedulers"`
}

// Service executes admin operations after the Verifier has cleared
// them. Config-invariant violations surface as errors here and never
// reach the schedulers.
type Service struct {
	store    *store.Store
	cfg      *config.Manager
	registry *flywheel.Registry
	notifier notify.Notifier
}

func NewService(st *store.Store, cfg *config.Manager, registry *flywheel.Registry, notifier notify.Notifier) *Service {
	return &Service{store: st, cfg: cfg, registry: registry, notifier: notifier}
}

// Suspend halts all automation for a token. The store clears the
// flywheel, market-making and auto-claim flags in the same update.
// Idempotent; repeat calls overwrite the reason.
func (s *Service) Suspend(ctx context.Context, actor, tokenID, reason string) error {
	if err := s.store.SuspendToken(tokenID, reason); err != nil {
		return err
	}
	s.audit(actor, "token_suspended", tokenID, reason)
	tok, err := s.store.GetToken(tokenID)
	if err != nil || tok == nil {
		return err
	}
	log.Info().Str("tokenId", tokenID).Str("reason", reason).Msg("token suspended")
	s.notify(ctx, notify.Event{
		Type:    notify.EventTokenSuspended,
		TokenID: tokenID,
		OwnerID: tok.OwnerID,
		Message: fmt.Sprintf("trading for %s suspended: %s", tok.Symbol, reason),
	})
	return nil
}

// Unsuspend clears the suspension flag only. The automation flags stay
// off; owners re-enable what they want explicitly.
func (s *Service) Unsuspend(ctx context.Context, actor, tokenID string) error {
	if err := s.store.UnsuspendToken(tokenID); err != nil {
		return err
	}
	s.audit(actor, "token_unsuspended", tokenID, "")
	log.Info().Str("tokenId", tokenID).Msg("token unsuspended")
	return nil
}

// BulkSuspend suspends every non-platform token that is not already
// suspended. Returns how many were affected.
func (s *Service) BulkSuspend(ctx context.Context, actor, reason string) (int, error) {
	n, err := s.store.BulkSuspend(reason)
	if err != nil {
		return 0, err
	}
	s.audit(actor, "bulk_suspend", "all", fmt.Sprintf("%d tokens: %s", n, reason))
	log.Warn().Int("tokens", n).Str("reason", reason).Msg("bulk suspension applied")
	s.notify(ctx, notify.Event{
		Type:    notify.EventTradingPaused,
		Message: fmt.Sprintf("bulk suspension: %d tokens halted (%s)", n, reason),
	})
	return n, nil
}

// UpdateLimits adjusts a token's risk envelope.
func (s *Service) UpdateLimits(ctx context.Context, actor, tokenID string, l Limits) error {
	if l.DailyTradeLimitSol < 0 || l.MaxPositionSizeSol < 0 {
		return fmt.Errorf("admin: limits must be non-negative")
	}
	switch l.RiskLevel {
	case "normal", "conservative", "aggressive":
	default:
		return fmt.Errorf("admin: unknown risk level %q", l.RiskLevel)
	}
	if err := s.store.UpdateTokenLimits(tokenID, l.DailyTradeLimitSol, l.MaxPositionSizeSol, l.RiskLevel); err != nil {
		return err
	}
	s.audit(actor, "limits_updated", tokenID,
		fmt.Sprintf("daily %.4f SOL, position %.4f SOL, risk %s", l.DailyTradeLimitSol, l.MaxPositionSizeSol, l.RiskLevel))
	return nil
}

// UpdateTokenConfig applies a mutation to a token's trading config. The
// store validates invariants on write, so a bad mutation never lands.
func (s *Service) UpdateTokenConfig(ctx context.Context, actor, tokenID string, mutate func(*store.Config)) error {
	cfg, err := s.store.GetConfig(tokenID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return store.ErrNotFound
	}
	mutate(cfg)
	if err := s.store.UpsertConfig(cfg); err != nil {
		return err
	}
	s.audit(actor, "config_updated", tokenID, fmt.Sprintf("algorithm %s", cfg.Algorithm))
	return nil
}

// RestartScheduler stops and starts a registered scheduler, optionally
// with a new interval and, for schedulers that have one, a new per-tick
// budget. The budget persists through the config manager so a restart
// does not lose it.
func (s *Service) RestartScheduler(actor, kind string, interval time.Duration, budget int) error {
	if budget > 0 {
		switch kind {
		case "flywheel":
			if err := s.cfg.Update(func(c *config.Config) { c.Flywheel.MaxTradesPerMin = budget }); err != nil {
				return err
			}
		case "claim_slow":
			if err := s.cfg.Update(func(c *config.Config) { c.Claim.SlowMaxTokens = budget }); err != nil {
				return err
			}
		default:
			return fmt.Errorf("admin: scheduler %q has no trade budget", kind)
		}
	}
	if err := s.registry.Restart(kind, interval); err != nil {
		return err
	}
	s.audit(actor, "scheduler_restarted", kind,
		fmt.Sprintf("interval %s, budget %d", interval, budget))
	log.Info().Str("kind", kind).Dur("interval", interval).Int("budget", budget).
		Msg("scheduler restarted")
	return nil
}

// Stats assembles the platform-wide read snapshot.
func (s *Service) Stats() (*PlatformStats, error) {
	totals, err := s.store.PlatformTotals()
	if err != nil {
		return nil, err
	}
	total, active, suspended, err := s.store.TokenCounts()
	if err != nil {
		return nil, err
	}
	return &PlatformStats{
		Totals:          totals,
		TokensTotal:     total,
		TokensActive:    active,
		TokensSuspended: suspended,
		Schedulers:      s.registry.Kinds(),
	}, nil
}

// Audit returns the most recent admin actions, newest first.
func (s *Service) Audit(limit int) ([]*store.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.RecentAudit(limit)
}

func (s *Service) audit(actor, action, subject, detail string) {
	err := s.store.InsertAudit(&store.AuditEvent{
		Actor:   actor,
		Action:  action,
		Subject: subject,
		Detail:  detail,
	})
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("admin audit failed")
	}
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	ev.Timestamp = time.Now()
	if err := s.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification failed")
	}
}
