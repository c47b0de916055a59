package chain

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by the confirm loop.
var (
	ErrBlockhashExpired = errors.New("blockhash expired before confirmation")
	ErrConfirmTimeout   = errors.New("transaction not confirmed within polling window")
	ErrOnChain          = errors.New("transaction failed on-chain")
)

// Class partitions transaction errors for the executor's retry policy.
type Class int

const (
	Fatal Class = iota
	Retryable
)

// retryablePatterns are matched case-insensitively against the raw error text.
var retryablePatterns = []string{
	"blockhash not found",
	"block height exceeded",
	"blockhash expired",
	"not confirmed",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"429",
	"rate limit",
	"too many requests",
	"503",
	"502",
	"unavailable",
	"simulation failed",
}

// Classify partitions an error into Retryable or Fatal. Retryable covers
// stale blockhash, unconfirmed windows, transient network faults, throttling
// and upstream unavailability. Everything else, in particular explicit
// on-chain program errors, is Fatal for the attempt.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, ErrBlockhashExpired) || errors.Is(err, ErrConfirmTimeout) {
		return Retryable
	}
	if errors.Is(err, ErrOnChain) {
		return Fatal
	}

	raw := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(raw, p) {
			return Retryable
		}
	}
	return Fatal
}

// Category maps an error to a compact tag used in logs, check results and
// user notifications.
func Category(err error) string {
	if err == nil {
		return ""
	}
	raw := strings.ToLower(err.Error())

	switch {
	case strings.Contains(raw, "no record of a prior credit"),
		strings.Contains(raw, "insufficient funds"),
		strings.Contains(raw, "insufficient lamports"):
		return "insufficient_funds"
	case strings.Contains(raw, "slippage"):
		return "slippage_exceeded"
	case errors.Is(err, ErrBlockhashExpired),
		strings.Contains(raw, "blockhash not found"),
		strings.Contains(raw, "block height exceeded"):
		return "blockhash_expired"
	case strings.Contains(raw, "429"), strings.Contains(raw, "rate limit"):
		return "rate_limited"
	case strings.Contains(raw, "account not found"),
		strings.Contains(raw, "accountnotfound"):
		return "account_missing"
	case strings.Contains(raw, "custom program error"), errors.Is(err, ErrOnChain):
		return "program_error"
	case errors.Is(err, ErrConfirmTimeout), strings.Contains(raw, "timeout"),
		strings.Contains(raw, "timed out"):
		return "timeout"
	case strings.Contains(raw, "connection refused"),
		strings.Contains(raw, "connection reset"),
		strings.Contains(raw, "503"), strings.Contains(raw, "502"):
		return "network"
	case strings.Contains(raw, "simulation failed"):
		return "simulation_failed"
	default:
		return "unknown"
	}
}
