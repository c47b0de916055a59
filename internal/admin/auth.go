// Package admin is the authenticated control surface: suspend and tune
// tokens, restart schedulers, read platform totals. Every operation is
// authorized by an ed25519 signature over a single-use nonce message
// that pins the action and a hash of the request payload.
package admin

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/config"
)

var (
	ErrKeyNotAuthorized = errors.New("admin: key not authorized")
	ErrNonceInvalid     = errors.New("admin: nonce invalid or already used")
	ErrRequestStale     = errors.New("admin: request outside recency window")
	ErrBadSignature     = errors.New("admin: signature verification failed")
)

// Challenge is handed to the caller to sign. PayloadHash pins the exact
// request body the caller committed to when asking for the nonce.
type Challenge struct {
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	PayloadHash string `json:"configHash"`
}

type nonceRecord struct {
	action   string
	issuedAt int64
}

// Verifier issues nonce challenges and checks signed requests against
// the configured key allow-list. Nonces are single-use and burn on the
// first verification attempt, successful or not.
type Verifier struct {
	cfg *config.Manager

	mu     sync.Mutex
	nonces map[string]nonceRecord
}

func NewVerifier(cfg *config.Manager) *Verifier {
	return &Verifier{cfg: cfg, nonces: make(map[string]nonceRecord)}
}

// buildMessage is what the admin key signs. The nonce and timestamp come
// from the server, so a tampered payload or action changes the message
// and fails verification.
func buildMessage(action, nonce string, issuedAt int64, payloadHash string) string {
	return fmt.Sprintf("flywheel-admin:%s:%s:%d:%s", action, nonce, issuedAt, payloadHash)
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Issue creates a challenge for one action over one payload. Expired
// records are swept on the way in.
func (v *Verifier) Issue(action string, payload []byte) Challenge {
	ac := v.cfg.Get().Admin
	now := time.Now().Unix()

	v.mu.Lock()
	defer v.mu.Unlock()
	// Read sessions keep their nonce the longest, so sweep on that
	// horizon.
	horizon := int64(ac.ReadWindowSec)
	for nonce, rec := range v.nonces {
		if now-rec.issuedAt > horizon {
			delete(v.nonces, nonce)
		}
	}

	nonce := uuid.NewString()
	hash := hashPayload(payload)
	v.nonces[nonce] = nonceRecord{action: action, issuedAt: now}
	return Challenge{
		Message:     buildMessage(action, nonce, now, hash),
		Timestamp:   now,
		Nonce:       nonce,
		PayloadHash: hash,
	}
}

// NonceFromMessage extracts the nonce from a signed challenge message so
// request envelopes only need to echo the message back.
func NonceFromMessage(message string) (string, error) {
	parts := strings.Split(message, ":")
	if len(parts) != 5 || parts[0] != "flywheel-admin" {
		return "", ErrNonceInvalid
	}
	return parts[2], nil
}

// Verify checks a signed request. readOnly widens the recency window
// for read sessions; mutations must land within the nonce TTL.
func (v *Verifier) Verify(action, nonce, publicKey, signature string, payload []byte, readOnly bool) error {
	ac := v.cfg.Get().Admin

	authorized := false
	for _, k := range ac.AuthorizedKeys {
		if k == publicKey {
			authorized = true
			break
		}
	}
	if !authorized {
		return ErrKeyNotAuthorized
	}

	v.mu.Lock()
	rec, ok := v.nonces[nonce]
	if ok {
		delete(v.nonces, nonce)
	}
	v.mu.Unlock()
	if !ok || rec.action != action {
		return ErrNonceInvalid
	}

	window := int64(ac.NonceTTLSec)
	if readOnly {
		window = int64(ac.ReadWindowSec)
	}
	if time.Now().Unix()-rec.issuedAt > window {
		return ErrRequestStale
	}

	pub, err := base58.Decode(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	msg := buildMessage(action, nonce, rec.issuedAt, hashPayload(payload))
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		log.Warn().Str("action", action).Str("publicKey", publicKey).Msg("admin signature rejected")
		return ErrBadSignature
	}
	return nil
}
