package admin

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"flywheel-engine/internal/config"
)

type signer struct {
	pub  string
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &signer{pub: base58.Encode(pub), priv: priv}
}

func (s *signer) sign(message string) string {
	return base58.Encode(ed25519.Sign(s.priv, []byte(message)))
}

func newVerifier(t *testing.T, authorizedKeys ...string) *Verifier {
	t.Helper()
	yaml := "admin:\n  authorized_keys:\n"
	for _, k := range authorizedKeys {
		yaml += fmt.Sprintf("    - %s\n", k)
	}
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	return NewVerifier(cfg)
}

func TestSignedRequestRoundTrip(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{"tokenId":"tok-1","reason":"maintenance"}`)

	ch := v.Issue("suspend", payload)
	if ch.Nonce == "" || ch.Message == "" {
		t.Fatalf("challenge = %+v", ch)
	}
	if ch.Timestamp > time.Now().Unix() || ch.Timestamp == 0 {
		t.Fatalf("timestamp %d not plausible", ch.Timestamp)
	}
	if ch.PayloadHash != hashPayload(payload) {
		t.Fatalf("payload hash mismatch: %s", ch.PayloadHash)
	}

	err := v.Verify("suspend", ch.Nonce, key.pub, key.sign(ch.Message), payload, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestNonceFromMessage(t *testing.T) {
	v := newVerifier(t, newSigner(t).pub)

	ch := v.Issue("config", []byte(`{}`))
	nonce, err := NonceFromMessage(ch.Message)
	if err != nil {
		t.Fatalf("extract nonce: %v", err)
	}
	if nonce != ch.Nonce {
		t.Fatalf("nonce = %s, want %s", nonce, ch.Nonce)
	}

	if _, err := NonceFromMessage("garbage"); err == nil {
		t.Fatal("expected error for malformed message")
	}
}

func TestNonceIsSingleUse(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{}`)

	ch := v.Issue("suspend", payload)
	sig := key.sign(ch.Message)
	if err := v.Verify("suspend", ch.Nonce, key.pub, sig, payload, false); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	err := v.Verify("suspend", ch.Nonce, key.pub, sig, payload, false)
	if !errors.Is(err, ErrNonceInvalid) {
		t.Fatalf("err = %v, want ErrNonceInvalid", err)
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{"tokenId":"tok-1"}`)

	ch := v.Issue("suspend", payload)
	tampered := []byte(`{"tokenId":"tok-2"}`)
	err := v.Verify("suspend", ch.Nonce, key.pub, key.sign(ch.Message), tampered, false)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestUnauthorizedKeyRejected(t *testing.T) {
	authorized := newSigner(t)
	intruder := newSigner(t)
	v := newVerifier(t, authorized.pub)
	payload := []byte(`{}`)

	ch := v.Issue("suspend", payload)
	err := v.Verify("suspend", ch.Nonce, intruder.pub, intruder.sign(ch.Message), payload, false)
	if !errors.Is(err, ErrKeyNotAuthorized) {
		t.Fatalf("err = %v, want ErrKeyNotAuthorized", err)
	}
}

func TestActionMismatchRejected(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{}`)

	ch := v.Issue("suspend", payload)
	err := v.Verify("unsuspend", ch.Nonce, key.pub, key.sign(ch.Message), payload, false)
	if !errors.Is(err, ErrNonceInvalid) {
		t.Fatalf("err = %v, want ErrNonceInvalid", err)
	}
}

func TestMutationRecencyWindow(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{}`)

	ch := v.Issue("suspend", payload)
	// Age the nonce past the 5 minute mutation window.
	issuedAt := time.Now().Unix() - 400
	v.mu.Lock()
	v.nonces[ch.Nonce] = nonceRecord{action: "suspend", issuedAt: issuedAt}
	v.mu.Unlock()

	err := v.Verify("suspend", ch.Nonce, key.pub, key.sign(ch.Message), payload, false)
	if !errors.Is(err, ErrRequestStale) {
		t.Fatalf("err = %v, want ErrRequestStale", err)
	}
}

func TestReadSessionWindowIsWider(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{}`)

	ch := v.Issue("stats", payload)
	// 400 s old: stale for a mutation, fine for a read session.
	issuedAt := time.Now().Unix() - 400
	v.mu.Lock()
	v.nonces[ch.Nonce] = nonceRecord{action: "stats", issuedAt: issuedAt}
	v.mu.Unlock()

	msg := buildMessage("stats", ch.Nonce, issuedAt, hashPayload(payload))
	if err := v.Verify("stats", ch.Nonce, key.pub, key.sign(msg), payload, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestGarbageSignatureRejected(t *testing.T) {
	key := newSigner(t)
	v := newVerifier(t, key.pub)
	payload := []byte(`{}`)

	ch := v.Issue("suspend", payload)
	err := v.Verify("suspend", ch.Nonce, key.pub, "not-base58-!!", payload, false)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}
