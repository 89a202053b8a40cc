package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/rokoss21/enigmo-sub000/internal/registry"
)

func newTestService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	svc := NewService(zaptest.NewLogger(t), reg, Options{})
	return svc, reg
}

func registerKeypair(t *testing.T, reg *registry.Registry, id string) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(pub)
	if _, err := reg.Register(id, encoded, "enc-key", ""); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return pub, priv
}

func TestGenerateTokenFormatAndUniqueness(t *testing.T) {
	svc, reg := newTestService(t)
	registerKeypair(t, reg, "user_1")

	tok1 := svc.GenerateToken("user_1")
	tok2 := svc.GenerateToken("user_1")

	if !strings.HasPrefix(tok1, "token_user_1_") {
		t.Fatalf("unexpected token shape: %s", tok1)
	}
	if tok1 == tok2 {
		t.Fatalf("two tokens for the same user must differ")
	}
	if !svc.IsValidToken(tok1) || !svc.IsValidToken(tok2) {
		t.Fatalf("freshly minted tokens must validate")
	}
}

func TestTokenFreshness(t *testing.T) {
	svc, reg := newTestService(t)
	registerKeypair(t, reg, "alice")

	stale := fmt.Sprintf("token_alice_%d_123456", time.Now().Add(-2*time.Hour).UnixMicro())
	if svc.IsValidToken(stale) {
		t.Fatalf("token older than the validity window must be rejected")
	}

	fresh := fmt.Sprintf("token_alice_%d_123456", time.Now().Add(-time.Minute).UnixMicro())
	if !svc.IsValidToken(fresh) {
		t.Fatalf("token inside the validity window must be accepted")
	}
}

func TestTokenStructuralValidation(t *testing.T) {
	svc, reg := newTestService(t)
	registerKeypair(t, reg, "alice")
	micros := time.Now().UnixMicro()

	cases := []struct {
		name  string
		token string
	}{
		{"missing prefix", fmt.Sprintf("bearer_alice_%d_123456", micros)},
		{"too few segments", "token_alice"},
		{"non-numeric suffix", fmt.Sprintf("token_alice_%d_abc123", micros)},
		{"short suffix", fmt.Sprintf("token_alice_%d_12345", micros)},
		{"long suffix", fmt.Sprintf("token_alice_%d_1234567", micros)},
		{"non-numeric timestamp", "token_alice_notatime_123456"},
		{"unknown user", fmt.Sprintf("token_bob_%d_123456", micros)},
		{"empty", ""},
	}
	for _, tc := range cases {
		if svc.IsValidToken(tc.token) {
			t.Fatalf("%s: expected token %q to be rejected", tc.name, tc.token)
		}
	}
}

func TestTokenUserIDWithUnderscores(t *testing.T) {
	svc, reg := newTestService(t)
	registerKeypair(t, reg, "user_with_underscores")

	token := svc.GenerateToken("user_with_underscores")
	if !svc.IsValidToken(token) {
		t.Fatalf("expected token for underscore id to validate: %s", token)
	}

	user, ok := svc.AuthenticateUserByToken(token)
	if !ok || user.ID != "user_with_underscores" {
		t.Fatalf("expected middle segments reassembled into the user id, got %+v ok=%v", user, ok)
	}
}

func TestVerifySignature(t *testing.T) {
	svc, reg := newTestService(t)
	_, priv := registerKeypair(t, reg, "alice")

	message := "challenge-text"
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message)))

	if !svc.VerifySignature("alice", message, sig) {
		t.Fatalf("expected valid signature to verify")
	}
	if svc.VerifySignature("alice", "tampered", sig) {
		t.Fatalf("signature over different message must fail")
	}
	if svc.VerifySignature("ghost", message, sig) {
		t.Fatalf("unknown user must fail")
	}
	if svc.VerifySignature("alice", message, "!!not-base64!!") {
		t.Fatalf("undecodable signature must fail, not panic")
	}
}

func TestAuthenticateUser(t *testing.T) {
	svc, reg := newTestService(t)
	_, priv := registerKeypair(t, reg, "alice")

	sign := func(ts string) string {
		return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ts)))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if !svc.AuthenticateUser("alice", sign(now), now) {
		t.Fatalf("expected fresh signed timestamp to authenticate")
	}
	user, ok := reg.Get("alice")
	if !ok || !user.IsOnline {
		t.Fatalf("expected presence activated after auth, got %+v", user)
	}

	old := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	if svc.AuthenticateUser("alice", sign(old), old) {
		t.Fatalf("timestamp outside the freshness window must be rejected")
	}

	// future timestamps pass; only the past-side bound is enforced
	future := time.Now().Add(30 * time.Minute).UTC().Format(time.RFC3339)
	if !svc.AuthenticateUser("alice", sign(future), future) {
		t.Fatalf("future timestamp is accepted by the current policy")
	}

	if svc.AuthenticateUser("alice", sign("not-a-time"), "not-a-time") {
		t.Fatalf("unparsable timestamp must be rejected")
	}

	other := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	if svc.AuthenticateUser("alice", sign(now), other) {
		t.Fatalf("signature over a different timestamp string must be rejected")
	}
}

func TestCanAuthenticate(t *testing.T) {
	svc, reg := newTestService(t)
	registerKeypair(t, reg, "alice")

	if !svc.CanAuthenticate("alice") {
		t.Fatalf("registered user must be authenticatable")
	}
	if svc.CanAuthenticate("ghost") {
		t.Fatalf("unknown user must not be authenticatable")
	}
}
