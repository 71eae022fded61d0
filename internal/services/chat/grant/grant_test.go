package grant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func sign(t *testing.T, priv ed25519.PrivateKey, claims grantClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func validClaims() grantClaims {
	return grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "grant-1",
			Issuer:    "kb-auth",
			Audience:  jwt.ClaimStrings{"kbchat"},
			ExpiresAt: jwt.NewNumericDate(testNow.Add(5 * time.Minute)),
		},
		RoomID:     "room-7",
		ClientID:   "client-a",
		EndUserRef: "user-a",
	}
}

func newVerifier(t *testing.T, pub ed25519.PublicKey) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Issuer: "kb-auth", Audience: "kbchat", Key: pub, Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifyAcceptsValidGrant(t *testing.T) {
	pub, priv := newKeys(t)
	claims, err := newVerifier(t, pub).Verify(sign(t, priv, validClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.RoomID != "room-7" || claims.ClientID != "client-a" || claims.EndUserRef != "user-a" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejections(t *testing.T) {
	pub, priv := newKeys(t)
	_, otherPriv := newKeys(t)
	v := newVerifier(t, pub)

	tests := []struct {
		name  string
		token func() string
		code  apperrors.Code
	}{
		{name: "empty", token: func() string { return "" }, code: apperrors.CodePolicyViolation},
		{name: "wrong key", token: func() string { return sign(t, otherPriv, validClaims()) }, code: apperrors.CodePolicyViolation},
		{name: "expired", token: func() string {
			c := validClaims()
			c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Second))
			return sign(t, priv, c)
		}, code: apperrors.CodePolicyViolation},
		{name: "wrong audience", token: func() string {
			c := validClaims()
			c.Audience = jwt.ClaimStrings{"other"}
			return sign(t, priv, c)
		}, code: apperrors.CodePolicyViolation},
		{name: "missing room", token: func() string {
			c := validClaims()
			c.RoomID = ""
			return sign(t, priv, c)
		}, code: apperrors.CodePolicyViolation},
		{name: "both refs", token: func() string {
			c := validClaims()
			c.AgentRef = "agent-1"
			return sign(t, priv, c)
		}, code: apperrors.CodeInvalidIdentity},
		{name: "hmac token", token: func() string {
			token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("secret"))
			return token
		}, code: apperrors.CodePolicyViolation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token())
			if apperrors.CodeOf(err) != tc.code {
				t.Fatalf("code = %q, want %q (err=%v)", apperrors.CodeOf(err), tc.code, err)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	pub, _ := newKeys(t)
	t.Setenv("KBCHAT_GRANT_ISSUER", "kb-auth")
	t.Setenv("KBCHAT_GRANT_AUDIENCE", "kbchat")
	t.Setenv("KBCHAT_GRANT_PUBLIC_KEY", base64.RawStdEncoding.EncodeToString(pub))

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer != "kb-auth" || !cfg.Key.Equal(pub) || cfg.Now == nil {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("KBCHAT_GRANT_PUBLIC_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestLoadConfigFromEnvRequiresIssuer(t *testing.T) {
	t.Setenv("KBCHAT_GRANT_ISSUER", "")
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for missing issuer")
	}
}
