// Package grant verifies the connection grant a client presents when opening
// a chat socket. Grants are EdDSA-signed JWTs minted by the identity layer.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"KBCHAT_GRANT_ISSUER"`
	Audience  string `env:"KBCHAT_GRANT_AUDIENCE"`
	PublicKey string `env:"KBCHAT_GRANT_PUBLIC_KEY"`
}

// Config defines how grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Claims are the validated admission claims of a grant.
type Claims struct {
	JWTID      string
	ExpiresAt  time.Time
	RoomID     string
	ClientID   string
	EndUserRef string
	AgentRef   string
}

type grantClaims struct {
	jwt.RegisteredClaims
	RoomID     string `json:"room_id"`
	ClientID   string `json:"client_id"`
	EndUserRef string `json:"end_user_ref,omitempty"`
	AgentRef   string `json:"agent_ref,omitempty"`
}

// LoadConfigFromEnv reads grant verification configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("KBCHAT_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("KBCHAT_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("KBCHAT_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Verifier validates grants against one Config.
type Verifier struct {
	cfg Config
}

// NewVerifier checks cfg and returns a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return nil, errors.New("grant verifier is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify parses token and validates its signature, issuer, audience, time
// window and admission claims. Every rejection carries POLICY_VIOLATION.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodePolicyViolation, "connection grant is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.cfg.Issuer {
		return Claims{}, mismatch("issuer")
	}
	if !audienceContains(parsed.Audience, v.cfg.Audience) {
		return Claims{}, mismatch("audience")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodePolicyViolation, "connection grant exp is required")
	}
	now := v.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodePolicyViolation, "connection grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodePolicyViolation, "connection grant not active yet")
	}

	claims := Claims{
		JWTID:      parsed.ID,
		ExpiresAt:  exp,
		RoomID:     strings.TrimSpace(parsed.RoomID),
		ClientID:   strings.TrimSpace(parsed.ClientID),
		EndUserRef: strings.TrimSpace(parsed.EndUserRef),
		AgentRef:   strings.TrimSpace(parsed.AgentRef),
	}
	if claims.RoomID == "" {
		return Claims{}, mismatch("room_id")
	}
	if claims.ClientID == "" {
		return Claims{}, mismatch("client_id")
	}
	if (claims.EndUserRef == "") == (claims.AgentRef == "") {
		return Claims{}, apperrors.New(apperrors.CodeInvalidIdentity, "connection grant must carry exactly one of end_user_ref or agent_ref")
	}
	return claims, nil
}

func mismatch(field string) error {
	return apperrors.WithMetadata(
		apperrors.CodePolicyViolation,
		"connection grant "+field+" mismatch",
		map[string]string{"Field": field},
	)
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.Wrap(apperrors.CodePolicyViolation, "connection grant signature is invalid", err)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.Wrap(apperrors.CodePolicyViolation, "connection grant alg is invalid", err)
	}
	return apperrors.Wrap(apperrors.CodePolicyViolation, "connection grant is malformed", err)
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
