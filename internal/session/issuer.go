package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatekeeper/internal/policy"
	"gatekeeper/pkg/requestcontext"
)

// Issuer mints provider-format tokens. Production tokens come from the identity
// provider; this exists for local environments, the CLI, and tests.
type Issuer struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewIssuer(signingKey, issuer, audience string) *Issuer {
	return &Issuer{signingKey: []byte(signingKey), issuer: issuer, audience: audience}
}

// Grant describes the session to mint.
type Grant struct {
	SubjectID   string
	SessionID   string
	Role        policy.Role
	MFAVerified bool
	Tier        policy.Tier
	TTL         time.Duration
}

func (i *Issuer) Issue(ctx context.Context, g Grant) (string, error) {
	if g.SubjectID == "" {
		return "", errors.New("subject is required")
	}
	if !g.Role.IsValid() {
		return "", errors.New("role is required")
	}
	if g.TTL <= 0 {
		return "", errors.New("ttl must be positive")
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	now := requestcontext.Now(ctx)
	mfa := g.MFAVerified

	claims := ProviderClaims{
		Role:      g.Role.String(),
		MFA:       &mfa,
		Tier:      string(g.Tier),
		SessionID: g.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.TTL)),
			ID:        hex.EncodeToString(b),
		},
	}
	if i.issuer != "" {
		claims.Issuer = i.issuer
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
}
