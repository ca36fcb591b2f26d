package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/model"
)

// IdentityVerifier turns a bearer credential into a user identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (model.UserID, error)
}

// TokenVerifier verifies HS256 access tokens issued by AuthServiceImpl.
type TokenVerifier struct {
	signKey []byte
	leeway  time.Duration
}

// NewTokenVerifier constructs a verifier with a 30s clock-skew leeway.
func NewTokenVerifier(signKey []byte) *TokenVerifier {
	return &TokenVerifier{signKey: signKey, leeway: 30 * time.Second}
}

// Verify checks signature, algorithm and time claims and returns the subject.
func (v *TokenVerifier) Verify(_ context.Context, token string) (model.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", errs.ErrUnauthenticated)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.signKey, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", errs.ErrUnauthenticated)
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: token without expiry", errs.ErrUnauthenticated)
	}

	user, err := NormalizeMobile(claims.Subject)
	if err != nil || string(user) != claims.Subject {
		return "", fmt.Errorf("%w: bad subject", errs.ErrUnauthenticated)
	}
	return user, nil
}
