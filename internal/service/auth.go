// Package service contains application services: one-time-code authentication,
// the live session coordinator and conversation queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/mobichat/internal/crypto"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/limiter"
	"github.com/and161185/mobichat/internal/model"
	"github.com/and161185/mobichat/internal/repository"
)

// mobilePattern accepts digits with optional leading '+' and inner dashes.
var mobilePattern = regexp.MustCompile(`^\+?[0-9][0-9-]{2,31}$`)

// NormalizeMobile trims and validates a mobile number.
func NormalizeMobile(raw string) (model.UserID, error) {
	m := strings.TrimSpace(raw)
	if !mobilePattern.MatchString(m) {
		return "", fmt.Errorf("%w: bad mobile", errs.ErrInvalidRequest)
	}
	return model.UserID(m), nil
}

// CodeSender delivers a one-time code to the user's phone.
type CodeSender interface {
	Send(ctx context.Context, mobile model.UserID, code string) error
}

// LogCodeSender writes codes to the log. Development delivery only.
type LogCodeSender struct{ Log *zap.Logger }

// Send logs the code.
func (s LogCodeSender) Send(_ context.Context, mobile model.UserID, code string) error {
	s.Log.Info("one-time code issued", zap.String("user", string(mobile)), zap.String("code", code))
	return nil
}

// AuthService defines the login-or-register flow.
type AuthService interface {
	// RequestCode issues a fresh one-time code for mobile, creating the account on first use.
	RequestCode(ctx context.Context, mobile string) (expiresAt time.Time, err error)
	// VerifyCode applies rate limiting, checks the code and issues an access token.
	VerifyCode(ctx context.Context, mobile, code, ip string) (model.Tokens, model.User, error)
}

// AuthConfig tunes the code and token lifetimes.
type AuthConfig struct {
	SignKey    []byte
	AccessTTL  time.Duration
	CodeTTL    time.Duration
	CodeDigits int
}

type AuthServiceImpl struct {
	users  repository.UserRepository
	lim    limiter.Limiter
	sender CodeSender
	cfg    AuthConfig
	now    func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, lim limiter.Limiter, sender CodeSender, cfg AuthConfig) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, lim: lim, sender: sender, cfg: cfg, now: time.Now}
}

// RequestCode stores a salted hash of a new code and hands the plain code to the sender.
func (s *AuthServiceImpl) RequestCode(ctx context.Context, raw string) (time.Time, error) {
	mobile, err := NormalizeMobile(raw)
	if err != nil {
		return time.Time{}, err
	}
	code, err := pkgcrypto.GenerateCode(s.cfg.CodeDigits)
	if err != nil {
		return time.Time{}, err
	}
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return time.Time{}, err
	}
	exp := s.now().Add(s.cfg.CodeTTL)
	if err := s.users.UpsertCode(ctx, mobile, pkgcrypto.HashCode(code, salt), salt, exp); err != nil {
		return time.Time{}, fmt.Errorf("%w: store code: %v", errs.ErrStoreUnavailable, err)
	}
	if err := s.sender.Send(ctx, mobile, code); err != nil {
		return time.Time{}, fmt.Errorf("send code: %w", err)
	}
	return exp, nil
}

// VerifyCode authenticates with rate limiting by (mobile, ip).
func (s *AuthServiceImpl) VerifyCode(ctx context.Context, raw, code, ip string) (model.Tokens, model.User, error) {
	mobile, err := NormalizeMobile(raw)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: empty code", errs.ErrInvalidRequest)
	}
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, string(mobile), ipHash)
	if err != nil {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: limiter: %v", errs.ErrStoreUnavailable, err)
	}
	if !allowed {
		return model.Tokens{}, model.User{}, errs.ErrRateLimited
	}

	u, err := s.users.Get(ctx, mobile)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: load user: %v", errs.ErrStoreUnavailable, err)
	}
	if err != nil || !s.codeMatches(u, code) {
		if blocked, _, ferr := s.lim.Failure(ctx, string(mobile), ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.User{}, errs.ErrRateLimited
		}
		// unknown user and wrong code look the same
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: bad code", errs.ErrUnauthenticated)
	}

	if err := s.users.Verify(ctx, mobile); err != nil {
		return model.Tokens{}, model.User{}, fmt.Errorf("%w: verify user: %v", errs.ErrStoreUnavailable, err)
	}
	_ = s.lim.Success(ctx, string(mobile), ipHash)

	access, exp, err := s.issueAccessToken(mobile)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	u.Verified = true
	u.CodeHash, u.CodeSalt, u.CodeExpiresAt = nil, nil, time.Time{}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *u, nil
}

func (s *AuthServiceImpl) codeMatches(u *model.User, code string) bool {
	if len(u.CodeHash) == 0 || !s.now().Before(u.CodeExpiresAt) {
		return false
	}
	return pkgcrypto.VerifyCode(code, u.CodeSalt, u.CodeHash)
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(mobile model.UserID) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.AccessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   string(mobile),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.cfg.SignKey)
	return signed, exp, err
}
