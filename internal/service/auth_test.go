package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/mobichat/internal/crypto"
	"github.com/and161185/mobichat/internal/errs"
	"github.com/and161185/mobichat/internal/limiter"
	"github.com/and161185/mobichat/internal/model"
	"github.com/and161185/mobichat/internal/repository"
)

type fakeUsers struct {
	byMobile map[model.UserID]*model.User

	upsertErr error
	getErr    error
	verifyErr error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func (f *fakeUsers) UpsertCode(_ context.Context, mobile model.UserID, hash, salt []byte, exp time.Time) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if f.byMobile == nil {
		f.byMobile = map[model.UserID]*model.User{}
	}
	u, ok := f.byMobile[mobile]
	if !ok {
		u = &model.User{Mobile: mobile}
		f.byMobile[mobile] = u
	}
	u.CodeHash, u.CodeSalt, u.CodeExpiresAt = hash, salt, exp
	return nil
}

func (f *fakeUsers) Verify(_ context.Context, mobile model.UserID) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	u, ok := f.byMobile[mobile]
	if !ok {
		return errs.ErrNotFound
	}
	u.Verified = true
	u.CodeHash, u.CodeSalt = nil, nil
	return nil
}

func (f *fakeUsers) Get(_ context.Context, mobile model.UserID) (*model.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byMobile[mobile]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUsers) Search(context.Context, string, model.UserID, int) ([]model.UserID, error) {
	return nil, nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

type captureSender struct {
	codes map[model.UserID]string
	err   error
}

func (c *captureSender) Send(_ context.Context, mobile model.UserID, code string) error {
	if c.err != nil {
		return c.err
	}
	if c.codes == nil {
		c.codes = map[model.UserID]string{}
	}
	c.codes[mobile] = code
	return nil
}

var testKey = []byte("test-signing-key")

func newAuth(users *fakeUsers, lim *fakeLimiter, sender *captureSender) *AuthServiceImpl {
	return NewAuthService(users, lim, sender, AuthConfig{
		SignKey:    testKey,
		AccessTTL:  time.Hour,
		CodeTTL:    5 * time.Minute,
		CodeDigits: 4,
	})
}

func TestNormalizeMobile(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]model.UserID{
		" 555-0100 ":   "555-0100",
		"+15550100":    "+15550100",
		"5550100":      "5550100",
		"":             "",
		"55":           "",
		"555:0100":     "",
		"abc-defg":     "",
		"-555":         "",
		"555 0100":     "",
		"+1-555-01-00": "+1-555-01-00",
	} {
		got, err := NormalizeMobile(in)
		if want == "" {
			if !errors.Is(err, errs.ErrInvalidRequest) {
				t.Fatalf("NormalizeMobile(%q): want ErrInvalidRequest, got %v", in, err)
			}
			continue
		}
		if err != nil || got != want {
			t.Fatalf("NormalizeMobile(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestAuth_RequestCode_StoresHashOnly(t *testing.T) {
	t.Parallel()
	users := &fakeUsers{}
	sender := &captureSender{}
	s := newAuth(users, &fakeLimiter{allowOK: true}, sender)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	exp, err := s.RequestCode(context.Background(), "555-0100")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if !exp.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expiry = %v", exp)
	}
	code := sender.codes["555-0100"]
	if len(code) != 4 {
		t.Fatalf("code %q: want 4 digits", code)
	}
	u := users.byMobile["555-0100"]
	if u == nil || u.Verified {
		t.Fatalf("want unverified user created, got %+v", u)
	}
	if string(u.CodeHash) == code || !pkgcrypto.VerifyCode(code, u.CodeSalt, u.CodeHash) {
		t.Fatalf("stored hash does not match issued code")
	}

	if _, err := s.RequestCode(context.Background(), "nope"); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("want ErrInvalidRequest, got %v", err)
	}
}

func TestAuth_RequestCode_Errors(t *testing.T) {
	t.Parallel()
	s := newAuth(&fakeUsers{upsertErr: errors.New("db down")}, &fakeLimiter{}, &captureSender{})
	if _, err := s.RequestCode(context.Background(), "555-0100"); !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}

	s = newAuth(&fakeUsers{}, &fakeLimiter{}, &captureSender{err: errors.New("sms gateway")})
	if _, err := s.RequestCode(context.Background(), "555-0100"); err == nil {
		t.Fatalf("want sender error")
	}
}

func TestAuth_VerifyCode_IssuesToken(t *testing.T) {
	t.Parallel()
	users := &fakeUsers{}
	sender := &captureSender{}
	lim := &fakeLimiter{allowOK: true}
	s := newAuth(users, lim, sender)

	if _, err := s.RequestCode(context.Background(), "555-0100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	tok, u, err := s.VerifyCode(context.Background(), "555-0100", sender.codes["555-0100"], "10.0.0.1")
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if !u.Verified || u.Mobile != "555-0100" || len(u.CodeHash) != 0 {
		t.Fatalf("unexpected user %+v", u)
	}
	if lim.successCalls != 1 || lim.failureCalls != 0 {
		t.Fatalf("limiter calls: success=%d failure=%d", lim.successCalls, lim.failureCalls)
	}

	got, err := NewTokenVerifier(testKey).Verify(context.Background(), tok.AccessToken)
	if err != nil || got != "555-0100" {
		t.Fatalf("Verify issued token = %q, %v", got, err)
	}

	// The code is single-use.
	if _, _, err := s.VerifyCode(context.Background(), "555-0100", sender.codes["555-0100"], "10.0.0.1"); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated on reuse, got %v", err)
	}
}

func TestAuth_VerifyCode_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("wrong code", func(t *testing.T) {
		users := &fakeUsers{}
		sender := &captureSender{}
		lim := &fakeLimiter{allowOK: true}
		s := newAuth(users, lim, sender)
		_, _ = s.RequestCode(ctx, "555-0100")
		wrong := "0000"
		if sender.codes["555-0100"] == wrong {
			wrong = "1111"
		}
		if _, _, err := s.VerifyCode(ctx, "555-0100", wrong, "ip"); !errors.Is(err, errs.ErrUnauthenticated) {
			t.Fatalf("want ErrUnauthenticated, got %v", err)
		}
		if lim.failureCalls != 1 {
			t.Fatalf("failureCalls = %d", lim.failureCalls)
		}
	})

	t.Run("expired code", func(t *testing.T) {
		users := &fakeUsers{}
		sender := &captureSender{}
		s := newAuth(users, &fakeLimiter{allowOK: true}, sender)
		now := time.Unix(1_700_000_000, 0)
		s.now = func() time.Time { return now }
		_, _ = s.RequestCode(ctx, "555-0100")
		now = now.Add(6 * time.Minute)
		if _, _, err := s.VerifyCode(ctx, "555-0100", sender.codes["555-0100"], "ip"); !errors.Is(err, errs.ErrUnauthenticated) {
			t.Fatalf("want ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		lim := &fakeLimiter{allowOK: true}
		s := newAuth(&fakeUsers{}, lim, &captureSender{})
		if _, _, err := s.VerifyCode(ctx, "555-0999", "1234", "ip"); !errors.Is(err, errs.ErrUnauthenticated) {
			t.Fatalf("want ErrUnauthenticated, got %v", err)
		}
		if lim.failureCalls != 1 {
			t.Fatalf("failureCalls = %d", lim.failureCalls)
		}
	})

	t.Run("blocked", func(t *testing.T) {
		s := newAuth(&fakeUsers{}, &fakeLimiter{allowOK: false}, &captureSender{})
		if _, _, err := s.VerifyCode(ctx, "555-0100", "1234", "ip"); !errors.Is(err, errs.ErrRateLimited) {
			t.Fatalf("want ErrRateLimited, got %v", err)
		}
	})

	t.Run("failure trips block", func(t *testing.T) {
		s := newAuth(&fakeUsers{}, &fakeLimiter{allowOK: true, failBlocked: true}, &captureSender{})
		if _, _, err := s.VerifyCode(ctx, "555-0100", "1234", "ip"); !errors.Is(err, errs.ErrRateLimited) {
			t.Fatalf("want ErrRateLimited, got %v", err)
		}
	})

	t.Run("limiter error", func(t *testing.T) {
		s := newAuth(&fakeUsers{}, &fakeLimiter{allowErr: errors.New("db")}, &captureSender{})
		if _, _, err := s.VerifyCode(ctx, "555-0100", "1234", "ip"); !errors.Is(err, errs.ErrStoreUnavailable) {
			t.Fatalf("want ErrStoreUnavailable, got %v", err)
		}
	})

	t.Run("store error", func(t *testing.T) {
		s := newAuth(&fakeUsers{getErr: errors.New("db")}, &fakeLimiter{allowOK: true}, &captureSender{})
		if _, _, err := s.VerifyCode(ctx, "555-0100", "1234", "ip"); !errors.Is(err, errs.ErrStoreUnavailable) {
			t.Fatalf("want ErrStoreUnavailable, got %v", err)
		}
	})

	t.Run("empty code", func(t *testing.T) {
		s := newAuth(&fakeUsers{}, &fakeLimiter{allowOK: true}, &captureSender{})
		if _, _, err := s.VerifyCode(ctx, "555-0100", "  ", "ip"); !errors.Is(err, errs.ErrInvalidRequest) {
			t.Fatalf("want ErrInvalidRequest, got %v", err)
		}
	})
}

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestTokenVerifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	v := NewTokenVerifier(testKey)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := []struct {
		name  string
		token string
		want  model.UserID
	}{
		{"valid", signed(t, jwt.SigningMethodHS256, testKey, jwt.RegisteredClaims{Subject: "555-0100", ExpiresAt: future}), "555-0100"},
		{"empty", "", ""},
		{"garbage", "not.a.jwt", ""},
		{"wrong key", signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "555-0100", ExpiresAt: future}), ""},
		{"hs512", signed(t, jwt.SigningMethodHS512, testKey, jwt.RegisteredClaims{Subject: "555-0100", ExpiresAt: future}), ""},
		{"no expiry", signed(t, jwt.SigningMethodHS256, testKey, jwt.RegisteredClaims{Subject: "555-0100"}), ""},
		{"expired", signed(t, jwt.SigningMethodHS256, testKey, jwt.RegisteredClaims{Subject: "555-0100", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}), ""},
		{"within leeway", signed(t, jwt.SigningMethodHS256, testKey, jwt.RegisteredClaims{Subject: "555-0100", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second))}), "555-0100"},
		{"bad subject", signed(t, jwt.SigningMethodHS256, testKey, jwt.RegisteredClaims{Subject: "a:b", ExpiresAt: future}), ""},
		{"padded subject", signed(t, jwt.SigningMethodHS256, testKey, jwt.RegisteredClaims{Subject: " 555-0100", ExpiresAt: future}), ""},
	}
	for _, tc := range cases {
		got, err := v.Verify(ctx, tc.token)
		if tc.want == "" {
			if !errors.Is(err, errs.ErrUnauthenticated) {
				t.Fatalf("%s: want ErrUnauthenticated, got %q, %v", tc.name, got, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %q, %v", tc.name, got, err)
		}
	}
}
