package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

type signer interface {
	SignIn(ctx context.Context, creds Credentials) (SignInResult, error)
}

type SessionConfig struct {
	Credentials Credentials
	// TTL is how long a token is reused locally. The bank honours tokens for
	// 24h, so anything shorter keeps a margin.
	TTL      time.Duration
	Attempts int
	// AttemptTimeout bounds each sign-in call.
	AttemptTimeout time.Duration
	// Backoff returns the wait before retry n (1-based). Defaults to
	// min(1s * 2^(n-1), 5s).
	Backoff func(n int) time.Duration
	Now     func() time.Time
}

func defaultBackoff(n int) time.Duration {
	d := time.Second << (n - 1)
	if d > 5*time.Second || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Session holds the bank bearer token for the whole process. Concurrent
// callers that find no usable token share one sign-in call.
type Session struct {
	signer signer
	cfg    SessionConfig
	log    *zap.Logger

	mu    sync.RWMutex
	token Token

	flight singleflight.Group
}

func NewSession(s signer, cfg SessionConfig, log *zap.Logger) *Session {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 20 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{signer: s, cfg: cfg, log: logx.OrNop(log).Named("bank.session")}
}

// Authenticate returns a usable token. fromCache is true when no sign-in was
// performed. forceNew skips the cache and always signs in.
func (s *Session) Authenticate(ctx context.Context, forceNew bool) (tok Token, fromCache bool, err error) {
	if !forceNew {
		if t, ok := s.cached(); ok {
			return t, true, nil
		}
	}

	// The shared sign-in must outlive any single caller's cancellation.
	ch := s.flight.DoChan("signin", func() (any, error) {
		return s.signIn(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Token{}, false, r.Err
		}
		return r.Val.(Token), false, nil
	case <-ctx.Done():
		return Token{}, false, apperr.Timeout("bank.authenticate", ctx.Err())
	}
}

// ClearCache drops the cached token so the next Authenticate signs in.
func (s *Session) ClearCache() {
	s.mu.Lock()
	s.token = Token{}
	s.mu.Unlock()
}

func (s *Session) cached() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token.Valid(s.cfg.Now()) {
		return s.token, true
	}
	return Token{}, false
}

func (s *Session) signIn(ctx context.Context) (Token, error) {
	const op = "bank.authenticate"
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		res, err := s.signer.SignIn(actx, s.cfg.Credentials)
		cancel()
		if err == nil {
			if res.AccessToken == "" {
				return Token{}, apperr.Authentication(op, errors.New("sign-in returned no access token"))
			}
			tok := Token{Value: res.AccessToken, ExpiresAt: s.cfg.Now().Add(s.cfg.TTL)}
			s.mu.Lock()
			s.token = tok
			s.mu.Unlock()
			s.log.Info("bank token refreshed", zap.Int("attempt", attempt), zap.Time("expires_at", tok.ExpiresAt))
			return tok, nil
		}
		lastErr = err

		// The bank answered; repeating the same credentials will not help.
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return Token{}, apperr.Authentication(op, err)
		}

		s.log.Warn("bank sign-in attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < s.cfg.Attempts {
			select {
			case <-time.After(s.cfg.Backoff(attempt)):
			case <-ctx.Done():
				return Token{}, apperr.Authentication(op, ctx.Err())
			}
		}
	}
	return Token{}, apperr.Authentication(op, fmt.Errorf("after %d attempts: %w", s.cfg.Attempts, lastErr))
}
