package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/novalto/traind/internal/auth"
	"github.com/novalto/traind/internal/model"
)

// Gateway authentication headers. net/http canonicalizes incoming header
// names, so Header.Get matches them case-insensitively.
const (
	headerUser      = "X-Novalto-User"
	headerSignature = "X-Novalto-Signature"
	headerIdemKey   = "Idempotency-Key"
)

type contextKey int

const claimsKey contextKey = iota

// claimsFrom returns the verified caller claims placed by the authenticate
// middleware. The bool is false only on routes that skipped authentication.
func claimsFrom(ctx context.Context) (model.UserClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(model.UserClaims)
	return claims, ok
}

// authenticate verifies the gateway HMAC signature over the request and
// stashes the decoded claims in the request context. The signature covers the
// raw body, so the body is read here and replaced with an in-memory copy for
// downstream handlers.
func (s *Server) authenticate(requireAdmin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes())
			body, err := io.ReadAll(r.Body)
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				s.writeError(w, http.StatusBadRequest, "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			claims, err := auth.Verify(
				r.Method,
				r.URL.Path,
				body,
				r.Header.Get(headerUser),
				r.Header.Get(headerSignature),
				s.cfg.GatewaySharedSecret,
				requireAdmin,
			)
			if errors.Is(err, auth.ErrForbidden) {
				s.writeError(w, http.StatusForbidden, "admin privileges required")
				return
			}
			if err != nil {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing authentication")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) maxBodyBytes() int64 {
	// Inline datasets ride in the request body, so allow the dataset ceiling
	// plus headroom for the rest of the JSON document.
	return int64(s.cfg.MaxDatasetSizeMB+1) << 20
}

// rateLimit throttles submissions per owner. Must run after authenticate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r.Context())
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing authentication")
			return
		}
		if !s.limiter.allow(claims.UID) {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ownerLimiter holds a token-bucket limiter per owner uid.
type ownerLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute int
}

func newOwnerLimiter(perMinute int) *ownerLimiter {
	return &ownerLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perMinute: perMinute,
	}
}

func (l *ownerLimiter) allow(uid string) bool {
	if l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[uid]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perMinute)/60, l.perMinute)
		l.limiters[uid] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
