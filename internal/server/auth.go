package server

import (
	"crypto/sha256"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// failureWindow and maxFailures bound brute-force attempts per IP.
	failureWindow = 5 * time.Minute
	maxFailures   = 10

	// failurePruneThreshold is the number of tracked IPs above which
	// the limiter prunes expired entries to prevent unbounded growth.
	failurePruneThreshold = 1000

	wwwAuthNoToken = `Bearer realm="room-sync"`
	wwwAuthInvalid = `Bearer realm="room-sync", error="invalid_token"`
)

// failureLimiter tracks failed authentication attempts per IP within a
// sliding window.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// limited returns true if the IP is currently rate-limited.
func (l *failureLimiter) limited(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-failureWindow)

	if len(l.failures) > failurePruneThreshold {
		for k, times := range l.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(l.failures, ip)
	} else {
		l.failures[ip] = recent
	}

	return len(recent) >= maxFailures
}

func (l *failureLimiter) record(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], l.now())
	l.mu.Unlock()
}

// tokenVerifier checks bearer tokens against a bcrypt hash. Accepted
// tokens are remembered by SHA-256 digest so the bcrypt cost is paid
// once per token rather than once per request.
type tokenVerifier struct {
	hash []byte

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

func newTokenVerifier(hash []byte) *tokenVerifier {
	return &tokenVerifier{
		hash:     hash,
		accepted: make(map[[sha256.Size]byte]struct{}),
	}
}

func (v *tokenVerifier) verify(token string) bool {
	if len(v.hash) == 0 || token == "" {
		return false
	}

	digest := sha256.Sum256([]byte(token))

	v.mu.RLock()
	_, ok := v.accepted[digest]
	v.mu.RUnlock()

	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted[digest] = struct{}{}
	v.mu.Unlock()

	return true
}

// BearerAuth returns middleware that accepts requests whose bearer token
// matches passwordHash. Repeated failures from one IP are answered with
// 429 until the window expires.
func BearerAuth(passwordHash []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	verifier := newTokenVerifier(passwordHash)
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("auth: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			// Check before verifying so a limited client cannot keep
			// the bcrypt comparison busy.
			if limiter.limited(ip) {
				logger.Warn("auth: rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed attempts, try again later", http.StatusTooManyRequests)

				return
			}

			if !verifier.verify(strings.TrimPrefix(authHeader, "Bearer ")) {
				logger.Warn("auth: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				limiter.record(ip)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
