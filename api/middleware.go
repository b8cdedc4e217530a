package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"memory-gateway/auth"
	"memory-gateway/config"
	"memory-gateway/memerr"
)

type principalKey struct{}

// PrincipalFrom returns the authenticated caller of a request.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

/*
statusRecorder captures the status code and failure kind for the access log.
It forwards Hijack so websocket upgrades pass through.
*/
type statusRecorder struct {
	http.ResponseWriter
	status    int
	kind      memerr.Kind
	principal string
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

/*
logRequests writes one access log entry per request: method, path, status,
failure kind, caller name and duration. Headers and bodies are never logged,
so credentials and embeddings stay out of the log.
*/
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		entry := log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
		if rec.principal != "" {
			entry = entry.WithField("principal", rec.principal)
		}
		if rec.kind != "" {
			entry = entry.WithField("kind", rec.kind)
		}

		switch {
		case rec.status >= 500:
			entry.Error("Request failed")
		case rec.status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request served")
		}
	})
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

/*
authenticate rejects requests without a valid bearer token. The response does
not say whether the token was missing, malformed or unknown.
*/
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.validator.Authenticate(auth.ParseBearer(r.Header.Get("Authorization")))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="memgate"`)
			writeError(w, memerr.ErrAuth)
			return
		}
		if rec, ok := w.(*statusRecorder); ok {
			rec.principal = principal.Name
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// throttle enforces the per-credential request budget.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFrom(r.Context())
		if !s.limiters.allow(principal.Name) {
			writeError(w, memerr.New(memerr.KindRateLimited, "request budget exceeded, retry later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

/*
limiterSet hands out one token bucket per credential name.
*/
type limiterSet struct {
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func newLimiterSet(cfg config.RateLimitConfig) *limiterSet {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &limiterSet{
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether name may make another request now. A nil set never throttles.
func (l *limiterSet) allow(name string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[name]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[name] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
