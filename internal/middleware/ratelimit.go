package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"mediatrans/internal/admission"
	"mediatrans/internal/metrics"
)

// RateLimit applies the sliding-window limiter per identity: request
// counts are keyed by user for authenticated callers and by client IP
// otherwise, with the per-class limit applied. Health and metrics probes
// bypass the limiter.
func RateLimit(limiter admission.Limiter, anonymousLimit, authenticatedLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			key, limit, class := identityKey(r, anonymousLimit, authenticatedLimit)
			decision, err := limiter.Allow(r.Context(), key, limit)
			if err != nil {
				http.Error(w, "rate limiter error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				metrics.Get().AdmissionTotal.WithLabelValues(class, "denied").Inc()
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			metrics.Get().AdmissionTotal.WithLabelValues(class, "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

func identityKey(r *http.Request, anonymousLimit, authenticatedLimit int) (key string, limit int, class string) {
	if userID, ok := UserIDFromContext(r.Context()); ok {
		return "user:" + userID, authenticatedLimit, "authenticated"
	}
	return "ip:" + clientIP(r), anonymousLimit, "anonymous"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
