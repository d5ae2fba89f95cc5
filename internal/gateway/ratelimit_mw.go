package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
)

const (
	UnknownClient = "unknown"

	rateLimitedBody = `{"error":"Rate limit exceeded. Please try again later."}`
)

type RateLimitOptions struct {
	Policy ratelimit.Policy
	// Prefix selects the protected paths. Everything else bypasses the limiter.
	Prefix string
	Now    func() time.Time

	OnDecision func(allowed bool)
	OnError    func(err error)
}

// ClientAddr is the left-most X-Forwarded-For entry, or "unknown" when there is none.
// Every client without the header shares the "unknown" quota.
func ClientAddr(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return UnknownClient
	}
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return UnknownClient
}

func RateLimit(lim ratelimit.Limiter, opts RateLimitOptions) Middleware {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	denied := &rate.Sometimes{Interval: 10 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, opts.Prefix) {
				next.ServeHTTP(w, r)
				return
			}

			addr := ClientAddr(r)
			dec, err := lim.Allow(r.Context(), ratelimit.Key(addr), opts.Policy, opts.Now())
			if err != nil {
				// fail open, no quota headers
				if opts.OnError != nil {
					opts.OnError(err)
				}
				hlog.FromRequest(r).Error().Err(err).Str("client", addr).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if opts.OnDecision != nil {
				opts.OnDecision(dec.Allowed)
			}

			if !dec.Allowed {
				denied.Do(func() {
					hlog.FromRequest(r).Warn().
						Str("client", addr).
						Int("limit", dec.Limit).
						Int64("reset", dec.ResetUnixMilli()).
						Msg("rate limit exceeded")
				})
				writeJSON(w, http.StatusTooManyRequests, rateLimitedBody)
				return
			}

			qw := &quotaWriter{ResponseWriter: w, dec: dec}
			next.ServeHTTP(qw, r)
			qw.apply()
		})
	}
}

// quotaWriter stamps the quota headers when the downstream handler commits its
// response, so they win over anything it set under the same names.
type quotaWriter struct {
	http.ResponseWriter
	dec     ratelimit.Decision
	applied bool
}

func (w *quotaWriter) apply() {
	if w.applied {
		return
	}
	w.applied = true
	h := w.ResponseWriter.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(w.dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(w.dec.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(w.dec.ResetUnixMilli(), 10))
}

func (w *quotaWriter) WriteHeader(code int) {
	w.apply()
	w.ResponseWriter.WriteHeader(code)
}

func (w *quotaWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

func (w *quotaWriter) Flush() {
	w.apply()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *quotaWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
