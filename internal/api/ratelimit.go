package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/calliope-ai/groundskeeper/internal/ratelimit"
)

// RateLimitResponse is the 429 JSON body. RetryAfter is in seconds.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// rateLimitMiddleware admits or rejects requests before they reach handlers.
// Every request is counted against the global API bucket; routes with a
// stricter preset are additionally counted against their own bucket. Buckets
// are keyed "scope:identity" so a caller's chat traffic never starves their
// other requests.
func rateLimitMiddleware(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := userIDFromContext(r.Context())
			if identity == "" {
				identity = r.RemoteAddr
			}

			scope, cfg := routeLimit(r)
			res := limiter.CheckContext(r.Context(), scope+":"+identity, cfg)
			if res.Allowed && scope != "api" {
				global := limiter.CheckContext(r.Context(), "api:"+identity, ratelimit.APIRequest)
				if !global.Allowed {
					res, cfg = global, ratelimit.APIRequest
				}
			}

			setRateLimitHeaders(w, cfg, res)
			if !res.Allowed {
				logger.Warn("rate limit exceeded",
					"identity", identity,
					"scope", scope,
					"path", r.URL.Path,
					"method", r.Method,
				)
				retryAfter := int(res.RetryAfter() / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, RateLimitResponse{
					Error:      "rate_limited",
					Message:    "Too many requests. Please try again later.",
					RetryAfter: retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// routeLimit picks the admission preset for a request.
func routeLimit(r *http.Request) (string, ratelimit.Config) {
	switch {
	case r.Method == http.MethodPost && messagesRoute(r.URL.Path):
		return "chat", ratelimit.ChatMessage
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/conversations":
		return "conversation", ratelimit.ConversationCreate
	case r.Method == http.MethodPost && documentsRoute(r.URL.Path):
		return "upload", ratelimit.FileUpload
	default:
		return "api", ratelimit.APIRequest
	}
}

func messagesRoute(path string) bool {
	const prefix = "/api/v1/conversations/"
	const suffix = "/messages"
	return len(path) > len(prefix)+len(suffix) &&
		path[:len(prefix)] == prefix &&
		path[len(path)-len(suffix):] == suffix
}

func documentsRoute(path string) bool {
	const prefix = "/api/v1/agents/"
	const suffix = "/documents"
	return len(path) > len(prefix)+len(suffix) &&
		path[:len(prefix)] == prefix &&
		path[len(path)-len(suffix):] == suffix
}

// setRateLimitHeaders exposes the current bucket state on every response so
// clients can pace themselves before hitting the limit.
func setRateLimitHeaders(w http.ResponseWriter, cfg ratelimit.Config, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
