package ratelimit

import (
	"net/http"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// KeyFunc derives the admission key for a request.
type KeyFunc func(r *http.Request) string

// NewKeyFunc builds the key extractor for a route's rate limit config.
// Every key embeds the route name, so routes sharing one counter store
// never collide.
func NewKeyFunc(cfg *config.RateLimitConfig, route string) KeyFunc {
	switch cfg.GetEffectiveKeyBy() {
	case config.RateLimitKeyHeader:
		header := cfg.Header
		return func(r *http.Request) string {
			if v := r.Header.Get(header); v != "" {
				return route + ":hdr:" + v
			}
			// Clients that omit the header fall back to their IP
			// instead of pooling into one shared bucket.
			return route + ":ip:" + util.ClientIP(r)
		}
	case config.RateLimitKeyRoute:
		return func(*http.Request) string {
			return route + ":all"
		}
	default:
		return func(r *http.Request) string {
			return route + ":ip:" + util.ClientIP(r)
		}
	}
}
