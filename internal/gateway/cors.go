package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/basket/lobwife/internal/config"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", "X-Actor"}
	// Retry-After lets browser dashboards back off from rate-limited token calls.
	defaultCORSExposed = []string{"Retry-After"}
)

// corsPolicy answers which browser origins may call the API. The same
// origins gate the task stream WebSocket.
type corsPolicy struct {
	enabled  bool
	allowAll bool
	origins  map[string]bool
	methods  string
	headers  string
	exposed  string
	maxAge   string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{enabled: cfg.Enabled, origins: make(map[string]bool)}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			p.allowAll = true
			continue
		}
		if o != "" {
			p.origins[strings.ToLower(o)] = true
		}
	}
	p.methods = joinOr(cfg.AllowedMethods, defaultCORSMethods)
	p.headers = joinOr(cfg.AllowedHeaders, defaultCORSHeaders)
	p.exposed = joinOr(cfg.ExposedHeaders, defaultCORSExposed)
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func joinOr(values, fallback []string) string {
	if len(values) == 0 {
		values = fallback
	}
	return strings.Join(values, ", ")
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	return p.allowAll || p.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
}

// hostPatterns converts the allowed origins to the host patterns the
// WebSocket handshake matches against.
func (p corsPolicy) hostPatterns() []string {
	if !p.enabled {
		return nil
	}
	if p.allowAll {
		return []string{"*"}
	}
	out := make([]string, 0, len(p.origins))
	for o := range p.origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		} else {
			out = append(out, o)
		}
	}
	return out
}

// NewCORSMiddleware answers preflights and tags responses for allowed
// origins. When disabled, it returns a pass-through wrapper.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return newCORSPolicy(cfg).wrap
}

func (p corsPolicy) wrap(next http.Handler) http.Handler {
	if !p.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		allowed := p.allows(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", p.exposed)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				writeJSON(w, http.StatusForbidden, errorBody("origin not allowed"))
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", p.methods)
			w.Header().Set("Access-Control-Allow-Headers", p.headers)
			w.Header().Set("Access-Control-Max-Age", p.maxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes; task and
// event payloads are small, so the default is 1 MiB.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
