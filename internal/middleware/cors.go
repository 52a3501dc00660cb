package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost}
	defaultCORSHeaders = []string{"Content-Type", "Authorization"}
	// Rejected bulk requests carry Retry-After; browsers hide it unless exposed.
	defaultCORSExpose = []string{"Retry-After"}
)

// CORSConfig configures Cross-Origin Resource Sharing for the GraphQL
// endpoint and the admin routes. Empty method, header and expose lists fall
// back to what bulkCreate clients need.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int

	// Requests under AdminPrefix may also send AdminTokenHeader.
	AdminPrefix      string
	AdminTokenHeader string
}

type corsPolicy struct {
	anyOrigin    bool
	origins      map[string]struct{}
	methods      string
	headers      string
	adminHeaders string
	expose       string
	maxAge       string
	credentials  bool
	adminPrefix  string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]struct{}),
		credentials: cfg.AllowCredentials,
		adminPrefix: cfg.AdminPrefix,
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}

	headers := orDefault(cfg.AllowedHeaders, defaultCORSHeaders)
	p.methods = strings.Join(orDefault(cfg.AllowedMethods, defaultCORSMethods), ", ")
	p.headers = strings.Join(headers, ", ")
	p.expose = strings.Join(orDefault(cfg.ExposeHeaders, defaultCORSExpose), ", ")

	tokenHeader := strings.TrimSpace(cfg.AdminTokenHeader)
	if tokenHeader == "" {
		tokenHeader = defaultAdminTokenHeader
	}
	p.adminHeaders = strings.Join(append(append([]string(nil), headers...), tokenHeader), ", ")

	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func orDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

func (p *corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

func (p *corsPolicy) allowedHeaders(path string) string {
	if p.adminPrefix != "" && strings.HasPrefix(path, p.adminPrefix) {
		return p.adminHeaders
	}
	return p.headers
}

// decorate sets the response headers every allowed cross-origin request gets.
// A wildcard origin never carries credentials.
func (p *corsPolicy) decorate(h http.Header, origin string) {
	if p.anyOrigin {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if p.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
	}
	if p.expose != "" {
		h.Set("Access-Control-Expose-Headers", p.expose)
	}
}

func (p *corsPolicy) preflight(h http.Header, path string) {
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.allowedHeaders(path))
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

// CORSMiddleware adds CORS headers and answers preflight requests. An
// OPTIONS request without Access-Control-Request-Method is not a preflight
// and reaches the next handler.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := policy.allows(origin)
			if allowed {
				policy.decorate(w.Header(), origin)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					policy.preflight(w.Header(), r.URL.Path)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
