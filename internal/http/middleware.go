package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

type corsPolicy struct {
	origins map[string]struct{}
	methods string
	maxAge  int
}

// allows reports whether a normalized origin is on the allowlist.
func (p corsPolicy) allows(origin string) bool {
	_, ok := p.origins[origin]
	return origin != "" && ok
}

func (p corsPolicy) setHeaders(h http.Header, origin, requested string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", p.methods)
	if requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}
	h.Set("Access-Control-Max-Age", strconv.Itoa(p.maxAge))
}

// withCORS answers preflights and rejects origins outside the policy.
// Requests without an Origin header pass through untouched.
func withCORS(p corsPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("Origin"); raw != "" {
			origin := normalizeOrigin(raw)
			if !p.allows(origin) {
				http.Error(w, HTTPErrorForbiddenOriginText, http.StatusForbidden)
				return
			}
			p.setHeaders(w.Header(), origin, r.Header.Get("Access-Control-Request-Headers"))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// localGuards admits loopback peers addressing a local host name, from an
// allowlisted origin when the request carries one.
func (s *Server) localGuards(next http.Handler) http.Handler {
	cors := withCORS(corsPolicy{
		origins: s.allowedOrigins,
		methods: "GET, POST, OPTIONS",
		maxAge:  corsMaxAgeSeconds,
	}, next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case !isLoopbackRequest(r):
			http.Error(w, HTTPErrorForbiddenText, http.StatusForbidden)
		case !isSafeLocalHost(r.Host):
			http.Error(w, HTTPErrorForbiddenHostText, http.StatusForbidden)
		default:
			cors.ServeHTTP(w, r)
		}
	})
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
