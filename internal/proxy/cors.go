package proxy

import (
	"net/http"
	"strings"
)

// DefaultAllowedOrigins is the origin allow-list for the control port.
var DefaultAllowedOrigins = []string{
	"https://cmux.sh",
	"https://www.cmux.sh",
	"https://cmux.dev",
	"https://www.cmux.dev",
	"http://localhost:5173",
	"https://cmux.local",
	"http://cmux.local",
}

// controlFrameAncestors is the frame-ancestors directive forced onto
// control-port responses.
const controlFrameAncestors = "frame-ancestors 'self' https://cmux.local http://cmux.local https://www.cmux.sh https://cmux.sh https://www.cmux.dev https://cmux.dev http://localhost:5173;"

const preflightAllowMethods = "GET,HEAD,POST,PUT,PATCH,DELETE,OPTIONS"

// originAllowed reports whether origin is in the allow-list.
func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// applyControlHeaders applies the control-port CORS/CSP policy to an
// upstream response: allow-origin echo, Vary: Origin, forced
// frame-ancestors, and X-Frame-Options removal.
func (s *Server) applyControlHeaders(h http.Header, origin string) {
	if origin == "" || !s.originAllowed(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	appendVary(h, "Origin")
	if csp := h.Get("Content-Security-Policy"); csp != "" {
		h.Set("Content-Security-Policy", replaceFrameAncestors(csp))
	} else {
		h.Set("Content-Security-Policy", controlFrameAncestors)
	}
	h.Del("X-Frame-Options")
}

// writePreflight answers an OPTIONS preflight for a port or cmux route.
// The allow-origin echoes the request origin when allowed, falling back
// to the apex origin.
func (s *Server) writePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.originAllowed(origin) {
		origin = "https://" + s.cfg.Apex
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", preflightAllowMethods)
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "86400")
	appendVary(h, "Origin")
	w.WriteHeader(http.StatusNoContent)
}

// appendVary appends a header name to Vary, case-insensitively deduplicated.
func appendVary(h http.Header, name string) {
	existing := h.Get("Vary")
	if existing == "" {
		h.Set("Vary", name)
		return
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set("Vary", existing+", "+name)
}

// replaceFrameAncestors swaps any frame-ancestors directive in a CSP value
// for the control-port directive, preserving the other directives.
func replaceFrameAncestors(csp string) string {
	parts := strings.Split(csp, ";")
	out := make([]string, 0, len(parts)+1)
	replaced := false
	for _, part := range parts {
		d := strings.TrimSpace(part)
		if d == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(d), "frame-ancestors") {
			if !replaced {
				out = append(out, strings.TrimSuffix(controlFrameAncestors, ";"))
				replaced = true
			}
			continue
		}
		out = append(out, d)
	}
	if !replaced {
		out = append(out, strings.TrimSuffix(controlFrameAncestors, ";"))
	}
	return strings.Join(out, "; ") + ";"
}
