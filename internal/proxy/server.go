// Package proxy implements the cmux subdomain-routing reverse proxy.
//
// Requests arrive on a shared wildcard domain and are classified by the
// Host header into port, cmux, and workspace routes (see ParseRoute).
// Matched routes forward to per-port or per-workspace upstreams over
// HTTP/1.1, with opaque tunnelling for upgraded protocols and script
// injection into HTML responses.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmux-dev/cmux/internal/logger"
)

const (
	// DefaultControlPort is the fixed port whose responses receive the
	// CORS/CSP treatment.
	DefaultControlPort = 39378

	// DefaultLoopHeader marks requests already forwarded by this proxy.
	DefaultLoopHeader = "X-Cmux-Proxied"

	// Headers the original environment uses to steer routing directly.
	portInternalHeader      = "X-Cmux-Port-Internal"
	workspaceInternalHeader = "X-Cmux-Workspace-Internal"

	upstreamConnectTimeout = 5 * time.Second
	maxIdleConnsPerHost    = 8
)

// Config holds the proxy's runtime settings.
type Config struct {
	// BindAddrs are the listen addresses; all serve the same handler.
	BindAddrs []string
	// Apex is the root domain (e.g. "cmux.sh").
	Apex string
	// BackendHost is the default upstream host for port and cmux routes.
	BackendHost string
	// ControlPort receives the CORS/CSP policy.
	ControlPort uint16
	// AllowedOrigins is the control-port origin allow-list.
	AllowedOrigins []string
	// LoopHeader is the header used for loop detection.
	LoopHeader string
}

// DefaultConfig returns the standard proxy configuration bound to an
// ephemeral localhost port.
func DefaultConfig() Config {
	return Config{
		BindAddrs:      []string{"127.0.0.1:0"},
		Apex:           "cmux.sh",
		BackendHost:    "127.0.0.1",
		ControlPort:    DefaultControlPort,
		AllowedOrigins: DefaultAllowedOrigins,
		LoopHeader:     DefaultLoopHeader,
	}
}

// hopByHopHeaders are stripped in both directions per RFC 7230 §6.1.
// Connection and Upgrade are handled separately for upgrade requests.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
	"TE",
}

// Server is the subdomain-routing reverse proxy.
type Server struct {
	cfg       Config
	transport *http.Transport

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
	running   bool
}

// NewServer creates a proxy server from the given configuration, filling
// in defaults for unset fields.
func NewServer(cfg Config) *Server {
	if len(cfg.BindAddrs) == 0 {
		cfg.BindAddrs = []string{"127.0.0.1:0"}
	}
	if cfg.Apex == "" {
		cfg.Apex = "cmux.sh"
	}
	if cfg.BackendHost == "" {
		cfg.BackendHost = "127.0.0.1"
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = DefaultAllowedOrigins
	}
	if cfg.LoopHeader == "" {
		cfg.LoopHeader = DefaultLoopHeader
	}

	return &Server{
		cfg: cfg,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: upstreamConnectTimeout,
			}).DialContext,
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
			ForceAttemptHTTP2:   false,
		},
	}
}

// Start binds every configured address and serves until Shutdown. The
// bound addresses (with resolved ephemeral ports) are available from
// Addrs afterwards.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	var listeners []net.Listener
	for _, addr := range s.cfg.BindAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}

	var servers []*http.Server
	for _, ln := range listeners {
		srv := &http.Server{
			Handler: s,
			// No per-request deadline; callers set their own. Idle
			// keep-alive connections are still bounded.
			IdleTimeout: 90 * time.Second,
		}
		servers = append(servers, srv)
		go func(l net.Listener, hs *http.Server) {
			logger.Info().Str("addr", l.Addr().String()).Msg("proxy listening")
			if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", l.Addr().String()).Msg("proxy server error")
			}
		}(ln, srv)
	}

	s.listeners = listeners
	s.servers = servers
	s.running = true
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// to finish their current operation.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	servers := s.servers
	s.servers = nil
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.transport.CloseIdleConnections()
	return errors.Join(errs...)
}

// Addrs returns the bound listen addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// ServeHTTP classifies the request and dispatches to the fixed surfaces,
// preflight handling, or upstream forwarding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r, reqID)
		return
	}

	if r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"status":"healthy"}`)
		return
	}

	looped := strings.EqualFold(r.Header.Get(s.cfg.LoopHeader), "true")
	route := ParseRoute(s.cfg.Apex, s.cfg.ControlPort, r.Host, r.URL.Path, r.Method, looped)

	logger.Debug().
		Str("req_id", reqID).
		Str("host", r.Host).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("route_kind", int(route.Kind)).
		Msg("proxy request")

	switch route.Kind {
	case RouteApex:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "cmux!")
	case RouteServiceWorker:
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, proxyServiceWorkerJS)
	case RouteLoop:
		writeText(w, http.StatusLoopDetected, route.Message)
	case RouteRejectSyntax, RouteRejectPort:
		writeText(w, http.StatusBadRequest, route.Message)
	case RoutePort, RouteCmux:
		if r.Method == http.MethodOptions {
			s.writePreflight(w, r)
			return
		}
		s.forward(w, r, route, reqID)
	case RouteWorkspace:
		s.forward(w, r, route, reqID)
	}
}

// upstreamAuthority resolves the upstream host:port for a route,
// honoring the internal steering headers used inside the cmux
// environment. The boolean is false when a steering header is malformed
// (a 400 has already been written).
func (s *Server) upstreamAuthority(w http.ResponseWriter, r *http.Request, route Route) (string, bool) {
	port := route.Port
	if v := r.Header.Get(portInternalHeader); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil || n == 0 {
			writeText(w, http.StatusBadRequest, portInternalHeader+": must be a number 1-65535")
			return "", false
		}
		port = uint16(n)
	}

	host := s.cfg.BackendHost
	if v := r.Header.Get(workspaceInternalHeader); v != "" {
		ip, ok := WorkspaceIPFromName(v)
		if !ok {
			writeText(w, http.StatusBadRequest, workspaceInternalHeader+": expected name ending in digits (e.g., workspace-1)")
			return "", false
		}
		host = ip
	} else if route.Kind == RouteWorkspace {
		if ip, ok := WorkspaceIPFromName(route.VMSlug); ok {
			host = ip
		}
	}

	return net.JoinHostPort(host, strconv.Itoa(int(port))), true
}

// forward proxies a request to its upstream, delegating to the upgrade
// tunnel when the client asked to switch protocols.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, route Route, reqID string) {
	authority, ok := s.upstreamAuthority(w, r, route)
	if !ok {
		return
	}

	if isUpgradeRequest(r) {
		s.forwardUpgrade(w, r, route, authority, reqID)
		return
	}

	out := r.Clone(r.Context())
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     authority,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	out.Host = authority
	out.RequestURI = ""
	stripHopByHop(out.Header)
	out.Header.Set(s.cfg.LoopHeader, "true")

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		writeText(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)

	if route.CORSMode == CORSControl {
		s.applyControlHeaders(resp.Header, r.Header.Get("Origin"))
	}

	if shouldRewriteHTML(resp) {
		if err := rewriteHTMLResponse(resp, route); err != nil {
			logger.Warn().Err(err).Str("req_id", reqID).Msg("html rewrite failed")
			writeText(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
			return
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client went away mid-body; terminate quietly.
		logger.Debug().Err(err).Str("req_id", reqID).Msg("response copy aborted")
	}
}

// forwardUpgrade performs the upstream upgrade handshake and, on 101,
// splices the two connections together.
func (s *Server) forwardUpgrade(w http.ResponseWriter, r *http.Request, _ Route, authority, reqID string) {
	upgradeProto := r.Header.Get("Upgrade")

	out := r.Clone(context.Background())
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     authority,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	out.Host = authority
	out.RequestURI = ""
	stripHopByHop(out.Header)
	out.Header.Set("Connection", "Upgrade")
	out.Header.Set("Upgrade", upgradeProto)
	out.Header.Set(s.cfg.LoopHeader, "true")

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		writeText(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		writeText(w, http.StatusBadGateway, fmt.Sprintf("upstream did not switch protocols: %d", resp.StatusCode))
		return
	}

	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		writeText(w, http.StatusBadGateway, "upstream error: upgrade body not writable")
		return
	}

	client, err := hijack(w, func(conn net.Conn, brw *bufio.ReadWriter) error {
		// Relay the upstream's 101 (with its negotiated headers) before
		// the tunnel starts.
		if _, err := fmt.Fprintf(brw, "HTTP/1.1 %d Switching Protocols\r\n", http.StatusSwitchingProtocols); err != nil {
			return err
		}
		header := resp.Header.Clone()
		header.Set("Connection", "upgrade")
		if err := header.Write(brw); err != nil {
			return err
		}
		if _, err := io.WriteString(brw, "\r\n"); err != nil {
			return err
		}
		return brw.Flush()
	})
	if err != nil {
		upstream.Close()
		logger.Warn().Err(err).Str("req_id", reqID).Msg("client hijack failed")
		return
	}

	logger.Debug().Str("req_id", reqID).Str("upstream", authority).Str("proto", upgradeProto).Msg("upgrade tunnel established")
	// The request context is unreliable once the connection is hijacked;
	// the tunnel ends on EOF or error from either side.
	tunnel(context.Background(), client, upstream)
}

// handleConnect opens a raw TCP tunnel to the upstream named by the
// internal steering headers.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, reqID string) {
	authority, ok := s.upstreamAuthority(w, r, Route{})
	if !ok {
		return
	}
	if r.Header.Get(portInternalHeader) == "" {
		writeText(w, http.StatusBadRequest, "missing required header: "+portInternalHeader)
		return
	}

	upstream, err := net.DialTimeout("tcp", authority, upstreamConnectTimeout)
	if err != nil {
		writeText(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
		return
	}

	client, err := hijack(w, func(conn net.Conn, brw *bufio.ReadWriter) error {
		if _, err := io.WriteString(brw, "HTTP/1.1 200 OK\r\nConnection: upgrade\r\n\r\n"); err != nil {
			return err
		}
		return brw.Flush()
	})
	if err != nil {
		upstream.Close()
		logger.Warn().Err(err).Str("req_id", reqID).Msg("client hijack failed")
		return
	}

	logger.Debug().Str("req_id", reqID).Str("upstream", authority).Msg("CONNECT tunnel established")
	tunnel(context.Background(), client, upstream)
}

// hijackedConn joins the buffered reader left over from the HTTP parser
// with the raw client connection.
type hijackedConn struct {
	io.Reader
	conn net.Conn
}

func (h *hijackedConn) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h *hijackedConn) Close() error                { return h.conn.Close() }

func (h *hijackedConn) CloseWrite() error {
	if hc, ok := h.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return h.conn.Close()
}

// hijack takes over the client connection, runs the handshake writer, and
// returns the connection ready for tunnelling.
func hijack(w http.ResponseWriter, handshake func(net.Conn, *bufio.ReadWriter) error) (io.ReadWriteCloser, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, errors.New("response writer does not support hijacking")
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	if err := handshake(conn, brw); err != nil {
		conn.Close()
		return nil, err
	}
	return &hijackedConn{Reader: brw.Reader, conn: conn}, nil
}

// isUpgradeRequest reports whether the request asks to switch protocols.
func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
				return true
			}
		}
	}
	return false
}

// stripHopByHop removes hop-by-hop headers, including any named by the
// Connection header itself.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, part := range strings.Split(v, ",") {
			if name := strings.TrimSpace(part); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// writeText writes a fixed-body plain-text response. Unlike http.Error
// it appends no trailing newline: the reject and loop bodies are exact.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
