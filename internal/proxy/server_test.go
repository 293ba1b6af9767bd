package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// startProxy boots a proxy on an ephemeral port and tears it down with
// the test.
func startProxy(t *testing.T, mutate func(*Config)) string {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewServer(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	addrs := s.Addrs()
	require.NotEmpty(t, addrs)
	return addrs[0].String()
}

// doReq sends a request to the proxy with a spoofed Host header.
func doReq(t *testing.T, addr, method, host, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+addr+path, nil)
	require.NoError(t, err)
	req.Host = host
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return port
}

func TestHealthEndpoint(t *testing.T) {
	addr := startProxy(t, nil)

	resp := doReq(t, addr, "GET", "localhost", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"healthy"}`, bodyString(t, resp))
}

func TestApexGreeting(t *testing.T) {
	addr := startProxy(t, nil)

	resp := doReq(t, addr, "GET", "cmux.sh", "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cmux!", bodyString(t, resp))
}

func TestServiceWorkerRoute(t *testing.T) {
	addr := startProxy(t, nil)

	resp := doReq(t, addr, "GET", "port-8080-test.cmux.sh", "/proxy-sw.js", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
	body := bodyString(t, resp)
	assert.Contains(t, body, "addEventListener")
	assert.Contains(t, body, "isLoopbackHostname")
}

func TestPortPreflight(t *testing.T) {
	addr := startProxy(t, nil)

	resp := doReq(t, addr, "OPTIONS", "port-39378-test.cmux.sh", "/", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://cmux.sh", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, preflightAllowMethods, resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
}

func TestPreflightEchoesAllowedOriginAndHeaders(t *testing.T) {
	addr := startProxy(t, nil)

	resp := doReq(t, addr, "OPTIONS", "cmux-demo-8080.cmux.sh", "/", map[string]string{
		"Origin":                         "https://cmux.dev",
		"Access-Control-Request-Headers": "authorization, x-custom",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://cmux.dev", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "authorization, x-custom", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestLoopDetection(t *testing.T) {
	addr := startProxy(t, nil)

	for _, host := range []string{
		"port-8080-test.cmux.sh",
		"cmux-test-8080.cmux.sh",
		"workspace-8080-vmslug.cmux.sh",
	} {
		resp := doReq(t, addr, "GET", host, "/", map[string]string{"X-Cmux-Proxied": "true"})
		assert.Equal(t, http.StatusLoopDetected, resp.StatusCode, host)
		assert.Equal(t, "Loop detected in proxy", bodyString(t, resp), host)
	}
}

func TestSubdomainValidationErrors(t *testing.T) {
	addr := startProxy(t, nil)

	tests := []struct {
		host string
		want string
	}{
		{"cmux-test.cmux.sh", "Invalid cmux proxy subdomain"},
		{"cmux-test-abc.cmux.sh", "Invalid port in cmux proxy subdomain"},
		{"test-8080.cmux.sh", "Invalid cmux subdomain"},
		{"workspace-abc-vmslug.cmux.sh", "Invalid port in subdomain"},
	}
	for _, tt := range tests {
		resp := doReq(t, addr, "GET", tt.host, "/", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tt.host)
		assert.Equal(t, tt.want, bodyString(t, resp), tt.host)
	}
}

func TestForwardToPortRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.Header.Get("X-Cmux-Proxied"), "loop header must be appended upstream")
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "upstream saw %s", r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	addr := startProxy(t, nil)
	host := fmt.Sprintf("port-%d-test.cmux.sh", backendPort(t, upstream))

	resp := doReq(t, addr, "GET", host, "/some/path?q=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream saw /some/path", bodyString(t, resp))
}

func TestHTMLInjectionOnPortRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><head><title>Demo</title></head><body>Hello</body></html>")
	}))
	t.Cleanup(upstream.Close)

	addr := startProxy(t, nil)
	host := fmt.Sprintf("port-%d-test.cmux.sh", backendPort(t, upstream))

	resp := doReq(t, addr, "GET", host, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := bodyString(t, resp)
	assert.Contains(t, body, "window.__cmuxLocation")
	assert.Contains(t, body, "navigator.serviceWorker.register")
}

func TestHTMLInjectionOnCmuxRouteSkipsServiceWorker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><head><title>Demo</title></head><body>Hello</body></html>")
	}))
	t.Cleanup(upstream.Close)

	addr := startProxy(t, nil)
	host := fmt.Sprintf("cmux-demo-%d.cmux.sh", backendPort(t, upstream))

	resp := doReq(t, addr, "GET", host, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := bodyString(t, resp)
	assert.Contains(t, body, "window.__cmuxLocation")
	assert.NotContains(t, body, "navigator.serviceWorker.register")
}

func TestControlPortAppliesCORSAndCSP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none';")
		w.Header().Set("X-Frame-Options", "DENY")
		io.WriteString(w, "<html><head></head><body>ok</body></html>")
	}))
	t.Cleanup(upstream.Close)

	port := backendPort(t, upstream)
	addr := startProxy(t, func(cfg *Config) {
		cfg.ControlPort = uint16(port)
	})
	host := fmt.Sprintf("port-%d-test.cmux.sh", port)

	resp := doReq(t, addr, "GET", host, "/", map[string]string{"Origin": "https://cmux.dev"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://cmux.dev", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, controlFrameAncestors, resp.Header.Get("Content-Security-Policy"))
	assert.Empty(t, resp.Header.Get("X-Frame-Options"))

	vary := strings.ToLower(resp.Header.Get("Vary"))
	assert.Contains(t, strings.Split(strings.ReplaceAll(vary, " ", ""), ","), "origin")

	// Disallowed origins receive no CORS grant.
	resp = doReq(t, addr, "GET", host, "/", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUpstreamDialFailureIs502(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	addr := startProxy(t, nil)
	host := fmt.Sprintf("port-%d-test.cmux.sh", port)

	resp := doReq(t, addr, "GET", host, "/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.True(t, strings.HasPrefix(bodyString(t, resp), "upstream error: "))
}

func TestUpgradeToNonSwitchingUpstreamIs502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	addr := startProxy(t, nil)
	host := fmt.Sprintf("port-%d-test.cmux.sh", backendPort(t, upstream))

	resp := doReq(t, addr, "GET", host, "/ws", map[string]string{
		"Connection": "Upgrade",
		"Upgrade":    "websocket",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream did not switch protocols: 200", bodyString(t, resp))
}

// hostRewriteTransport pins the Host header so subdomain routing works
// against a loopback proxy address.
type hostRewriteTransport struct {
	host string
	base http.RoundTripper
}

func (t *hostRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Host = t.host
	return t.base.RoundTrip(req)
}

func wsEcho(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "bye")
		for {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			typ, data, err := c.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			err = c.Write(ctx, typ, data)
			cancel()
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsDialThroughProxy(t *testing.T, proxyAddr, host string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := &http.Client{
		Transport: &hostRewriteTransport{
			host: host,
			base: &http.Transport{ForceAttemptHTTP2: false},
		},
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+proxyAddr+"/ws", &websocket.DialOptions{
		HTTPClient: client,
	})
	require.NoError(t, err)
	return conn
}

func TestWebSocketEchoThroughPortRoute(t *testing.T) {
	upstream := wsEcho(t)
	addr := startProxy(t, nil)
	host := fmt.Sprintf("port-%d-test.cmux.sh", backendPort(t, upstream))

	conn := wsDialThroughProxy(t, addr, host)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello")))
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "hello", string(data))
}

func TestWebSocketEchoThroughCmuxRoute(t *testing.T) {
	upstream := wsEcho(t)
	addr := startProxy(t, nil)
	host := fmt.Sprintf("cmux-demo-feature-%d.cmux.sh", backendPort(t, upstream))

	conn := wsDialThroughProxy(t, addr, host)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("cmux")))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cmux", string(data))
}

func TestMultiAddressListen(t *testing.T) {
	s := NewServer(Config{
		BindAddrs: []string{"127.0.0.1:0", "127.0.0.1:0"},
		Apex:      "cmux.sh",
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	addrs := s.Addrs()
	require.Len(t, addrs, 2)
	for _, a := range addrs {
		resp := doReq(t, a.String(), "GET", "cmux.sh", "/", nil)
		assert.Equal(t, "cmux!", bodyString(t, resp))
	}
}

func TestHeadRequestPassesValidation(t *testing.T) {
	addr := startProxy(t, nil)

	for _, host := range []string{
		"port-8080-j2z9smmu.cmux.sh",
		"cmux-j2z9smmu-8080.cmux.sh",
		"my-workspace-8080-vmslug.cmux.sh",
	} {
		resp := doReq(t, addr, "HEAD", host, "/test", nil)
		assert.NotEqual(t, http.StatusBadRequest, resp.StatusCode, host)
		assert.NotEqual(t, http.StatusLoopDetected, resp.StatusCode, host)
	}
}
