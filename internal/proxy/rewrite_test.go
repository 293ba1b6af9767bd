package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func htmlResponse(body string, header http.Header) *http.Response {
	h := http.Header{"Content-Type": []string{"text/html"}}
	for k, v := range header {
		h[k] = v
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func TestShouldRewriteHTML(t *testing.T) {
	assert.True(t, shouldRewriteHTML(htmlResponse("<html></html>", nil)))
	assert.True(t, shouldRewriteHTML(htmlResponse("", http.Header{"Content-Type": []string{"text/html; charset=utf-8"}})))
	assert.False(t, shouldRewriteHTML(htmlResponse("", http.Header{"Content-Type": []string{"application/json"}})))
	assert.False(t, shouldRewriteHTML(htmlResponse("", http.Header{"Content-Encoding": []string{"gzip"}})))
	assert.False(t, shouldRewriteHTML(htmlResponse("", http.Header{"Content-Encoding": []string{"br"}})))
	assert.False(t, shouldRewriteHTML(htmlResponse("", http.Header{"Content-Encoding": []string{"deflate"}})))
}

func TestRewriteInjectsIntoHead(t *testing.T) {
	resp := htmlResponse("<html><head><title>Demo</title></head><body>Hello</body></html>", nil)

	require.NoError(t, rewriteHTMLResponse(resp, Route{Kind: RoutePort, Port: 8080}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "window.__cmuxLocation")
	assert.Contains(t, s, "navigator.serviceWorker.register")
	assert.Less(t, strings.Index(s, "window.__cmuxLocation"), strings.Index(s, "<title>"),
		"scripts belong at the start of <head>")
	assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}

func TestRewriteCmuxRouteOmitsServiceWorker(t *testing.T) {
	resp := htmlResponse("<html><head></head><body>Hello</body></html>", nil)

	require.NoError(t, rewriteHTMLResponse(resp, Route{Kind: RouteCmux, Port: 8080}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "window.__cmuxLocation")
	assert.NotContains(t, string(body), "navigator.serviceWorker.register")
}

func TestRewriteWithoutHeadPrependsToBody(t *testing.T) {
	resp := htmlResponse("<html><body>Hello</body></html>", nil)

	require.NoError(t, rewriteHTMLResponse(resp, Route{Kind: RoutePort}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "window.__cmuxLocation")
	assert.Less(t, strings.Index(s, "<body>"), strings.Index(s, "window.__cmuxLocation"))
	assert.Less(t, strings.Index(s, "window.__cmuxLocation"), strings.Index(s, "Hello"))
}

func TestRewriteBareDocumentPrepends(t *testing.T) {
	resp := htmlResponse("no markup at all", nil)

	require.NoError(t, rewriteHTMLResponse(resp, Route{Kind: RoutePort}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(body), "<script>"))
	assert.True(t, strings.HasSuffix(string(body), "no markup at all"))
}

func TestRewriteDoesNotMatchHeaderTag(t *testing.T) {
	resp := htmlResponse("<html><body><header>nav</header>text</body></html>", nil)

	require.NoError(t, rewriteHTMLResponse(resp, Route{Kind: RoutePort}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	s := string(body)
	// Injection lands after <body>, not inside <header>.
	assert.Less(t, strings.Index(s, "window.__cmuxLocation"), strings.Index(s, "<header>"))
}

func TestRewriteOversizeBodyPassesThrough(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxHTMLRewriteBytes+10)
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/html"}},
		Body:          io.NopCloser(bytes.NewReader(big)),
		ContentLength: int64(len(big)),
	}

	require.NoError(t, rewriteHTMLResponse(resp, Route{Kind: RoutePort}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, len(big), len(body))
	assert.NotContains(t, string(body[:1024]), "window.__cmuxLocation")
}

func TestTagEnd(t *testing.T) {
	at, ok := tagEnd([]byte("<HEAD lang=\"en\"><x>"), "<head")
	assert.True(t, ok)
	assert.Equal(t, 16, at)

	_, ok = tagEnd([]byte("<header>"), "<head")
	assert.False(t, ok)

	_, ok = tagEnd([]byte("no tags"), "<head")
	assert.False(t, ok)
}
