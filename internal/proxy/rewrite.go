package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// MaxHTMLRewriteBytes bounds how much of an HTML body the rewriter will
// buffer. Bodies larger than this pass through unmodified.
const MaxHTMLRewriteBytes = 32 << 20

// shouldRewriteHTML reports whether the upstream response is eligible for
// script injection. Encoded bodies pass through untouched; the rewriter
// does not transparently decode.
func shouldRewriteHTML(resp *http.Response) bool {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return false
	}
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		return true
	default:
		return false
	}
}

// injectedScripts returns the script blocks for the route: the location
// shim always, the service-worker registration for port and workspace
// routes only.
func injectedScripts(route Route) []byte {
	if route.Kind == RouteCmux {
		return []byte(locationShimJS)
	}
	return []byte(locationShimJS + serviceWorkerRegisterJS)
}

// rewriteHTMLResponse injects the route's script blocks into the response
// body and fixes up Content-Length. Oversize bodies are re-streamed
// unmodified: the already-buffered prefix is stitched back in front of
// the remaining body.
func rewriteHTMLResponse(resp *http.Response, route Route) error {
	buf := make([]byte, 0, 64<<10)
	limited := io.LimitReader(resp.Body, MaxHTMLRewriteBytes+1)
	buf, err := readAll(limited, buf)
	if err != nil {
		resp.Body.Close()
		return err
	}

	if len(buf) > MaxHTMLRewriteBytes {
		// Too large to buffer; pass through with the prefix restored.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		return nil
	}
	resp.Body.Close()

	body := injectScripts(buf, injectedScripts(route))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// injectScripts inserts the scripts after the opening <head> tag, after
// the opening <body> tag when <head> is absent, or at the front of the
// document as a last resort.
func injectScripts(doc, scripts []byte) []byte {
	if at, ok := tagEnd(doc, "<head"); ok {
		return splice(doc, at, scripts)
	}
	if at, ok := tagEnd(doc, "<body"); ok {
		return splice(doc, at, scripts)
	}
	return append(append(make([]byte, 0, len(scripts)+len(doc)), scripts...), doc...)
}

// tagEnd locates the byte offset just past the '>' of the first
// case-insensitive occurrence of the given opening tag.
func tagEnd(doc []byte, tag string) (int, bool) {
	lower := bytes.ToLower(doc)
	start := bytes.Index(lower, []byte(tag))
	if start < 0 {
		return 0, false
	}
	// The tag name must end at '>', whitespace, or '/': reject matches
	// like <header>.
	rest := doc[start+len(tag):]
	if len(rest) == 0 {
		return 0, false
	}
	switch rest[0] {
	case '>', ' ', '\t', '\n', '\r', '/':
	default:
		return 0, false
	}
	gt := bytes.IndexByte(rest, '>')
	if gt < 0 {
		return 0, false
	}
	return start + len(tag) + gt + 1, true
}

func splice(doc []byte, at int, insert []byte) []byte {
	out := make([]byte, 0, len(doc)+len(insert))
	out = append(out, doc[:at]...)
	out = append(out, insert...)
	out = append(out, doc[at:]...)
	return out
}

// readAll is io.ReadAll into a caller-provided buffer.
func readAll(r io.Reader, buf []byte) ([]byte, error) {
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
	}
}
