package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func parse(host, path, method string, looped bool) Route {
	return ParseRoute("cmux.sh", DefaultControlPort, host, path, method, looped)
}

func TestParseRouteFamilies(t *testing.T) {
	tests := []struct {
		name   string
		host   string
		path   string
		method string
		looped bool
		want   Route
	}{
		{
			name: "apex greeting",
			host: "cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteApex},
		},
		{
			name: "service worker wins on any host",
			host: "port-8080-test.cmux.sh", path: "/proxy-sw.js", method: "GET",
			want: Route{Kind: RouteServiceWorker},
		},
		{
			name: "port route",
			host: "port-8080-test.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RoutePort, Port: 8080},
		},
		{
			name: "port route with host port suffix",
			host: "port-8080-test.cmux.localhost:8090", path: "/", method: "GET",
			want: Route{Kind: RoutePort, Port: 8080},
		},
		{
			name: "control port gets control cors mode",
			host: "port-39378-test.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RoutePort, Port: 39378, CORSMode: CORSControl},
		},
		{
			name: "port route invalid port",
			host: "port-abc-test.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectPort, Message: "Invalid port in cmux proxy subdomain"},
		},
		{
			name: "port route zero port",
			host: "port-0-test.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectPort, Message: "Invalid port in cmux proxy subdomain"},
		},
		{
			name: "port route overflow port",
			host: "port-70000-test.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectPort, Message: "Invalid port in cmux proxy subdomain"},
		},
		{
			name: "cmux route",
			host: "cmux-test-8080.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteCmux, Port: 8080, Slug: "test"},
		},
		{
			name: "cmux route with scope",
			host: "cmux-test-base-8080.cmux.sh", path: "/", method: "HEAD",
			want: Route{Kind: RouteCmux, Port: 8080, Slug: "test"},
		},
		{
			name: "cmux route missing port",
			host: "cmux-test.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectSyntax, Message: "Invalid cmux proxy subdomain"},
		},
		{
			name: "cmux route non-numeric port",
			host: "cmux-test-abc.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectPort, Message: "Invalid port in cmux proxy subdomain"},
		},
		{
			name: "cmux route with host port suffix",
			host: "cmux-uopbmezr-39378.cmux.localhost:8090", path: "/", method: "HEAD",
			want: Route{Kind: RouteCmux, Port: 39378, Slug: "uopbmezr"},
		},
		{
			name: "workspace route",
			host: "workspace-8080-vmslug.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteWorkspace, Port: 8080, Slug: "workspace", VMSlug: "vmslug"},
		},
		{
			name: "workspace route multi-part name",
			host: "my-workspace-8080-vmslug.cmux.sh", path: "/test", method: "HEAD",
			want: Route{Kind: RouteWorkspace, Port: 8080, Slug: "my-workspace", VMSlug: "vmslug"},
		},
		{
			name: "workspace route missing segments",
			host: "test-8080.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectSyntax, Message: "Invalid cmux subdomain"},
		},
		{
			name: "workspace route non-numeric port",
			host: "workspace-abc-vmslug.cmux.sh", path: "/", method: "GET",
			want: Route{Kind: RouteRejectPort, Message: "Invalid port in subdomain"},
		},
		{
			name: "loop upgrade on port route",
			host: "port-8080-test.cmux.sh", path: "/", method: "GET", looped: true,
			want: Route{Kind: RouteLoop, Message: "Loop detected in proxy"},
		},
		{
			name: "loop upgrade on cmux route",
			host: "cmux-test-8080.cmux.sh", path: "/", method: "GET", looped: true,
			want: Route{Kind: RouteLoop, Message: "Loop detected in proxy"},
		},
		{
			name: "loop upgrade on workspace route",
			host: "workspace-8080-vmslug.cmux.sh", path: "/", method: "GET", looped: true,
			want: Route{Kind: RouteLoop, Message: "Loop detected in proxy"},
		},
		{
			name: "loop header does not affect rejections",
			host: "cmux-test.cmux.sh", path: "/", method: "GET", looped: true,
			want: Route{Kind: RouteRejectSyntax, Message: "Invalid cmux proxy subdomain"},
		},
		{
			name: "loop header does not affect service worker",
			host: "port-8080-test.cmux.sh", path: "/proxy-sw.js", method: "GET", looped: true,
			want: Route{Kind: RouteServiceWorker},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parse(tt.host, tt.path, tt.method, tt.looped)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRouteIsDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t,
			parse("port-8080-test.cmux.sh", "/x", "GET", false),
			parse("port-8080-test.cmux.sh", "/x", "GET", false))
	}
}

func TestWorkspaceIPFromName(t *testing.T) {
	ip, ok := WorkspaceIPFromName("workspace-1")
	assert.True(t, ok)
	assert.Equal(t, "127.18.0.1", ip)

	ip, ok = WorkspaceIPFromName("ws260")
	assert.True(t, ok)
	assert.Equal(t, "127.18.1.4", ip)

	_, ok = WorkspaceIPFromName("no-digits")
	assert.False(t, ok)

	_, ok = WorkspaceIPFromName("")
	assert.False(t, ok)
}
