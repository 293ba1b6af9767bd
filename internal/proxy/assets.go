package proxy

// proxyServiceWorkerJS is the canned service worker served at /proxy-sw.js.
// It is a fixed asset delivered verbatim, not derived from the request.
const proxyServiceWorkerJS = `// cmux proxy service worker
'use strict';

function isLoopbackHostname(hostname) {
  if (hostname === 'localhost' || hostname === '0.0.0.0') return true;
  if (hostname === '[::1]' || hostname === '::1') return true;
  if (/^127\.\d{1,3}\.\d{1,3}\.\d{1,3}$/.test(hostname)) return true;
  return false;
}

function rewriteLoopbackUrl(raw) {
  let url;
  try {
    url = new URL(raw);
  } catch (_) {
    return null;
  }
  if (!isLoopbackHostname(url.hostname)) return null;
  const port = url.port || (url.protocol === 'https:' ? '443' : '80');
  const here = new URL(self.location.href);
  const suffix = here.hostname.replace(/^[^.]+/, '');
  url.protocol = here.protocol;
  url.hostname = 'port-' + port + '-local' + suffix;
  url.port = here.port;
  return url.toString();
}

self.addEventListener('install', () => {
  self.skipWaiting();
});

self.addEventListener('activate', (event) => {
  event.waitUntil(self.clients.claim());
});

self.addEventListener('fetch', (event) => {
  const rewritten = rewriteLoopbackUrl(event.request.url);
  if (rewritten === null) return;
  event.respondWith(fetch(new Request(rewritten, event.request)));
});
`

// locationShimJS publishes the externally visible URL as
// window.__cmuxLocation so in-page tooling can link to the proxied origin
// instead of the upstream loopback address.
const locationShimJS = `<script>
(function () {
  'use strict';
  function externalLocation() {
    var loc = window.location;
    var host = loc.host;
    var m = /^port-(\d+)-[A-Za-z0-9]+(\..*)$/.exec(loc.hostname);
    if (m) {
      host = loc.hostname + (loc.port ? ':' + loc.port : '');
    }
    return {
      href: loc.protocol + '//' + host + loc.pathname + loc.search + loc.hash,
      host: host,
      hostname: loc.hostname,
      protocol: loc.protocol,
      pathname: loc.pathname,
      search: loc.search,
      hash: loc.hash
    };
  }
  window.__cmuxLocation = externalLocation();
})();
</script>`

// serviceWorkerRegisterJS registers the canned proxy service worker.
const serviceWorkerRegisterJS = `<script>
(function () {
  'use strict';
  if (!('serviceWorker' in navigator)) return;
  navigator.serviceWorker.register('/proxy-sw.js', { scope: '/' }).catch(function () {});
})();
</script>`
