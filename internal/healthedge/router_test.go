package healthedge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestServiceConfig(t *testing.T, origin string) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = origin
	cfg.App.Version = "v1"
	cfg.Storage.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.Storage.QueueDB = filepath.Join(t.TempDir(), "queue.db")
	cfg.Connectivity.PollEvery = "0s"
	if err := cfg.compile(); err != nil {
		t.Fatalf("compile config: %v", err)
	}
	return cfg
}

func newUninstalledService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := NewService(cfg)
	if err != nil {
		t.Fatalf("init service: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	s := newUninstalledService(t, newTestServiceConfig(t, origin))
	if err := s.OnInstall(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	return s
}

func serve(s *Service, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

type countingBackend struct {
	mu       sync.Mutex
	requests []string
	routes   map[string]string
}

func (b *countingBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.Path)
		body, ok := b.routes[r.URL.Path]
		b.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func TestClassify(t *testing.T) {
	s := newTestService(t, "http://localhost:1")

	cases := []struct {
		path   string
		accept string
		want   RequestCategory
	}{
		{"/connectivity-status", "", CategoryAPI},
		{"/smart-process", "text/html", CategoryAPI}, // API match wins over navigation
		{"/static/app.css", "", CategoryStatic},
		{"/icons/logo.png", "", CategoryStatic},
		{"/manifest.json", "", CategoryStatic},
		{"/", "text/html,application/xhtml+xml", CategoryNavigation},
		{"/app", "text/html", CategoryNavigation},
		{"/metrics-feed", "", CategoryOther},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.accept != "" {
			r.Header.Set("Accept", tc.accept)
		}
		if got := s.classify(r); got != tc.want {
			t.Fatalf("classify(%s, accept=%q) = %s, want %s", tc.path, tc.accept, got, tc.want)
		}
	}

	nav := httptest.NewRequest(http.MethodGet, "/anything", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	if got := s.classify(nav); got != CategoryNavigation {
		t.Fatalf("Sec-Fetch-Mode navigate not classified as navigation, got %s", got)
	}
}

func TestCacheFirstSuppressesNetwork(t *testing.T) {
	backend := &countingBackend{routes: map[string]string{}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	s := newTestService(t, srv.URL)
	if err := s.static.Put("GET /icons/logo.png", testEntry("png-bytes", time.Now().Unix())); err != nil {
		t.Fatalf("seed static: %v", err)
	}

	w := serve(s, httptest.NewRequest(http.MethodGet, "/icons/logo.png", nil))
	if w.Code != http.StatusOK || w.Body.String() != "png-bytes" {
		t.Fatalf("expected cached asset, got %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get(resultHeader); got != "cache" {
		t.Fatalf("expected cache result, got %q", got)
	}
	if backend.count() != 0 {
		t.Fatalf("cache-first must not touch the network, saw %d requests", backend.count())
	}
}

func TestStaticMissFetchesStoresAndSilentlyDegrades(t *testing.T) {
	backend := &countingBackend{routes: map[string]string{"/static/app.css": "body{}"}}
	srv := httptest.NewServer(backend.handler())

	s := newTestService(t, srv.URL)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	if w.Code != http.StatusOK || w.Header().Get(resultHeader) != "network" {
		t.Fatalf("miss should hit network: %d %q", w.Code, w.Header().Get(resultHeader))
	}
	if backend.count() != 1 {
		t.Fatalf("expected 1 origin fetch, got %d", backend.count())
	}

	// Now cached: no second fetch.
	w = serve(s, httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	if w.Header().Get(resultHeader) != "cache" || backend.count() != 1 {
		t.Fatalf("second request should be served from cache")
	}

	// Total failure on an uncached asset degrades silently.
	srv.Close()
	w = serve(s, httptest.NewRequest(http.MethodGet, "/icons/missing.svg", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected neutral 404, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("asset failure must not synthesize content, got %q", w.Body.String())
	}
}

func TestAPINetworkFirstWritesCache(t *testing.T) {
	backend := &countingBackend{routes: map[string]string{
		"/connectivity-status": `{"overall_status":true,"internet_available":true}`,
	}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	s := newTestService(t, srv.URL)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/connectivity-status", nil))
	if w.Code != http.StatusOK || w.Header().Get(resultHeader) != "network" {
		t.Fatalf("expected network result, got %d %q", w.Code, w.Header().Get(resultHeader))
	}

	cached, ok := s.api.Get("GET /connectivity-status")
	if !ok {
		t.Fatalf("2xx API response was not written to the api namespace")
	}
	if string(cached.Body) != `{"overall_status":true,"internet_available":true}` {
		t.Fatalf("cached body mismatch: %q", cached.Body)
	}
}

func TestAPIOfflineServesLastSeenTruth(t *testing.T) {
	backend := &countingBackend{routes: map[string]string{
		"/connectivity-status": `{"overall_status":true}`,
	}}
	srv := httptest.NewServer(backend.handler())

	s := newTestService(t, srv.URL)
	serve(s, httptest.NewRequest(http.MethodGet, "/connectivity-status", nil))

	srv.Close()
	w := serve(s, httptest.NewRequest(http.MethodGet, "/connectivity-status", nil))
	if w.Header().Get(resultHeader) != "cache" {
		t.Fatalf("expected cached result offline, got %q", w.Header().Get(resultHeader))
	}
	// The last seen truth wins over the synthesized offline payload.
	if !strings.Contains(w.Body.String(), `"overall_status":true`) {
		t.Fatalf("expected last-seen payload, got %q", w.Body.String())
	}
}

func TestAPIOfflineColdSynthesizes(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // origin unreachable from the start

	cfg := newTestServiceConfig(t, srv.URL)
	cfg.API.Patterns = []string{"^/api/"}
	if err := cfg.compile(); err != nil {
		t.Fatalf("compile config: %v", err)
	}
	s := newUninstalledService(t, cfg)
	if err := s.OnInstall(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	// Registered fallback path: degraded-but-usable 200.
	w := serve(s, httptest.NewRequest(http.MethodGet, "/offline-guidance", nil))
	if w.Code != http.StatusOK || w.Header().Get(resultHeader) != "synthesized" {
		t.Fatalf("expected synthesized guidance, got %d %q", w.Code, w.Header().Get(resultHeader))
	}
	var guidance guidancePayload
	if err := json.Unmarshal(w.Body.Bytes(), &guidance); err != nil {
		t.Fatalf("invalid guidance JSON: %v", err)
	}
	if !guidance.Synthesized {
		t.Fatalf("guidance missing synthesized marker")
	}

	// Unregistered API path: generic 503 with the marker.
	w = serve(s, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for cold unregistered API path, got %d", w.Code)
	}
	var generic unavailablePayload
	if err := json.Unmarshal(w.Body.Bytes(), &generic); err != nil {
		t.Fatalf("invalid generic JSON: %v", err)
	}
	if !generic.Synthesized {
		t.Fatalf("generic payload missing synthesized marker")
	}
}

func TestNavigationOfflineServesShellThenNotice(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := newTestService(t, srv.URL)
	if err := s.static.Put("GET /app", testEntry("<html>shell</html>", time.Now().Unix())); err != nil {
		t.Fatalf("seed shell: %v", err)
	}

	nav := httptest.NewRequest(http.MethodGet, "/", nil)
	nav.Header.Set("Accept", "text/html")
	w := serve(s, nav)
	if w.Code != http.StatusOK || w.Body.String() != "<html>shell</html>" {
		t.Fatalf("expected cached shell, got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get(resultHeader) != "shell" {
		t.Fatalf("expected shell result, got %q", w.Header().Get(resultHeader))
	}

	if err := s.static.Delete("GET /app"); err != nil {
		t.Fatalf("delete shell: %v", err)
	}
	nav = httptest.NewRequest(http.MethodGet, "/", nil)
	nav.Header.Set("Accept", "text/html")
	w = serve(s, nav)
	if w.Header().Get(resultHeader) != "offline-notice" {
		t.Fatalf("expected offline notice, got %q", w.Header().Get(resultHeader))
	}
	if !strings.Contains(w.Body.String(), EmergencyMedical) {
		t.Fatalf("offline notice must carry the emergency code")
	}
}

func TestPassthroughPropagatesFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := newTestService(t, srv.URL)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/event-stream", nil))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("passthrough failure should surface as 502, got %d", w.Code)
	}
}

func TestMutationNeverCachedAndQueuedOnFailure(t *testing.T) {
	backend := &countingBackend{routes: map[string]string{"/smart-process": `{"guidance":"ok"}`}}
	srv := httptest.NewServer(backend.handler())

	s := newTestService(t, srv.URL)

	w := serve(s, httptest.NewRequest(http.MethodPost, "/smart-process", strings.NewReader(`{"text":"fever"}`)))
	if w.Code != http.StatusOK || w.Header().Get(resultHeader) != "bypass" {
		t.Fatalf("online mutation should pass through, got %d %q", w.Code, w.Header().Get(resultHeader))
	}
	if _, ok := s.api.Get("GET /smart-process"); ok {
		t.Fatalf("mutation response leaked into the cache")
	}

	srv.Close()
	w = serve(s, httptest.NewRequest(http.MethodPost, "/smart-process", strings.NewReader(`{"text":"fever"}`)))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("offline mutation should fail synchronously, got %d", w.Code)
	}
	var resp queuedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid queued response: %v", err)
	}
	if !resp.Queued || resp.QueueID == "" {
		t.Fatalf("failure response must name the queued record: %+v", resp)
	}
	if n, _ := s.queue.Len(context.Background()); n != 1 {
		t.Fatalf("expected 1 queued request, got %d", n)
	}
}

func TestQueuedMutationReplaysOnSyncTrigger(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := newTestService(t, "http://"+addr)

	w := serve(s, httptest.NewRequest(http.MethodPost, "/offline-guidance", strings.NewReader(`{"text":"cough"}`)))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected queued failure, got %d", w.Code)
	}

	var resolved []string
	s.Events().Subscribe(func(ev Event) {
		if ev.Name == EventSyncItemResolved {
			resolved = append(resolved, ev.Message)
		}
	})

	// Backend comes back on the same address.
	backend := &countingBackend{routes: map[string]string{"/offline-guidance": `{"guidance":"ok"}`}}
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten %s: %v", addr, err)
	}
	recovered := &http.Server{Handler: backend.handler()}
	go func() { _ = recovered.Serve(ln2) }()
	defer recovered.Close()

	if err := s.OnSyncTrigger(context.Background()); err != nil {
		t.Fatalf("sync trigger: %v", err)
	}
	if n, _ := s.queue.Len(context.Background()); n != 0 {
		t.Fatalf("queue not drained after replay, %d left", n)
	}
	if len(resolved) != 1 || !strings.Contains(resolved[0], "/offline-guidance") {
		t.Fatalf("expected one resolved event, got %v", resolved)
	}
	if backend.count() != 1 {
		t.Fatalf("expected exactly one replay request, got %d", backend.count())
	}
}

func TestHandlerRecoversToSynthesized503(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := newTestService(t, srv.URL)
	s.static = nil // force an internal fault on the static path

	w := serve(s, httptest.NewRequest(http.MethodGet, "/icons/logo.png", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected recovered 503, got %d", w.Code)
	}
	var payload unavailablePayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid recovered payload: %v", err)
	}
	if !payload.Synthesized {
		t.Fatalf("recovered payload missing synthesized marker")
	}
}
