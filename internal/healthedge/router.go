package healthedge

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"
)

// resultHeader tells callers how a response was obtained:
// cache | network | synthesized | shell | offline-notice | queued |
// bypass | error | bad-gateway.
const resultHeader = "X-Healthedge"

var staticExts = map[string]struct{}{
	".html": {}, ".css": {}, ".js": {}, ".mjs": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ttf": {},
	".json": {}, ".map": {}, ".txt": {},
}

type queuedResponse struct {
	Error       string `json:"error"`
	Queued      bool   `json:"queued"`
	QueueID     string `json:"queue_id"`
	Synthesized bool   `json:"synthesized"`
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// handle guarantees every intercepted request resolves to some
// response; no fault propagates to the calling page.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("router: panic handling %s %s: %v", r.Method, r.URL.Path, rec)
			status, body := synthesizeAPI("")
			s.writeSynthesized(w, status, body)
		}
	}()

	// Mutating requests never touch the caching paths.
	if r.Method != http.MethodGet {
		s.handleMutation(w, r)
		return
	}

	switch s.classify(r) {
	case CategoryAPI:
		s.networkFirst(w, r)
	case CategoryStatic:
		s.cacheFirst(w, r)
	case CategoryNavigation:
		s.serveNavigation(w, r)
	default:
		s.passthrough(w, r)
	}
}

// classify derives the request category: API pattern match, then
// static file extension, then navigation heuristic, then other.
func (s *Service) classify(r *http.Request) RequestCategory {
	p := r.URL.Path
	if s.cfg.isAPIPath(p) {
		return CategoryAPI
	}
	if _, ok := staticExts[strings.ToLower(path.Ext(p))]; ok {
		return CategoryStatic
	}
	if isNavigation(r) {
		return CategoryNavigation
	}
	return CategoryOther
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// requestIdentity is the cache key: method plus normalized URL.
func requestIdentity(r *http.Request) string {
	uri := r.URL.Path
	if uri == "" {
		uri = "/"
	}
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}
	return r.Method + " " + uri
}

// networkFirst: api-call strategy. Network wins when reachable, 2xx
// responses are written back to the api namespace, failures fall to
// cache and finally to synthesis.
func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	ent, err := s.fetchFromOrigin(r, nil)
	if err == nil {
		if ent.Status >= 200 && ent.Status < 300 {
			if perr := s.api.Put(identity, ent); perr != nil {
				s.storeFailLog.Printf("cache store failed (api): %v", perr)
			}
		}
		s.writeEntry(w, ent, "network")
		return
	}

	if cached, ok := s.api.Get(identity); ok {
		s.writeEntry(w, cached, "cache")
		return
	}

	status, body := synthesizeAPI(r.URL.Path)
	s.writeSynthesized(w, status, body)
}

// cacheFirst: static-asset strategy. A cached asset suppresses the
// network entirely; total failure degrades silently with no
// placeholder content.
func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	if cached, ok := s.static.Get(identity); ok {
		s.writeEntry(w, cached, "cache")
		return
	}

	ent, err := s.fetchFromOrigin(r, nil)
	if err == nil {
		if ent.Status >= 200 && ent.Status < 300 {
			if perr := s.static.Put(identity, ent); perr != nil {
				s.storeFailLog.Printf("cache store failed (static): %v", perr)
			}
		}
		s.writeEntry(w, ent, "network")
		return
	}

	setResultHeaders(w.Header(), "error")
	w.WriteHeader(http.StatusNotFound)
}

// serveNavigation: network-first with the cached application shell as
// fallback, then the inline offline notice.
func (s *Service) serveNavigation(w http.ResponseWriter, r *http.Request) {
	ent, err := s.fetchFromOrigin(r, nil)
	if err == nil {
		s.writeEntry(w, ent, "network")
		return
	}

	if shell, ok := s.static.Get(http.MethodGet + " " + s.cfg.App.Shell); ok {
		s.writeEntry(w, shell, "shell")
		return
	}

	setResultHeaders(w.Header(), "offline-notice")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(offlineNoticePage))
	s.stats.Observe("offline-notice")
}

// passthrough: attempt network only, failure propagates to the caller.
func (s *Service) passthrough(w http.ResponseWriter, r *http.Request) {
	ent, err := s.fetchFromOrigin(r, nil)
	if err != nil {
		setResultHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntry(w, ent, "bypass")
}

// handleMutation attempts the network directly; on failure the caller
// gets its failure synchronously and the request is durably queued
// for replay after recovery.
func (s *Service) handleMutation(w http.ResponseWriter, r *http.Request) {
	body, rerr := io.ReadAll(r.Body)
	if rerr != nil {
		setResultHeaders(w.Header(), "error")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ent, err := s.fetchFromOrigin(r, body)
	if err == nil {
		s.writeEntry(w, ent, "bypass")
		return
	}

	uri := r.URL.RequestURI()
	qr, qerr := s.queue.Enqueue(r.Context(), r.Method, uri, cloneHeader(r.Header), body)
	if qerr != nil {
		// Degraded durability only: the caller still sees the failure.
		log.Printf("syncqueue: enqueue %s %s: %v", r.Method, uri, qerr)
		setResultHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	s.stats.Observe("queued")
	setResultHeaders(w.Header(), "queued")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(mustJSON(queuedResponse{
		Error:       "backend unreachable",
		Queued:      true,
		QueueID:     qr.ID,
		Synthesized: true,
	}))
}

func (s *Service) fetchFromOrigin(r *http.Request, body []byte) (CacheEntry, error) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, rd)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (s *Service) writeEntry(w http.ResponseWriter, ent CacheEntry, result string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, resultHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setResultHeaders(w.Header(), result)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
	s.stats.Observe(result)
}

func (s *Service) writeSynthesized(w http.ResponseWriter, status int, body []byte) {
	setResultHeaders(w.Header(), "synthesized")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	s.stats.Observe("synthesized")
}

func setResultHeaders(h http.Header, result string) {
	if result != "" {
		h.Set(resultHeader, result)
	}
	// In a CORS context, custom headers are not readable by page JS
	// unless explicitly exposed.
	ensureExposedHeader(h, resultHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
