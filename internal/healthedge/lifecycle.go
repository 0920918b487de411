package healthedge

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// OnInstall registers the current-version namespaces and eagerly
// populates the static one from the precache manifest. Same-origin
// entries must all succeed or installation fails; cross-origin URLs
// are best-effort.
func (s *Service) OnInstall(ctx context.Context) error {
	if err := s.static.ensure(); err != nil {
		return fmt.Errorf("ensure static namespace: %w", err)
	}
	if err := s.api.ensure(); err != nil {
		return fmt.Errorf("ensure api namespace: %w", err)
	}

	stored, skipped := 0, 0
	for _, entry := range s.cfg.Precache {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		crossOrigin := strings.HasPrefix(entry, "http://") || strings.HasPrefix(entry, "https://")
		fetchURL := entry
		if !crossOrigin {
			if !strings.HasPrefix(entry, "/") {
				entry = "/" + entry
			}
			fetchURL = s.cfg.Server.Origin + entry
		}
		identity := http.MethodGet + " " + entry

		ent, err := s.precacheFetch(ctx, fetchURL)
		if err != nil {
			if crossOrigin {
				skipped++
				log.Printf("precache: skip %s: %v", entry, err)
				continue
			}
			return fmt.Errorf("precache %s: %w", entry, err)
		}
		if err := s.static.Put(identity, ent); err != nil {
			return fmt.Errorf("precache store %s: %w", entry, err)
		}
		stored++
	}

	log.Printf("precache: stored=%d skipped=%d namespace=%s", stored, skipped, s.static.key)
	s.events.Publish(Event{Name: EventCacheInstallComplete})
	return nil
}

// OnActivate garbage-collects every registered namespace whose version
// differs from the current one. Deletion completes before activation
// is announced, so no window exists where two versions are current.
func (s *Service) OnActivate(ctx context.Context) error {
	keys, err := s.cache.listNamespaces()
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	current := map[string]struct{}{
		s.static.key: {},
		s.api.key:    {},
	}

	purged := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, ok := current[key]; ok {
			continue
		}
		if err := s.cache.deleteNamespace(key); err != nil {
			return fmt.Errorf("delete namespace %s: %w", key, err)
		}
		purged++
	}
	if purged > 0 {
		log.Printf("activate: purged %d stale namespace(s)", purged)
	}

	s.events.Publish(Event{Name: EventCacheActivateComplete})
	return nil
}

func (s *Service) precacheFetch(ctx context.Context, url string) (CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CacheEntry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}
