package healthedge

import (
	"context"
	"encoding/gob"
	"log"
	"net/http"
	"sync"
	"time"
)

// Service composes the connectivity detector, the cache namespaces,
// the strategy router and the sync queue behind one
// request-interception boundary. Constructed at startup, torn down
// with Close; nothing here is ambient global state.
type Service struct {
	cfg Config

	httpClient *http.Client

	cache  *cacheStore
	static *namespace
	api    *namespace

	detector *Detector
	queue    *syncQueue
	events   *EventHub

	storeFailLog *rateLimitedLogger
	stats        *statsCollector

	unsubscribe func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	cache, err := openCacheStore(cfg.Storage.CacheDir)
	if err != nil {
		return nil, err
	}

	events := newEventHub()
	client := &http.Client{Timeout: 30 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queue, err := openSyncQueue(ctx, cfg.Storage.QueueDB, cfg.Server.Origin, client, events)
	if err != nil {
		cache.close()
		return nil, err
	}

	s := &Service{
		cfg:          cfg,
		httpClient:   client,
		cache:        cache,
		static:       cache.namespace("static", cfg.App.Version, 0),
		api:          cache.namespace("api", cfg.App.Version, cfg.apiMaxBytes),
		detector:     newDetector(cfg, client),
		queue:        queue,
		events:       events,
		storeFailLog: newRateLimitedLogger(1 * time.Minute),
		stats:        newStatsCollector(),
		stopCh:       make(chan struct{}),
	}

	// Recovery wiring: rebroadcast verdict changes to UI collaborators
	// and replay the queue when the verdict flips back online. The
	// detector serializes notifications, so lastOverall needs no lock.
	lastOverall := false
	s.unsubscribe = s.detector.Subscribe(func(st ConnectivityState) {
		s.events.Publish(Event{Name: EventConnectivityChange, State: &st})
		recovered := st.Overall && !lastOverall
		lastOverall = st.Overall
		if recovered {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if _, _, err := s.queue.Replay(ctx); err != nil {
					log.Printf("syncqueue: replay: %v", err)
				}
			}()
		}
	})

	s.detector.start()

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	s.detector.stop()
	s.unsubscribe()
	close(s.stopCh)
	s.wg.Wait()
	_ = s.queue.close()
	s.cache.close()
}

// Events exposes the UI collaborator event surface.
func (s *Service) Events() *EventHub {
	return s.events
}

// Connectivity exposes the detector for host integrations that push
// platform transitions or need the last verdict.
func (s *Service) Connectivity() *Detector {
	return s.detector
}

// OnSyncTrigger is the platform-level deferred-sync entry point; it
// runs one replay pass over the queue.
func (s *Service) OnSyncTrigger(ctx context.Context) error {
	_, _, err := s.queue.Replay(ctx)
	return err
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			depth := 0
			if n, err := s.queue.Len(context.Background()); err == nil {
				depth = n
			}
			staticEntries, _ := s.static.Len()
			apiEntries, _ := s.api.Len()
			log.Printf(
				"served: cache=%d network=%d synthesized=%d queued=%d | entries static=%d api=%d (%s) queue_depth=%d",
				ss.CacheHits,
				ss.NetworkFetches,
				ss.Synthesized,
				ss.Queued,
				staticEntries,
				apiEntries,
				formatBytes(uint64(s.api.size())),
				depth,
			)
		}
	}
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
