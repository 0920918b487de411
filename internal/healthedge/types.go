package healthedge

import (
	"net/http"
	"time"
)

// RequestCategory selects which strategy handles an intercepted request.
// Computed per request from URL shape and metadata, never stored.
type RequestCategory string

const (
	CategoryAPI        RequestCategory = "api-call"
	CategoryStatic     RequestCategory = "static-asset"
	CategoryNavigation RequestCategory = "navigation"
	CategoryOther      RequestCategory = "other"
)

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// ConnectivityState is the consensus verdict over three independent
// signals. Only the Detector writes it; everyone else reads the last
// emitted value or subscribes to change events.
type ConnectivityState struct {
	PlatformOnline    bool
	BackendReachable  bool
	InternetReachable bool

	// Overall is the AND of the three signals. It is never true while
	// PlatformOnline is false.
	Overall bool

	CheckedAt time.Time

	// Method is "comprehensive" when the probes ran, "fallback" when
	// every probe mechanism errored and only the platform flag counted.
	Method string
}

const (
	MethodComprehensive = "comprehensive"
	MethodFallback      = "fallback"
)

// QueuedRequest is one mutating request that failed to reach the
// backend. It lives in the durable queue until a replay resolves it.
type QueuedRequest struct {
	Seq        int64
	ID         string
	Method     string
	URL        string // request URI relative to the backend origin
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
}
