package healthedge

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS queued_requests (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	header TEXT NOT NULL,
	body BLOB,
	enqueued_at TEXT NOT NULL
);
`

// syncQueue durably stores mutating requests that failed to reach the
// backend and replays them in enqueue order once connectivity
// recovers. Records survive process restarts.
type syncQueue struct {
	db     *sql.DB
	client *http.Client
	origin string
	events *EventHub

	// replayMu enforces strictly sequential replay. A trigger that
	// arrives mid-pass is skipped; the next recovery event picks up
	// whatever is still queued.
	replayMu sync.Mutex
}

func openSyncQueue(ctx context.Context, path, origin string, client *http.Client, events *EventHub) (*syncQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}
	return &syncQueue{db: db, client: client, origin: origin, events: events}, nil
}

func (q *syncQueue) close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue persists one failed mutating request. The caller has
// already received its own failure response; this only arranges the
// deferred replay.
func (q *syncQueue) Enqueue(ctx context.Context, method, url string, header http.Header, body []byte) (QueuedRequest, error) {
	qr := QueuedRequest{
		ID:         uuid.NewString(),
		Method:     method,
		URL:        url,
		Header:     header,
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
	headerJSON, err := json.Marshal(qr.Header)
	if err != nil {
		return QueuedRequest{}, fmt.Errorf("marshal header: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
INSERT INTO queued_requests(id, method, url, header, body, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?)
`, qr.ID, qr.Method, qr.URL, string(headerJSON), qr.Body, qr.EnqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return QueuedRequest{}, fmt.Errorf("insert queued request: %w", err)
	}
	qr.Seq, _ = res.LastInsertId()
	return qr, nil
}

// Pending returns queued requests in enqueue (FIFO) order.
func (q *syncQueue) Pending(ctx context.Context) ([]QueuedRequest, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT seq, id, method, url, header, body, enqueued_at
FROM queued_requests ORDER BY seq
`)
	if err != nil {
		return nil, fmt.Errorf("list queued requests: %w", err)
	}
	defer rows.Close()

	var out []QueuedRequest
	for rows.Next() {
		var qr QueuedRequest
		var headerJSON, enqueuedAt string
		if err := rows.Scan(&qr.Seq, &qr.ID, &qr.Method, &qr.URL, &headerJSON, &qr.Body, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queued request: %w", err)
		}
		if err := json.Unmarshal([]byte(headerJSON), &qr.Header); err != nil {
			qr.Header = http.Header{}
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			qr.EnqueuedAt = t
		}
		out = append(out, qr)
	}
	return out, rows.Err()
}

func (q *syncQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_requests`).Scan(&n)
	return n, err
}

func (q *syncQueue) remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_requests WHERE id = ?`, id)
	return err
}

// Replay walks the queue once, strictly sequentially. Each request is
// attempted at most once per pass; failures stay queued for the next
// recovery event. Returns how many resolved and how many remain.
func (q *syncQueue) Replay(ctx context.Context) (resolved, remaining int, err error) {
	if !q.replayMu.TryLock() {
		return 0, 0, nil
	}
	defer q.replayMu.Unlock()

	items, err := q.Pending(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, qr := range items {
		if !q.replayOne(ctx, qr) {
			remaining++
			continue
		}
		if err := q.remove(ctx, qr.ID); err != nil {
			log.Printf("syncqueue: remove %s: %v", qr.ID, err)
			remaining++
			continue
		}
		resolved++
		q.events.Publish(Event{
			Name:    EventSyncItemResolved,
			Message: fmt.Sprintf("replayed %s %s", qr.Method, qr.URL),
		})
	}
	if resolved > 0 || remaining > 0 {
		log.Printf("syncqueue: replay pass resolved=%d remaining=%d", resolved, remaining)
	}
	return resolved, remaining, nil
}

func (q *syncQueue) replayOne(ctx context.Context, qr QueuedRequest) bool {
	req, err := http.NewRequestWithContext(ctx, qr.Method, q.origin+qr.URL, bytes.NewReader(qr.Body))
	if err != nil {
		log.Printf("syncqueue: build replay %s: %v", qr.ID, err)
		return false
	}
	for k, vs := range qr.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	// A 4xx is a definitive backend answer; replaying it again would
	// never change the outcome, so it counts as resolved.
	return resp.StatusCode < 500
}
