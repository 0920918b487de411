package healthedge

import (
	"bytes"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNonGETEntry guards the invariant that namespaces only ever hold
// GET responses. Mutating requests are queued, never cached.
var ErrNonGETEntry = errors.New("non-GET entries are not cacheable")

// cacheStore is the LevelDB file backing every cache namespace.
// Layout:
//
//	ns:<name>-<version>            registry marker (creation time)
//	e:<name>-<version>:<identity>  gob-encoded CacheEntry
type cacheStore struct {
	db *leveldb.DB
}

func openCacheStore(path string) (*cacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &cacheStore{db: db}, nil
}

func (s *cacheStore) close() {
	_ = s.db.Close()
}

// listNamespaces returns every registered namespace key, current or not.
func (s *cacheStore) listNamespaces() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("ns:")), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("ns:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// deleteNamespace removes a namespace's entries and its registry
// marker in one batch, so no reader observes a half-deleted version.
func (s *cacheStore) deleteNamespace(key string) error {
	batch := new(leveldb.Batch)

	it := s.db.NewIterator(util.BytesPrefix([]byte("e:"+key+":")), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}

	batch.Delete([]byte("ns:" + key))
	return s.db.Write(batch, nil)
}

type namespace struct {
	store *cacheStore
	key   string // "<name>-<version>"

	// maxBytes caps the encoded size of all entries; 0 means uncapped.
	maxBytes int64

	mu        sync.Mutex
	totalSize int64
}

func (s *cacheStore) namespace(name, version string, maxBytes int64) *namespace {
	return &namespace{store: s, key: name + "-" + version, maxBytes: maxBytes}
}

// ensure registers the namespace and, when capped, rebuilds the size
// accounting from disk.
func (n *namespace) ensure() error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := n.store.db.Put([]byte("ns:"+n.key), []byte(stamp), nil); err != nil {
		return err
	}
	if n.maxBytes <= 0 {
		return nil
	}

	it := n.store.db.NewIterator(util.BytesPrefix(n.entryPrefix()), nil)
	defer it.Release()
	var total int64
	for it.Next() {
		total += int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return err
	}
	n.mu.Lock()
	n.totalSize = total
	n.mu.Unlock()
	return nil
}

func (n *namespace) entryPrefix() []byte {
	return []byte("e:" + n.key + ":")
}

func (n *namespace) entryKey(identity string) []byte {
	return append(n.entryPrefix(), identity...)
}

func (n *namespace) Get(identity string) (CacheEntry, bool) {
	b, err := n.store.db.Get(n.entryKey(identity), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

// Put overwrites the entry wholesale; entries are never merged.
func (n *namespace) Put(identity string, ent CacheEntry) error {
	if !strings.HasPrefix(identity, http.MethodGet+" ") {
		return ErrNonGETEntry
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	key := n.entryKey(identity)

	var oldSize int64
	if old, err := n.store.db.Get(key, nil); err == nil {
		oldSize = int64(len(old))
	}
	if err := n.store.db.Put(key, b, nil); err != nil {
		return err
	}

	if n.maxBytes <= 0 {
		return nil
	}
	n.mu.Lock()
	n.totalSize += int64(len(b)) - oldSize
	over := n.totalSize > n.maxBytes
	n.mu.Unlock()
	if over {
		return n.evictOldest()
	}
	return nil
}

func (n *namespace) Delete(identity string) error {
	key := n.entryKey(identity)
	var oldSize int64
	if old, err := n.store.db.Get(key, nil); err == nil {
		oldSize = int64(len(old))
	}
	if err := n.store.db.Delete(key, nil); err != nil {
		return err
	}
	if n.maxBytes > 0 && oldSize > 0 {
		n.mu.Lock()
		n.totalSize -= oldSize
		n.mu.Unlock()
	}
	return nil
}

func (n *namespace) size() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.totalSize
}

func (n *namespace) Len() (int, error) {
	it := n.store.db.NewIterator(util.BytesPrefix(n.entryPrefix()), nil)
	defer it.Release()
	count := 0
	for it.Next() {
		count++
	}
	return count, it.Error()
}

// evictOldest drops the oldest 10% of entries by insertion time.
func (n *namespace) evictOldest() error {
	type item struct {
		identity string
		storedAt int64
		size     int64
	}

	it := n.store.db.NewIterator(util.BytesPrefix(n.entryPrefix()), nil)
	var items []item
	prefixLen := len(n.entryPrefix())
	for it.Next() {
		var ent CacheEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		items = append(items, item{
			identity: string(it.Key()[prefixLen:]),
			storedAt: ent.StoredAt,
			size:     int64(len(it.Value())),
		})
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].storedAt < items[j].storedAt
	})

	count := len(items) / 10
	if count < 1 {
		count = 1
	}

	batch := new(leveldb.Batch)
	var freed int64
	for i := 0; i < count; i++ {
		batch.Delete(n.entryKey(items[i].identity))
		freed += items[i].size
	}
	if err := n.store.db.Write(batch, nil); err != nil {
		return err
	}
	n.mu.Lock()
	n.totalSize -= freed
	n.mu.Unlock()
	return nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
