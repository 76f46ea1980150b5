// Package artifactcache implements the Artifact Cache (C4): a
// content-addressed, sharded on-disk store of encoded HEIC blobs with an
// in-memory LRU index keyed by last-access time.
package artifactcache

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ticpu/fuse-img2heic/internal/ferr"
)

// Key is a hex-encoded SHA-256 ArtifactKey.
type Key string

// shardName and fileName split a Key into its on-disk shard/file pair, per
// spec.md §4.4: the first two hex characters name the shard directory, the
// remaining 62 name the file.
func (k Key) shardName() string { return string(k)[:2] }
func (k Key) fileName() string  { return string(k)[2:] }

// ComputeKey computes the ArtifactKey for (realPath, size): a hex SHA-256
// of the byte concatenation of realPath, a NUL separator, and the decimal
// encoding of size.
func ComputeKey(realPath string, size int64) Key {
	h := sha256.New()
	h.Write([]byte(realPath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// entry is the in-memory record for one cached artifact. lastAccess is
// second-granularity per spec.md §4.4's write-amplification note.
type entry struct {
	key        Key
	length     int64
	lastAccess int64
	heapIndex  int
}

// lruHeap is a min-heap on lastAccess, ties broken lexicographically by
// key, matching evict_until's tie-break rule.
type lruHeap []*entry

func (h lruHeap) Len() int { return len(h) }
func (h lruHeap) Less(i, j int) bool {
	if h[i].lastAccess != h[j].lastAccess {
		return h[i].lastAccess < h[j].lastAccess
	}
	return h[i].key < h[j].key
}
func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *lruHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *lruHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// Stats are point-in-time counters exposed for observability.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Entries    int
	TotalBytes int64
}

// Cache is the artifact cache: root is the on-disk cache directory,
// maxBytes is the configured LRU budget.
type Cache struct {
	root     string
	maxBytes int64

	mu         sync.Mutex
	index      map[Key]*entry
	lru        lruHeap
	totalBytes int64
	hits       uint64
	misses     uint64
	writing    map[Key]bool
}

// New creates a Cache rooted at root with the given byte budget. Callers
// should follow with Warmup to populate the index from an existing cache
// directory.
func New(root string, maxBytes int64) *Cache {
	return &Cache{
		root:     root,
		maxBytes: maxBytes,
		index:    make(map[Key]*entry),
		writing:  make(map[Key]bool),
	}
}

// shardPath returns the absolute path to key's shard directory.
func (c *Cache) shardPath(k Key) string {
	return filepath.Join(c.root, k.shardName())
}

// filePath returns the absolute path to key's on-disk artifact file.
func (c *Cache) filePath(k Key) string {
	return filepath.Join(c.shardPath(k), k.fileName())
}

// Get returns the cached bytes for key, or (nil, false) on a miss. On a
// hit, last-access is updated to now.
func (c *Cache) Get(key Key) ([]byte, bool) {
	blob, err := os.ReadFile(c.filePath(key))
	if err != nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.touch(key, int64(len(blob)))
	c.mu.Unlock()

	return blob, true
}

// touch updates (or creates) key's index entry with the given length and
// bumps its last-access time to now. Caller holds c.mu.
func (c *Cache) touch(key Key, length int64) {
	now := time.Now().Unix()
	if e, ok := c.index[key]; ok {
		e.lastAccess = now
		if e.length != length {
			c.totalBytes += length - e.length
			e.length = length
		}
		heap.Fix(&c.lru, e.heapIndex)
		return
	}
	e := &entry{key: key, length: length, lastAccess: now}
	c.index[key] = e
	heap.Push(&c.lru, e)
	c.totalBytes += length
}

// Put writes bytes under key: a temp file in the target shard, followed by
// an atomic rename into place, followed by an in-memory index update, then
// EvictUntil brings total on-disk bytes back within maxBytes. The key is
// marked "writing" for the duration so a concurrent evict_until never
// selects it (spec.md §4.4's concurrency clause).
func (c *Cache) Put(key Key, data []byte) error {
	c.mu.Lock()
	c.writing[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.writing, key)
		c.mu.Unlock()
	}()

	shard := c.shardPath(key)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return ferr.New(ferr.CacheIoError, "artifactcache.Put", err)
	}

	tmp, err := os.CreateTemp(shard, key.fileName()+".tmp-*")
	if err != nil {
		return ferr.New(ferr.CacheIoError, "artifactcache.Put", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ferr.New(ferr.CacheIoError, "artifactcache.Put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ferr.New(ferr.CacheIoError, "artifactcache.Put", err)
	}

	if err := os.Rename(tmpPath, c.filePath(key)); err != nil {
		os.Remove(tmpPath)
		return ferr.New(ferr.CacheIoError, "artifactcache.Put", err)
	}

	c.mu.Lock()
	c.touch(key, int64(len(data)))
	c.mu.Unlock()

	return c.EvictUntil(c.maxBytes)
}

// EvictUntil removes least-recently-accessed entries (ties broken
// lexicographically by key) until total on-disk bytes is at most budget.
// Entries currently being written are skipped; they cannot be the oldest
// candidate indefinitely since a fresh Put always touches the entry to
// "now" before it becomes evictable again.
func (c *Cache) EvictUntil(budget int64) error {
	for {
		c.mu.Lock()
		if c.totalBytes <= budget || c.lru.Len() == 0 {
			c.mu.Unlock()
			return nil
		}

		var victim *entry
		skipped := make([]*entry, 0)
		for c.lru.Len() > 0 {
			candidate := heap.Pop(&c.lru).(*entry)
			if c.writing[candidate.key] {
				skipped = append(skipped, candidate)
				continue
			}
			victim = candidate
			break
		}
		for _, e := range skipped {
			heap.Push(&c.lru, e)
		}
		if victim == nil {
			c.mu.Unlock()
			return nil
		}
		delete(c.index, victim.key)
		c.totalBytes -= victim.length
		c.mu.Unlock()

		if err := os.Remove(c.filePath(victim.key)); err != nil && !os.IsNotExist(err) {
			return ferr.New(ferr.CacheIoError, "artifactcache.EvictUntil", err)
		}
	}
}

// Warmup scans the cache root and rebuilds the in-memory index from disk
// state, deleting any path that doesn't match the sharded hex layout
// (garbage left by an interrupted write).
func (c *Cache) Warmup() error {
	shards, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferr.New(ferr.CacheIoError, "artifactcache.Warmup", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, shard := range shards {
		if !shard.IsDir() || !isHexShard(shard.Name()) {
			os.RemoveAll(filepath.Join(c.root, shard.Name()))
			continue
		}

		shardDir := filepath.Join(c.root, shard.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !isHexFile(f.Name()) {
				os.RemoveAll(filepath.Join(shardDir, f.Name()))
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			key := Key(shard.Name() + f.Name())
			e := &entry{key: key, length: info.Size(), lastAccess: info.ModTime().Unix()}
			c.index[key] = e
			heap.Push(&c.lru, e)
			c.totalBytes += e.length
		}
	}
	return nil
}

func isHexShard(name string) bool {
	if len(name) != 2 {
		return false
	}
	return isHex(name)
}

func isHexFile(name string) bool {
	if len(name) != 62 {
		return false
	}
	return isHex(name)
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// PurgeAll empties the cache, both on disk and in memory.
func (c *Cache) PurgeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			c.resetLocked()
			return nil
		}
		return ferr.New(ferr.CacheIoError, "artifactcache.PurgeAll", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return ferr.New(ferr.CacheIoError, "artifactcache.PurgeAll", err)
		}
	}
	c.resetLocked()
	return nil
}

func (c *Cache) resetLocked() {
	c.index = make(map[Key]*entry)
	c.lru = nil
	c.totalBytes = 0
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Entries:    len(c.index),
		TotalBytes: c.totalBytes,
	}
}

// Length returns the cached length for key if known, without reading the
// artifact bytes — used by C6 to serve getattr without a full Get.
func (c *Cache) Length(key Key) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[key]
	if !ok {
		return 0, false
	}
	return e.length, true
}

func (k Key) String() string { return string(k) }
