package artifactcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestComputeKeyDeterministic(t *testing.T) {
	a := ComputeKey("/src/a.jpg", 1234)
	b := ComputeKey("/src/a.jpg", 1234)
	if a != b {
		t.Fatalf("ComputeKey: not deterministic, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("ComputeKey: got length %d, want 64 hex chars", len(a))
	}
}

func TestComputeKeyDiffersBySize(t *testing.T) {
	a := ComputeKey("/src/a.jpg", 1234)
	b := ComputeKey("/src/a.jpg", 1235)
	if a == b {
		t.Fatal("ComputeKey: expected different keys for different sizes")
	}
}

func TestPutThenGet(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)

	key := ComputeKey("/src/a.jpg", 100)
	payload := []byte("fake heic bytes")

	if err := c.Put(key, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get: expected hit after Put")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get: got %q, want %q", got, payload)
	}

	shardDir := filepath.Join(dir, string(key)[:2])
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		t.Fatalf("ReadDir shard: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != string(key)[2:] {
		t.Fatalf("shard contents: got %+v, want single file %q", entries, string(key)[2:])
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)

	_, ok := c.Get(ComputeKey("/src/nope.jpg", 1))
	if ok {
		t.Fatal("Get: expected miss on empty cache")
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)
	key := ComputeKey("/src/a.jpg", 100)

	if err := c.Put(key, []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	shardDir := filepath.Join(dir, string(key)[:2])
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != string(key)[2:] {
			t.Errorf("unexpected leftover file %q in shard", e.Name())
		}
	}
}

func TestEvictUntilRemovesOldest(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)

	k1 := ComputeKey("/src/a.jpg", 1)
	k2 := ComputeKey("/src/b.jpg", 2)

	if err := c.Put(k1, []byte("11111")); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	// Force k1's last-access strictly earlier than k2's so the tie is
	// unambiguous regardless of clock resolution.
	c.mu.Lock()
	c.index[k1].lastAccess -= 10
	c.mu.Unlock()

	if err := c.Put(k2, []byte("22222")); err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	if err := c.EvictUntil(5); err != nil {
		t.Fatalf("EvictUntil: %v", err)
	}

	if _, ok := c.Get(k1); ok {
		t.Error("EvictUntil: expected k1 (oldest) to be evicted")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("EvictUntil: expected k2 to survive eviction")
	}
}

func TestPutEnforcesMaxBytes(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 5)

	k1 := ComputeKey("/src/a.jpg", 1)
	k2 := ComputeKey("/src/b.jpg", 2)
	k3 := ComputeKey("/src/c.jpg", 3)

	if err := c.Put(k1, []byte("11111")); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	c.mu.Lock()
	c.index[k1].lastAccess -= 20
	c.mu.Unlock()

	if err := c.Put(k2, []byte("22222")); err != nil {
		t.Fatalf("Put k2: %v", err)
	}
	c.mu.Lock()
	c.index[k2].lastAccess -= 10
	c.mu.Unlock()

	if err := c.Put(k3, []byte("33333")); err != nil {
		t.Fatalf("Put k3: %v", err)
	}

	if _, ok := c.Get(k1); ok {
		t.Error("Put: expected k1 to have been evicted to stay within maxBytes")
	}
	stats := c.Stats()
	if stats.TotalBytes > 5 {
		t.Errorf("Put: got total bytes %d, want at most maxBytes (5)", stats.TotalBytes)
	}

	shardDir := filepath.Join(dir, string(k1)[:2])
	if _, err := os.Stat(filepath.Join(shardDir, string(k1)[2:])); !os.IsNotExist(err) {
		t.Error("Put: expected k1's on-disk artifact to be removed after eviction")
	}
}

func TestEvictUntilSkipsInFlightWrite(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)

	key := ComputeKey("/src/a.jpg", 1)
	c.mu.Lock()
	c.writing[key] = true
	e := &entry{key: key, length: 100, lastAccess: 1}
	c.index[key] = e
	c.lru = append(c.lru, e)
	c.totalBytes = 100
	c.mu.Unlock()

	if err := c.EvictUntil(0); err != nil {
		t.Fatalf("EvictUntil: %v", err)
	}

	c.mu.Lock()
	_, stillIndexed := c.index[key]
	c.mu.Unlock()
	if !stillIndexed {
		t.Error("EvictUntil: evicted an entry marked as being written")
	}
}

func TestWarmupRebuildsIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)
	key := ComputeKey("/src/a.jpg", 100)

	if err := c.Put(key, []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fresh := New(dir, 1<<20)
	if err := fresh.Warmup(); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	length, ok := fresh.Length(key)
	if !ok {
		t.Fatal("Warmup: expected key to be indexed after warmup")
	}
	if length != 5 {
		t.Errorf("Warmup: got length %d, want 5", length)
	}
}

func TestWarmupDeletesGarbage(t *testing.T) {
	dir := t.TempDir()
	garbageShard := filepath.Join(dir, "zz")
	if err := os.MkdirAll(garbageShard, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(garbageShard, "nothex"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	badShard := filepath.Join(dir, "not-a-shard")
	if err := os.MkdirAll(badShard, 0o755); err != nil {
		t.Fatal(err)
	}

	c := New(dir, 1<<20)
	if err := c.Warmup(); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	if _, err := os.Stat(badShard); !os.IsNotExist(err) {
		t.Error("Warmup: expected non-hex shard directory to be deleted")
	}
}

func TestPurgeAllEmptiesCache(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)
	key := ComputeKey("/src/a.jpg", 1)
	if err := c.Put(key, []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := c.PurgeAll(); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}

	if _, ok := c.Get(key); ok {
		t.Error("PurgeAll: expected cache to be empty")
	}
	stats := c.Stats()
	if stats.Entries != 0 || stats.TotalBytes != 0 {
		t.Errorf("PurgeAll: got stats %+v, want zeroed", stats)
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<20)
	key := ComputeKey("/src/a.jpg", 1)

	c.Get(key)
	if err := c.Put(key, []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Get(key)

	stats := c.Stats()
	if stats.Hits != 1 {
		t.Errorf("Stats.Hits: got %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Stats.Misses: got %d, want 1", stats.Misses)
	}
}
