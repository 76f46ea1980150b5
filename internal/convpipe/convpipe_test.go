package convpipe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ticpu/fuse-img2heic/internal/artifactcache"
)

func TestEnsureStoresArtifact(t *testing.T) {
	dir := t.TempDir()
	cache := artifactcache.New(dir, 1<<20)

	encode := func(realPath string) ([]byte, error) {
		return []byte("encoded:" + realPath), nil
	}

	p, err := New(2, cache, encode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := artifactcache.ComputeKey("/src/a.jpg", 10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Ensure(ctx, key, "/src/a.jpg"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	got, ok := cache.Get(key)
	if !ok {
		t.Fatal("Ensure: expected artifact to be cached")
	}
	if string(got) != "encoded:/src/a.jpg" {
		t.Errorf("Ensure: got %q", got)
	}
}

func TestEnsureDeduplicatesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	cache := artifactcache.New(dir, 1<<20)

	var calls int32
	release := make(chan struct{})
	encode := func(realPath string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("data"), nil
	}

	p, err := New(4, cache, encode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := artifactcache.ComputeKey("/src/a.jpg", 10)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[i] = p.Ensure(ctx, key, "/src/a.jpg")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Ensure[%d]: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("encode called %d times, want exactly 1 (single-flight)", got)
	}
}

func TestEnsureSurvivesWaiterCancellation(t *testing.T) {
	dir := t.TempDir()
	cache := artifactcache.New(dir, 1<<20)

	release := make(chan struct{})
	encode := func(realPath string) ([]byte, error) {
		<-release
		return []byte("data"), nil
	}

	p, err := New(2, cache, encode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := artifactcache.ComputeKey("/src/a.jpg", 10)

	cancelledCtx, cancel := context.WithCancel(context.Background())
	detachDone := make(chan error, 1)
	go func() {
		detachDone <- p.Ensure(cancelledCtx, key, "/src/a.jpg")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-detachDone; err == nil {
		t.Fatal("Ensure: expected cancellation error for detached waiter")
	}

	close(release)

	// The job is still allowed to run to completion (read-ahead); give it
	// time, then confirm the cache was still populated.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Get(key); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Ensure: expected job to populate cache after waiter detached")
}

func TestEnsureRejectsAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	cache := artifactcache.New(dir, 1<<20)
	encode := func(realPath string) ([]byte, error) { return []byte("data"), nil }

	p, err := New(2, cache, encode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	key := artifactcache.ComputeKey("/src/a.jpg", 10)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := p.Ensure(ctx, key, "/src/a.jpg"); err == nil {
		t.Fatal("Ensure: expected error after shutdown")
	}
}
