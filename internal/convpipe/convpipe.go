// Package convpipe implements the Conversion Pipeline (C5): a bounded
// worker pool that serializes work per cache key (single-flight) and
// parks readers awaiting a result.
package convpipe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ticpu/fuse-img2heic/internal/artifactcache"
	"github.com/ticpu/fuse-img2heic/internal/ferr"
)

// EncodeFunc produces the artifact bytes for a real source path. It is the
// seam between the pipeline and C3; tests substitute a fake.
type EncodeFunc func(realPath string) ([]byte, error)

// Pipeline is the single-flight, bounded-parallelism conversion engine.
type Pipeline struct {
	pool   *ants.Pool
	group  singleflight.Group
	cache  *artifactcache.Cache
	encode EncodeFunc

	mu           sync.RWMutex
	shuttingDown bool
}

// New creates a Pipeline with workers concurrent encode slots. cache is
// where completed conversions are stored; encode performs the actual HEIC
// conversion (normally heicenc.Encode bound to a Params value).
func New(workers int, cache *artifactcache.Cache, encode EncodeFunc) (*Pipeline, error) {
	pool, err := ants.NewPool(workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("convpipe: creating worker pool: %w", err)
	}
	return &Pipeline{pool: pool, cache: cache, encode: encode}, nil
}

// Ensure guarantees that, on success, the artifact for key is present in
// the cache, deduplicating concurrent callers for the same key onto a
// single conversion job (invariant I3). ctx cancellation detaches this
// caller from the job without aborting it for other waiters (read-ahead
// behavior, spec.md §4.5): the underlying singleflight call is never told
// to Forget the key.
func (p *Pipeline) Ensure(ctx context.Context, key artifactcache.Key, realPath string) error {
	if p.isShuttingDown() {
		return ferr.New(ferr.Cancelled, "convpipe.Ensure", fmt.Errorf("pipeline is shutting down"))
	}

	resultCh := p.group.DoChan(string(key), func() (interface{}, error) {
		return nil, p.runJob(key, realPath)
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return res.Err
		}
		return nil
	case <-ctx.Done():
		return ferr.New(ferr.Cancelled, "convpipe.Ensure", ctx.Err())
	}
}

// runJob submits the actual encode+store work to the bounded worker pool
// and blocks the calling singleflight goroutine until it finishes.
func (p *Pipeline) runJob(key artifactcache.Key, realPath string) error {
	done := make(chan error, 1)

	submitErr := p.pool.Submit(func() {
		blob, err := p.encode(realPath)
		if err != nil {
			done <- err
			return
		}

		if p.isShuttingDown() {
			done <- ferr.New(ferr.Cancelled, "convpipe.runJob", fmt.Errorf("discarding result: shutting down"))
			return
		}

		if err := p.cache.Put(key, blob); err != nil {
			log.Printf("warning: storing artifact for key %s: %v", key, err)
			done <- err
			return
		}
		done <- nil
	})
	if submitErr != nil {
		return ferr.New(ferr.Cancelled, "convpipe.runJob", submitErr)
	}

	return <-done
}

func (p *Pipeline) isShuttingDown() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shuttingDown
}

// Shutdown performs a hard cancellation: new Ensure calls are rejected
// immediately, and jobs that finish encoding after shutdown has begun have
// their output discarded rather than committed to the cache. If ctx has a
// deadline, workers are given until then to finish in-flight work before
// the pool is forcibly released.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		return p.pool.ReleaseTimeout(time.Until(deadline))
	}
	p.pool.Release()
	return nil
}
