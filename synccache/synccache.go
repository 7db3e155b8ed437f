// Package synccache provides a debounced, last-writer-wins cache in front of
// an eventually-consistent remote blob store.
//
// A SyncCache coalesces rapid saves for the same key into one remote write,
// keeps an in-memory copy of every confirmed payload, and repairs reads
// through the remote store so a cross-device update is never hidden behind a
// stale transport cache. When the remote store becomes unreachable the cache
// degrades to local-only operation and queues writes for reconciliation
// instead of failing.
package synccache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Mode is the facade-level availability state.
type Mode int

const (
	// ModeSynced means writes are committing to the remote store.
	ModeSynced Mode = iota
	// ModeLocalOnly means the remote store is unreachable; the cache serves
	// from memory and queues writes for reconciliation.
	ModeLocalOnly
)

// String returns the mode name used in logs and the health endpoint.
func (m Mode) String() string {
	switch m {
	case ModeSynced:
		return "synced"
	case ModeLocalOnly:
		return "local-only"
	default:
		return "unknown"
	}
}

// Options tunes a SyncCache. Zero values take the documented defaults.
type Options struct {
	// DebounceInterval is the quiet period before a pending write commits.
	// Default 1s.
	DebounceInterval time.Duration
	// RetryBackoff delays the re-attempt after a failed commit. Default 500ms.
	RetryBackoff time.Duration
	// ReadTimeout bounds each remote read and liveness probe. Default 5s.
	ReadTimeout time.Duration
	// WriteTimeout bounds each remote write and delete. Default 10s.
	WriteTimeout time.Duration
	// FailureThreshold is the number of consecutive remote failures that
	// flips the cache into local-only mode. Default 3.
	FailureThreshold int
	// DisableReadRepair serves cached entries without forcing invalidation
	// and a remote round trip. Leave false unless single-device operation is
	// guaranteed; see Load.
	DisableReadRepair bool
	// ProbeKey is the sentinel key used to probe remote stores that don't
	// implement Pinger. Default ".blobsync-probe".
	ProbeKey Key
}

func (o Options) withDefaults() Options {
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.ProbeKey == "" {
		o.ProbeKey = ".blobsync-probe"
	}
	return o
}

// SyncCache is the public facade over the local cache, the write coalescer
// and the remote store. All methods are safe for concurrent use; operations
// on the same key are serialized by the coalescer's per-key state, not by a
// lock spanning unrelated keys.
type SyncCache struct {
	remote RemoteStore
	local  *localCache
	co     *coalescer
	opts   Options

	// group deduplicates concurrent read-repairs for the same key.
	group singleflight.Group

	mu       sync.Mutex
	mode     Mode
	failures int
	// offline holds writes accumulated while local-only; a nil payload is a
	// queued delete.
	offline map[Key][]byte
}

// New builds a SyncCache over the given remote store. The store is an
// injected dependency so tests can substitute a fake.
func New(remote RemoteStore, opts Options) *SyncCache {
	c := &SyncCache{
		remote:  remote,
		local:   newLocalCache(),
		opts:    opts.withDefaults(),
		offline: make(map[Key][]byte),
	}
	c.co = newCoalescer(c.opts.DebounceInterval, c.opts.RetryBackoff, c.commitWrite)
	return c
}

// Save schedules payload for key and returns immediately. The write commits
// after the debounce interval, or at the next FlushNow/FlushAll; callers that
// need a durability guarantee flush explicitly. The local cache is not
// updated until the remote write succeeds, so a crash or write failure can
// never leave the cache ahead of confirmed remote state.
func (c *SyncCache) Save(key Key, payload []byte) {
	if c.Mode() == ModeLocalOnly {
		c.local.Set(key, payload, OriginLocal)
		c.stash(key, payload)
		return
	}
	c.co.Put(key, payload)
}

// Load returns the record for key.
//
// The cached entry is returned directly only when no pending write exists for
// the key and read-repair is not forced. Every other load goes through
// read-repair: invalidate the transport-level cache when the store supports
// it, then read the remote copy and repopulate the local cache. The remote
// store can serve stale bytes to a reading device even after another device's
// write has propagated server-side, so the extra round trip is what keeps
// cross-device reads correct.
//
// A failed remote read falls back to the cached entry, flagged Stale, when
// one exists. A key found nowhere returns ErrNotFound.
func (c *SyncCache) Load(ctx context.Context, key Key) (*Record, error) {
	return c.load(ctx, key, false)
}

// Reload bypasses the fast path and always consults the remote store.
func (c *SyncCache) Reload(ctx context.Context, key Key) (*Record, error) {
	return c.load(ctx, key, true)
}

func (c *SyncCache) load(ctx context.Context, key Key, fresh bool) (*Record, error) {
	if c.Mode() == ModeLocalOnly {
		if rec, ok := c.local.Get(key); ok {
			return rec, nil
		}
		return nil, ErrNotFound
	}

	if rec, ok := c.local.Get(key); ok && !fresh && (c.opts.DisableReadRepair || !c.co.Pending(key)) {
		return rec, nil
	}

	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		return c.readRepair(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

// Delete cancels any pending write for key, clears the local cache entry and
// issues the remote delete synchronously. Data-loss operations are never
// debounced: a crash before a timer fires must not silently drop a delete.
// A remote delete failure is returned to the caller rather than retried
// behind its back.
func (c *SyncCache) Delete(ctx context.Context, key Key) error {
	if err := c.co.Cancel(ctx, key); err != nil {
		return err
	}
	c.local.Delete(key)

	if c.Mode() == ModeLocalOnly {
		c.stashTombstone(key)
		return nil
	}
	c.clearStash(key)

	dctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.remote.Delete(dctx, key); err != nil {
		c.noteFailure(err)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	c.noteSuccess()

	if inv, ok := c.remote.(Invalidator); ok {
		if err := inv.Invalidate(ctx, key); err != nil {
			log.Printf("Warning: invalidate after delete of key %q failed: %v", key, err)
		}
	}
	return nil
}

// FlushNow commits the pending write for key immediately, bypassing the
// debounce timer. Callers use it at lifecycle moments that bound data loss:
// process shutdown, backgrounding, switching away from the key.
func (c *SyncCache) FlushNow(ctx context.Context, key Key) error {
	return c.co.Flush(ctx, key)
}

// FlushAll drains every pending write, best effort, within the ctx deadline.
func (c *SyncCache) FlushAll(ctx context.Context) error {
	return c.co.FlushAll(ctx)
}

// IsRemoteAvailable reports whether writes are reaching the remote store.
// While local-only it probes the remote and, on success, switches back to
// synced mode and reconciles the writes queued offline.
func (c *SyncCache) IsRemoteAvailable(ctx context.Context) bool {
	if c.Mode() == ModeSynced {
		return true
	}
	if err := c.probe(ctx); err != nil {
		return false
	}
	c.setMode(ModeSynced)
	go c.reconcile()
	return true
}

// Mode returns the current availability state.
func (c *SyncCache) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Close drains pending writes within the ctx deadline and stops the debounce
// timers. Call once at process shutdown.
func (c *SyncCache) Close(ctx context.Context) error {
	err := c.co.FlushAll(ctx)
	c.co.Stop()
	return err
}

// commitWrite is the coalescer's commit hook. While local-only the payload is
// diverted to the offline queue instead of the wire, so a dead remote cannot
// spin the retry path; the queued payload is replayed at reconciliation.
func (c *SyncCache) commitWrite(key Key, payload []byte) error {
	if c.Mode() == ModeLocalOnly {
		c.local.Set(key, payload, OriginLocal)
		c.stash(key, payload)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.remote.Write(ctx, key, payload); err != nil {
		c.noteFailure(err)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	c.noteSuccess()
	c.local.Set(key, payload, OriginLocal)
	return nil
}

func (c *SyncCache) readRepair(ctx context.Context, key Key) (*Record, error) {
	if inv, ok := c.remote.(Invalidator); ok && !c.opts.DisableReadRepair {
		if err := inv.Invalidate(ctx, key); err != nil {
			log.Printf("Warning: invalidate for key %q failed: %v", key, err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()
	payload, err := c.remote.Read(rctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A confirmed local entry outranks a remote miss: the write may
			// simply not have propagated yet. Committed local data is never
			// discarded on the strength of a miss.
			if rec, ok := c.local.Get(key); ok {
				return rec, nil
			}
			return nil, ErrNotFound
		}
		c.noteFailure(err)
		if rec, ok := c.local.Get(key); ok {
			log.Printf("Warning: read for key %q failed, serving cached copy: %v", key, err)
			rec.Stale = true
			return rec, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}

	c.noteSuccess()
	c.local.Set(key, payload, OriginRemote)
	rec, _ := c.local.Get(key)
	return rec, nil
}

func (c *SyncCache) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()
	if p, ok := c.remote.(Pinger); ok {
		return p.Ping(pctx)
	}
	_, err := c.remote.Exists(pctx, c.opts.ProbeKey)
	return err
}

// reconcile pushes writes queued while offline back through the coalescing
// machinery and replays queued deletes.
func (c *SyncCache) reconcile() {
	c.mu.Lock()
	queued := c.offline
	c.offline = make(map[Key][]byte)
	c.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	log.Printf("Reconciling %d write(s) queued while offline", len(queued))

	for key, payload := range queued {
		if payload == nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
			if err := c.remote.Delete(ctx, key); err != nil {
				log.Printf("Warning: queued delete for key %q failed: %v", key, err)
			}
			cancel()
			continue
		}
		c.co.Put(key, payload)
	}
}

func (c *SyncCache) noteFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeLocalOnly {
		return
	}
	c.failures++
	if c.failures >= c.opts.FailureThreshold || errors.Is(err, ErrRemoteUnavailable) {
		c.mode = ModeLocalOnly
		c.failures = 0
		log.Printf("Warning: remote store unavailable, entering local-only mode: %v", err)
	}
}

func (c *SyncCache) noteSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *SyncCache) setMode(m Mode) {
	c.mu.Lock()
	if c.mode != m {
		log.Printf("Sync mode changed to %s", m)
	}
	c.mode = m
	c.failures = 0
	c.mu.Unlock()
}

func (c *SyncCache) stash(key Key, payload []byte) {
	// make keeps an empty payload distinguishable from a nil tombstone.
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.mu.Lock()
	c.offline[key] = buf
	c.mu.Unlock()
}

func (c *SyncCache) stashTombstone(key Key) {
	c.mu.Lock()
	c.offline[key] = nil
	c.mu.Unlock()
}

func (c *SyncCache) clearStash(key Key) {
	c.mu.Lock()
	delete(c.offline, key)
	c.mu.Unlock()
}
