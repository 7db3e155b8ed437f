package synccache

import (
	"context"
	"log"
	"sync"
	"time"
)

// commitFunc pushes one payload to the remote store. The coalescer guarantees
// at most one call in flight per key; different keys may commit concurrently.
type commitFunc func(key Key, payload []byte) error

// pendingWrite tracks one key through the coalescer's states. A map entry
// with an armed timer is Pending, an entry with committing set is Committing,
// and no entry is Idle.
type pendingWrite struct {
	payload     []byte
	scheduledAt time.Time
	timer       *time.Timer
	committing  bool
	// queued is set when a mutation arrives while a commit is in flight. The
	// new payload becomes the next-to-flush item; it is never merged into the
	// write already on the wire.
	queued bool
	// done is closed when the in-flight commit finishes, so Flush and Cancel
	// can wait it out.
	done chan struct{}
}

// coalescer collapses rapid successive mutations to the same key into one
// remote write scheduled after a quiet period. A failed commit is re-armed
// after a backoff rather than dropped: a payload handed to Put is never
// discarded without at least one retry attempt.
type coalescer struct {
	mu      sync.Mutex
	pending map[Key]*pendingWrite

	interval time.Duration
	backoff  time.Duration
	commit   commitFunc
	stopped  bool
}

func newCoalescer(interval, backoff time.Duration, commit commitFunc) *coalescer {
	return &coalescer{
		pending:  make(map[Key]*pendingWrite),
		interval: interval,
		backoff:  backoff,
		commit:   commit,
	}
}

// Put records a mutation for key. The first mutation arms the debounce timer;
// further mutations before it fires replace the payload and reset the timer.
// A mutation during an in-flight commit queues a fresh pending write behind
// it.
func (c *coalescer) Put(key Key, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		log.Printf("Warning: coalescer stopped, dropping write for key %q", key)
		return
	}

	buf := append([]byte(nil), payload...)
	w, ok := c.pending[key]
	if !ok {
		w = &pendingWrite{payload: buf, scheduledAt: time.Now()}
		w.timer = time.AfterFunc(c.interval, func() { c.fire(key) })
		c.pending[key] = w
		return
	}

	w.payload = buf
	w.scheduledAt = time.Now()
	if w.committing {
		w.queued = true
		return
	}
	w.timer.Reset(c.interval)
}

// Pending reports whether an uncommitted write exists for key.
func (c *coalescer) Pending(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[key]
	return ok
}

// Flush commits the pending write for key immediately, bypassing the timer.
// It returns nil when nothing is pending. If a commit is already in flight it
// waits for that commit, then drains anything queued behind it.
func (c *coalescer) Flush(ctx context.Context, key Key) error {
	for {
		c.mu.Lock()
		w, ok := c.pending[key]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if w.committing {
			done := w.done
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		w.timer.Stop()
		payload := c.beginCommit(w)
		c.mu.Unlock()

		err := c.commit(key, payload)

		c.mu.Lock()
		c.finishCommit(key, w, err)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// FlushAll drains every pending write, best effort. The ctx deadline bounds
// the total drain; anything not reached stays pending on its timer. The first
// error is returned after the drain completes.
func (c *coalescer) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if err := c.Flush(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cancel discards the pending write for key. Any in-flight commit is waited
// out first so a late success cannot land after the caller has acted on the
// cancellation.
func (c *coalescer) Cancel(ctx context.Context, key Key) error {
	for {
		c.mu.Lock()
		w, ok := c.pending[key]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if !w.committing {
			w.timer.Stop()
			delete(c.pending, key)
			c.mu.Unlock()
			return nil
		}
		done := w.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops all debounce timers without committing. Callers drain with
// FlushAll before stopping; anything still pending afterwards is logged and
// dropped.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for key, w := range c.pending {
		if !w.committing && w.timer != nil {
			w.timer.Stop()
		}
		log.Printf("Warning: dropping unflushed write for key %q (scheduled %v ago) at coalescer stop", key, time.Since(w.scheduledAt))
	}
}

// fire runs on the debounce timer's goroutine.
func (c *coalescer) fire(key Key) {
	c.mu.Lock()
	w, ok := c.pending[key]
	if !ok || w.committing || c.stopped {
		c.mu.Unlock()
		return
	}
	payload := c.beginCommit(w)
	c.mu.Unlock()

	err := c.commit(key, payload)

	c.mu.Lock()
	c.finishCommit(key, w, err)
	c.mu.Unlock()
}

// beginCommit transitions Pending to Committing. Caller holds mu.
func (c *coalescer) beginCommit(w *pendingWrite) []byte {
	w.committing = true
	w.queued = false
	w.done = make(chan struct{})
	return w.payload
}

// finishCommit leaves the Committing state: the entry is removed on success,
// re-armed on the debounce interval when a mutation queued up behind the
// commit, and re-armed on the retry backoff on failure. Caller holds mu.
func (c *coalescer) finishCommit(key Key, w *pendingWrite, err error) {
	w.committing = false
	close(w.done)
	w.done = nil

	if c.pending[key] != w {
		// Entry was removed while the commit was in flight; nothing to
		// re-arm.
		return
	}
	if c.stopped {
		delete(c.pending, key)
		if err != nil {
			log.Printf("Warning: dropping failed write for key %q, coalescer stopped: %v", key, err)
		}
		return
	}

	switch {
	case err != nil:
		log.Printf("Warning: write for key %q failed, retrying in %v: %v", key, c.backoff, err)
		w.scheduledAt = time.Now()
		w.timer = time.AfterFunc(c.backoff, func() { c.fire(key) })
	case w.queued:
		w.queued = false
		w.scheduledAt = time.Now()
		w.timer = time.AfterFunc(c.interval, func() { c.fire(key) })
	default:
		delete(c.pending, key)
	}
}
