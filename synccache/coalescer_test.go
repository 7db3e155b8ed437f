package synccache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// commitRecorder collects committed payloads and optionally injects failures
// or blocks commits on a gate channel.
type commitRecorder struct {
	mu       sync.Mutex
	commits  map[Key][][]byte
	failures int
	gate     chan struct{}
	started  chan struct{}
}

func newCommitRecorder() *commitRecorder {
	return &commitRecorder{commits: make(map[Key][][]byte)}
}

func (r *commitRecorder) commit(key Key, payload []byte) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	gate := r.gate
	r.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("injected commit failure")
	}
	r.commits[key] = append(r.commits[key], append([]byte(nil), payload...))
	return nil
}

func (r *commitRecorder) count(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits[key])
}

func (r *commitRecorder) last(key Key) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.commits[key]); n > 0 {
		return r.commits[key][n-1]
	}
	return nil
}

func TestCoalescerCoalescesRapidPuts(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(50*time.Millisecond, 20*time.Millisecond, rec.commit)

	c.Put("2025-10-13", []byte{1, 2, 3})
	c.Put("2025-10-13", []byte{4, 5, 6})

	time.Sleep(400 * time.Millisecond)

	if got := rec.count("2025-10-13"); got != 1 {
		t.Fatalf("Expected exactly 1 commit, got %d", got)
	}
	if got := rec.last("2025-10-13"); !bytes.Equal(got, []byte{4, 5, 6}) {
		t.Errorf("Expected last payload to win, got %v", got)
	}
	if c.Pending("2025-10-13") {
		t.Errorf("Expected no pending write after commit")
	}
}

func TestCoalescerCommitsKeysIndependently(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(30*time.Millisecond, 20*time.Millisecond, rec.commit)

	c.Put("a", []byte("a1"))
	c.Put("b", []byte("b1"))

	time.Sleep(300 * time.Millisecond)

	if rec.count("a") != 1 || rec.count("b") != 1 {
		t.Fatalf("Expected one commit per key, got a=%d b=%d", rec.count("a"), rec.count("b"))
	}
}

func TestCoalescerPutDuringCommitQueuesNextWrite(t *testing.T) {
	rec := newCommitRecorder()
	rec.gate = make(chan struct{})
	rec.started = make(chan struct{})
	started := rec.started

	c := newCoalescer(20*time.Millisecond, 20*time.Millisecond, rec.commit)

	c.Put("k", []byte("first"))
	<-started

	// The commit for "first" is in flight; this mutation must become the
	// next-to-flush write, not merge into it.
	c.Put("k", []byte("second"))
	close(rec.gate)

	time.Sleep(400 * time.Millisecond)

	if got := rec.count("k"); got != 2 {
		t.Fatalf("Expected 2 commits, got %d", got)
	}
	if got := rec.last("k"); !bytes.Equal(got, []byte("second")) {
		t.Errorf("Expected second commit to carry the queued payload, got %q", got)
	}
}

func TestCoalescerRetriesFailedCommit(t *testing.T) {
	rec := newCommitRecorder()
	rec.failures = 1
	c := newCoalescer(20*time.Millisecond, 30*time.Millisecond, rec.commit)

	c.Put("k", []byte("payload"))

	time.Sleep(400 * time.Millisecond)

	if got := rec.count("k"); got != 1 {
		t.Fatalf("Expected the retry to commit the payload, got %d commits", got)
	}
	if got := rec.last("k"); !bytes.Equal(got, []byte("payload")) {
		t.Errorf("Expected retried payload unchanged, got %q", got)
	}
	if c.Pending("k") {
		t.Errorf("Expected no pending write after successful retry")
	}
}

func TestCoalescerFlushBypassesTimer(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(time.Hour, time.Second, rec.commit)

	c.Put("k", []byte("payload"))
	if err := c.Flush(context.Background(), "k"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := rec.count("k"); got != 1 {
		t.Fatalf("Expected flush to commit immediately, got %d commits", got)
	}
	if c.Pending("k") {
		t.Errorf("Expected no pending write after flush")
	}
}

func TestCoalescerFlushReturnsCommitError(t *testing.T) {
	rec := newCommitRecorder()
	rec.failures = 1
	c := newCoalescer(time.Hour, time.Hour, rec.commit)

	c.Put("k", []byte("payload"))
	if err := c.Flush(context.Background(), "k"); err == nil {
		t.Fatalf("Expected flush to surface the commit error")
	}
	// The payload is re-armed, not dropped.
	if !c.Pending("k") {
		t.Errorf("Expected failed payload to stay pending for retry")
	}
}

func TestCoalescerFlushNothingPending(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(time.Hour, time.Second, rec.commit)

	if err := c.Flush(context.Background(), "missing"); err != nil {
		t.Fatalf("Expected flush of idle key to be a no-op, got %v", err)
	}
}

func TestCoalescerFlushAllDrainsAllKeys(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(time.Hour, time.Second, rec.commit)

	c.Put("a", []byte("a1"))
	c.Put("b", []byte("b1"))
	c.Put("c", []byte("c1"))

	if err := c.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	for _, key := range []Key{"a", "b", "c"} {
		if rec.count(key) != 1 {
			t.Errorf("Expected key %q committed, got %d commits", key, rec.count(key))
		}
	}
}

func TestCoalescerFlushAllHonorsDeadline(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(time.Hour, time.Second, rec.commit)

	c.Put("a", []byte("a1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.FlushAll(ctx); err == nil {
		t.Fatalf("Expected FlushAll with cancelled ctx to report the deadline")
	}
}

func TestCoalescerCancelDiscardsPendingWrite(t *testing.T) {
	rec := newCommitRecorder()
	c := newCoalescer(30*time.Millisecond, 20*time.Millisecond, rec.commit)

	c.Put("k", []byte("payload"))
	if err := c.Cancel(context.Background(), "k"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if c.Pending("k") {
		t.Fatalf("Expected no pending write after cancel")
	}

	time.Sleep(200 * time.Millisecond)
	if got := rec.count("k"); got != 0 {
		t.Errorf("Expected cancelled write never to commit, got %d commits", got)
	}
}

func TestCoalescerCancelWaitsOutInflightCommit(t *testing.T) {
	rec := newCommitRecorder()
	rec.gate = make(chan struct{})
	rec.started = make(chan struct{})
	started := rec.started

	c := newCoalescer(20*time.Millisecond, 20*time.Millisecond, rec.commit)
	c.Put("k", []byte("payload"))
	<-started

	done := make(chan error, 1)
	go func() { done <- c.Cancel(context.Background(), "k") }()

	select {
	case <-done:
		t.Fatalf("Cancel returned while a commit was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.gate)
	if err := <-done; err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if c.Pending("k") {
		t.Errorf("Expected no pending write after cancel")
	}
}
