package synccache

import "context"

// RemoteStore is the contract the cache depends on: an eventually-consistent
// per-key blob store with at-least-once propagation and no cross-client
// locking. Writes for the same key and payload must be safe to repeat. The
// cache never assumes anything stronger; in particular a read immediately
// after a write from another client may return stale bytes.
//
// All methods may block on network I/O and must honor ctx cancellation.
type RemoteStore interface {
	// Exists reports whether a blob is stored for key.
	Exists(ctx context.Context, key Key) (bool, error)

	// Write stores payload under key, replacing any previous blob.
	Write(ctx context.Context, key Key, payload []byte) error

	// Read returns the blob stored for key, or ErrNotFound.
	Read(ctx context.Context, key Key) ([]byte, error)

	// Delete removes the blob stored for key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key Key) error
}

// Invalidator is an optional RemoteStore capability: a hint that any
// transport-level cache of the key should be dropped before the next read.
// Stores without such a cache simply don't implement it and the facade skips
// the hint, accepting eventual consistency only.
type Invalidator interface {
	Invalidate(ctx context.Context, key Key) error
}

// Pinger is an optional RemoteStore capability used as a cheap liveness
// probe. Stores without it are probed with an Exists call on a sentinel key.
type Pinger interface {
	Ping(ctx context.Context) error
}
