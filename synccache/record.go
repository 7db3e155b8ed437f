package synccache

import "time"

// Key identifies one logical blob across the local cache and the remote
// store. Callers own the format (a date, a document id); the cache treats it
// as opaque.
type Key string

// Origin records which side last produced a cached payload.
type Origin int

const (
	// OriginLocal means the payload was confirmed by a remote write from
	// this process.
	OriginLocal Origin = iota
	// OriginRemote means the payload was downloaded from the remote store.
	OriginRemote
)

// String returns the origin name used in logs and response headers.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Record is the cached state for one key. At most one Record per key resides
// in the local cache, and it always reflects the last successfully completed
// load or save for that key during the process lifetime.
type Record struct {
	Key          Key
	Payload      []byte
	LastModified time.Time
	Origin       Origin

	// Stale is set when a remote read failed and the cached copy was served
	// instead of failing the load.
	Stale bool
}
