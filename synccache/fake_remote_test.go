package synccache

import (
	"context"
	"sync"
)

// fakeRemoteStore is an in-memory RemoteStore for tests. Writes land in the
// blobs map; when a transport entry exists for a key, reads serve it until
// Invalidate drops it, modeling the stale transport-level cache read-repair
// exists to defeat. Errors are injected per operation.
type fakeRemoteStore struct {
	mu        sync.Mutex
	blobs     map[Key][]byte
	transport map[Key][]byte

	writeErr  error
	readErr   error
	deleteErr error
	pingErr   error

	writes      map[Key]int
	reads       int
	deletes     map[Key]int
	invalidated map[Key]int
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{
		blobs:       make(map[Key][]byte),
		transport:   make(map[Key][]byte),
		writes:      make(map[Key]int),
		deletes:     make(map[Key]int),
		invalidated: make(map[Key]int),
	}
}

func (f *fakeRemoteStore) Exists(ctx context.Context, key Key) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return false, f.readErr
	}
	_, ok := f.blobs[key]
	return ok, nil
}

func (f *fakeRemoteStore) Write(ctx context.Context, key Key, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	buf := append([]byte(nil), payload...)
	f.blobs[key] = buf
	f.writes[key]++
	return nil
}

func (f *fakeRemoteStore) Read(ctx context.Context, key Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.reads++
	if payload, ok := f.transport[key]; ok {
		return append([]byte(nil), payload...), nil
	}
	if payload, ok := f.blobs[key]; ok {
		return append([]byte(nil), payload...), nil
	}
	return nil, ErrNotFound
}

func (f *fakeRemoteStore) Delete(ctx context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.blobs, key)
	delete(f.transport, key)
	f.deletes[key]++
	return nil
}

func (f *fakeRemoteStore) Invalidate(ctx context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated[key]++
	delete(f.transport, key)
	return nil
}

func (f *fakeRemoteStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemoteStore) setBlob(key Key, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = append([]byte(nil), payload...)
}

func (f *fakeRemoteStore) setTransport(key Key, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transport[key] = append([]byte(nil), payload...)
}

func (f *fakeRemoteStore) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeRemoteStore) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeRemoteStore) setDeleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

func (f *fakeRemoteStore) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeRemoteStore) blob(key Key) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.blobs[key]
	return payload, ok
}

func (f *fakeRemoteStore) writeCount(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[key]
}

func (f *fakeRemoteStore) deleteCount(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes[key]
}

func (f *fakeRemoteStore) invalidateCount(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated[key]
}

func (f *fakeRemoteStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
