package synccache

import "errors"

// ErrNotFound is returned when a key exists neither locally nor remotely.
// It is a normal result variant, not a failure.
var ErrNotFound = errors.New("blob not found")

// ErrRemoteUnavailable marks the remote store as unreachable or
// unauthenticated. A remote store returning an error that wraps it flips the
// cache into local-only mode immediately.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// ErrWriteFailed wraps a failed remote write or delete attempt.
var ErrWriteFailed = errors.New("remote write failed")

// ErrReadFailed wraps a failed remote read during read-repair.
var ErrReadFailed = errors.New("remote read failed")
