package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/transport"
)

// Class groups failures by how the engine and queue react to them.
type Class int

const (
	// ClassFatal is a programming or data error; not retried.
	ClassFatal Class = iota
	// ClassTransient covers network failures, timeouts and throttling;
	// retried with backoff.
	ClassTransient
	// ClassStorageUnavailable is a local store failure; the whole action is
	// retried later.
	ClassStorageUnavailable
	// ClassConflict means local and remote diverged; surfaced, not retried.
	ClassConflict
	// ClassRejected is a permanent refusal by the remote; surfaced, not
	// retried.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStorageUnavailable:
		return "storage_unavailable"
	case ClassConflict:
		return "conflict"
	case ClassRejected:
		return "rejected"
	default:
		return "fatal"
	}
}

// Error is a classified engine failure.
type Error struct {
	Class Class
	Op    string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Op, e.Path, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrUnresolvedConflict is returned when pushing a path whose conflict
	// has no resolution yet.
	ErrUnresolvedConflict = errors.New("unresolved conflict")
	// ErrNoConflict is returned when resolving a path without a conflict.
	ErrNoConflict = errors.New("no conflict recorded for path")
)

// Classify maps an error from the cache, the transport or a context onto a
// Class. A nil error is reported as ClassFatal.
func Classify(err error) Class {
	var se *Error
	switch {
	case err == nil:
		return ClassFatal
	case errors.As(err, &se):
		return se.Class
	case errors.Is(err, cache.ErrStorageUnavailable):
		return ClassStorageUnavailable
	case errors.Is(err, transport.ErrConflict):
		return ClassConflict
	case errors.Is(err, transport.ErrRejected), errors.Is(err, transport.ErrNotFound):
		return ClassRejected
	case errors.Is(err, transport.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassFatal
	}
}

// ClassOf is Classify under the name used by event consumers.
func ClassOf(err error) Class {
	return Classify(err)
}

// IsRetryable reports whether the queue should reschedule after err. It is
// the queue's ShouldRetry policy.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassStorageUnavailable:
		return true
	default:
		return false
	}
}

func classified(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Class: Classify(err), Op: op, Path: path, Err: err}
}
