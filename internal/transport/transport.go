// Package transport defines the contract between the sync engine and the
// remote document store, with SQLite file, S3 and in-memory implementations.
//
// Remote objects are identified by opaque ids assigned on creation. Every
// object carries the workspace-relative path it was uploaded from, a content
// digest and a modification time. Changes are listed incrementally from an
// opaque token; listing from the empty token returns everything.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quillmd/quill/internal/content"
)

// Transport is the remote store as seen by the sync engine.
type Transport interface {
	// ListChanges returns changes since token and the token to use next.
	ListChanges(ctx context.Context, token string) (*ChangeSet, error)
	// Upload creates an object when req.RemoteID is empty, otherwise updates
	// it. An update of an object modified after req.BaseModified fails with
	// a *ConflictError unless req.Force is set.
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	// Download fetches the current version of an object.
	Download(ctx context.Context, remoteID string) (*Object, error)
	// Delete removes an object.
	Delete(ctx context.Context, remoteID string) error
}

// Change describes one remote object that changed since the listed token.
type Change struct {
	RemoteID     string
	Path         string
	ContentHash  string
	ModifiedTime time.Time
	Deleted      bool
}

// ChangeSet is the result of ListChanges.
type ChangeSet struct {
	Changes  []Change
	NewToken string
}

// UploadRequest is one push of a document.
type UploadRequest struct {
	RemoteID     string // empty to create
	Path         string
	Content      content.Content
	MimeType     string
	BaseModified time.Time // remote version the local edit is based on
	Force        bool      // overwrite regardless of BaseModified
}

// UploadResult identifies the version written by Upload.
type UploadResult struct {
	RemoteID     string
	ModifiedTime time.Time
	ContentHash  string
}

// Object is a downloaded remote document.
type Object struct {
	RemoteID     string
	Path         string
	Content      content.Content
	MimeType     string
	ModifiedTime time.Time
	ContentHash  string
}

var (
	// ErrTransient marks failures worth retrying: network, timeouts,
	// throttling, server errors.
	ErrTransient = errors.New("transient remote error")
	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("remote version conflict")
	// ErrRejected marks permanent refusals: permissions, invalid content,
	// quota.
	ErrRejected = errors.New("rejected by remote")
	// ErrNotFound means the remote object does not exist.
	ErrNotFound = errors.New("remote object not found")
)

// ConflictError reports that the remote object changed after the version an
// update was based on.
type ConflictError struct {
	RemoteID       string
	RemoteModified time.Time
	RemoteHash     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote object %s was modified at %s", e.RemoteID, e.RemoteModified.Format(time.RFC3339Nano))
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Rejected wraps err so that errors.Is(err, ErrRejected) holds.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}
