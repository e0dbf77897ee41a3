// Package storage defines the BlobStore interface for file content and the
// checks every upload must pass before any bytes leave the server.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// MaxBlobSize is the relay's per-object ceiling (50 MB).
const MaxBlobSize int64 = 50 << 20

var (
	// ErrTooLarge is returned for uploads above MaxBlobSize. It is distinct
	// from relay failures so callers can answer 413 instead of 502.
	ErrTooLarge = errors.New("file exceeds the 50 MB limit")

	// ErrInvalidFileName is wrapped by ValidationError for rejected names.
	ErrInvalidFileName = errors.New("invalid file name")

	// ErrDangerousType is wrapped by ValidationError for executable or
	// script content.
	ErrDangerousType = errors.New("file type not allowed")
)

// BlobRef identifies an uploaded object on the relay. It is persisted next
// to the file's metadata so the object can be fetched again later.
type BlobRef struct {
	RemoteObjectID string
	RemoteUniqueID string
	SizeBytes      int64
	RemotePath     string
	MessageID      int64
}

// Location is the current retrieval path of a remote object. Paths are not
// stable; resolve one immediately before every download.
type Location struct {
	Path      string
	SizeBytes int64
}

// BlobStore moves file bytes to and from the relay backend.
type BlobStore interface {
	// Upload validates and sends r (size bytes) as a single object.
	Upload(ctx context.Context, r io.Reader, size int64, fileName, mimeType string) (*BlobRef, error)

	// Resolve returns the current retrieval path for a stored object.
	Resolve(ctx context.Context, remoteObjectID string) (*Location, error)

	// Open resolves the object and returns a stream of its bytes. The caller
	// must close the stream.
	Open(ctx context.Context, remoteObjectID string) (io.ReadCloser, *Location, error)

	// VerifyCredentials reports whether the relay accepts our credentials.
	VerifyCredentials(ctx context.Context) bool

	// VerifyDestinationAccess reports whether the destination channel is
	// reachable with our credentials.
	VerifyDestinationAccess(ctx context.Context) bool
}

// ValidationError describes an upload rejected before any network call.
type ValidationError struct {
	Field  string // "name" or "type"
	Reason string
	Err    error // ErrInvalidFileName or ErrDangerousType
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateUpload runs every pre-transfer check in order: size, file name,
// then content type.
func ValidateUpload(size int64, fileName, mimeType string) error {
	if size > MaxBlobSize {
		return ErrTooLarge
	}
	if err := ValidateFileName(fileName); err != nil {
		return err
	}
	return CheckContentType(fileName, mimeType)
}
