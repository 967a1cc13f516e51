package server

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and caches for a missing record
	ErrNotFound = errors.New("not found")

	// ErrBlobExists is returned by BlobStore.Put when the key is taken
	ErrBlobExists = errors.New("blob already exists")
)

// Kind classifies a FileService failure. The kind tells the caller which
// store failed and therefore which consistency state was left behind.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindUploadFailed
	KindStorageDeleteFailed
	KindSigningFailed
	KindCatalogWriteFailed
	KindCatalogDeleteFailed
	KindCatalogReadFailed
	KindNotFound
	KindAccessDenied
	KindListingUnavailable
)

var kindNames = map[Kind]string{
	KindValidation:          "validation error",
	KindUploadFailed:        "upload failed",
	KindStorageDeleteFailed: "storage delete failed",
	KindSigningFailed:       "signing failed",
	KindCatalogWriteFailed:  "catalog write failed",
	KindCatalogDeleteFailed: "catalog delete failed",
	KindCatalogReadFailed:   "catalog read failed",
	KindNotFound:            "not found",
	KindAccessDenied:        "access denied",
	KindListingUnavailable:  "listing unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error lets errors.Is(err, KindNotFound) match any *Error of that kind.
func (k Kind) Error() string {
	return k.String()
}

// Error is the error type returned by FileService operations
type Error struct {
	Kind Kind
	Op   string

	// BlobKey is set when the failure left a blob behind, e.g. a
	// KindCatalogWriteFailed upload whose blob is now unregistered.
	BlobKey string

	Err error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.BlobKey != "" {
		msg += " (blob " + e.BlobKey + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Kind target
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// KindOf returns the kind of err, or 0 when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
