package server

import (
	"context"
	"time"
)

// AnonymousOwner is the owner of files uploaded without a caller identity.
const AnonymousOwner = "anonymous"

// FileRecord represents the catalog entry of one uploaded file
type FileRecord struct {
	ID           string    `json:"id" msgpack:"id"`
	BlobKey      string    `json:"path" msgpack:"path"`
	PublicURL    string    `json:"publicUrl" msgpack:"publicUrl"`
	OriginalName string    `json:"originalname" msgpack:"originalname"`
	MimeType     string    `json:"mimetype" msgpack:"mimetype"`
	SizeBytes    int64     `json:"size" msgpack:"size"`
	OwnerID      string    `json:"user" msgpack:"user"`
	CreatedAt    time.Time `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" msgpack:"updatedAt"`
}

// Catalog defines the interface for file metadata operations
type Catalog interface {
	// Insert stores a new record. The catalog assigns ID, CreatedAt and
	// UpdatedAt and returns the stored record.
	Insert(ctx context.Context, record *FileRecord) (*FileRecord, error)

	// FindByID returns ErrNotFound when no record has the id
	FindByID(ctx context.Context, id string) (*FileRecord, error)

	// FindAll returns every record, newest first
	FindAll(ctx context.Context) ([]*FileRecord, error)

	// DeleteByID returns ErrNotFound when no record has the id
	DeleteByID(ctx context.Context, id string) error

	Close(ctx context.Context) error
}
