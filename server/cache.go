package server

import (
	"context"
)

// Cache defines the interface for caching file records by id
type Cache interface {
	GetRecord(ctx context.Context, id string) (*FileRecord, error)
	SetRecord(ctx context.Context, record *FileRecord) error
	DeleteRecord(ctx context.Context, id string) error
	Close() error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetRecord always misses
func (c *NoOpCache) GetRecord(ctx context.Context, id string) (*FileRecord, error) {
	return nil, ErrNotFound
}

// SetRecord does nothing
func (c *NoOpCache) SetRecord(ctx context.Context, record *FileRecord) error {
	return nil
}

// DeleteRecord does nothing
func (c *NoOpCache) DeleteRecord(ctx context.Context, id string) error {
	return nil
}

// Close does nothing
func (c *NoOpCache) Close() error {
	return nil
}
