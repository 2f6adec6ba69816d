package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Store is the minimal persistence API.
type Store interface {
	// Get returns (nil, false, nil) when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	// Update atomically replaces the value with fn(old). old is nil when absent.
	// If fn returns an error, nothing is written and the error is returned.
	Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error
	// Maintain runs driver housekeeping (value-log GC, WAL checkpoint, tmp cleanup).
	Maintain(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values: "file", "sqlite", "badger", "memory".
// If Driver is empty it defaults to "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
