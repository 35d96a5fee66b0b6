package registry

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("registry: store closed")

// Store persists the pending escrow mapping. Registry serializes calls, so
// implementations need not be safe for concurrent mutation.
type Store interface {
	// Load returns every persisted documentHash -> escrowId entry.
	Load(ctx context.Context) (map[string]string, error)
	// Put inserts or overwrites one entry.
	Put(ctx context.Context, documentHash, escrowID string) error
	// Delete removes one entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, documentHash string) error
	Close() error
}

// Pinger is implemented by stores backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}
