// Package registry keeps the durable documentHash -> escrowId mapping of
// escrows awaiting their notarization event.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/validation"
)

// Entry is one pending escrow.
type Entry struct {
	DocumentHash string `json:"documentHash"`
	EscrowID     string `json:"escrowId"`
}

// Registration describes the effect of a Register call.
type Registration struct {
	Created  bool   `json:"created"`            // false when an existing mapping was overwritten
	Previous string `json:"previous,omitempty"` // escrow id that was overwritten
	Size     int    `json:"size"`               // entries after the call
}

// Registry is an in-memory map mirrored to a Store. Every mutation is flushed
// to the store before the call returns. A flush failure is logged and
// returned, and the in-memory change is kept.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string
	store   Store
	logger  *slog.Logger
}

// New loads the registry from store. A load failure is logged and the
// registry starts empty.
func New(ctx context.Context, store Store, logger *slog.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]string),
		store:   store,
		logger:  logging.Component(logger, "registry"),
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		r.logger.Error("failed to load pending escrows, starting empty", "error", err)
		return r
	}
	for key, id := range loaded {
		hash := validation.NormalizeDocumentHash(key)
		if !validation.IsValidDocumentHash(hash) {
			r.logger.Warn("skipping persisted entry with invalid document hash", "documentHash", key, "escrowId", id)
			continue
		}
		r.entries[hash] = id
		if hash != key {
			r.rekey(ctx, key, hash, id)
		}
	}
	r.logger.Info("pending escrows loaded", "count", len(r.entries))
	return r
}

// rekey moves a persisted entry to its normalized key so later deletes hit it.
func (r *Registry) rekey(ctx context.Context, from, to, escrowID string) {
	if err := r.store.Put(ctx, to, escrowID); err != nil {
		r.logger.Warn("failed to rewrite persisted entry", "documentHash", from, "error", err)
		return
	}
	if err := r.store.Delete(ctx, from); err != nil {
		r.logger.Warn("failed to delete unnormalized entry", "documentHash", from, "error", err)
	}
}

// Register inserts or overwrites the escrow id for documentHash.
func (r *Registry) Register(ctx context.Context, documentHash, escrowID string) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.entries[documentHash]
	r.entries[documentHash] = escrowID

	reg := Registration{Created: !existed, Size: len(r.entries)}
	if existed && prev != escrowID {
		reg.Previous = prev
	}

	if err := r.store.Put(ctx, documentHash, escrowID); err != nil {
		r.logger.Error("failed to persist pending escrow",
			"documentHash", documentHash, "escrowId", escrowID, "error", err)
		return reg, fmt.Errorf("persist pending escrow: %w", err)
	}
	return reg, nil
}

// Remove deletes documentHash unconditionally and returns the remaining size.
func (r *Registry) Remove(ctx context.Context, documentHash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[documentHash]; !ok {
		return len(r.entries), nil
	}
	delete(r.entries, documentHash)
	return len(r.entries), r.flushDelete(ctx, documentHash)
}

// RemoveIfMatch deletes documentHash only while it still maps to escrowID,
// so a re-registration that raced a release survives. It reports whether
// the entry was removed and the remaining size.
func (r *Registry) RemoveIfMatch(ctx context.Context, documentHash, escrowID string) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[documentHash]; !ok || current != escrowID {
		return false, len(r.entries), nil
	}
	delete(r.entries, documentHash)
	return true, len(r.entries), r.flushDelete(ctx, documentHash)
}

func (r *Registry) flushDelete(ctx context.Context, documentHash string) error {
	if err := r.store.Delete(ctx, documentHash); err != nil {
		r.logger.Error("failed to persist pending escrow removal", "documentHash", documentHash, "error", err)
		return fmt.Errorf("persist pending escrow removal: %w", err)
	}
	return nil
}

// Get returns the escrow id registered for documentHash.
func (r *Registry) Get(documentHash string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.entries[documentHash]
	return id, ok
}

// Len returns the number of pending escrows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the pending escrows sorted by document hash.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for hash, id := range r.entries {
		out = append(out, Entry{DocumentHash: hash, EscrowID: id})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DocumentHash < out[j].DocumentHash })
	return out
}

// Ping checks the backing store when it supports it.
func (r *Registry) Ping(ctx context.Context) error {
	if p, ok := r.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// DB returns the connection pool of SQL-backed stores, or nil.
func (r *Registry) DB() *sql.DB {
	if d, ok := r.store.(interface{ DB() *sql.DB }); ok {
		return d.DB()
	}
	return nil
}

// Close closes the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}
