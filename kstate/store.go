// Package kstate holds the persistent state of stage shards.
//
// Every runtime unit that owns state opens its own Store inside its
// workspace namespace. A namespace is guarded by a DirectoryLock, so two
// units can never write the same shard concurrently.
package kstate

import (
	"errors"
	"iter"
)

var (
	ErrKeyNotFound = errors.New("store: key not found")
	ErrLocked      = errors.New("store: workspace locked by another instance")
	// ErrInMemory is returned by operations that need an on-disk workspace.
	ErrInMemory = errors.New("store: workspace is in memory")
	// ErrWorkspaceExists is returned when a restore would overwrite state.
	ErrWorkspaceExists = errors.New("store: workspace already has state")
)

// Store is a sorted byte key-value store.
type Store interface {
	// Get returns ErrKeyNotFound if key is absent.
	Get(key []byte) ([]byte, error)
	// Set stores value under key. A nil value deletes the key.
	Set(key, value []byte) error
	Delete(key []byte) error

	// Range iterates keys in [start, end) in ascending order.
	Range(start, end []byte) iter.Seq2[[]byte, []byte]
	// All iterates every key in ascending order.
	All() iter.Seq2[[]byte, []byte]

	Flush() error
	Close() error
}
