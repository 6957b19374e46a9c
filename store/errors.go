// Package store is the durable local storage layer: named collections with
// secondary indexes over a single pebble keyspace, additive schema
// migrations, a blob space for large binary payloads and a bounded LRU
// artifact cache. The store never retries internally; every engine failure
// surfaces to the caller as a *StorageError.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrClosed            = errors.New("store: database is not open")
	ErrCollectionUnknown = errors.New("store: unknown collection")
	ErrIndexUnknown      = errors.New("store: unknown index")
)

// StorageError wraps a storage-engine failure with the operation that hit it.
type StorageError struct {
	Op         string
	Collection string
	Key        string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store: %s %s/%s: %v", e.Op, e.Collection, e.Key, e.Err)
	}
	if e.Collection != "" {
		return fmt.Sprintf("store: %s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, collection, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Collection: collection, Key: key, Err: err}
}
