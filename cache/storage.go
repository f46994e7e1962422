package cache

import (
	"errors"
)

// ErrStorageClosed is returned by providers once Close has been called.
var ErrStorageClosed = errors.New("cache storage closed")

// Storage is a set of named stores (cache generations).
// Each store maps keys to []byte values, which represent HTTP response snapshots.
// Store names are ordered by creation; keys within a store by insertion.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(name string) (Store, error)
	// Has checks if a store with the given name exists.
	Has(name string) (bool, error)
	// Names returns the names of all existing stores, oldest first.
	Names() ([]string, error)
	// Delete removes the named store and all of its entries.
	// The boolean reports whether the store existed.
	Delete(name string) (bool, error)
	// Match looks the key up in every store, in store creation order,
	// and returns the first hit along with the name of the store it came from.
	// A miss is not an error.
	Match(key string) ([]byte, string, bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Store is a single named store.
type Store interface {
	Name() string
	// Get returns the value stored under key, if any.
	// A miss returns false and a nil error.
	Get(key string) ([]byte, bool, error)
	// Put stores the value under key.
	// Replacing an existing key moves it to the newest position.
	Put(key string, value []byte) error
	// Delete removes the key. The boolean reports whether it existed.
	Delete(key string) (bool, error)
	// Keys returns all keys in insertion order, oldest first.
	Keys() ([]string, error)
	// Len returns the number of entries.
	Len() (int, error)
}
