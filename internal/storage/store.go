package storage

import (
	"errors"
	"time"
)

// ErrClosed is returned by every Store and DB operation after the DB is closed.
var ErrClosed = errors.New("storage: store is closed")

// Entry is a stored value together with its last write time.
type Entry struct {
	Value     string
	UpdatedAt time.Time
}

// Store is a durable, synchronous, string-keyed key/value store scoped to a
// single profile. Missing keys are reported with ok=false and a nil error.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	List() (map[string]Entry, error)
}

// DB is a backing database partitioned into one Store per profile. A profile
// exists once a value has been written to it; reads on an unknown profile
// see an empty store.
type DB interface {
	Profile(name string) (Store, error)
	Profiles() ([]string, error)
	Drop(name string) error

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
