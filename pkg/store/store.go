// Package store keeps the coordination state that must survive a
// process restart: workflow executions, task-token indexes, swap
// journals and per-target locks.
package store

import (
	"context"
	"time"
)

type Reader interface {
	// Get decodes the value at key into v, reporting whether it existed
	Get(ctx context.Context, key string, v interface{}) (bool, error)
	// List returns the keys with the given prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

type Writer interface {
	// Put encodes v and stores it at key
	Put(ctx context.Context, key string, v interface{}) error
	Delete(ctx context.Context, key string) error
}

// Locker hands out named, owner-tagged leases. Acquire is re-entrant
// for the current owner and extends the lease.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

type Store interface {
	Reader
	Writer
	Locker
}
