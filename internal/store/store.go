package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for reads of absent keys.
	ErrNotFound = errors.New("store: key not found")
	// ErrVersionConflict is returned when a conditional write presents a
	// stale version.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrLeaseExpired is returned for ack/nack on a lease that no longer
	// belongs to the caller.
	ErrLeaseExpired = errors.New("store: lease expired")
)

// Versioned is a key's value together with the version the store assigned to
// the last committed write.
type Versioned struct {
	Value   []byte
	Version uint64
}

// QueueItem is one element of a priority queue. Items of equal priority pop
// in enqueue order.
type QueueItem struct {
	ID         string
	Payload    []byte
	Priority   int
	Attempt    int
	EnqueuedAt time.Time
}

// Lease is a time-bounded claim on a popped item. Until it expires the item
// is invisible to other poppers; on expiry the item returns to its original
// priority slot and the next pop observes an incremented attempt.
type Lease struct {
	Token     string
	Queue     string
	ItemID    string
	Payload   []byte
	Priority  int
	Attempt   int
	ExpiresAt time.Time
}

// LogEntry is one record of an append-only log key.
type LogEntry struct {
	Seq   int64
	At    time.Time
	Value []byte
}

// Store is the queue-and-state contract every component shares. Keys are
// opaque here; the keyspace resolver scopes them per tenant. The store owns
// the durable copy of every entity: component-held images are caches and the
// store wins any conflict.
type Store interface {
	// Get returns the value and version at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Versioned, error)
	// Put writes unconditionally, bumping the version. ttl of zero means no
	// expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap writes only if the current version equals version.
	// version 0 asserts the key does not exist. Returns ErrVersionConflict
	// otherwise.
	CompareAndSwap(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) error
	// SetNX writes only if the key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Enqueue adds one item to a priority queue.
	Enqueue(ctx context.Context, queue string, item QueueItem) error
	// EnqueueAll adds a batch atomically: either every item is queued or
	// none is.
	EnqueueAll(ctx context.Context, queue string, items []QueueItem) error
	// PopHighest leases the highest-priority visible item, or returns nil
	// when the queue has none. The popped item's attempt counter is
	// incremented before it is returned.
	PopHighest(ctx context.Context, queue string, leaseDuration time.Duration) (*Lease, error)
	// Ack removes the leased item for good.
	Ack(ctx context.Context, lease *Lease) error
	// Nack releases the lease; requeue returns the item to its original
	// slot, otherwise it is removed.
	Nack(ctx context.Context, lease *Lease, requeue bool) error
	// Remove deletes a queued item by id regardless of lease state and
	// reports whether it existed.
	Remove(ctx context.Context, queue, itemID string) (bool, error)
	// Depth counts queued items, leased ones included.
	Depth(ctx context.Context, queue string) (int64, error)
	// List pages queue items in pop order without leasing them.
	List(ctx context.Context, queue string, offset, limit int) ([]QueueItem, error)

	// Append adds an entry to an append-only log key.
	Append(ctx context.Context, key string, value []byte) error
	// ReadLog pages an append-only log in insertion order.
	ReadLog(ctx context.Context, key string, offset, limit int) ([]LogEntry, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Transactor is implemented by stores that can run multiple operations in
// one atomic multi-key transaction. Callers that need atomicity probe for it
// and fall back to a two-phase write when absent.
type Transactor interface {
	// WithTx runs fn against a transactional view of the store. If fn
	// returns an error nothing is committed.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
