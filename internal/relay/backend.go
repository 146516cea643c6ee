package relay

import (
	"context"
	"time"
)

// Record is one persisted relay entry, keyed by (Recipient, ID).
//
// QueuedAt and ExpiresAt are required on Put and feed the per-recipient
// ordering and the expiry index. Backends may leave them zero on read; Data
// is authoritative. A nil Data on read marks an entry whose body is gone.
type Record struct {
	Recipient string
	ID        string
	Data      []byte
	QueuedAt  time.Time
	ExpiresAt time.Time
}

// Backend is the durable key-value abstraction behind the relay store.
// Writes to distinct (recipient, id) keys must never conflict, and a Put to
// an existing key replaces it.
type Backend interface {
	Put(ctx context.Context, rec Record) error

	// Update replaces the body of an existing entry in one step, keeping its
	// queue and expiry times. It reports false, and writes nothing, when the
	// entry is gone.
	Update(ctx context.Context, rec Record) (bool, error)

	// Get returns nil, nil when the entry does not exist.
	Get(ctx context.Context, recipient, id string) (*Record, error)

	// Delete reports whether anything was removed.
	Delete(ctx context.Context, recipient, id string) (bool, error)

	// List returns the recipient's entries oldest-first by QueuedAt.
	List(ctx context.Context, recipient string) ([]Record, error)

	// ExpiredBefore returns keys whose ExpiresAt is before t, using the
	// expiry index. An empty recipient matches all recipients.
	ExpiredBefore(ctx context.Context, recipient string, t time.Time) ([]Record, error)

	// Recipients returns every recipient key holding at least one entry.
	Recipients(ctx context.Context) ([]string, error)
}
