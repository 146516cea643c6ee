package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps relay entries in process memory. It is meant for tests
// and single-process development setups.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]map[string]Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]map[string]Record)}
}

func (b *MemoryBackend) Put(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.entries[rec.Recipient]
	if !ok {
		queue = make(map[string]Record)
		b.entries[rec.Recipient] = queue
	}
	rec.Data = append([]byte(nil), rec.Data...)
	queue[rec.ID] = rec
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, rec Record) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.entries[rec.Recipient][rec.ID]
	if !ok {
		return false, nil
	}
	cur.Data = append([]byte(nil), rec.Data...)
	b.entries[rec.Recipient][rec.ID] = cur
	return true, nil
}

func (b *MemoryBackend) Get(_ context.Context, recipient, id string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.entries[recipient][id]
	if !ok {
		return nil, nil
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec, nil
}

func (b *MemoryBackend) Delete(_ context.Context, recipient, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.entries[recipient]
	if !ok {
		return false, nil
	}
	if _, ok := queue[id]; !ok {
		return false, nil
	}
	delete(queue, id)
	if len(queue) == 0 {
		delete(b.entries, recipient)
	}
	return true, nil
}

func (b *MemoryBackend) List(_ context.Context, recipient string) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	queue := b.entries[recipient]
	recs := make([]Record, 0, len(queue))
	for _, rec := range queue {
		rec.Data = append([]byte(nil), rec.Data...)
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

func (b *MemoryBackend) ExpiredBefore(_ context.Context, recipient string, t time.Time) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var recs []Record
	for r, queue := range b.entries {
		if recipient != "" && r != recipient {
			continue
		}
		for _, rec := range queue {
			if rec.ExpiresAt.Before(t) {
				recs = append(recs, Record{Recipient: rec.Recipient, ID: rec.ID, ExpiresAt: rec.ExpiresAt})
			}
		}
	}
	return recs, nil
}

func (b *MemoryBackend) Recipients(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	recipients := make([]string, 0, len(b.entries))
	for r := range b.entries {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)
	return recipients, nil
}

// sortRecords orders records oldest-first, breaking ties by id.
func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].QueuedAt.Equal(recs[j].QueuedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].QueuedAt.Before(recs[j].QueuedAt)
	})
}
