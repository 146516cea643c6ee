// Package relay implements the store-and-forward queue that holds messages
// for recipients that cannot take delivery right now.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/metrics"
	"github.com/eldtechnologies/amprelay/internal/models"
)

// DefaultTTL is how long a queued message waits before it is discarded unread.
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrNotFound     = errors.New("pending message not found")
	ErrNoRecipient  = errors.New("recipient is required")
	ErrNoEnvelopeID = errors.New("envelope id is required")
)

// Store is the relay queue. It keeps no state of its own; every call reads
// and writes through the backend.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger.With().Str("component", "relay").Logger() }
}

// NewStore creates a relay store over backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Enqueue queues a message for recipient. Re-enqueuing the same envelope id
// replaces the earlier entry.
func (s *Store) Enqueue(ctx context.Context, recipient string, env models.Envelope, payload models.Payload, senderPublicKey string) (*models.PendingMessage, error) {
	if recipient == "" {
		return nil, ErrNoRecipient
	}
	if env.ID == "" {
		return nil, ErrNoEnvelopeID
	}

	now := s.now().UTC()
	pm := &models.PendingMessage{
		ID:              env.ID,
		Envelope:        env,
		Payload:         payload,
		SenderPublicKey: senderPublicKey,
		QueuedAt:        now,
		ExpiresAt:       now.Add(s.ttl),
	}

	if err := s.put(ctx, recipient, pm); err != nil {
		return nil, err
	}

	metrics.RelayEnqueued.Inc()
	s.logger.Debug().
		Str("recipient", recipient).
		Str("message_id", pm.ID).
		Time("expires_at", pm.ExpiresAt).
		Msg("message queued")

	return pm, nil
}

func (s *Store) put(ctx context.Context, recipient string, pm *models.PendingMessage) error {
	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}
	return s.backend.Put(ctx, Record{
		Recipient: recipient,
		ID:        pm.ID,
		Data:      data,
		QueuedAt:  pm.QueuedAt,
		ExpiresAt: pm.ExpiresAt,
	})
}

// live decodes the recipient's entries and purges the ones that are expired
// or unreadable.
func (s *Store) live(ctx context.Context, recipient string) ([]models.PendingMessage, error) {
	recs, err := s.backend.List(ctx, recipient)
	if err != nil {
		return nil, err
	}

	now := s.now()
	messages := make([]models.PendingMessage, 0, len(recs))
	for _, rec := range recs {
		pm, ok := decode(rec)
		if !ok || pm.Expired(now) {
			s.purge(ctx, recipient, rec.ID, ok)
			continue
		}
		messages = append(messages, pm)
	}
	return messages, nil
}

func (s *Store) purge(ctx context.Context, recipient, id string, readable bool) {
	if _, err := s.backend.Delete(ctx, recipient, id); err != nil {
		s.logger.Warn().Err(err).Str("recipient", recipient).Str("message_id", id).Msg("purge failed")
		return
	}
	metrics.RelayExpired.Inc()
	if !readable {
		s.logger.Warn().Str("recipient", recipient).Str("message_id", id).Msg("purged unreadable relay entry")
	}
}

func decode(rec Record) (models.PendingMessage, bool) {
	var pm models.PendingMessage
	if len(rec.Data) == 0 {
		return pm, false
	}
	if err := json.Unmarshal(rec.Data, &pm); err != nil {
		return pm, false
	}
	if pm.ID == "" {
		return pm, false
	}
	return pm, true
}

// List returns up to limit live entries for recipient, oldest first, and how
// many live entries remain beyond them. A limit <= 0 returns everything.
func (s *Store) List(ctx context.Context, recipient string, limit int) ([]models.PendingMessage, int, error) {
	messages, err := s.live(ctx, recipient)
	if err != nil {
		return nil, 0, err
	}

	if limit <= 0 || len(messages) <= limit {
		return messages, 0, nil
	}
	return messages[:limit], len(messages) - limit, nil
}

// Count returns the number of live entries for recipient.
func (s *Store) Count(ctx context.Context, recipient string) (int, error) {
	messages, err := s.live(ctx, recipient)
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

// Acknowledge removes a delivered entry. It reports false when the entry is
// unknown, already acknowledged or expired.
func (s *Store) Acknowledge(ctx context.Context, recipient, id string) (bool, error) {
	rec, err := s.backend.Get(ctx, recipient, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	pm, ok := decode(*rec)
	if !ok || pm.Expired(s.now()) {
		s.purge(ctx, recipient, id, ok)
		return false, nil
	}

	deleted, err := s.backend.Delete(ctx, recipient, id)
	if err != nil {
		return false, err
	}
	if deleted {
		metrics.RelayAcknowledged.Inc()
	}
	return deleted, nil
}

// AcknowledgeBatch acknowledges each id independently and returns how many
// were removed. Backend errors do not stop the batch.
func (s *Store) AcknowledgeBatch(ctx context.Context, recipient string, ids []string) (int, error) {
	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		ok, err := s.Acknowledge(ctx, recipient, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", id, err))
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// Recipients returns every recipient key with queued entries. Queues holding
// only expired entries may be included until the next sweep.
func (s *Store) Recipients(ctx context.Context) ([]string, error) {
	return s.backend.Recipients(ctx)
}

// RecordAttempt bumps the delivery attempt counter. The TTL is untouched, and
// an entry acknowledged concurrently stays gone.
func (s *Store) RecordAttempt(ctx context.Context, recipient, id string) error {
	rec, err := s.backend.Get(ctx, recipient, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	pm, ok := decode(*rec)
	if !ok || pm.Expired(s.now()) {
		s.purge(ctx, recipient, id, ok)
		return ErrNotFound
	}

	now := s.now().UTC()
	pm.DeliveryAttempts++
	pm.LastAttemptAt = &now
	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}
	updated, err := s.backend.Update(ctx, Record{Recipient: recipient, ID: id, Data: data})
	if err != nil {
		return err
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

// Reassign moves every live entry queued under from into the queue of to,
// keeping their queue and expiry times. It is used when a message queued
// under an alias (a bare name or name@host) can be attributed to an agent.
func (s *Store) Reassign(ctx context.Context, from, to string) (int, error) {
	if from == "" || to == "" || from == to {
		return 0, nil
	}
	messages, err := s.live(ctx, from)
	if err != nil {
		return 0, err
	}

	moved := 0
	for i := range messages {
		if err := s.put(ctx, to, &messages[i]); err != nil {
			return moved, err
		}
		if _, err := s.backend.Delete(ctx, from, messages[i].ID); err != nil {
			return moved, err
		}
		moved++
	}
	if moved > 0 {
		s.logger.Info().Str("from", from).Str("to", to).Int("count", moved).Msg("relay entries reassigned")
	}
	return moved, nil
}

// CleanupExpired deletes entries past their TTL for recipient, or for every
// recipient when recipient is empty. For a single recipient, unreadable
// entries are purged as well.
func (s *Store) CleanupExpired(ctx context.Context, recipient string) (int, error) {
	expired, err := s.backend.ExpiredBefore(ctx, recipient, s.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range expired {
		ok, err := s.backend.Delete(ctx, rec.Recipient, rec.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if recipient != "" {
		recs, err := s.backend.List(ctx, recipient)
		if err != nil {
			return removed, err
		}
		for _, rec := range recs {
			if _, ok := decode(rec); ok {
				continue
			}
			if ok, err := s.backend.Delete(ctx, recipient, rec.ID); err == nil && ok {
				removed++
			}
		}
	}

	if removed > 0 {
		metrics.RelayExpired.Add(float64(removed))
	}
	return removed, nil
}
