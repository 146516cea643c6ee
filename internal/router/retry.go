package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/metrics"
	"github.com/eldtechnologies/amprelay/internal/models"
)

// RetryQueue is the part of the relay the retrier drains.
type RetryQueue interface {
	Recipients(ctx context.Context) ([]string, error)
	List(ctx context.Context, recipient string, limit int) ([]models.PendingMessage, int, error)
	RecordAttempt(ctx context.Context, recipient, id string) error
	Acknowledge(ctx context.Context, recipient, id string) (bool, error)
}

// DefaultRetryBatch is how many messages per host queue one pass attempts.
const DefaultRetryBatch = 50

// Retrier re-forwards messages queued under name@host keys after a mesh
// failure. Queues keyed by bare name or agent id are left to their
// recipient's pending poll.
type Retrier struct {
	queue     RetryQueue
	forwarder Forwarder
	interval  time.Duration
	batch     int
	logger    zerolog.Logger
}

// NewRetrier creates a retrier that runs every interval.
func NewRetrier(queue RetryQueue, forwarder Forwarder, interval time.Duration, logger zerolog.Logger) *Retrier {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Retrier{
		queue:     queue,
		forwarder: forwarder,
		interval:  interval,
		batch:     DefaultRetryBatch,
		logger:    logger.With().Str("component", "mesh_retry").Logger(),
	}
}

// Run retries until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RetryOnce(ctx)
		}
	}
}

// RetryOnce makes one pass over the host queues and returns how many
// messages were handed to a peer.
func (r *Retrier) RetryOnce(ctx context.Context) int {
	recipients, err := r.queue.Recipients(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("listing relay recipients failed")
		return 0
	}

	forwarded := 0
	for _, key := range recipients {
		if ctx.Err() != nil {
			break
		}
		name, host, ok := strings.Cut(key, "@")
		if !ok || name == "" || !r.forwarder.Knows(host) {
			continue
		}
		forwarded += r.drain(ctx, key, name, host)
	}
	if forwarded > 0 {
		r.logger.Info().Int("forwarded", forwarded).Msg("queued messages forwarded")
	}
	return forwarded
}

// drain forwards one host queue oldest first. It stops at the first transient
// failure; messages the peer refuses outright are dropped.
func (r *Retrier) drain(ctx context.Context, key, name, host string) int {
	msgs, _, err := r.queue.List(ctx, key, r.batch)
	if err != nil {
		r.logger.Warn().Err(err).Str("recipient", key).Msg("listing queued messages failed")
		return 0
	}

	n := 0
	for _, pm := range msgs {
		if err := r.queue.RecordAttempt(ctx, key, pm.ID); err != nil {
			r.logger.Warn().Err(err).Str("message_id", pm.ID).Msg("recording attempt failed")
		}

		_, err := r.forwarder.Forward(ctx, mesh.Request{
			Host:            host,
			To:              name,
			OriginalTo:      pm.Envelope.To,
			Envelope:        pm.Envelope,
			Payload:         pm.Payload,
			SenderPublicKey: pm.SenderPublicKey,
		})
		switch {
		case errors.Is(err, mesh.ErrPeerRejected):
			r.logger.Warn().Err(err).Str("host", host).Str("message_id", pm.ID).Msg("peer rejected queued message, dropping")
			r.remove(ctx, key, pm.ID)
			continue
		case err != nil:
			if !errors.Is(err, mesh.ErrCircuitOpen) {
				metrics.MeshForwardFailures.WithLabelValues(host).Inc()
			}
			r.logger.Debug().Err(err).Str("host", host).Str("message_id", pm.ID).Msg("retry forward failed")
			return n
		}

		r.remove(ctx, key, pm.ID)
		n++
	}
	return n
}

func (r *Retrier) remove(ctx context.Context, key, id string) {
	if _, err := r.queue.Acknowledge(ctx, key, id); err != nil {
		r.logger.Warn().Err(err).Str("message_id", id).Msg("removing queued message failed")
	}
}
