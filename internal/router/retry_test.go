package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/mesh"
)

func TestRetrierForwardsHostQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, crypto.Policy{})
	f.forwarder.err = errors.New("connection refused")

	for _, to := range []string{"bob@host-b.aimaestro.local", "carol@host-b.aimaestro.local", "dave@host-z.aimaestro.local", "erin@acme.aimaestro.local"} {
		_, err := f.router.Route(ctx, ping(to))
		require.NoError(t, err)
	}
	require.Len(t, f.pending(t, "bob@host-b"), 1)
	require.Len(t, f.pending(t, "dave@host-z"), 1)
	require.Len(t, f.pending(t, "erin"), 1)

	retrier := NewRetrier(f.relay, f.forwarder, 0, zerolog.Nop())

	// Peer still down: attempts are recorded and nothing is removed.
	assert.Zero(t, retrier.RetryOnce(ctx))
	msgs := f.pending(t, "bob@host-b")
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].DeliveryAttempts)
	require.NotNil(t, msgs[0].LastAttemptAt)

	f.forwarder.err = nil
	f.forwarder.calls = nil
	assert.Equal(t, 2, retrier.RetryOnce(ctx))

	assert.Empty(t, f.pending(t, "bob@host-b"))
	assert.Empty(t, f.pending(t, "carol@host-b"))
	// Unknown hosts and bare-name queues wait for their recipient.
	assert.Len(t, f.pending(t, "dave@host-z"), 1)
	assert.Len(t, f.pending(t, "erin"), 1)

	require.Len(t, f.forwarder.calls, 2)
	var targets []string
	for _, call := range f.forwarder.calls {
		assert.Equal(t, "host-b", call.Host)
		targets = append(targets, call.To)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, targets)
	assert.Equal(t, "bob@host-b.aimaestro.local", originalTo(f, "bob"))
}

func TestRetrierEmptyQueue(t *testing.T) {
	f := newFixture(t, crypto.Policy{})
	retrier := NewRetrier(f.relay, f.forwarder, 0, zerolog.Nop())
	assert.Zero(t, retrier.RetryOnce(context.Background()))
	assert.Empty(t, f.forwarder.calls)
}

func originalTo(f *fixture, name string) string {
	for _, call := range f.forwarder.calls {
		if call.To == name {
			return call.OriginalTo
		}
	}
	return ""
}

func TestRetrierDropsRejectedMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, crypto.Policy{})
	f.forwarder.err = errors.New("connection refused")
	_, err := f.router.Route(ctx, ping("bob@host-b.aimaestro.local"))
	require.NoError(t, err)

	f.forwarder.err = fmt.Errorf("%w: host-b returned 400", mesh.ErrPeerRejected)
	retrier := NewRetrier(f.relay, f.forwarder, time.Second, zerolog.Nop())
	assert.Zero(t, retrier.RetryOnce(ctx))
	assert.Empty(t, f.pending(t, "bob@host-b"))
}
