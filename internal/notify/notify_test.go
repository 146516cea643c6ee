package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/amprelay/internal/models"
)

func TestRedisNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	n := NewRedisNotifier(client, zerolog.Nop())

	sub := n.Subscribe(ctx, "agent-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	env := models.Envelope{ID: "msg_1", From: "alice@acme.aimaestro.local", Subject: "hi", Priority: models.PriorityHigh}
	require.NoError(t, n.Notify(ctx, "agent-1", NewEvent(env, "local")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "amp:notify:agent-1", msg.Channel)
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "msg_1", ev.MessageID)
		assert.Equal(t, "local", ev.Method)
		assert.Equal(t, models.PriorityHigh, ev.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestRedisNotifierError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	n := NewRedisNotifier(client, zerolog.Nop())
	err := n.Notify(context.Background(), "agent-1", Event{MessageID: "msg_1"})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), "x", Event{}))
}
