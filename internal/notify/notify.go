// Package notify tells online agents that a message is waiting for them.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/models"
)

// Event is published when a message is delivered or queued for an agent.
type Event struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Priority  string    `json:"priority"`
	Method    string    `json:"method"` // local or relay
	At        time.Time `json:"at"`
}

// Channel returns the pub/sub channel for an agent.
func Channel(agentID string) string {
	return "amp:notify:" + agentID
}

// NewEvent builds the event for env.
func NewEvent(env models.Envelope, method string) Event {
	return Event{
		MessageID: env.ID,
		From:      env.From,
		Subject:   env.Subject,
		Priority:  env.Priority,
		Method:    method,
		At:        time.Now().UTC(),
	}
}

// RedisNotifier publishes events over Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisNotifier creates a notifier on client.
func NewRedisNotifier(client *redis.Client, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Notify publishes ev to the agent's channel.
func (n *RedisNotifier) Notify(ctx context.Context, agentID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	receivers, err := n.client.Publish(ctx, Channel(agentID), data).Result()
	if err != nil {
		return err
	}
	n.logger.Debug().
		Str("agent_id", agentID).
		Str("message_id", ev.MessageID).
		Int64("receivers", receivers).
		Msg("notification published")
	return nil
}

// Subscribe returns a subscription to the agent's channel.
func (n *RedisNotifier) Subscribe(ctx context.Context, agentID string) *redis.PubSub {
	return n.client.Subscribe(ctx, Channel(agentID))
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string, Event) error { return nil }
