package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/relay"
)

// ErrNameTaken is returned by CreateAgent when (name, host) is already registered.
var ErrNameTaken = errors.New("agent name already registered on this host")

// DataStore defines the interface for persistent storage of agents, inbox
// messages and relay entries. Both PostgresStore and SQLiteStore implement it.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Agent registry
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentByName(ctx context.Context, name, hostID string) (*models.Agent, error)
	FindAgentByName(ctx context.Context, name string) (*models.Agent, error)
	TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error
	CountAgents(ctx context.Context) (int64, error)

	// Local inbox
	CreateInboxMessage(ctx context.Context, msg *models.InboxMessage) error
	ListInbox(ctx context.Context, agentID uuid.UUID, limit int, unreadOnly bool) ([]models.InboxMessage, error)
	MarkInboxRead(ctx context.Context, agentID uuid.UUID, id string) (bool, error)
	CountInbox(ctx context.Context) (int64, error)

	// RelayBackend returns a relay backend stored in the same database.
	RelayBackend() relay.Backend
}
