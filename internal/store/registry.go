package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/models"
)

// Registry is the routing view of the agent table: names resolve to
// identities whose online flag is derived from recent activity.
type Registry struct {
	ds       DataStore
	presence time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry over ds. Agents seen within presence count
// as online.
func NewRegistry(ds DataStore, presence time.Duration) *Registry {
	return &Registry{ds: ds, presence: presence, now: time.Now}
}

func (r *Registry) identity(a *models.Agent) *models.AgentIdentity {
	if a == nil {
		return nil
	}
	return &models.AgentIdentity{
		AgentID:     a.ID.String(),
		Address:     a.Address,
		Fingerprint: a.Fingerprint,
		Online:      a.IsOnline(r.now(), r.presence),
		HostID:      a.HostID,
		PublicKey:   a.PublicKey,
	}
}

// LookupByName resolves name on a single host.
func (r *Registry) LookupByName(ctx context.Context, name, hostID string) (*models.AgentIdentity, error) {
	a, err := r.ds.GetAgentByName(ctx, name, hostID)
	if err != nil {
		return nil, err
	}
	return r.identity(a), nil
}

// LookupAnywhere resolves name on any host known to the registry.
func (r *Registry) LookupAnywhere(ctx context.Context, name string) (*models.AgentIdentity, error) {
	a, err := r.ds.FindAgentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return r.identity(a), nil
}

// Inbox is the local delivery collaborator: it persists a message in the
// recipient's inbox.
type Inbox struct {
	ds DataStore
}

// NewInbox creates an inbox writer over ds.
func NewInbox(ds DataStore) *Inbox {
	return &Inbox{ds: ds}
}

// Send stores the message and returns the persisted id.
func (i *Inbox) Send(ctx context.Context, fromAgentID, toAgentID string, env models.Envelope, payload models.Payload) (string, error) {
	msg := &models.InboxMessage{
		ID:          env.ID,
		FromAgentID: fromAgentID,
		FromAddress: env.From,
		ToAgentID:   toAgentID,
		Subject:     env.Subject,
		Priority:    env.Priority,
		Envelope:    env,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = crypto.NewMessageID()
	}
	if err := i.ds.CreateInboxMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}
