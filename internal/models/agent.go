package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent represents a registered AMP agent identity.
type Agent struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	HostID       string          `json:"host_id"`
	Tenant       string          `json:"tenant"`
	Scope        string          `json:"scope,omitempty"`
	Alias        string          `json:"alias,omitempty"`
	Address      string          `json:"address"`
	PublicKey    string          `json:"public_key"` // PEM
	KeyAlgorithm string          `json:"key_algorithm"`
	Fingerprint  string          `json:"fingerprint"`
	APIKeyHash   string          `json:"-"`
	Delivery     json.RawMessage `json:"delivery,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
	LastSeenAt   *time.Time      `json:"last_seen_at,omitempty"`
}

// IsOnline reports whether the agent was seen within window of now.
func (a *Agent) IsOnline(now time.Time, window time.Duration) bool {
	if a.LastSeenAt == nil {
		return false
	}
	return now.Sub(*a.LastSeenAt) <= window
}

// AgentIdentity is the routing view of an agent.
type AgentIdentity struct {
	AgentID     string `json:"agent_id"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
	Online      bool   `json:"online"`
	HostID      string `json:"host_id"`
	PublicKey   string `json:"-"`
}
