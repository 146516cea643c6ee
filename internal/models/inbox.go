package models

import "time"

// InboxMessage is a locally delivered message persisted in the recipient's inbox.
type InboxMessage struct {
	ID          string     `json:"id"`
	FromAgentID string     `json:"from_agent_id,omitempty"`
	FromAddress string     `json:"from"`
	ToAgentID   string     `json:"to_agent_id"`
	Subject     string     `json:"subject"`
	Priority    string     `json:"priority"`
	Envelope    Envelope   `json:"envelope"`
	Payload     Payload    `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
