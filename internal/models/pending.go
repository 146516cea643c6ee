package models

import "time"

// PendingMessage is a relay queue entry for a message that could not be
// delivered immediately.
type PendingMessage struct {
	ID               string     `json:"id"`
	Envelope         Envelope   `json:"envelope"`
	Payload          Payload    `json:"payload"`
	SenderPublicKey  string     `json:"sender_public_key,omitempty"`
	QueuedAt         time.Time  `json:"queued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
}

// Expired reports whether the entry is past its TTL at now.
func (m *PendingMessage) Expired(now time.Time) bool {
	return m.ExpiresAt.Before(now)
}
