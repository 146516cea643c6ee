package models

import (
	"encoding/json"
	"time"
)

// Payload types.
const (
	PayloadRequest      = "request"
	PayloadResponse     = "response"
	PayloadNotification = "notification"
	PayloadUpdate       = "update"
	PayloadSystem       = "system"
)

// Priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Envelope is the routing metadata of one message.
type Envelope struct {
	ID        string    `json:"id"` // msg_ + ULID
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
}

// Payload is the opaque content of a message.
type Payload struct {
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	Context     json.RawMessage `json:"context,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// ValidPayloadType reports whether t is a known payload type.
func ValidPayloadType(t string) bool {
	switch t {
	case PayloadRequest, PayloadResponse, PayloadNotification, PayloadUpdate, PayloadSystem:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
