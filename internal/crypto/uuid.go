package crypto

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewMessageID generates a globally unique, time-sortable envelope id.
func NewMessageID() string {
	return "msg_" + strings.ToLower(ulid.Make().String())
}
