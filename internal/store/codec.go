package store

import (
	"encoding/json"

	"github.com/eldtechnologies/amprelay/internal/models"
)

// nullableJSON returns nil for an empty document so it is stored as NULL.
func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}

func encodeInbox(msg *models.InboxMessage) (string, string, error) {
	env, err := json.Marshal(msg.Envelope)
	if err != nil {
		return "", "", err
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", "", err
	}
	return string(env), string(payload), nil
}

func decodeInbox(msg *models.InboxMessage, env, payload []byte) error {
	if err := json.Unmarshal(env, &msg.Envelope); err != nil {
		return err
	}
	return json.Unmarshal(payload, &msg.Payload)
}
