package domain

import (
	"encoding/json"
	"time"
)

// Notification is mutable only via the Read flag.
type Notification struct {
	ID          string          `json:"id"`
	RecipientID UserID          `json:"recipientId"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Read        bool            `json:"read"`
	CreatedAt   time.Time       `json:"createdAt"`
}
