package domain

import (
	"strings"
	"time"
)

// Message is immutable once created. Identity is ID, not (sender, createdAt);
// dedup in the cache layer relies on this.
type Message struct {
	ID          string    `json:"id"`
	SenderID    UserID    `json:"senderId"`
	RecipientID UserID    `json:"recipientId"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Conversation is a denormalized view over the message set for one
// unordered participant pair. Recomputed on every effective merge.
type Conversation struct {
	Participants [2]UserID `json:"participants"`
	LastMessage  Message   `json:"lastMessage"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConversationKey returns the canonical key for an unordered user pair.
func ConversationKey(a, b UserID) string {
	if strings.Compare(string(a), string(b)) > 0 {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// PeerOf returns the participant that is not self.
func (m *Message) PeerOf(self UserID) UserID {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}
