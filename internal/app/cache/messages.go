// Package cache is the dedup & merge layer. All cache writes flow through
// it; no other component mutates the message or notification sets.
package cache

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/domain"
)

// MessageCache is a set of messages keyed by id, partitioned per
// conversation. Merging an id twice is a no-op.
type MessageCache struct {
	self domain.UserID

	mu     sync.Mutex
	seen   map[string]struct{}
	byConv map[string][]domain.Message
	convs  map[string]*domain.Conversation

	lisMu     sync.RWMutex
	listeners map[int]func(convKey string)
	nextLis   int
}

func NewMessageCache(self domain.UserID) *MessageCache {
	return &MessageCache{
		self:      self,
		seen:      make(map[string]struct{}),
		byConv:    make(map[string][]domain.Message),
		convs:     make(map[string]*domain.Conversation),
		listeners: make(map[int]func(convKey string)),
	}
}

// OnInvalidate registers a listener fired at most once per effective
// merge, with the affected conversation key.
func (c *MessageCache) OnInvalidate(fn func(convKey string)) (cancel func()) {
	c.lisMu.Lock()
	c.nextLis++
	id := c.nextLis
	c.listeners[id] = fn
	c.lisMu.Unlock()
	return func() {
		c.lisMu.Lock()
		delete(c.listeners, id)
		c.lisMu.Unlock()
	}
}

// Merge inserts msg if its id is absent and advances the owning
// conversation's lastMessage, never regressing on out-of-order arrival.
// Returns true when the cache changed.
func (c *MessageCache) Merge(msg domain.Message) bool {
	key := domain.ConversationKey(msg.SenderID, msg.RecipientID)

	c.mu.Lock()
	if _, dup := c.seen[msg.ID]; dup {
		c.mu.Unlock()
		log.Debug().Str("module", "cache.messages").Str("id", msg.ID).Msg("duplicate merge ignored")
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.byConv[key] = append(c.byConv[key], msg)

	conv, ok := c.convs[key]
	if !ok {
		conv = &domain.Conversation{Participants: [2]domain.UserID{msg.SenderID, msg.RecipientID}}
		c.convs[key] = conv
	}
	if msg.CreatedAt.After(conv.LastMessage.CreatedAt) {
		conv.LastMessage = msg
		conv.UpdatedAt = msg.CreatedAt
	}
	c.mu.Unlock()

	c.invalidate(key)
	return true
}

// MergeAll merges a history fetch; re-delivered messages dedup away.
func (c *MessageCache) MergeAll(msgs []domain.Message) {
	for _, m := range msgs {
		c.Merge(m)
	}
}

// Messages returns the conversation's messages sorted by createdAt.
func (c *MessageCache) Messages(peer domain.UserID) []domain.Message {
	key := domain.ConversationKey(c.self, peer)
	c.mu.Lock()
	out := make([]domain.Message, len(c.byConv[key]))
	copy(out, c.byConv[key])
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Conversations returns the derived sidebar view, newest activity first.
func (c *MessageCache) Conversations() []domain.Conversation {
	c.mu.Lock()
	out := make([]domain.Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, *conv)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (c *MessageCache) invalidate(convKey string) {
	c.lisMu.RLock()
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lisMu.RUnlock()
	for _, fn := range fns {
		fn(convKey)
	}
}
