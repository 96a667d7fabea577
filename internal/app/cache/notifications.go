package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

var ErrUnknownNotification = errors.New("unknown notification id")

// NotificationCache holds the local notification list, newest first.
// Read-state mutations are optimistic: snapshot, apply, remote call,
// restore the snapshot if the remote call fails.
type NotificationCache struct {
	store core.HistoryStore

	mu   sync.Mutex
	list []domain.Notification
	seen map[string]struct{}

	lisMu     sync.RWMutex
	listeners map[int]func()
	nextLis   int
}

func NewNotificationCache(store core.HistoryStore) *NotificationCache {
	return &NotificationCache{
		store:     store,
		seen:      make(map[string]struct{}),
		listeners: make(map[int]func()),
	}
}

func (c *NotificationCache) OnInvalidate(fn func()) (cancel func()) {
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

// Merge prepends n if its id is absent. Returns true when the cache changed.
func (c *NotificationCache) Merge(n domain.Notification) bool {
	c.mu.Lock()
	if _, dup := c.seen[n.ID]; dup {
		c.mu.Unlock()
		log.Debug().Str("module", "cache.notifications").Str("id", n.ID).Msg("duplicate merge ignored")
		return false
	}
	c.seen[n.ID] = struct{}{}
	c.list = append([]domain.Notification{n}, c.list...)
	c.mu.Unlock()

	c.invalidate()
	return true
}

func (c *NotificationCache) MergeAll(ns []domain.Notification) {
	for _, n := range ns {
		c.Merge(n)
	}
}

// List returns a copy, newest first (merge order already is).
func (c *NotificationCache) List() []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Notification, len(c.list))
	copy(out, c.list)
	return out
}

func (c *NotificationCache) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.list {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead flips the read flag locally, then persists. On persistence
// failure the flag reverts to its captured pre-mutation value.
func (c *NotificationCache) MarkRead(ctx context.Context, id string) error {
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx < 0 {
		c.mu.Unlock()
		return ErrUnknownNotification
	}
	prev := c.list[idx].Read
	c.list[idx].Read = true
	c.mu.Unlock()
	c.invalidate()

	if err := c.store.MarkRead(ctx, id); err != nil {
		c.mu.Lock()
		if idx := c.indexOf(id); idx >= 0 {
			c.list[idx].Read = prev
		}
		c.mu.Unlock()
		c.invalidate()
		log.Warn().Err(err).Str("module", "cache.notifications").Str("id", id).Msg("mark read rolled back")
		return err
	}
	return nil
}

// MarkAllRead flips every unread flag, restoring exactly the flipped set
// on failure so concurrently merged notifications are not clobbered.
func (c *NotificationCache) MarkAllRead(ctx context.Context) error {
	c.mu.Lock()
	flipped := make([]string, 0, len(c.list))
	for i := range c.list {
		if !c.list[i].Read {
			c.list[i].Read = true
			flipped = append(flipped, c.list[i].ID)
		}
	}
	c.mu.Unlock()
	if len(flipped) == 0 {
		return nil
	}
	c.invalidate()

	if err := c.store.MarkAllRead(ctx); err != nil {
		c.mu.Lock()
		for _, id := range flipped {
			if idx := c.indexOf(id); idx >= 0 {
				c.list[idx].Read = false
			}
		}
		c.mu.Unlock()
		c.invalidate()
		log.Warn().Err(err).Str("module", "cache.notifications").Msg("mark all read rolled back")
		return err
	}
	return nil
}

// Delete removes the notification locally, then persists. On failure the
// captured entry is reinserted at its prior position.
func (c *NotificationCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx < 0 {
		c.mu.Unlock()
		return ErrUnknownNotification
	}
	snapshot := c.list[idx]
	c.list = append(c.list[:idx:idx], c.list[idx+1:]...)
	delete(c.seen, id)
	c.mu.Unlock()
	c.invalidate()

	if err := c.store.DeleteNotification(ctx, id); err != nil {
		c.mu.Lock()
		if _, dup := c.seen[id]; !dup {
			c.seen[id] = struct{}{}
			if idx > len(c.list) {
				idx = len(c.list)
			}
			c.list = append(c.list[:idx:idx], append([]domain.Notification{snapshot}, c.list[idx:]...)...)
		}
		c.mu.Unlock()
		c.invalidate()
		log.Warn().Err(err).Str("module", "cache.notifications").Str("id", id).Msg("delete rolled back")
		return err
	}
	return nil
}

// indexOf must be called with c.mu held.
func (c *NotificationCache) indexOf(id string) int {
	for i := range c.list {
		if c.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *NotificationCache) invalidate() {
	c.lisMu.RLock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lisMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
