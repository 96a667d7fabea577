// Package notify derives the user-visible alert surface from the
// notification cache. It holds no state of its own.
package notify

import (
	"sort"
	"sync"

	"github.com/wayfarer/realtime/internal/app/cache"
	"github.com/wayfarer/realtime/internal/domain"
)

type Dispatcher struct {
	cache *cache.NotificationCache

	lisMu     sync.RWMutex
	listeners map[int]func(unread int)
	nextLis   int

	unsub func()
}

func NewDispatcher(c *cache.NotificationCache) *Dispatcher {
	d := &Dispatcher{
		cache:     c,
		listeners: make(map[int]func(unread int)),
	}
	d.unsub = c.OnInvalidate(d.recompute)
	return d
}

func (d *Dispatcher) UnreadCount() int { return d.cache.UnreadCount() }

// List returns notifications newest first.
func (d *Dispatcher) List() []domain.Notification {
	out := d.cache.List()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// OnChange fires with the current unread count after every cache merge
// or mutation.
func (d *Dispatcher) OnChange(fn func(unread int)) (cancel func()) {
	d.lisMu.Lock()
	d.nextLis++
	id := d.nextLis
	d.listeners[id] = fn
	d.lisMu.Unlock()
	return func() {
		d.lisMu.Lock()
		delete(d.listeners, id)
		d.lisMu.Unlock()
	}
}

func (d *Dispatcher) Close() {
	if d.unsub != nil {
		d.unsub()
	}
}

func (d *Dispatcher) recompute() {
	unread := d.cache.UnreadCount()
	d.lisMu.RLock()
	fns := make([]func(int), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.lisMu.RUnlock()
	for _, fn := range fns {
		fn(unread)
	}
}
