// Package relay is the signaling relay: it authenticates one websocket
// per user and routes call signaling and chat events between them. Media
// never transits here; only SDP/ICE metadata and chat events do.
package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

type entry struct {
	conn   *wsConn
	cancel context.CancelFunc
}

// Registry maps online userIds to their single live connection. A new
// connection for an already-bound user replaces the old one (tab reload,
// reconnect after a half-open drop).
type Registry struct {
	mu    sync.RWMutex
	users map[domain.UserID]*entry
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[domain.UserID]*entry)}
}

func (r *Registry) Bind(user domain.UserID, conn *wsConn, cancel context.CancelFunc) {
	r.mu.Lock()
	old := r.users[user]
	r.users[user] = &entry{conn: conn, cancel: cancel}
	r.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "relay.registry").Str("user", string(user)).Msg("replacing stale connection")
		if old.cancel != nil {
			old.cancel()
		}
		old.conn.Close()
	}
}

// Unbind removes user only if conn is still the bound connection, so a
// replaced connection's teardown cannot evict its successor.
func (r *Registry) Unbind(user domain.UserID, conn *wsConn) {
	r.mu.Lock()
	if e, ok := r.users[user]; ok && e.conn == conn {
		delete(r.users, user)
	}
	r.mu.Unlock()
}

// Send routes one frame to user. Returns false when the user is offline
// or the connection is saturated; saturated connections are evicted.
func (r *Registry) Send(user domain.UserID, frame []byte) bool {
	r.mu.RLock()
	e, ok := r.users[user]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := e.conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay.registry").Str("user", string(user)).Msg("evicting slow consumer")
		if e.cancel != nil {
			e.cancel()
		}
		e.conn.Close()
		r.Unbind(user, e.conn)
		return false
	}
	return true
}

// Broadcast sends a frame to every online user.
func (r *Registry) Broadcast(frame []byte) {
	r.mu.RLock()
	targets := make([]domain.UserID, 0, len(r.users))
	for user := range r.users {
		targets = append(targets, user)
	}
	r.mu.RUnlock()
	for _, user := range targets {
		r.Send(user, frame)
	}
}

// Online returns the current presence list.
func (r *Registry) Online() []core.OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.OnlineUser, 0, len(r.users))
	for user := range r.users {
		out = append(out, core.OnlineUser{UserID: user})
	}
	return out
}
