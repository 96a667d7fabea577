// Package app wires the client side of the realtime layer: one Session
// per login owns the signal connection, the merge caches, the call
// manager and the notification dispatcher.
package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/adapters"
	"github.com/wayfarer/realtime/internal/adapters/rtc"
	"github.com/wayfarer/realtime/internal/app/cache"
	"github.com/wayfarer/realtime/internal/app/call"
	"github.com/wayfarer/realtime/internal/app/notify"
	"github.com/wayfarer/realtime/internal/config"
	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

// Session is the explicitly lifecycled realtime session: created at
// login, closed at logout. Consumers receive its components injected;
// nothing here is a package-level singleton.
type Session struct {
	user domain.UserID

	sig  *adapters.WSClient
	hist core.HistoryStore

	Messages      *cache.MessageCache
	Notifications *cache.NotificationCache
	Calls         *call.Manager
	Notify        *notify.Dispatcher

	reconcileThreshold time.Duration

	presenceMu  sync.RWMutex
	online      []core.OnlineUser
	presenceLis map[int]func([]core.OnlineUser)
	nextLis     int

	cancels []func()
}

// NewSession builds the full client wiring from config. source is the
// media acquisition strategy (DeviceSource in production).
func NewSession(cfg *config.Config, user domain.UserID, token string, source core.MediaSource) *Session {
	sig := adapters.NewWSClient(cfg.RelayURL+"/ws/events", user, adapters.WSClientOpts{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		PingPeriod:  cfg.PingPeriod,
	})
	hist := adapters.NewHistoryClient(cfg.HistoryURL, token)

	s := &Session{
		user:               user,
		sig:                sig,
		hist:               hist,
		Messages:           cache.NewMessageCache(user),
		Notifications:      cache.NewNotificationCache(hist),
		reconcileThreshold: cfg.ReconcileThreshold,
		presenceLis:        make(map[int]func([]core.OnlineUser)),
	}
	s.Notify = notify.NewDispatcher(s.Notifications)

	rtcCfg := rtc.Config(cfg.STUNServers, cfg.TURNServers)
	s.Calls = call.NewManager(sig, user, source, func(callID string) (core.MediaConn, error) {
		return rtc.New(rtcCfg, callID)
	}, cfg.AnswerTimeout)

	s.cancels = append(s.cancels,
		sig.Subscribe(core.EventNewMessage, s.onNewMessage),
		sig.Subscribe(core.EventNewNotification, s.onNewNotification),
		sig.Subscribe(core.EventGetUsers, s.onPresence),
		sig.OnReady(s.onReady),
	)
	return s
}

// Signaler exposes the shared connection to consumers that publish
// their own events. Only the Session may disconnect it.
func (s *Session) Signaler() core.Signaler { return s.sig }

// Start connects the transport. AuthError means the token is invalid
// and the caller must force a re-login.
func (s *Session) Start(ctx context.Context, token string) error {
	return s.sig.Connect(ctx, token)
}

// Close tears everything down in reverse dependency order.
func (s *Session) Close() {
	s.Calls.Close()
	s.Notify.Close()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.sig.Disconnect()
}

// SendMessage publishes a message to peer and merges it into the local
// cache immediately; the relay echoes nothing back to the sender.
func (s *Session) SendMessage(peer domain.UserID, content string) domain.Message {
	msg := domain.Message{
		ID:          uuid.NewString(),
		SenderID:    s.user,
		RecipientID: peer,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	s.Messages.Merge(msg)
	if err := s.sig.Publish(core.EventSendMessage, msg); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Msg("send message failed")
	}
	return msg
}

// SendNotification relays an app-level notification to peer. Missing id
// and timestamp are filled in.
func (s *Session) SendNotification(peer domain.UserID, n domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.RecipientID = peer
	return s.sig.Publish(core.EventSendNotify, core.NotifyPayload{ReceiverID: peer, Notification: n})
}

// LoadMessages pulls the conversation history for peer and merges it;
// duplicates against already-delivered events dedup away.
func (s *Session) LoadMessages(ctx context.Context, peer domain.UserID) error {
	msgs, err := s.hist.Messages(ctx, peer)
	if err != nil {
		return err
	}
	s.Messages.MergeAll(msgs)
	return nil
}

// OnlineUsers returns the last presence broadcast from the relay.
func (s *Session) OnlineUsers() []core.OnlineUser {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()
	out := make([]core.OnlineUser, len(s.online))
	copy(out, s.online)
	return out
}

// OnPresence registers a listener fired with the full online list on
// every presence broadcast.
func (s *Session) OnPresence(fn func([]core.OnlineUser)) (cancel func()) {
	s.presenceMu.Lock()
	s.nextLis++
	id := s.nextLis
	s.presenceLis[id] = fn
	s.presenceMu.Unlock()
	return func() {
		s.presenceMu.Lock()
		delete(s.presenceLis, id)
		s.presenceMu.Unlock()
	}
}

func (s *Session) onPresence(data json.RawMessage) {
	var online []core.OnlineUser
	if err := json.Unmarshal(data, &online); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("bad presence event")
		return
	}
	s.presenceMu.Lock()
	s.online = online
	fns := make([]func([]core.OnlineUser), 0, len(s.presenceLis))
	for _, fn := range s.presenceLis {
		fns = append(fns, fn)
	}
	s.presenceMu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func (s *Session) onNewMessage(data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("bad message event")
		return
	}
	s.Messages.Merge(msg)
}

func (s *Session) onNewNotification(data json.RawMessage) {
	var n domain.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("bad notification event")
		return
	}
	s.Notifications.Merge(n)
}

// onReady fires after every (re)connect. The transport does not replay
// missed events, so after a long enough gap the caches reconcile from
// the history collaborator; dedup makes re-delivery harmless.
func (s *Session) onReady() {
	gap := s.sig.LastDisconnectedAt()
	if gap.IsZero() || time.Since(gap) < s.reconcileThreshold {
		return
	}
	go s.reconcile(context.Background())
}

func (s *Session) reconcile(ctx context.Context) {
	log.Info().Str("module", "app.session").Msg("reconciling after reconnect gap")
	if ns, err := s.hist.Notifications(ctx); err == nil {
		s.Notifications.MergeAll(ns)
	} else {
		log.Warn().Err(err).Str("module", "app.session").Msg("notification reconcile failed")
	}
	if convs, err := s.hist.Conversations(ctx); err == nil {
		for _, conv := range convs {
			s.Messages.Merge(conv.LastMessage)
		}
	} else {
		log.Warn().Err(err).Str("module", "app.session").Msg("conversation reconcile failed")
	}
}
