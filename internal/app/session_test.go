package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wayfarer/realtime/internal/app/call"
	"github.com/wayfarer/realtime/internal/config"
	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
	"github.com/wayfarer/realtime/internal/relay"
)

const testSecret = "test-secret"

// stubSource satisfies core.MediaSource without touching devices.
type stubSource struct{}

func (stubSource) Acquire(context.Context) (core.LocalMedia, error) {
	return call.NewLocalMedia(nil, nil), nil
}

// historyStub is a minimal history collaborator; failMutations makes
// every mutation endpoint answer 500 so rollback paths can be driven,
// setHistory seeds what the fetch endpoints report.
type historyStub struct {
	srv           *httptest.Server
	failMutations atomic.Bool

	mu            sync.Mutex
	notifications []domain.Notification
	conversations []domain.Conversation
}

func newHistoryStub(t *testing.T) *historyStub {
	t.Helper()
	stub := &historyStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && stub.failMutations.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var result any = json.RawMessage("[]")
		stub.mu.Lock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/notifications":
			if stub.notifications != nil {
				result = stub.notifications
			}
		case r.Method == http.MethodGet && r.URL.Path == "/conversations":
			if stub.conversations != nil {
				result = stub.conversations
			}
		}
		stub.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *historyStub) setHistory(ns []domain.Notification, convs []domain.Conversation) {
	s.mu.Lock()
	s.notifications = ns
	s.conversations = convs
	s.mu.Unlock()
}

func testEnv(t *testing.T) (*config.Config, func(domain.UserID) string, *historyStub) {
	t.Helper()
	relaySrv := httptest.NewServer(relay.SetupRouter(context.Background(),
		&config.Config{Mode: "release", Secret: testSecret, ReadLimit: 32768}))
	t.Cleanup(relaySrv.Close)
	hist := newHistoryStub(t)

	cfg := &config.Config{
		RelayURL:           "ws" + strings.TrimPrefix(relaySrv.URL, "http"),
		HistoryURL:         hist.srv.URL,
		BackoffBase:        10 * time.Millisecond,
		BackoffCap:         50 * time.Millisecond,
		AnswerTimeout:      2 * time.Second,
		ReconcileThreshold: time.Hour,
	}
	token := func(user domain.UserID) string {
		tok, err := relay.IssueToken(user, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		return tok
	}
	return cfg, token, hist
}

func startSession(t *testing.T, cfg *config.Config, token func(domain.UserID) string, user domain.UserID) *Session {
	t.Helper()
	tok := token(user)
	s := NewSession(cfg, user, tok, stubSource{})
	if err := s.Start(context.Background(), tok); err != nil {
		t.Fatalf("start %s: %v", user, err)
	}
	t.Cleanup(s.Close)
	return s
}

func await(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMessageDeliveryEndToEnd(t *testing.T) {
	cfg, token, _ := testEnv(t)
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	sent := alice.SendMessage("bob", "hi bob")

	// Sender sees the message immediately via the local merge.
	if got := alice.Messages.Messages("bob"); len(got) != 1 || got[0].ID != sent.ID {
		t.Fatalf("local echo missing: %+v", got)
	}

	await(t, func() bool {
		msgs := bob.Messages.Messages("alice")
		return len(msgs) == 1 && msgs[0].ID == sent.ID && msgs[0].Content == "hi bob"
	}, "message never delivered")

	// The relay derives a notification for every delivered message.
	await(t, func() bool { return bob.Notify.UnreadCount() == 1 }, "notification never derived")
	list := bob.Notify.List()
	if len(list) != 1 || list[0].Kind != "message" {
		t.Fatalf("bad notification: %+v", list)
	}
}

func TestMarkReadRollsBackEndToEnd(t *testing.T) {
	cfg, token, hist := testEnv(t)
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	alice.SendMessage("bob", "hi")
	await(t, func() bool { return bob.Notify.UnreadCount() == 1 }, "notification never arrived")
	id := bob.Notify.List()[0].ID

	hist.failMutations.Store(true)
	err := bob.Notifications.MarkRead(context.Background(), id)
	var perr *core.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v want PersistenceError", err)
	}
	if got := bob.Notify.UnreadCount(); got != 1 {
		t.Fatalf("read flag not rolled back: unread %d want 1", got)
	}

	hist.failMutations.Store(false)
	if err := bob.Notifications.MarkRead(context.Background(), id); err != nil {
		t.Fatalf("mark read after recovery: %v", err)
	}
	if got := bob.Notify.UnreadCount(); got != 0 {
		t.Fatalf("unread after mark read: got %d want 0", got)
	}
}

func TestDuplicateDeliveryDedups(t *testing.T) {
	cfg, token, _ := testEnv(t)
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	sent := alice.SendMessage("bob", "hi")
	await(t, func() bool { return len(bob.Messages.Messages("alice")) == 1 }, "message never delivered")

	// History replay of the already-delivered message must be a no-op.
	if bob.Messages.Merge(sent) {
		t.Fatal("replayed message merged twice")
	}
	if got := len(bob.Messages.Messages("alice")); got != 1 {
		t.Fatalf("duplicate appended: %d messages", got)
	}
}

func TestNotificationRelayEndToEnd(t *testing.T) {
	cfg, token, _ := testEnv(t)
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	err := alice.SendNotification("bob", domain.Notification{Kind: "friend_request"})
	if err != nil {
		t.Fatalf("send notification: %v", err)
	}
	await(t, func() bool { return bob.Notify.UnreadCount() == 1 }, "notification never relayed")
	list := bob.Notify.List()
	if list[0].Kind != "friend_request" || list[0].ID == "" {
		t.Fatalf("bad relayed notification: %+v", list[0])
	}
}

// A reconnect whose outage exceeded the threshold refetches history into
// the caches; dedup absorbs everything delivered both ways.
func TestReconcileAfterReconnectGap(t *testing.T) {
	cfg, token, hist := testEnv(t)
	cfg.ReconcileThreshold = 5 * time.Millisecond
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	// One exchange lands live before the outage.
	alice.SendMessage("bob", "before outage")
	await(t, func() bool { return bob.Notify.UnreadCount() == 1 }, "live notification never arrived")
	known := bob.Notify.List()[0]

	// What history reports afterwards: the known notification again, one
	// missed during the outage, and the missed conversation tail.
	missed := domain.Message{
		ID: "gap-m1", SenderID: "alice", RecipientID: "bob",
		Content: "sent during outage", CreatedAt: time.Now(),
	}
	hist.setHistory(
		[]domain.Notification{known, {ID: "gap-n1", RecipientID: "bob", Kind: "message", CreatedAt: time.Now()}},
		[]domain.Conversation{{Participants: [2]domain.UserID{"alice", "bob"}, LastMessage: missed}},
	)

	// Binding a second connection for bob makes the relay evict the live
	// one; the client rides its redial loop back in.
	evictor, _, err := websocket.DefaultDialer.Dial(cfg.RelayURL+"/ws/events?token="+token("bob"), nil)
	if err != nil {
		t.Fatalf("evicting dial: %v", err)
	}
	defer evictor.Close()

	await(t, func() bool { return bob.Notify.UnreadCount() == 2 }, "missed notification never reconciled")
	await(t, func() bool {
		msgs := bob.Messages.Messages("alice")
		return len(msgs) == 2 && msgs[1].ID == "gap-m1"
	}, "missed message never reconciled")

	// The re-reported notification deduped instead of double-counting.
	if got := len(bob.Notify.List()); got != 2 {
		t.Fatalf("reconcile duplicated notifications: %d", got)
	}
}

// Call signaling through a real relay and real pion peer connections.
// With no local tracks neither side ever produces a remote track, so the
// deterministic end state of a successful exchange is Negotiating.
func TestCallSignalingEndToEnd(t *testing.T) {
	cfg, token, _ := testEnv(t)
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	bob.Calls.OnIncoming(func(ic *call.IncomingCall) {
		go func() {
			if _, err := ic.Accept(context.Background()); err != nil {
				t.Errorf("accept: %v", err)
			}
		}()
	})

	sess, err := alice.Calls.Call(context.Background(), "bob")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	await(t, func() bool { return sess.State() == call.Negotiating }, "caller never negotiated")
	await(t, func() bool {
		s, ok := bob.Calls.Session("alice")
		return ok && s.State() == call.Negotiating
	}, "callee never negotiated")

	// Hang up on one side; the call-end relay closes the other.
	sess.Hangup()
	if got := sess.State(); got != call.Closed {
		t.Fatalf("caller state after hangup: %s", got)
	}
	await(t, func() bool {
		s, ok := bob.Calls.Session("alice")
		return !ok || s.State() == call.Closed
	}, "callee never closed on remote hangup")
}

func TestPresenceEndToEnd(t *testing.T) {
	cfg, token, _ := testEnv(t)
	alice := startSession(t, cfg, token, "alice")
	bob := startSession(t, cfg, token, "bob")

	// Each connect announces presence, and every announce broadcasts the
	// full online list; both sides converge on two users.
	for _, s := range []*Session{alice, bob} {
		await(t, func() bool { return len(s.OnlineUsers()) == 2 }, "presence never converged")
	}

	bob.Close()
	await(t, func() bool { return len(alice.OnlineUsers()) == 1 }, "leave never broadcast")
	if alice.OnlineUsers()[0].UserID != "alice" {
		t.Fatalf("bad online list: %+v", alice.OnlineUsers())
	}
}

func TestSignalerSharedAcrossConsumers(t *testing.T) {
	cfg, token, _ := testEnv(t)
	alice := startSession(t, cfg, token, "alice")

	if alice.Signaler().State() != core.Connected {
		t.Fatalf("state: %s", alice.Signaler().State())
	}

	// A consumer publishing through the shared connection must not be
	// able to disconnect it; Close is not part of core.Signaler.
	if err := alice.Signaler().Publish(core.EventAddNewUser, core.PresenceAnnounce{UserID: "alice"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
