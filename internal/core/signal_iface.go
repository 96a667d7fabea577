package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wayfarer/realtime/internal/domain"
)

// Event names on the wire. Client→server names mirror the relay's routing
// table; server→client names are what subscribers register for.
const (
	EventAddNewUser      = "addNewUser"
	EventGetUsers        = "getUsers"
	EventOffer           = "webrtc-offer"
	EventAnswer          = "webrtc-answer"
	EventICECandidate    = "webrtc-ice-candidate"
	EventCallEnd         = "call-end"
	EventSendMessage     = "sendMessage"
	EventNewMessage      = "newMessage"
	EventSendNotify      = "sendNotification"
	EventNewNotification = "new_notification"
)

// Envelope frames every payload on the signal transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the raw data of one event, in receipt order.
type Handler func(data json.RawMessage)

// ConnState is the lifecycle state of the single signal connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Signaler is the single shared event transport per authenticated session.
// Exactly one per login; consumers receive it injected, never construct it.
// Nobody but the owner may Disconnect it.
type Signaler interface {
	// Publish is fire-and-forget: no delivery acknowledgment. Retries,
	// where needed, belong to the caller.
	Publish(event string, data any) error
	// Subscribe registers an additional handler for event. The returned
	// cancel must be called on consumer teardown.
	Subscribe(event string, h Handler) (cancel func())
	// OnReady fires on every successful connect or reconnect, after
	// presence has been re-announced.
	OnReady(fn func()) (cancel func())
	State() ConnState
	// LastDisconnectedAt is the start of the most recent gap; zero if the
	// connection never dropped. The merge layer uses it to decide whether
	// a history reconcile is needed.
	LastDisconnectedAt() time.Time
}

// Presence payloads.
type PresenceAnnounce struct {
	UserID domain.UserID `json:"userId"`
}

type OnlineUser struct {
	UserID domain.UserID `json:"userId"`
}

// SDPPayload carries an SDP description between peers.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type OfferPayload struct {
	Offer SDP           `json:"offer"`
	To    domain.UserID `json:"to"`
	From  domain.UserID `json:"from"`
}

type AnswerPayload struct {
	Answer SDP           `json:"answer"`
	To     domain.UserID `json:"to"`
	From   domain.UserID `json:"from"`
}

type CandidatePayload struct {
	Candidate ICECandidate  `json:"candidate"`
	To        domain.UserID `json:"to"`
	From      domain.UserID `json:"from"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type CallEndPayload struct {
	To   domain.UserID `json:"to"`
	From domain.UserID `json:"from"`
}

type NotifyPayload struct {
	ReceiverID   domain.UserID       `json:"receiverId"`
	Notification domain.Notification `json:"notification"`
}

// HistoryStore is the persistence collaborator consumed by the merge
// layer. Implemented by the REST history client; faked in tests.
type HistoryStore interface {
	Messages(ctx context.Context, peer domain.UserID) ([]domain.Message, error)
	Conversations(ctx context.Context) ([]domain.Conversation, error)
	Notifications(ctx context.Context) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
}
