package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/config"
	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close marks the connection dead under the same lock TrySend holds and
// closes the socket. The send channel is never closed: writePump exits
// through its context, so an in-flight TrySend cannot hit a closed
// channel when a rebind or eviction races a delivery.
func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Controller owns the websocket endpoint and the event routing table.
type Controller struct {
	cfg      *config.Config
	registry *Registry
}

func NewController(cfg *config.Config, reg *Registry) *Controller {
	return &Controller{cfg: cfg, registry: reg}
}

// HandleEvents authenticates the bearer token, upgrades the connection
// and binds it to the user's registry slot.
func (ctl *Controller) HandleEvents(ctx context.Context, c *gin.Context) {
	user, err := VerifyToken(c.Query("token"), ctl.cfg.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}

	conn := &wsConn{conn: ws, send: make(chan []byte, 64)}
	connCtx, cancel := context.WithCancel(ctx)
	ctl.registry.Bind(user, conn, cancel)
	log.Info().Str("module", "relay").Str("user", string(user)).Msg("connected")

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, user, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, user domain.UserID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "relay").Str("user", string(user)).Msg("readPump closing")
		ctl.registry.Unbind(user, c)
		c.Close()
		ctl.broadcastOnline()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleEvent(user, data)
		}
	}
}

func (ctl *Controller) handleEvent(from domain.UserID, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad envelope")
		return
	}

	switch env.Event {
	case core.EventAddNewUser:
		ctl.broadcastOnline()
	case core.EventOffer, core.EventAnswer, core.EventICECandidate, core.EventCallEnd:
		ctl.forwardSignal(from, env)
	case core.EventSendMessage:
		ctl.forwardMessage(from, env.Data)
	case core.EventSendNotify:
		ctl.forwardNotification(env.Data)
	default:
		log.Warn().Str("module", "relay").Str("event", env.Event).Msg("unknown event")
	}
}

// broadcastOnline mirrors the original presence fan-out: every join and
// leave pushes the full online list to everyone.
func (ctl *Controller) broadcastOnline() {
	frame, err := marshalEnvelope(core.EventGetUsers, ctl.registry.Online())
	if err != nil {
		return
	}
	ctl.registry.Broadcast(frame)
}

// forwardSignal relays call signaling to the addressed peer. The relay
// trusts the authenticated sender over whatever the payload says, so
// "from" is overwritten before the envelope goes out.
func (ctl *Controller) forwardSignal(from domain.UserID, env core.Envelope) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		log.Warn().Str("module", "relay").Str("event", env.Event).Msg("bad signal payload")
		return
	}
	var to domain.UserID
	if raw, ok := fields["to"]; ok {
		_ = json.Unmarshal(raw, &to)
	}
	if to == "" {
		log.Warn().Str("module", "relay").Str("event", env.Event).Msg("unaddressed signal dropped")
		return
	}
	fields["from"], _ = json.Marshal(from)

	frame, err := marshalEnvelope(env.Event, fields)
	if err != nil {
		return
	}
	if !ctl.registry.Send(to, frame) {
		log.Debug().Str("module", "relay").Str("to", string(to)).Str("event", env.Event).Msg("recipient offline")
	}
}

// forwardMessage delivers a chat message to its recipient and derives a
// notification for it, exactly like the original fan-out.
func (ctl *Controller) forwardMessage(from domain.UserID, data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad message payload")
		return
	}
	msg.SenderID = from

	frame, err := marshalEnvelope(core.EventNewMessage, msg)
	if err != nil {
		return
	}
	if !ctl.registry.Send(msg.RecipientID, frame) {
		return
	}

	payload, _ := json.Marshal(map[string]any{"senderId": msg.SenderID})
	notif := domain.Notification{
		ID:          uuid.NewString(),
		RecipientID: msg.RecipientID,
		Kind:        "message",
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if nf, err := marshalEnvelope(core.EventNewNotification, notif); err == nil {
		ctl.registry.Send(msg.RecipientID, nf)
	}
}

func (ctl *Controller) forwardNotification(data json.RawMessage) {
	var p core.NotifyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad notification payload")
		return
	}
	if frame, err := marshalEnvelope(core.EventNewNotification, p.Notification); err == nil {
		ctl.registry.Send(p.ReceiverID, frame)
	}
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(core.Envelope{Event: event, Data: raw})
}
