package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var ErrNotConnected = errors.New("signal client not connected")

// WSClientOpts are the transport knobs; zero values fall back to the
// defaults the relay is tuned for.
type WSClientOpts struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	PingPeriod  time.Duration
}

// WSClient implements core.Signaler over a single gorilla websocket.
// One instance per authenticated session; it owns the transport and is
// the only component allowed to close it.
type WSClient struct {
	url    string
	token  string
	userID domain.UserID
	opts   WSClientOpts

	mu             sync.Mutex
	state          core.ConnState
	conn           *websocket.Conn
	lastDisconnect time.Time
	done           chan struct{}

	send chan []byte

	subMu   sync.RWMutex
	subs    map[string][]subscription
	ready   map[int]func()
	nextSub int
}

type subscription struct {
	id int
	h  core.Handler
}

func NewWSClient(url string, userID domain.UserID, opts WSClientOpts) *WSClient {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &WSClient{
		url:    url,
		userID: userID,
		opts:   opts,
		state:  core.Disconnected,
		send:   make(chan []byte, 256),
		subs:   make(map[string][]subscription),
		ready:  make(map[int]func()),
	}
}

// Connect establishes the transport. Idempotent: a second call while a
// connect attempt is in flight, connected or reconnecting returns nil
// without side effects. An invalid token yields *core.AuthError and no
// retries; network failure on this first dial yields
// *core.TransportError.
func (c *WSClient) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != core.Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = core.Connecting
	c.token = token
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = core.Disconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = core.Connected
	c.mu.Unlock()

	c.announce()
	go c.run(ctx, conn, done)
	c.fireReady()
	return nil
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url+"?token="+c.token, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &core.AuthError{Reason: resp.Status}
		}
		return nil, &core.TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// announce re-publishes presence so server-side routing stays correct.
// Called exactly once per successful connect or reconnect.
func (c *WSClient) announce() {
	_ = c.Publish(core.EventAddNewUser, core.PresenceAnnounce{UserID: c.userID})
	log.Info().Str("module", "signal.client").Str("user", string(c.userID)).Msg("presence announced")
}

// run owns the read/write pumps for one connection and the reconnect
// loop that replaces it. Exits only on Disconnect or ctx cancel.
func (c *WSClient) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	for {
		quit := make(chan struct{})
		go c.writePump(conn, done, quit)
		c.readPump(conn, done)
		close(quit)
		_ = conn.Close()

		select {
		case <-done:
			return
		case <-ctx.Done():
			c.Disconnect()
			return
		default:
		}

		c.mu.Lock()
		c.conn = nil
		c.state = core.Reconnecting
		c.lastDisconnect = time.Now()
		c.mu.Unlock()
		log.Warn().Str("module", "signal.client").Msg("transport lost, reconnecting")

		next, ok := c.redial(ctx, done)
		if !ok {
			return
		}
		conn = next

		c.mu.Lock()
		c.conn = conn
		c.state = core.Connected
		c.mu.Unlock()

		c.announce()
		c.fireReady()
	}
}

// redial retries with bounded exponential backoff and jitter, without an
// attempt limit, until Disconnect/ctx cancel or an auth rejection.
func (c *WSClient) redial(ctx context.Context, done chan struct{}) (*websocket.Conn, bool) {
	delay := c.opts.BackoffBase
	for {
		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		select {
		case <-done:
			return nil, false
		case <-ctx.Done():
			c.Disconnect()
			return nil, false
		case <-time.After(delay + jitter):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, true
		}
		var authErr *core.AuthError
		if errors.As(err, &authErr) {
			log.Error().Err(err).Str("module", "signal.client").Msg("session invalid, giving up")
			c.Disconnect()
			return nil, false
		}
		log.Warn().Err(err).Str("module", "signal.client").Dur("next_delay", delay).Msg("redial failed")

		delay *= 2
		if delay > c.opts.BackoffCap {
			delay = c.opts.BackoffCap
		}
	}
}

func (c *WSClient) writePump(conn *websocket.Conn, done, quit chan struct{}) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-quit:
			return
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal.client").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.dispatch(data)
		}
	}
}

// dispatch fans one inbound envelope out to every subscriber of its
// event, synchronously on the reader goroutine so per-event receipt
// order is preserved.
func (c *WSClient) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal.client").Msg("bad envelope")
		return
	}

	c.subMu.RLock()
	handlers := make([]core.Handler, 0, len(c.subs[env.Event]))
	for _, s := range c.subs[env.Event] {
		handlers = append(handlers, s.h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

// Publish is fire-and-forget. It fails fast with ErrBackpressure when the
// send buffer is full and ErrNotConnected after Disconnect.
func (c *WSClient) Publish(event string, data any) error {
	c.mu.Lock()
	disconnected := c.state == core.Disconnected
	c.mu.Unlock()
	if disconnected {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(core.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSClient) Subscribe(event string, h core.Handler) (cancel func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[event] = append(c.subs[event], subscription{id: id, h: h})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		list := c.subs[event]
		for i, s := range list {
			if s.id == id {
				c.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

func (c *WSClient) OnReady(fn func()) (cancel func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.ready[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.ready, id)
		c.subMu.Unlock()
	}
}

func (c *WSClient) fireReady() {
	c.subMu.RLock()
	fns := make([]func(), 0, len(c.ready))
	for _, fn := range c.ready {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *WSClient) State() core.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *WSClient) LastDisconnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDisconnect
}

// Disconnect is a scoped teardown: it releases the transport and stops
// the reconnect loop. Idempotent.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.Disconnected {
		return
	}
	c.state = core.Disconnected
	c.lastDisconnect = time.Now()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	log.Info().Str("module", "signal.client").Msg("disconnected")
}

var _ core.Signaler = (*WSClient)(nil)
