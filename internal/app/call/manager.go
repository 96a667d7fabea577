package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

var ErrCallInProgress = errors.New("call already in progress with this peer")

// IncomingCall is handed to OnIncoming handlers for each unsolicited
// offer. Exactly one of Accept/Reject should be called.
type IncomingCall struct {
	From   domain.UserID
	Accept func(ctx context.Context) (*Session, error)
	Reject func()
}

// Manager owns call sessions, at most one per remote peer, and bridges
// signal events to them.
type Manager struct {
	sig     core.Signaler
	self    domain.UserID
	source  core.MediaSource
	newConn ConnFactory

	answerTimeout time.Duration

	mu       sync.Mutex
	sessions map[domain.UserID]*Session
	// Candidates trickled between an offer's arrival and its Accept,
	// keyed by offering peer. Sessions do their own buffering once bound.
	pendingICE map[domain.UserID][]core.ICECandidate

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	cancels []func()
}

func NewManager(sig core.Signaler, self domain.UserID, source core.MediaSource, newConn ConnFactory, answerTimeout time.Duration) *Manager {
	m := &Manager{
		sig:           sig,
		self:          self,
		source:        source,
		newConn:       newConn,
		answerTimeout: answerTimeout,
		sessions:      make(map[domain.UserID]*Session),
		pendingICE:    make(map[domain.UserID][]core.ICECandidate),
	}
	m.cancels = append(m.cancels,
		sig.Subscribe(core.EventOffer, m.onOffer),
		sig.Subscribe(core.EventAnswer, m.onAnswer),
		sig.Subscribe(core.EventICECandidate, m.onCandidate),
		sig.Subscribe(core.EventCallEnd, m.onCallEnd),
	)
	return m
}

// OnIncoming registers a handler fired for each unsolicited offer.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Call starts an outbound call to remote. Blocks through media
// acquisition and offer publication.
func (m *Manager) Call(ctx context.Context, remote domain.UserID) (*Session, error) {
	info := domain.NewCallInfo(m.self, remote, domain.RoleCaller)
	sess := newSession(info, m.sig, m.source, m.newConn, m.answerTimeout)

	m.mu.Lock()
	if cur, ok := m.sessions[remote]; ok && !cur.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	m.sessions[remote] = sess
	m.mu.Unlock()
	m.reapOnTerminal(remote, sess)

	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Session returns the active session for a peer, if any.
func (m *Manager) Session(remote domain.UserID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	return s, ok
}

// Close hangs up every active session and unsubscribes from the signaler.
func (m *Manager) Close() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.UserID]*Session)
	m.pendingICE = make(map[domain.UserID][]core.ICECandidate)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Hangup()
	}
}

// reapOnTerminal drops the map entry once sess ends so the peer can be
// called again.
func (m *Manager) reapOnTerminal(remote domain.UserID, sess *Session) {
	sess.OnState(func(st State, _ error) {
		if !st.Terminal() {
			return
		}
		m.mu.Lock()
		if m.sessions[remote] == sess {
			delete(m.sessions, remote)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) onOffer(data json.RawMessage) {
	var p core.OfferPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad offer payload")
		return
	}
	if p.To != m.self {
		return
	}

	m.mu.Lock()
	existing, ok := m.sessions[p.From]
	m.mu.Unlock()

	if ok && !existing.State().Terminal() {
		if existing.State() == Offering {
			m.resolveGlare(existing, p)
		} else {
			// Busy with this peer (or another negotiation step): reject
			// deterministically so the offerer's machine resolves.
			log.Info().Str("module", "call").Str("from", string(p.From)).Msg("busy, rejecting offer")
			_ = m.sig.Publish(core.EventCallEnd, core.CallEndPayload{To: p.From, From: m.self})
		}
		return
	}

	// Already on a call with someone else: reject deterministically so the
	// offerer's machine resolves instead of waiting out its timer.
	m.mu.Lock()
	busy := false
	for peer, s := range m.sessions {
		if peer != p.From && !s.State().Terminal() {
			busy = true
			break
		}
	}
	m.mu.Unlock()
	if busy {
		log.Info().Str("module", "call").Str("from", string(p.From)).Msg("busy with another peer, rejecting offer")
		_ = m.sig.Publish(core.EventCallEnd, core.CallEndPayload{To: p.From, From: m.self})
		return
	}

	// Start buffering candidates for this offer now; real callers trickle
	// immediately while the callee is still ringing.
	m.mu.Lock()
	m.pendingICE[p.From] = nil
	m.mu.Unlock()

	ic := &IncomingCall{
		From: p.From,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.accept(ctx, p)
		},
		Reject: func() {
			m.mu.Lock()
			delete(m.pendingICE, p.From)
			m.mu.Unlock()
			_ = m.sig.Publish(core.EventCallEnd, core.CallEndPayload{To: p.From, From: m.self})
		},
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

// resolveGlare handles simultaneous offers between the same pair: the
// lexicographically smaller userId yields, discards its outgoing offer
// and answers the incoming one; the larger one ignores the incoming
// offer and keeps waiting for its answer.
func (m *Manager) resolveGlare(outgoing *Session, p core.OfferPayload) {
	if m.self >= p.From {
		log.Info().Str("module", "call").Str("peer", string(p.From)).Msg("glare: keeping own offer")
		return
	}

	log.Info().Str("module", "call").Str("peer", string(p.From)).Msg("glare: yielding to peer offer")
	outgoing.teardown(Closed, nil)

	m.mu.Lock()
	m.pendingICE[p.From] = nil
	m.mu.Unlock()

	go func() {
		if _, err := m.accept(context.Background(), p); err != nil {
			log.Error().Err(err).Str("module", "call").Str("peer", string(p.From)).Msg("glare accept failed")
		}
	}()
}

// accept builds the callee session for an incoming offer and answers it.
func (m *Manager) accept(ctx context.Context, p core.OfferPayload) (*Session, error) {
	info := domain.NewCallInfo(m.self, p.From, domain.RoleCallee)
	sess := newSession(info, m.sig, m.source, m.newConn, m.answerTimeout)

	// Binding the session and seeding the buffered candidates happen in
	// one critical section, so a candidate racing in right now either
	// lands in the buffer being seeded or routes to the bound session.
	m.mu.Lock()
	if cur, ok := m.sessions[p.From]; ok && !cur.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	m.sessions[p.From] = sess
	buffered := m.pendingICE[p.From]
	delete(m.pendingICE, p.From)
	for _, ci := range buffered {
		sess.handleCandidate(ci)
	}
	m.mu.Unlock()
	m.reapOnTerminal(p.From, sess)

	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	sess.handleOffer(p.Offer)
	if st := sess.State(); st == Failed {
		return nil, sess.Err()
	}
	return sess, nil
}

func (m *Manager) onAnswer(data json.RawMessage) {
	var p core.AnswerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad answer payload")
		return
	}
	if p.To != m.self {
		return
	}
	if sess, ok := m.Session(p.From); ok {
		sess.handleAnswer(p.Answer)
	}
}

func (m *Manager) onCandidate(data json.RawMessage) {
	var p core.CandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad candidate payload")
		return
	}
	if p.To != m.self {
		return
	}
	// Lookup and buffer fallback share one critical section with accept's
	// bind-and-drain, so a candidate cannot slip between the two.
	m.mu.Lock()
	sess, ok := m.sessions[p.From]
	if !ok {
		if _, pending := m.pendingICE[p.From]; pending {
			m.pendingICE[p.From] = append(m.pendingICE[p.From], p.Candidate)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	sess.handleCandidate(p.Candidate)
}

func (m *Manager) onCallEnd(data json.RawMessage) {
	var p core.CallEndPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad call-end payload")
		return
	}
	if p.To != m.self {
		return
	}
	if sess, ok := m.Session(p.From); ok {
		sess.handleRemoteEnd()
		return
	}
	// The offerer gave up before Accept: drop its buffered candidates.
	m.mu.Lock()
	delete(m.pendingICE, p.From)
	m.mu.Unlock()
}
