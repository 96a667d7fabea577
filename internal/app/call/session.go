// Package call drives peer-to-peer call signaling: media acquisition,
// offer/answer exchange and trickle ICE relay over the shared signal
// connection. One Session per active or attempted call.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
	"github.com/wayfarer/realtime/internal/domain"
)

var errAnswerTimeout = errors.New("no answer before timeout")

// ConnFactory builds the peer connection for one call.
type ConnFactory func(callID string) (core.MediaConn, error)

// Session is one call attempt between the local user and one remote peer.
type Session struct {
	info    domain.CallInfo
	sig     core.Signaler
	source  core.MediaSource
	newConn ConnFactory

	answerTimeout time.Duration

	mu          sync.Mutex
	state       State
	cause       error
	media       core.MediaConn
	local       core.LocalMedia
	pendingICE  []webrtc.ICECandidateInit
	iceDirect   bool
	answerTimer *time.Timer
	observers   []func(State, error)
}

func newSession(info domain.CallInfo, sig core.Signaler, source core.MediaSource, newConn ConnFactory, answerTimeout time.Duration) *Session {
	return &Session{
		info:          info,
		sig:           sig,
		source:        source,
		newConn:       newConn,
		answerTimeout: answerTimeout,
		state:         Idle,
	}
}

func (s *Session) Info() domain.CallInfo { return s.info }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal cause, nil unless state is Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// OnState registers an observer fired on every transition. Terminal
// transitions fire after resources are released.
func (s *Session) OnState(fn func(State, error)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// start acquires local media and either sends the offer (caller) or arms
// the session to receive one (callee). Blocking: media acquisition and
// offer generation are the suspension points.
func (s *Session) start(ctx context.Context) error {
	s.transition(AcquiringMedia, nil)

	local, err := s.source.Acquire(ctx)
	if err != nil {
		mediaErr := &core.MediaAccessError{Err: err}
		s.teardown(Failed, mediaErr)
		return mediaErr
	}

	conn, err := s.newConn(s.info.CallID)
	if err != nil {
		local.Stop()
		negErr := &core.NegotiationError{CallID: s.info.CallID, Err: err}
		s.teardown(Failed, negErr)
		return negErr
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		local.Stop()
		conn.Close()
		return s.cause
	}
	s.local = local
	s.media = conn
	s.mu.Unlock()

	if len(local.Tracks()) == 0 {
		if err := conn.EnsureRecvTransceivers(); err != nil {
			negErr := &core.NegotiationError{CallID: s.info.CallID, Err: err}
			s.teardown(Failed, negErr)
			return negErr
		}
	}
	for _, track := range local.Tracks() {
		if _, err := conn.AddLocalTrack(track); err != nil {
			negErr := &core.NegotiationError{CallID: s.info.CallID, Err: err}
			s.teardown(Failed, negErr)
			return negErr
		}
	}

	// Trickle ICE: every gathered candidate is relayed immediately.
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		payload := core.CandidatePayload{
			Candidate: core.ICECandidate{
				Candidate:     ci.Candidate,
				SDPMid:        ci.SDPMid,
				SDPMLineIndex: ci.SDPMLineIndex,
			},
			To:   s.info.RemoteUser,
			From: s.info.LocalUser,
		}
		if err := s.sig.Publish(core.EventICECandidate, payload); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("candidate relay failed")
		}
	})

	// The sole successful-negotiation signal: a remote track arrived.
	conn.OnTrack(func(_ *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		if s.state != Negotiating {
			s.mu.Unlock()
			return
		}
		s.state = Connected
		obs := s.snapshotObservers()
		s.mu.Unlock()
		for _, fn := range obs {
			fn(Connected, nil)
		}
	})

	conn.OnClosed(func() {
		s.mu.Lock()
		terminal := s.state.Terminal()
		s.mu.Unlock()
		if !terminal {
			s.teardown(Closed, nil)
		}
	})

	if s.info.Role == domain.RoleCaller {
		return s.sendOffer(conn)
	}

	s.transition(AwaitingOffer, nil)
	return nil
}

func (s *Session) sendOffer(conn core.MediaConn) error {
	offer, err := conn.CreateOffer()
	if err != nil {
		negErr := &core.NegotiationError{CallID: s.info.CallID, Err: err}
		s.teardown(Failed, negErr)
		return negErr
	}
	payload := core.OfferPayload{
		Offer: core.SDP{Type: offer.Type.String(), SDP: offer.SDP},
		To:    s.info.RemoteUser,
		From:  s.info.LocalUser,
	}
	if err := s.sig.Publish(core.EventOffer, payload); err != nil {
		negErr := &core.NegotiationError{CallID: s.info.CallID, Err: err}
		s.teardown(Failed, negErr)
		return negErr
	}

	s.mu.Lock()
	s.state = Offering
	if s.answerTimeout > 0 {
		s.answerTimer = time.AfterFunc(s.answerTimeout, func() {
			s.mu.Lock()
			offering := s.state == Offering
			s.mu.Unlock()
			if offering {
				s.teardown(Failed, &core.NegotiationError{CallID: s.info.CallID, Err: errAnswerTimeout})
			}
		})
	}
	obs := s.snapshotObservers()
	s.mu.Unlock()
	for _, fn := range obs {
		fn(Offering, nil)
	}
	return nil
}

// handleOffer applies the remote offer and answers it. Valid only while
// awaiting one; anything else is a stray offer and ignored.
func (s *Session) handleOffer(sdp core.SDP) {
	s.mu.Lock()
	if s.state != AwaitingOffer {
		s.mu.Unlock()
		log.Warn().Str("module", "call").Str("call_id", s.info.CallID).Str("state", s.state.String()).Msg("offer in unexpected state")
		return
	}
	conn := s.media
	s.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}
	if err := conn.SetRemoteDescription(remote); err != nil {
		s.teardown(Failed, &core.NegotiationError{CallID: s.info.CallID, Err: err})
		return
	}
	s.drainPendingICE(conn)

	answer, err := conn.CreateAnswer()
	if err != nil {
		s.teardown(Failed, &core.NegotiationError{CallID: s.info.CallID, Err: err})
		return
	}
	payload := core.AnswerPayload{
		Answer: core.SDP{Type: answer.Type.String(), SDP: answer.SDP},
		To:     s.info.RemoteUser,
		From:   s.info.LocalUser,
	}
	if err := s.sig.Publish(core.EventAnswer, payload); err != nil {
		s.teardown(Failed, &core.NegotiationError{CallID: s.info.CallID, Err: err})
		return
	}
	s.transition(Negotiating, nil)
}

// handleAnswer completes the caller side of the exchange.
func (s *Session) handleAnswer(sdp core.SDP) {
	s.mu.Lock()
	if s.state != Offering {
		s.mu.Unlock()
		log.Warn().Str("module", "call").Str("call_id", s.info.CallID).Str("state", s.state.String()).Msg("answer in unexpected state")
		return
	}
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	conn := s.media
	s.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}
	if err := conn.SetRemoteDescription(remote); err != nil {
		s.teardown(Failed, &core.NegotiationError{CallID: s.info.CallID, Err: err})
		return
	}
	s.drainPendingICE(conn)
	s.transition(Negotiating, nil)
}

// handleCandidate applies a remote candidate, buffering it when it races
// ahead of the remote description. Malformed or duplicate candidates are
// a no-op, not an error.
func (s *Session) handleCandidate(ci core.ICECandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	conn := s.media
	if conn == nil || !s.iceDirect {
		s.pendingICE = append(s.pendingICE, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := conn.AddICECandidate(init); err != nil {
		log.Debug().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("candidate dropped")
	}
}

// drainPendingICE applies buffered candidates strictly in arrival order.
// The drain holds the session lock until iceDirect flips, so a candidate
// arriving concurrently cannot overtake the buffer: it queues on the
// lock and applies after.
func (s *Session) drainPendingICE(conn core.MediaConn) {
	s.mu.Lock()
	pending := s.pendingICE
	s.pendingICE = nil
	for _, ci := range pending {
		if err := conn.AddICECandidate(ci); err != nil {
			log.Debug().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("buffered candidate dropped")
		}
	}
	s.iceDirect = true
	s.mu.Unlock()
}

// Hangup relays an explicit call-end so the remote machine closes too,
// then releases everything. Idempotent.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	payload := core.CallEndPayload{To: s.info.RemoteUser, From: s.info.LocalUser}
	if err := s.sig.Publish(core.EventCallEnd, payload); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("call-end relay failed")
	}
	s.teardown(Closed, nil)
}

// handleRemoteEnd closes without echoing another call-end back.
func (s *Session) handleRemoteEnd() {
	s.teardown(Closed, nil)
}

// ToggleVideo flips the enabled flag and pauses or resumes the outgoing
// video sender by track replacement, never renegotiating. Returns the
// new disabled state.
func (s *Session) ToggleVideo() bool {
	return s.toggleKind(webrtc.RTPCodecTypeVideo)
}

// ToggleAudio flips the local mute state the same way. Returns true
// when muted.
func (s *Session) ToggleAudio() bool {
	return s.toggleKind(webrtc.RTPCodecTypeAudio)
}

func (s *Session) toggleKind(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	local := s.local
	conn := s.media
	s.mu.Unlock()
	if local == nil {
		return true
	}

	var enable bool
	if kind == webrtc.RTPCodecTypeVideo {
		enable = !local.VideoEnabled()
		local.SetVideoEnabled(enable)
	} else {
		enable = !local.AudioEnabled()
		local.SetAudioEnabled(enable)
	}

	if conn != nil {
		var track webrtc.TrackLocal
		if enable {
			for _, t := range local.Tracks() {
				if t.Kind() == kind {
					track = t
					break
				}
			}
		}
		if err := conn.SetOutgoing(kind, track); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("toggle outgoing failed")
		}
	}
	return !enable
}

func (s *Session) transition(next State, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.cause = cause
	obs := s.snapshotObservers()
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", s.info.CallID).Str("state", next.String()).Msg("transition")
	for _, fn := range obs {
		fn(next, cause)
	}
}

// teardown is the single exit path: it synchronously stops local media,
// closes the peer connection and discards the ICE queue before the
// terminal state is observable.
func (s *Session) teardown(final State, cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	s.cause = cause
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
	local := s.local
	media := s.media
	s.local = nil
	s.pendingICE = nil
	obs := s.snapshotObservers()
	s.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if media != nil {
		media.Close()
	}

	log.Info().Str("module", "call").Str("call_id", s.info.CallID).Str("state", final.String()).Err(cause).Msg("call ended")
	for _, fn := range obs {
		fn(final, cause)
	}
}

// snapshotObservers must be called with s.mu held.
func (s *Session) snapshotObservers() []func(State, error) {
	obs := make([]func(State, error), len(s.observers))
	copy(obs, s.observers)
	return obs
}
