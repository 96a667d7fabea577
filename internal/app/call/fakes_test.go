package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wayfarer/realtime/internal/core"
)

// fakeSignaler records publishes and lets tests inject inbound events.
type fakeSignaler struct {
	mu        sync.Mutex
	published []core.Envelope
	subs      map[string][]core.Handler
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{subs: make(map[string][]core.Handler)}
}

func (f *fakeSignaler) Publish(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, core.Envelope{Event: event, Data: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe(event string, h core.Handler) (cancel func()) {
	f.mu.Lock()
	f.subs[event] = append(f.subs[event], h)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSignaler) OnReady(func()) (cancel func()) { return func() {} }
func (f *fakeSignaler) State() core.ConnState          { return core.Connected }
func (f *fakeSignaler) LastDisconnectedAt() time.Time  { return time.Time{} }

// emit dispatches an inbound event synchronously, like the read loop does.
func (f *fakeSignaler) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	f.mu.Lock()
	handlers := make([]core.Handler, len(f.subs[event]))
	copy(handlers, f.subs[event])
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeSignaler) sent(event string) []core.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Envelope
	for _, env := range f.published {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// outgoingChange records one SetOutgoing call on a fakeConn.
type outgoingChange struct {
	kind   webrtc.RTPCodecType
	paused bool
}

// fakeConn is an inspectable core.MediaConn.
type fakeConn struct {
	mu         sync.Mutex
	closed     bool
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	outgoing   []outgoingChange

	failRemote bool
	failOffer  bool

	// onAdd fires once, after the next candidate is recorded.
	onAdd func()

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onClosed func()
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.mu.Unlock()
		return errors.New("no remote description")
	}
	c.candidates = append(c.candidates, ci)
	hook := c.onAdd
	c.onAdd = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRemote {
		return errors.New("remote description rejected")
	}
	c.remoteSet = true
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	if c.failOffer {
		return webrtc.SessionDescription{}, errors.New("offer failed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { c.onTrack = fn }

func (c *fakeConn) OnClosed(fn func()) { c.onClosed = fn }

func (c *fakeConn) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (c *fakeConn) SetOutgoing(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	c.outgoing = append(c.outgoing, outgoingChange{kind: kind, paused: track == nil})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) outgoingChanges() []outgoingChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outgoingChange, len(c.outgoing))
	copy(out, c.outgoing)
	return out
}

func (c *fakeConn) EnsureRecvTransceivers() error { return nil }

// fireTrack simulates the first remote media packet.
func (c *fakeConn) fireTrack() {
	if c.onTrack != nil {
		c.onTrack(nil, nil)
	}
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// connFactory hands out fakeConns and remembers them in creation order.
type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  *fakeConn
}

func (f *connFactory) build(string) (core.MediaConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.next
	if conn == nil {
		conn = &fakeConn{}
	}
	f.next = nil
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *connFactory) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// fakeTrack satisfies webrtc.TrackLocal without carrying media.
type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "local" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }

// fakeMedia is an inspectable core.LocalMedia, trackless by default.
type fakeMedia struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	stopped bool
	audioOn bool
	videoOn bool
}

func newFakeMedia() *fakeMedia { return &fakeMedia{audioOn: true, videoOn: true} }

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *fakeMedia) SetAudioEnabled(on bool) {
	m.mu.Lock()
	m.audioOn = on
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(on bool) {
	m.mu.Lock()
	m.videoOn = on
	m.mu.Unlock()
}

func (m *fakeMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn
}

func (m *fakeMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// fakeSource hands out fakeMedia, or denies access.
type fakeSource struct {
	mu     sync.Mutex
	deny   bool
	tracks []webrtc.TrackLocal
	media  []*fakeMedia
}

func (s *fakeSource) Acquire(context.Context) (core.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny {
		return nil, errors.New("permission denied")
	}
	m := newFakeMedia()
	m.tracks = s.tracks
	s.media = append(s.media, m)
	return m, nil
}

func (s *fakeSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.media) == 0 {
		return nil
	}
	return s.media[len(s.media)-1]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
