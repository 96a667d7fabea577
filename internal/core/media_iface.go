package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConn abstracts one peer connection owned by a single call session.
type MediaConn interface {
	// Close stops all underlying media resources. Idempotent.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate. Callers must ensure
	// a remote description is set first; the session buffers otherwise.
	AddICECandidate(webrtc.ICECandidateInit) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// CreateOffer generates an SDP offer and sets it locally.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer generates an SDP answer and sets it locally.
	CreateAnswer() (webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local candidates
	// (trickle: one callback per candidate, never batched).
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when the first remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback for transport-level close/failure.
	OnClosed(func())
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// SetOutgoing swaps the track feeding kind's sender without
	// renegotiating; nil pauses output for that kind.
	SetOutgoing(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	// EnsureRecvTransceivers adds recvonly video+audio transceivers so
	// offers carry valid m-lines when no local tracks were attached.
	EnsureRecvTransceivers() error
}

// LocalMedia is the acquired camera+microphone capture. Toggling never
// renegotiates: it only flips the enabled flag on the existing tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	AudioEnabled() bool
	VideoEnabled() bool
	// Stop releases the devices. Must run on every call exit path.
	Stop()
}

// MediaSource acquires local media. The device-backed implementation lives
// in app/call (build-tagged); tests supply a fake.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}
