package call

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wayfarer/realtime/internal/core"
)

// DeviceSource acquires local camera+microphone capture. The linux build
// uses pion/mediadevices (V4L2 + malgo); other platforms produce a
// receive-only session.
type DeviceSource struct{}

// localMedia implements core.LocalMedia over a fixed track set. Toggles
// flip flags only; capture keeps running so re-enabling is instant and
// never renegotiates.
type localMedia struct {
	tracks []webrtc.TrackLocal
	stop   func()

	mu      sync.Mutex
	stopped bool
	audioOn bool
	videoOn bool
}

// NewLocalMedia wraps acquired tracks; stop may be nil. Exported for
// alternative MediaSource implementations.
func NewLocalMedia(tracks []webrtc.TrackLocal, stop func()) core.LocalMedia {
	return &localMedia{tracks: tracks, stop: stop, audioOn: true, videoOn: true}
}

func (l *localMedia) Tracks() []webrtc.TrackLocal { return l.tracks }

func (l *localMedia) SetAudioEnabled(on bool) {
	l.mu.Lock()
	l.audioOn = on
	l.mu.Unlock()
}

func (l *localMedia) SetVideoEnabled(on bool) {
	l.mu.Lock()
	l.videoOn = on
	l.mu.Unlock()
}

func (l *localMedia) AudioEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioOn
}

func (l *localMedia) VideoEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.videoOn
}

// Stop releases the devices. Idempotent: teardown runs it on every exit
// path.
func (l *localMedia) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	if l.stop != nil {
		l.stop()
	}
}
