//go:build !linux

package call

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
)

// Acquire returns empty local media on non-Linux platforms: camera/mic
// capture via pion/mediadevices needs platform drivers (V4L2/malgo on
// Linux). The session falls back to receive-only transceivers.
func (DeviceSource) Acquire(_ context.Context) (core.LocalMedia, error) {
	log.Warn().Str("module", "call.media").Msg("no capture drivers on this platform, receive-only")
	return NewLocalMedia(nil, nil), nil
}
