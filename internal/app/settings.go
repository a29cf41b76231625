package app

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

// Bounds for the incoming bitrate cap a transport will accept.
const (
	MinIncomingBitrate = 100_000
	MaxIncomingBitrate = 5_000_000
)

// Transport ids are opaque tokens (uuids); anything outside this shape is
// rejected before it reaches a map lookup.
var transportIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// UpdateTransportSettings applies a runtime parameter change to one
// transport. It does not touch lifecycle state and performs no ownership
// check; the HTTP surface restricts it to authenticated callers.
func (r *Registry) UpdateTransportSettings(rawID string, maxIncomingBitrate int) error {
	if !transportIDPattern.MatchString(rawID) {
		return fmt.Errorf("%w: malformed transport id", core.ErrValidation)
	}
	handle, ok := r.TransportHandle(domain.TransportID(rawID))
	if !ok {
		return core.ErrNotFound
	}
	if maxIncomingBitrate < MinIncomingBitrate || maxIncomingBitrate > MaxIncomingBitrate {
		return fmt.Errorf("%w: maxIncomingBitrate must be in [%d, %d]",
			core.ErrValidation, MinIncomingBitrate, MaxIncomingBitrate)
	}
	if err := handle.SetMaxIncomingBitrate(maxIncomingBitrate); err != nil {
		return fmt.Errorf("set max incoming bitrate: %w", err)
	}
	log.Info().Str("module", "app.settings").
		Str("transport", rawID).Int("max_incoming_bitrate", maxIncomingBitrate).
		Msg("transport settings updated")
	return nil
}
