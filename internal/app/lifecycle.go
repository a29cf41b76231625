package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/domain"
)

// Lifecycle tears a client's resources down when its connection ends.
// Cleanup failures are logged, never surfaced: the client is already gone.
type Lifecycle struct {
	Registry *Registry
	// GracePeriod delays a second reap pass that catches creations still
	// in flight at disconnect time.
	GracePeriod time.Duration
}

func NewLifecycle(reg *Registry, grace time.Duration) *Lifecycle {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Lifecycle{Registry: reg, GracePeriod: grace}
}

// OnDisconnect closes every resource owned by cid and removes the session.
// Safe to run concurrently with in-flight requests for the same client:
// whichever side wins the registry lock first wins, the loser observes
// ErrClientNotFound or an idempotent no-op.
func (l *Lifecycle) OnDisconnect(cid domain.ClientID) {
	closed := l.Registry.CloseAllForClient(cid)

	ids := make([]string, 0, len(closed))
	for _, tid := range closed {
		ids = append(ids, string(tid))
	}
	log.Info().Str("module", "app.lifecycle").
		Str("client", string(cid)).Strs("closed_transports", ids).
		Msg("client cleanup complete")

	l.Registry.RemoveClient(cid)

	// A creation that was already past its facade call when the walk above
	// snapshotted the owned set fails re-validation against the draining
	// session. The reap pass is a second net for anything that still made
	// it through before RemoveClient.
	time.AfterFunc(l.GracePeriod, func() {
		if leftover := l.Registry.CloseAllForClient(cid); len(leftover) > 0 {
			log.Warn().Str("module", "app.lifecycle").
				Str("client", string(cid)).Int("count", len(leftover)).
				Msg("reaped transports registered during disconnect")
			l.Registry.RemoveClient(cid)
		}
	})
}
