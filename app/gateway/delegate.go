package gateway

import (
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// refreshPeers re-reads the relay's current healthy peer set from the
// registration store and installs it on the session. A session that
// started `localOnly` (no peer registered yet, or all circuit-broken)
// picks up a newly announced peer here; because every subsequent REQ
// this session issues is built by buildReqFrame with `since` pinned to
// `lastReturnedAt+1`, the act of resuming against a live peer on the
// very next poll tick IS the queued-message flush spec.md §4.5
// describes — no separate replay buffer is needed.
func (s *Session) refreshPeers(ctx context.T) {
	peers, err := s.gw.Deps.healthyPeers(ctx, s.RelayKey)
	if chk.E(err) {
		s.setPeers(nil)
		return
	}
	wasLocalOnly := s.isLocalOnly()
	s.setPeers(peers)
	if wasLocalOnly && len(peers) > 0 {
		log.D.F("gateway: session %s regained %d peer(s), flushing queued subscriptions", s.ConnectionKey, len(peers))
	}
}
