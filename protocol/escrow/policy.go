package escrow

import (
	"strings"
	"time"

	"hypertuna.dev/protocol/peer"
)

// PolicyConfig carries the tunables every rule consults (spec.md §6.5,
// §4.7).
type PolicyConfig struct {
	PeerLivenessTimeout time.Duration
	MirrorMaxLag        time.Duration
	MirrorWindow        time.Duration
	MaxUnlocksPerLease  int
	RequireEscrowFlag   bool
}

// PolicyInput is the evidence an unlock request carries (spec.md §4.7's
// "Caller supplies a session public key and evidence"): whether the
// relay's registration currently advertises escrow as enabled, how many
// of the relay's peers are presently healthy and when one was last seen
// healthy, and how far behind (and how stale) the evaluating gateway's
// local replica mirror is. None of this is derived from the vault's own
// state — the caller, which is the component actually tracking peer
// health and replica freshness for the relay, must supply it.
type PolicyInput struct {
	RequestingPeer            peer.Key
	RegistrationEscrowEnabled bool
	PeerHealthyCount          int
	PeerLastHealthyAt         time.Time
	MirrorLag                 time.Duration
	MirrorLastSyncedAt        time.Time
}

// Rejection is Evaluate's error type on policy failure. It names every
// rule that failed, not just the first, so the HTTP layer can surface a
// complete `reasons[]` array in a 412 response (spec.md §7, §8
// scenario 4).
type Rejection struct {
	Reasons []string
}

func (r *Rejection) Error() string {
	return "escrow: unlock rejected: " + strings.Join(r.Reasons, ", ")
}

// Evaluate checks rec against every one of spec.md §4.7's six unlock
// rules and returns a *Rejection naming every rule that failed, or nil
// if all six passed:
//  1. not revoked, not expired
//  2. requireRegistrationFlag ⇒ registration.escrowEnabled
//  3. peerHealth.healthyCount == 0
//  4. now - peerHealth.lastHealthyAt ≥ peerLivenessTimeoutMs
//  5. mirror.lagMs ≤ mirrorFreshnessMaxLagMs
//  6. now - mirror.lastSyncedAt ≤ mirrorFreshnessWindowMs
//
// maxUnlocksPerLease is deliberately not among these: spec.md §4.7 calls
// it a vault-boundary invariant, so Vault.Unlock enforces it itself
// rather than folding it into policy evaluation.
func Evaluate(rec *Record, cfg PolicyConfig, in PolicyInput) error {
	now := time.Now()
	var reasons []string

	if rec.Revoked {
		reasons = append(reasons, "revoked")
	}
	if now.After(rec.ExpiresAt) {
		reasons = append(reasons, "expired")
	}
	if (cfg.RequireEscrowFlag || rec.RequireEscrowCap) && !in.RegistrationEscrowEnabled {
		reasons = append(reasons, "registration-escrow-disabled")
	}
	if in.PeerHealthyCount != 0 {
		reasons = append(reasons, "peers-still-healthy")
	}
	if cfg.PeerLivenessTimeout > 0 {
		if in.PeerLastHealthyAt.IsZero() || now.Sub(in.PeerLastHealthyAt) < cfg.PeerLivenessTimeout {
			reasons = append(reasons, "peer-liveness-timeout-not-elapsed")
		}
	}
	if cfg.MirrorMaxLag > 0 && in.MirrorLag > cfg.MirrorMaxLag {
		reasons = append(reasons, "mirror-lag-exceeds-max")
	}
	if cfg.MirrorWindow > 0 {
		if in.MirrorLastSyncedAt.IsZero() || now.Sub(in.MirrorLastSyncedAt) > cfg.MirrorWindow {
			reasons = append(reasons, "mirror-sync-stale")
		}
	}

	if len(reasons) > 0 {
		return &Rejection{Reasons: reasons}
	}
	return nil
}
