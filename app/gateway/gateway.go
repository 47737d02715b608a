// Package gateway implements the gateway session core (spec.md C5): the
// client-facing WebSocket/HTTP surface that authenticates sessions,
// selects and fails over between worker peers via C2/C3/C6, polls for
// events, and falls back to local-replica evaluation when delegated
// forwarding stalls.
package gateway

import (
	"strings"
	"sync"
	"time"

	"hypertuna.dev/protocol/dispatch"
	"hypertuna.dev/protocol/escrow"
	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/pool"
	"hypertuna.dev/protocol/registration"
	"hypertuna.dev/protocol/replica"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/errorf"
)

// RelayKey canonicalizes the two URL path segments a client connects
// with into the "a:b" form used throughout the registration store
// (spec.md §4.5's Open step). Alias mapping, if any, is resolved by the
// caller against registration metadata before this is used as a lookup
// key.
func RelayKey(a, b string) string { return a + ":" + b }

// SplitRelayKey is RelayKey's inverse.
func SplitRelayKey(relayKey string) (a, b string, ok bool) {
	i := strings.IndexByte(relayKey, ':')
	if i < 0 {
		return "", "", false
	}
	return relayKey[:i], relayKey[i+1:], true
}

// Deps bundles every component the gateway session core reads from but
// does not own the lifecycle of.
type Deps struct {
	Pool          *pool.Pool
	Health        *health.Manager
	Registrations registration.Store
	Scoreboard    *dispatch.Scoreboard
	Escrow        *escrow.Vault
	Tokens        *TokenService

	// Replicas maps a relay key to an optional local read-only mirror
	// (spec.md §4.6's "gateway may open a read-only replica"). Absent
	// entries mean every query for that relay must go to a live peer.
	replicasMu sync.RWMutex
	replicas   map[string]*replica.Replica

	// statusSubs holds every StatusSubscriber registered via OnStatus.
	statusMu   sync.RWMutex
	statusSubs []StatusSubscriber
}

// Replica returns the local mirror for relayKey, if one has been opened.
func (d *Deps) Replica(relayKey string) (*replica.Replica, bool) {
	d.replicasMu.RLock()
	defer d.replicasMu.RUnlock()
	r, ok := d.replicas[relayKey]
	return r, ok
}

// SetReplica installs (or clears, with nil) the local mirror for
// relayKey.
func (d *Deps) SetReplica(relayKey string, r *replica.Replica) {
	d.replicasMu.Lock()
	defer d.replicasMu.Unlock()
	if d.replicas == nil {
		d.replicas = make(map[string]*replica.Replica)
	}
	if r == nil {
		delete(d.replicas, relayKey)
		return
	}
	d.replicas[relayKey] = r
}

// healthyPeers returns relayKey's registered peers with circuit-broken
// ones filtered out, in registration order (spec.md §4.5's round-robin
// peer selection operates over this set).
func (d *Deps) healthyPeers(ctx context.T, relayKey string) ([]peer.Key, error) {
	reg, ok, err := d.Registrations.Get(ctx, relayKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errorf.W("gateway: no registration for %s", relayKey)
	}
	out := make([]peer.Key, 0, len(reg.Peers))
	for _, k := range reg.Peers {
		if k.IsZero() {
			continue // a metadata-only registration with no serving peer yet
		}
		if d.Health == nil || d.Health.State(k) != health.CircuitBroken {
			out = append(out, k)
		}
	}
	return out, nil
}

// openChannel opens a fresh channel on key's pooled connection for one
// RPC round trip. Peers dial the gateway (they advertise themselves via
// `POST /gateway/register`, spec.md §6.2), so the pool entry is always
// populated by Pool.Accept, never dialed out by the gateway itself.
func (d *Deps) openChannel(ctx context.T, key peer.Key) (*peer.Channel, error) {
	entry, ok := d.Pool.Get(key)
	if !ok {
		return nil, errorf.E("gateway: no live connection to peer %s", key)
	}
	return entry.Conn.OpenChannel(ctx)
}

// DefaultTokenTTL is how long an issued token remains valid absent a
// refresh.
const DefaultTokenTTL = 24 * time.Hour
