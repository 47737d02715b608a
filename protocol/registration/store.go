// Package registration tracks which peers currently serve a relay and
// the relay's last-known metadata, with a TTL so a relay that stops
// renewing eventually disappears (spec.md C4).
package registration

import (
	"time"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/context"
)

// Metadata is the free-form relay description carried alongside its
// peer set (display name, icon, supported NIPs, whatever the relay's
// info document advertises).
type Metadata map[string]any

// Registration is one relay's full record: who serves it, and its last
// known metadata.
type Registration struct {
	RelayKey          string
	Peers             []peer.Key
	Metadata          Metadata
	MetadataUpdatedAt time.Time
	ExpiresAt         time.Time
}

// Store is the registration-store contract both the in-memory and Redis
// backends satisfy (spec.md C4). Upsert is commutative on the peer set —
// registering the same peer twice, in any order relative to other peers,
// converges to the same membership — and last-write-wins on metadata by
// MetadataUpdatedAt.
type Store interface {
	// Upsert merges peerKey into relayKey's peer set and, if meta is
	// non-nil and newer than the stored metadata, replaces it. ttl
	// resets the record's expiry.
	Upsert(ctx context.T, relayKey string, peerKey peer.Key, meta Metadata, ttl time.Duration) error

	// Get returns relayKey's current registration, if live and
	// unexpired.
	Get(ctx context.T, relayKey string) (*Registration, bool, error)

	// RemovePeer drops peerKey from relayKey's peer set (propagating an
	// unreachable-peer removal from the health manager or dispatcher).
	// If the set becomes empty the registration itself is removed.
	RemovePeer(ctx context.T, relayKey string, peerKey peer.Key) error

	// Remove deletes relayKey's registration outright.
	Remove(ctx context.T, relayKey string) error

	// PruneExpired removes every registration whose TTL has elapsed and
	// reports how many were removed.
	PruneExpired(ctx context.T) (int, error)

	// ListKeys returns every currently-registered relay key.
	ListKeys(ctx context.T) ([]string, error)
}
