package registration

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/context"
)

type memoryRecord struct {
	mu                sync.Mutex
	peers             map[peer.Key]struct{}
	metadata          Metadata
	metadataUpdatedAt time.Time
	expiresAt         time.Time
}

// Memory is the default registration store backend: an in-process
// concurrent map, suitable for a single-gateway deployment or as the
// hot tier in front of Redis. Grounded on the teacher's
// `xsync.MapOf`-backed Pool.Relays for the concurrent-map shape.
type Memory struct {
	records *xsync.MapOf[string, *memoryRecord]
}

// NewMemory constructs an empty in-memory registration store.
func NewMemory() *Memory {
	return &Memory{records: xsync.NewMapOf[string, *memoryRecord]()}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Upsert(
	ctx context.T, relayKey string, peerKey peer.Key, meta Metadata, ttl time.Duration,
) error {
	rec, _ := m.records.LoadOrCompute(
		relayKey, func() *memoryRecord {
			return &memoryRecord{peers: make(map[peer.Key]struct{})}
		},
	)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.peers[peerKey] = struct{}{}
	rec.expiresAt = time.Now().Add(ttl)
	if meta != nil {
		updatedAt := metadataTimestamp(meta)
		if updatedAt.After(rec.metadataUpdatedAt) {
			rec.metadata = meta
			rec.metadataUpdatedAt = updatedAt
		}
	}
	return nil
}

// metadataTimestamp extracts the caller-supplied metadataUpdatedAt
// carried inside meta itself (spec.md §4.4's "LWW-monotonic on
// metadataUpdatedAt"), not the receiving store's local clock — two
// gateways racing to upsert the same relay must converge on whichever
// update the *caller* stamped later, regardless of which one the store
// happens to observe first. A missing or unparseable timestamp loses
// every race, since an update a caller can't date carries no
// freshness claim.
func metadataTimestamp(meta Metadata) time.Time {
	raw, ok := meta["metadataUpdatedAt"]
	if !ok {
		return time.Time{}
	}
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	default:
		return time.Time{}
	}
}

func (m *Memory) Get(ctx context.T, relayKey string) (*Registration, bool, error) {
	rec, ok := m.records.Load(relayKey)
	if !ok {
		return nil, false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if time.Now().After(rec.expiresAt) {
		return nil, false, nil
	}
	return snapshot(relayKey, rec), true, nil
}

func (m *Memory) RemovePeer(ctx context.T, relayKey string, peerKey peer.Key) error {
	rec, ok := m.records.Load(relayKey)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	delete(rec.peers, peerKey)
	empty := len(rec.peers) == 0
	rec.mu.Unlock()
	if empty {
		m.records.Delete(relayKey)
	}
	return nil
}

func (m *Memory) Remove(ctx context.T, relayKey string) error {
	m.records.Delete(relayKey)
	return nil
}

func (m *Memory) PruneExpired(ctx context.T) (int, error) {
	now := time.Now()
	removed := 0
	m.records.Range(
		func(key string, rec *memoryRecord) bool {
			rec.mu.Lock()
			expired := now.After(rec.expiresAt)
			rec.mu.Unlock()
			if expired {
				m.records.Delete(key)
				removed++
			}
			return true
		},
	)
	return removed, nil
}

func (m *Memory) ListKeys(ctx context.T) ([]string, error) {
	out := make([]string, 0, m.records.Size())
	m.records.Range(
		func(key string, _ *memoryRecord) bool {
			out = append(out, key)
			return true
		},
	)
	return out, nil
}

func snapshot(relayKey string, rec *memoryRecord) *Registration {
	peers := make([]peer.Key, 0, len(rec.peers))
	for k := range rec.peers {
		peers = append(peers, k)
	}
	return &Registration{
		RelayKey:          relayKey,
		Peers:             peers,
		Metadata:          rec.metadata,
		MetadataUpdatedAt: rec.metadataUpdatedAt,
		ExpiresAt:         rec.expiresAt,
	}
}
