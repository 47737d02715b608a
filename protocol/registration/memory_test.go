package registration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/context"
)

func testKey(b byte) peer.Key {
	var k peer.Key
	k[0] = b
	return k
}

func TestUpsertThenGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(
		t, s.Upsert(ctx, "relay-1", testKey(1), Metadata{"name": "a", "metadataUpdatedAt": time.Now()}, time.Minute),
	)

	reg, ok, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, reg.Peers, 1)
	require.Equal(t, "a", reg.Metadata["name"])
}

func TestUpsertIsCommutativeOnPeers(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Minute))
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(2), nil, time.Minute))
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Minute))

	reg, ok, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, reg.Peers, 2)
}

func TestMetadataIsLastWriteWins(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	t0 := time.Now().Add(-time.Minute)
	t1 := t0.Add(time.Second)
	require.NoError(
		t, s.Upsert(ctx, "relay-1", testKey(1), Metadata{"name": "old", "metadataUpdatedAt": t0}, time.Minute),
	)
	require.NoError(
		t, s.Upsert(ctx, "relay-1", testKey(1), Metadata{"name": "new", "metadataUpdatedAt": t1}, time.Minute),
	)

	reg, _, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.Equal(t, "new", reg.Metadata["name"])
}

// TestMetadataIgnoresOutOfOrderUpdate proves the LWW comparison uses
// the timestamp carried inside the payload, not the order calls
// happen to arrive in — an older-stamped update that arrives second
// must still lose.
func TestMetadataIgnoresOutOfOrderUpdate(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	t0 := time.Now().Add(-time.Minute)
	t1 := t0.Add(time.Second)
	require.NoError(
		t, s.Upsert(ctx, "relay-1", testKey(1), Metadata{"name": "new", "metadataUpdatedAt": t1}, time.Minute),
	)
	require.NoError(
		t, s.Upsert(ctx, "relay-1", testKey(1), Metadata{"name": "old", "metadataUpdatedAt": t0}, time.Minute),
	)

	reg, _, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.Equal(t, "new", reg.Metadata["name"])
}

func TestRemovePeerDropsFromSet(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Minute))
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(2), nil, time.Minute))
	require.NoError(t, s.RemovePeer(ctx, "relay-1", testKey(1)))

	reg, ok, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, reg.Peers, 1)
	require.Equal(t, testKey(2), reg.Peers[0])
}

func TestRemovingLastPeerDropsRegistration(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Minute))
	require.NoError(t, s.RemovePeer(ctx, "relay-1", testKey(1)))

	_, ok, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPruneExpiredRemovesStaleRegistrations(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, _ := s.Get(ctx, "relay-1")
	require.False(t, ok)
}

func TestListKeys(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Minute))
	require.NoError(t, s.Upsert(ctx, "relay-2", testKey(2), nil, time.Minute))

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"relay-1", "relay-2"}, keys)
}

func TestGetExpiredReturnsNotFound(t *testing.T) {
	s := NewMemory()
	ctx := context.Bg()
	require.NoError(t, s.Upsert(ctx, "relay-1", testKey(1), nil, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "relay-1")
	require.NoError(t, err)
	require.False(t, ok)
}
