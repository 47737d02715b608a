package registration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/protocol/peer"
)

// These exercise wireRecord's pure helpers and JSON shape directly,
// without a live Redis: Upsert/Get/RemovePeer's transaction bodies are
// thin wrappers around exactly this logic (loadWire/addPeer/removePeer
// plus a Set), so the interesting behavior is covered here while the
// round trip through an actual Redis server is left to integration
// testing against HYPERTUNA_REDIS_ADDR.

func TestWireRecordAddPeerDeduplicates(t *testing.T) {
	var rec wireRecord
	rec.addPeer(testKey(1))
	rec.addPeer(testKey(1))
	rec.addPeer(testKey(2))
	require.Len(t, rec.Peers, 2)
}

func TestWireRecordRemovePeer(t *testing.T) {
	rec := wireRecord{Peers: []peer.Key{testKey(1), testKey(2)}}
	rec.removePeer(testKey(1))
	require.Equal(t, []peer.Key{testKey(2)}, rec.Peers)
}

func TestWireRecordJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	rec := wireRecord{
		Peers:             []peer.Key{testKey(1)},
		Metadata:          Metadata{"name": "a"},
		MetadataUpdatedAt: now,
	}
	body, err := json.Marshal(rec)
	require.NoError(t, err)

	var out wireRecord
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, rec.Peers, out.Peers)
	require.Equal(t, "a", out.Metadata["name"])
	require.True(t, rec.MetadataUpdatedAt.Equal(out.MetadataUpdatedAt))
}

func TestRedisKeyNamespacesRelayKey(t *testing.T) {
	r := &Redis{prefix: "hypertuna:registration:"}
	require.Equal(t, "hypertuna:registration:relay-1", r.key("relay-1"))
}
