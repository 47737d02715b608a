package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/registration"
	"hypertuna.dev/utils/context"
)

func TestRelayKeyRoundTrip(t *testing.T) {
	require.Equal(t, "a:b", RelayKey("a", "b"))
	a, b, ok := SplitRelayKey("a:b")
	require.True(t, ok)
	require.Equal(t, "a", a)
	require.Equal(t, "b", b)
}

func TestSplitRelayKeyRejectsMalformed(t *testing.T) {
	_, _, ok := SplitRelayKey("noseparator")
	require.False(t, ok)
}

func testPeerKey(b byte) peer.Key {
	var k peer.Key
	k[0] = b
	return k
}

func TestHealthyPeersFiltersCircuitBroken(t *testing.T) {
	ctx := context.Bg()
	reg := registration.NewMemory()
	healthMgr := health.New(1, time.Hour)

	k1 := testPeerKey(1)
	k2 := testPeerKey(2)

	require.NoError(t, reg.Upsert(ctx, "a:b", k1, nil, time.Hour))
	require.NoError(t, reg.Upsert(ctx, "a:b", k2, nil, time.Hour))

	healthMgr.RecordFailure(k2)

	deps := &Deps{Health: healthMgr, Registrations: reg}
	peers, err := deps.healthyPeers(ctx, "a:b")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, k1, peers[0])
}

func TestHealthyPeersErrorsOnUnknownRelay(t *testing.T) {
	deps := &Deps{Registrations: registration.NewMemory()}
	_, err := deps.healthyPeers(context.Bg(), "unknown:relay")
	require.Error(t, err)
}

func TestEmitStatusFansOutToEverySubscriber(t *testing.T) {
	deps := &Deps{}
	var got1, got2 []StatusEvent
	deps.OnStatus(func(ev StatusEvent) { got1 = append(got1, ev) })
	deps.OnStatus(func(ev StatusEvent) { got2 = append(got2, ev) })

	deps.emitStatus(StatusEvent{SessionKey: "s1", RelayKey: "a:b", Kind: StatusOpened})

	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	require.Equal(t, StatusOpened, got1[0].Kind)
	require.Equal(t, "s1", got1[0].SessionKey)
	require.False(t, got1[0].At.IsZero())
}

func TestEmitStatusWithNoSubscribersDoesNotPanic(t *testing.T) {
	deps := &Deps{}
	require.NotPanics(t, func() { deps.emitStatus(StatusEvent{Kind: StatusClosed}) })
}
