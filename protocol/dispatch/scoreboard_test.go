package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
)

func testKey(b byte) peer.Key {
	var k peer.Key
	k[0] = b
	return k
}

func TestBestPicksLowestScore(t *testing.T) {
	s := New(DefaultWeights, nil, 64, 100)
	a, b := testKey(1), testKey(2)
	s.Report(a, peer.Telemetry{InFlightJobs: 10, LatencyMs: 50})
	s.Report(b, peer.Telemetry{InFlightJobs: 1, LatencyMs: 50})

	best, ok := s.Best([]peer.Key{a, b})
	require.True(t, ok)
	require.Equal(t, b, best)
}

func TestBestExcludesPeerAtConcurrencyCeiling(t *testing.T) {
	s := New(DefaultWeights, nil, 2, 100)
	a, b := testKey(1), testKey(2)
	s.Report(a, peer.Telemetry{InFlightJobs: 2})
	s.Report(b, peer.Telemetry{InFlightJobs: 1})

	best, ok := s.Best([]peer.Key{a, b})
	require.True(t, ok)
	require.Equal(t, b, best)
}

func TestBestExcludesCircuitBrokenPeer(t *testing.T) {
	hm := health.New(1, 5*time.Minute)
	a, b := testKey(1), testKey(2)
	hm.RecordFailure(a)

	s := New(DefaultWeights, hm, 64, 100)
	s.Report(a, peer.Telemetry{InFlightJobs: 0})
	s.Report(b, peer.Telemetry{InFlightJobs: 5})

	best, ok := s.Best([]peer.Key{a, b})
	require.True(t, ok)
	require.Equal(t, b, best)
}

func TestBestFallsBackWhenNoTelemetry(t *testing.T) {
	s := New(DefaultWeights, nil, 64, 100)
	a := testKey(1)
	best, ok := s.Best([]peer.Key{a})
	require.True(t, ok)
	require.Equal(t, a, best)
}

func TestShouldReassignOnLag(t *testing.T) {
	s := New(DefaultWeights, nil, 64, 100)
	a := testKey(1)

	s.Report(a, peer.Telemetry{HyperbeeLag: 50})
	require.False(t, s.ShouldReassign(a))

	s.Report(a, peer.Telemetry{HyperbeeLag: 200})
	require.True(t, s.ShouldReassign(a))
}

func TestScoreIncludesLagPenalty(t *testing.T) {
	s := New(Weights{Lag: 1.0}, nil, 64, 100)
	a, b := testKey(1), testKey(2)
	s.Report(a, peer.Telemetry{HyperbeeLag: 0})
	s.Report(b, peer.Telemetry{HyperbeeLag: 1000})

	best, ok := s.Best([]peer.Key{a, b})
	require.True(t, ok)
	require.Equal(t, a, best)
}

func TestForgetDropsTelemetry(t *testing.T) {
	s := New(DefaultWeights, nil, 64, 100)
	a := testKey(1)
	s.Report(a, peer.Telemetry{InFlightJobs: 1})
	s.Forget(a)

	_, ok := s.Telemetry(a)
	require.False(t, ok)
}
