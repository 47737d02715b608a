package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/protocol/peer"
)

func testKey(b byte) peer.Key {
	var k peer.Key
	k[0] = b
	return k
}

func TestNewPeerStartsHealthy(t *testing.T) {
	m := New(3, 5*time.Minute)
	require.Equal(t, Healthy, m.State(testKey(1)))
}

func TestFailuresAccumulateToFailing(t *testing.T) {
	m := New(3, 5*time.Minute)
	key := testKey(2)
	m.RecordFailure(key)
	require.Equal(t, Failing, m.State(key))
	m.RecordFailure(key)
	require.Equal(t, Failing, m.State(key))
}

func TestThresholdTripsCircuitBreaker(t *testing.T) {
	m := New(3, 5*time.Minute)
	key := testKey(3)
	m.RecordFailure(key)
	m.RecordFailure(key)
	m.RecordFailure(key)
	require.Equal(t, CircuitBroken, m.State(key))
}

func TestSuccessResetsToHealthy(t *testing.T) {
	m := New(3, 5*time.Minute)
	key := testKey(4)
	m.RecordFailure(key)
	m.RecordFailure(key)
	m.RecordSuccess(key)
	require.Equal(t, Healthy, m.State(key))
}

func TestBreakerExpiresIntoProbing(t *testing.T) {
	m := New(1, 10*time.Millisecond)
	key := testKey(5)
	m.RecordFailure(key)
	require.Equal(t, CircuitBroken, m.State(key))

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Probing, m.State(key))
}

func TestFailedProbeReOpensBreaker(t *testing.T) {
	m := New(1, 10*time.Millisecond)
	key := testKey(6)
	m.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Probing, m.State(key))

	m.RecordFailure(key)
	require.Equal(t, CircuitBroken, m.State(key))
}

func TestAllowProbeSerializesConcurrentCallers(t *testing.T) {
	m := New(1, 10*time.Millisecond)
	key := testKey(7)
	m.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Probing, m.State(key))

	ok1, release1 := m.AllowProbe(key)
	require.True(t, ok1)
	ok2, _ := m.AllowProbe(key)
	require.False(t, ok2)
	release1()

	ok3, release3 := m.AllowProbe(key)
	require.True(t, ok3)
	release3()
}

func TestStateChangeHookFires(t *testing.T) {
	m := New(1, 5*time.Minute)
	key := testKey(8)

	transitions := make(chan State, 4)
	m.OnStateChange(
		func(k peer.Key, from, to State) {
			transitions <- to
		},
	)
	m.RecordFailure(key)

	select {
	case to := <-transitions:
		require.Equal(t, CircuitBroken, to)
	default:
		t.Fatal("expected a state change notification")
	}
}

func TestForgetClearsState(t *testing.T) {
	m := New(3, 5*time.Minute)
	key := testKey(9)
	m.RecordFailure(key)
	m.Forget(key)
	require.Equal(t, Healthy, m.State(key))
}
