// Package health tracks per-peer reachability as a small state machine —
// healthy, failing, circuit-broken, probing — grounded on the teacher's
// relay penalty-box backoff (pool.go's WithPenaltyBox) but reshaped into
// an explicit FSM per peer key instead of a shared sweep loop.
package health

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/log"
)

// State is one of a peer's reachability states (spec.md C3).
type State uint32

const (
	Healthy State = iota
	Failing
	CircuitBroken
	Probing
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Failing:
		return "failing"
	case CircuitBroken:
		return "circuit-broken"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// record is the mutable health state kept for one peer.
type record struct {
	state       atomic.Uint32
	failures    atomic.Int32
	brokenUntil atomic.Int64 // unix nanos; 0 when not broken
	probeLock   sync.Mutex
}

func (r *record) State() State { return State(r.state.Load()) }

// Manager evaluates and transitions peer health. FailureThreshold
// consecutive failures trip the breaker; it stays open for
// BreakerTimeout before allowing a single probe through.
type Manager struct {
	records *xsync.MapOf[peer.Key, *record]

	FailureThreshold int
	BreakerTimeout   time.Duration

	onStateChange func(key peer.Key, from, to State)
}

// New constructs a Manager with the given failure threshold and breaker
// timeout (spec.md C3 defaults: 3 failures, 5 minute breaker).
func New(failureThreshold int, breakerTimeout time.Duration) *Manager {
	return &Manager{
		records:          xsync.NewMapOf[peer.Key, *record](),
		FailureThreshold: failureThreshold,
		BreakerTimeout:   breakerTimeout,
	}
}

// OnStateChange sets a hook invoked on every state transition, e.g. to
// let the connection pool force a redial when a peer trips to
// circuit-broken.
func (m *Manager) OnStateChange(fn func(key peer.Key, from, to State)) { m.onStateChange = fn }

func (m *Manager) recordFor(key peer.Key) *record {
	r, _ := m.records.LoadOrCompute(
		key, func() *record {
			r := &record{}
			r.state.Store(uint32(Healthy))
			return r
		},
	)
	return r
}

// State reports the peer's current state, transitioning a
// past-its-timeout circuit-broken peer into Probing as a side effect —
// this is the sole gate the connection pool / dispatcher should consult
// before routing a job to a peer.
func (m *Manager) State(key peer.Key) State {
	r := m.recordFor(key)
	if State(r.state.Load()) != CircuitBroken {
		return State(r.state.Load())
	}
	broken := time.Unix(0, r.brokenUntil.Load())
	if time.Now().Before(broken) {
		return CircuitBroken
	}
	if r.state.CompareAndSwap(uint32(CircuitBroken), uint32(Probing)) {
		m.transition(key, CircuitBroken, Probing)
	}
	return State(r.state.Load())
}

// AllowProbe reports whether the caller may send a single probe for a
// circuit-broken-turned-probing peer, serializing concurrent callers so
// only one probe is ever in flight per peer.
func (m *Manager) AllowProbe(key peer.Key) (ok bool, release func()) {
	r := m.recordFor(key)
	if State(r.state.Load()) != Probing {
		return false, func() {}
	}
	if !r.probeLock.TryLock() {
		return false, func() {}
	}
	return true, r.probeLock.Unlock
}

// RecordSuccess clears failures and returns the peer to Healthy from
// whatever state it was in.
func (m *Manager) RecordSuccess(key peer.Key) {
	r := m.recordFor(key)
	from := State(r.state.Load())
	r.failures.Store(0)
	r.brokenUntil.Store(0)
	r.state.Store(uint32(Healthy))
	if from != Healthy {
		m.transition(key, from, Healthy)
	}
}

// RecordFailure registers a failed interaction. Once FailureThreshold
// consecutive failures accumulate the breaker trips for BreakerTimeout.
func (m *Manager) RecordFailure(key peer.Key) {
	r := m.recordFor(key)
	from := State(r.state.Load())
	n := r.failures.Add(1)

	if from == Probing {
		// a probe failed: back to circuit-broken, timer restarts.
		r.brokenUntil.Store(time.Now().Add(m.BreakerTimeout).UnixNano())
		r.state.Store(uint32(CircuitBroken))
		m.transition(key, Probing, CircuitBroken)
		return
	}

	if int(n) >= m.FailureThreshold {
		r.brokenUntil.Store(time.Now().Add(m.BreakerTimeout).UnixNano())
		r.state.Store(uint32(CircuitBroken))
		if from != CircuitBroken {
			m.transition(key, from, CircuitBroken)
		}
		return
	}

	r.state.Store(uint32(Failing))
	if from != Failing {
		m.transition(key, from, Failing)
	}
}

func (m *Manager) transition(key peer.Key, from, to State) {
	log.I.F("health: peer %s %s -> %s", key, from, to)
	if m.onStateChange != nil {
		m.onStateChange(key, from, to)
	}
}

// Forget drops all tracked state for key (e.g. on relay de-registration).
func (m *Manager) Forget(key peer.Key) { m.records.Delete(key) }
