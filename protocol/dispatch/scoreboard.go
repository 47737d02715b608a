// Package dispatch scores peers by their self-reported telemetry and
// picks which one should serve the next job for a relay, excluding
// circuit-broken peers and peers already at their concurrency ceiling
// (spec.md C6).
package dispatch

import (
	"math"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
)

// Weights tunes the scoring formula; lower score wins. Defaults mirror
// app/config's HYPERTUNA_SCORE_* knobs.
type Weights struct {
	InFlight float64
	Latency  float64
	Failure  float64
	Lag      float64
}

// DefaultWeights matches config.C's defaults.
var DefaultWeights = Weights{InFlight: 1.0, Latency: 0.01, Failure: 50.0, Lag: 0.1}

type entry struct {
	telemetry  peer.Telemetry
	receivedAt time.Time
}

// Scoreboard holds the most recent telemetry report per peer and answers
// "which peer should serve the next job."
type Scoreboard struct {
	entries *xsync.MapOf[peer.Key, *entry]

	weights                  Weights
	health                   *health.Manager
	maxConcurrentJobsPerPeer int
	reassignOnLagBlocks      int64
}

// New constructs a Scoreboard. healthMgr may be nil in tests that do not
// exercise circuit-breaker exclusion.
func New(weights Weights, healthMgr *health.Manager, maxConcurrentJobsPerPeer int, reassignOnLagBlocks int64) *Scoreboard {
	return &Scoreboard{
		entries:                  xsync.NewMapOf[peer.Key, *entry](),
		weights:                  weights,
		health:                   healthMgr,
		maxConcurrentJobsPerPeer: maxConcurrentJobsPerPeer,
		reassignOnLagBlocks:      reassignOnLagBlocks,
	}
}

// Report records a peer's latest self-reported telemetry.
func (s *Scoreboard) Report(key peer.Key, t peer.Telemetry) {
	s.entries.Store(key, &entry{telemetry: t, receivedAt: time.Now()})
}

// Forget drops a peer's telemetry (e.g. once its connection closes).
func (s *Scoreboard) Forget(key peer.Key) { s.entries.Delete(key) }

func (s *Scoreboard) score(t peer.Telemetry) float64 {
	return s.weights.InFlight*float64(t.InFlightJobs) +
		s.weights.Latency*t.LatencyMs +
		s.weights.Failure*t.FailureRate +
		s.weights.Lag*lagPenalty(t.HyperbeeLag)
}

// lagPenalty turns a peer's self-reported replication lag into a score
// contribution. Only a peer falling behind counts against it; a peer
// reporting itself ahead (a negative lag, e.g. right after a fresh
// reassignment) contributes nothing.
func lagPenalty(hyperbeeLag int64) float64 {
	if hyperbeeLag <= 0 {
		return 0
	}
	return float64(hyperbeeLag)
}

func (s *Scoreboard) excluded(key peer.Key, t peer.Telemetry) bool {
	if s.health != nil && s.health.State(key) == health.CircuitBroken {
		return true
	}
	if s.maxConcurrentJobsPerPeer > 0 && t.InFlightJobs >= s.maxConcurrentJobsPerPeer {
		return true
	}
	return false
}

// Best picks the lowest-scoring eligible peer among the candidates that
// have reported telemetry; a peer with no telemetry yet is never chosen
// over an eligible one with real data. When no candidate with telemetry
// is eligible (none has reported, or every one is excluded), the first
// candidate that is not circuit-broken is returned so a brand new
// connection can still be used.
func (s *Scoreboard) Best(candidates []peer.Key) (peer.Key, bool) {
	var best peer.Key
	bestScore := math.Inf(1)
	found := false

	for _, key := range candidates {
		e, ok := s.entries.Load(key)
		if !ok {
			continue
		}
		if s.excluded(key, e.telemetry) {
			continue
		}
		sc := s.score(e.telemetry)
		if sc < bestScore {
			bestScore = sc
			best = key
			found = true
		}
	}
	if found {
		return best, true
	}
	for _, key := range candidates {
		if s.health == nil || s.health.State(key) != health.CircuitBroken {
			return key, true
		}
	}
	return peer.Key{}, false
}

// ShouldReassign reports whether key's self-reported replication lag has
// exceeded reassignOnLagBlocks, meaning the subscription currently
// assigned to it should migrate to a better peer (spec.md §4.6's
// "when hyperbeeLag > reassignOnLagBlocks for the currently assigned
// peer of a subscription, the dispatcher... migrate[s] the
// subscription").
func (s *Scoreboard) ShouldReassign(key peer.Key) bool {
	e, ok := s.entries.Load(key)
	if !ok {
		return false
	}
	return e.telemetry.HyperbeeLag > s.reassignOnLagBlocks
}

// Telemetry returns the most recently reported telemetry for key, if
// any.
func (s *Scoreboard) Telemetry(key peer.Key) (peer.Telemetry, bool) {
	e, ok := s.entries.Load(key)
	if !ok {
		return peer.Telemetry{}, false
	}
	return e.telemetry, true
}
