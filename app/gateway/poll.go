package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fasthttp/websocket"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/replica"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// pollLoop asks the current peer (or the local replica) for events on
// every live subscription roughly once a second, pushing anything new
// to the client and advancing lastReturnedAt (spec.md §4.5's "Event
// polling"). It exits when the session closes.
func (s *Session) pollLoop(ctx context.T) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pollOnce(ctx)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) pollOnce(ctx context.T) {
	s.refreshPeers(ctx)

	s.subsMu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		s.dispatchReq(ctx, sub, false)
	}
}

// dispatchReq serves sub either from the current peer or, when no peer
// is usable, from the local replica. initial controls whether an EOSE
// frame is expected/emitted (only on the REQ that registered sub).
func (s *Session) dispatchReq(ctx context.T, sub *Subscription, initial bool) {
	if s.peerCount() == 0 || s.isLocalOnly() {
		s.serveFromReplica(sub, initial)
		return
	}
	s.reassignIfLagging()
	if err := s.serveFromPeer(ctx, sub, initial); err != nil {
		log.D.F("gateway: session %s peer serve failed: %v", s.ConnectionKey, err)
	}
}

// reassignIfLagging advances the round-robin past the current peer if
// its self-reported replication lag has exceeded the reassignment
// threshold (spec.md §4.6), so a lagging peer doesn't keep serving every
// poll tick just because it hasn't outright failed.
func (s *Session) reassignIfLagging() {
	key, ok := s.currentPeer()
	if !ok || s.gw.Deps.Scoreboard == nil {
		return
	}
	if s.gw.Deps.Scoreboard.ShouldReassign(key) {
		log.D.F("gateway: session %s peer %s lagging, reassigning", s.ConnectionKey, key)
		s.advancePeer()
	}
}

// serveFromPeer tries up to len(peers) peers in round-robin order,
// advancing on any failure, per spec.md §4.5's failure semantics. It
// also implements the delegated-forwarding fallback: if the relay
// requires delegation and no peer acknowledges within
// DELEGATION_FALLBACK_MS, it falls back to the local replica.
func (s *Session) serveFromPeer(ctx context.T, sub *Subscription, initial bool) error {
	attempts := s.peerCount()
	if attempts == 0 {
		return fmt.Errorf("gateway: no peers")
	}

	fallback := time.After(s.gw.Cfg.DelegationFallback())
	done := make(chan error, 1)

	go func() {
		var lastErr error
		for i := 0; i < attempts; i++ {
			key, ok := s.currentPeer()
			if !ok {
				break
			}
			err := s.forwardToPeer(ctx, key, sub, initial)
			if err == nil {
				s.markPeerSelected(key)
				done <- nil
				return
			}
			lastErr = err
			s.gw.Deps.Health.RecordFailure(key)
			s.gw.Deps.emitStatus(
				StatusEvent{SessionKey: s.ConnectionKey, RelayKey: s.RelayKey, Kind: StatusPeerFailedOver, Peer: &key},
			)
			s.advancePeer()
		}
		done <- lastErr
	}()

	select {
	case err := <-done:
		if err == nil {
			sub.DelegateRetries = 0
			return nil
		}
		return s.onPeerServeFailure(sub, initial, err)
	case <-fallback:
		return s.onDelegationFallback(sub, initial)
	}
}

// onPeerServeFailure handles every peer in the round robin failing.
// When the relay delegates to peers it retries up to
// DelegationMaxRetries before dropping the subscription outright,
// matching the fixed "drop after N retries" contract (spec.md §7,
// N=5 by default); otherwise it just surfaces a NOTICE and leaves the
// session open for the client to retry.
func (s *Session) onPeerServeFailure(sub *Subscription, initial bool, cause error) error {
	if !s.delegatesToPeers() {
		s.notice("no peers available")
		return cause
	}
	sub.DelegateRetries++
	if sub.DelegateRetries > s.gw.Cfg.DelegationMaxRetries {
		s.dropSubscription(sub.ID, "delegation retry budget exceeded")
		return cause
	}
	s.serveFromReplica(sub, initial)
	return nil
}

// onDelegationFallback handles the DELEGATION_FALLBACK_MS timeout: the
// relay delegates to peers but none acknowledged in time, so this tick
// is served from the local replica instead (spec.md §4.5).
func (s *Session) onDelegationFallback(sub *Subscription, initial bool) error {
	if !s.delegatesToPeers() {
		return nil
	}
	s.serveFromReplica(sub, initial)
	return nil
}

// dropSubscription removes subID and tells the client via NOTICE.
func (s *Session) dropSubscription(subID, reason string) {
	s.subsMu.Lock()
	delete(s.subs, subID)
	s.subsMu.Unlock()
	s.notice(fmt.Sprintf("subscription %s dropped: %s", subID, reason))
}

func (s *Session) delegatesToPeers() bool {
	reg, ok, err := s.gw.Deps.Registrations.Get(s.gw.Ctx, s.RelayKey)
	if err != nil || !ok {
		return false
	}
	v, _ := reg.Metadata["delegateReqToPeers"].(bool)
	return v
}

// forwardToPeer opens a channel to key, forwards sub's REQ as a
// `/post/relay/{identifier}` RPC, and relays each reply frame to the
// client (spec.md §6.2).
func (s *Session) forwardToPeer(ctx context.T, key peer.Key, sub *Subscription, initial bool) error {
	ch, err := s.gw.Deps.openChannel(ctx, key)
	if err != nil {
		return err
	}
	defer chk.E(ch.Close())

	if !ch.RemoteHandshake().Has(peer.CapabilityEvents) {
		return fmt.Errorf("gateway: peer %s does not advertise %s", key, peer.CapabilityEvents)
	}

	_, identifier, ok := SplitRelayKey(s.RelayKey)
	if !ok {
		identifier = s.RelayKey
	}

	body, err := buildReqFrame(sub)
	if err != nil {
		return err
	}

	resp, err := ch.Do(ctx, &peer.Request{
		Method: "POST",
		Path:   "/post/relay/" + identifier,
		Body:   body,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: peer %s returned status %d", key, resp.StatusCode)
	}

	s.gw.Deps.Health.RecordSuccess(key)
	newest := s.relayReplyFrames(sub, resp.Body)
	if newest > sub.LastReturnedAt {
		sub.LastReturnedAt = newest
	}
	if initial {
		s.sendFrame([]any{"EOSE", sub.ID})
	}
	return nil
}

// relayReplyFrames splits body on newlines (spec.md §4.1's
// newline-delimited JSON reply stream), relays each frame verbatim to
// the client, and returns the newest EVENT created_at observed.
func (s *Session) relayReplyFrames(sub *Subscription, body []byte) int64 {
	var newest int64
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(line, &parts); err != nil || len(parts) == 0 {
			continue
		}
		var verb string
		chk.E(json.Unmarshal(parts[0], &verb))
		if verb == "EVENT" && len(parts) >= 3 {
			var ev struct {
				CreatedAt int64 `json:"created_at"`
			}
			if err := json.Unmarshal(parts[2], &ev); err == nil && ev.CreatedAt > newest {
				newest = ev.CreatedAt
			}
		}
		if verb == "EOSE" {
			continue // the gateway emits its own EOSE once per dispatchReq call
		}
		s.sendMu.Lock()
		chk.E(s.conn.SetWriteDeadline(time.Now().Add(writeWait)))
		chk.E(s.conn.WriteMessage(websocket.TextMessage, line))
		s.sendMu.Unlock()
	}
	return newest
}

// serveFromReplica answers sub entirely from the gateway's local
// read-only mirror (spec.md §4.6's "gateway may open a read-only
// replica").
func (s *Session) serveFromReplica(sub *Subscription, initial bool) {
	r, ok := s.gw.Deps.Replica(s.RelayKey)
	if !ok {
		if initial {
			s.notice("no peers available")
		}
		return
	}

	var f struct {
		Kinds   []uint16 `json:"kinds"`
		Authors []string `json:"authors"`
		Limit   int      `json:"limit"`
	}
	chk.E(json.Unmarshal(sub.Filter, &f))

	rng := replica.Range{Since: sub.LastReturnedAt + 1, Until: math.MaxInt64, Limit: f.Limit}
	var events []replica.Event
	var err error
	switch {
	case len(f.Authors) > 0:
		events, err = r.ByPubkey(f.Authors[0], rng)
	case len(f.Kinds) > 0:
		events, err = r.ByKind(f.Kinds[0], rng)
	default:
		events, err = r.ByCreatedAt(rng)
	}
	if chk.E(err) {
		s.notice(fmt.Sprintf("replica query failed: %v", err))
		return
	}

	for _, ev := range events {
		s.sendFrame([]any{"EVENT", sub.ID, json.RawMessage(ev.Raw)})
		if ev.CreatedAt > sub.LastReturnedAt {
			sub.LastReturnedAt = ev.CreatedAt
		}
	}
	if initial {
		s.sendFrame([]any{"EOSE", sub.ID})
	}
}

// buildReqFrame re-encodes sub as a client-shaped `["REQ", id, filter]`
// frame with `since` advanced to lastReturnedAt+1, so a resumed poll
// never re-delivers an event (spec.md §4.5).
func buildReqFrame(sub *Subscription) ([]byte, error) {
	filter, err := injectSince(sub.Filter, sub.LastReturnedAt+1)
	if err != nil {
		return nil, err
	}
	idJSON, err := json.Marshal(sub.ID)
	if err != nil {
		return nil, err
	}
	verbJSON, _ := json.Marshal("REQ")
	parts := []json.RawMessage{verbJSON, idJSON, filter}
	return json.Marshal(parts)
}

func injectSince(raw json.RawMessage, since int64) (json.RawMessage, error) {
	var asArray []map[string]any
	if err := json.Unmarshal(raw, &asArray); err == nil {
		for _, f := range asArray {
			f["since"] = since
		}
		return json.Marshal(asArray)
	}
	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return raw, nil
	}
	asObject["since"] = since
	return json.Marshal(asObject)
}

// bestEffortCount answers a COUNT by summing ByCreatedAt results across
// whichever peer or replica would have answered an equivalent REQ; it
// is explicitly best-effort per spec.md §4.5.
func (s *Session) bestEffortCount(ctx context.T) (int, error) {
	r, ok := s.gw.Deps.Replica(s.RelayKey)
	if !ok {
		return 0, fmt.Errorf("no local replica for count")
	}
	events, err := r.ByCreatedAt(replica.Range{Until: math.MaxInt64})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
