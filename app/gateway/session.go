package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"lukechampine.com/frand"

	"hypertuna.dev/protocol/envelope"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
	"hypertuna.dev/utils/normalize"
)

// Close codes the client-facing WebSocket surface closes with
// (spec.md §4.5, §6.1).
const (
	CloseTokenRequired   = 4403
	CloseInvalidRelayKey = 4404
	CloseNoPeers         = 1013
	CloseInternal        = 1011
)

const (
	pollInterval           = 1 * time.Second
	topicEvictionIdle      = 90 * time.Second
	writeWait              = 10 * time.Second
	pongWait               = 60 * time.Second
	pingPeriod             = pongWait / 2
)

// Subscription is one REQ registered by the client.
type Subscription struct {
	ID             string
	Filter         json.RawMessage
	LastReturnedAt int64

	// DelegateRetries counts consecutive delegated-forwarding failures;
	// the subscription is dropped once it exceeds the configured
	// DelegationMaxRetries (spec.md's fixed "drop after N retries"
	// contract, N=5 by default).
	DelegateRetries int
}

// Session is one client WebSocket connection bound to a single relay
// (spec.md's "WebSocket session" record). Exactly one goroutine drains
// its inbound frame queue; any other goroutine (the poll ticker, a
// token-revocation broadcast) talks to it through sendFrame / the
// control channels below, never by touching the connection directly.
type Session struct {
	gw *Server

	ConnectionKey string
	RelayKey      string
	Token         Token
	ClientPubkey  string
	Scope         string

	conn   *websocket.Conn
	sendMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*Subscription

	peersMu        sync.Mutex
	peers          []peer.Key
	peerIndex      int
	localOnly      bool
	lastStatusPeer peer.Key

	lastActivity time.Time

	closeOnce sync.Once
	done      chan struct{}
	revoked   chan string
}

func newSession(gw *Server, relayKey string, tok Token, conn *websocket.Conn, peers []peer.Key) *Session {
	return &Session{
		gw:             gw,
		ConnectionKey:  frand.Hex(8),
		RelayKey:       relayKey,
		Token:          tok,
		ClientPubkey:   tok.Pubkey,
		Scope:          tok.Scope,
		conn:           conn,
		subs:           make(map[string]*Subscription),
		peers:          peers,
		lastActivity:   time.Now(),
		done:           make(chan struct{}),
		revoked:        make(chan string, 1),
	}
}

// currentPeer returns the peer selection's current candidate (the peer
// at peerIndex, wrapping round the list), or false only when the session
// has no peers at all (spec.md §4.5's round-robin "advance on failure").
func (s *Session) currentPeer() (peer.Key, bool) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if len(s.peers) == 0 {
		return peer.Key{}, false
	}
	return s.peers[s.peerIndex%len(s.peers)], true
}

// peerCount reports how many peers this session currently round-robins
// over.
func (s *Session) peerCount() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}

// isLocalOnly reports whether the session has fallen back to
// local-replica-only serving (spec.md §4.5's `localOnly`).
func (s *Session) isLocalOnly() bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return s.localOnly
}

// setPeers replaces the round-robin peer set, e.g. once a delegated
// session's first peer announces itself and its queued REQs can flush.
func (s *Session) setPeers(peers []peer.Key) {
	s.peersMu.Lock()
	s.peers = peers
	s.peerIndex = 0
	s.localOnly = len(peers) == 0
	s.peersMu.Unlock()
}

// advancePeer moves to the next peer in round-robin order, reporting
// whether every peer has now been tried once this round.
func (s *Session) advancePeer() (exhausted bool) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if len(s.peers) == 0 {
		return true
	}
	s.peerIndex++
	return s.peerIndex%len(s.peers) == 0
}

// markPeerSelected emits a peer-selected status event the first time a
// request succeeds against key, and on every subsequent change of which
// peer is actually serving the session — not on every poll tick, which
// would just repeat the same selection once a second.
func (s *Session) markPeerSelected(key peer.Key) {
	s.peersMu.Lock()
	changed := s.lastStatusPeer != key
	if changed {
		s.lastStatusPeer = key
	}
	s.peersMu.Unlock()
	if changed {
		s.gw.Deps.emitStatus(StatusEvent{SessionKey: s.ConnectionKey, RelayKey: s.RelayKey, Kind: StatusPeerSelected, Peer: &key})
	}
}

// run drives the session: WebSocket handshake bookkeeping is already
// done by the caller (upgrade), this starts the ping keepalive, the poll
// ticker and the inbound-frame read loop, and blocks until the session
// ends.
func (s *Session) run(parent context.T) {
	ctx, cancel := context.Cancel(parent)
	defer cancel()

	s.conn.SetReadLimit(1 << 20)
	chk.E(s.conn.SetReadDeadline(time.Now().Add(pongWait)))
	s.conn.SetPongHandler(
		func(string) error {
			chk.E(s.conn.SetReadDeadline(time.Now().Add(pongWait)))
			return nil
		},
	)

	go s.pinger(ctx)
	go s.pollLoop(ctx)
	go s.revocationWatcher(ctx)

	defer s.close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived,
			) {
				log.D.F("gateway: session %s closed: %v", s.ConnectionKey, err)
			}
			return
		}
		s.lastActivity = time.Now()
		s.handleFrame(ctx, msg)
	}
}

func (s *Session) pinger(ctx context.T) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sendMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.sendMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) revocationWatcher(ctx context.T) {
	select {
	case reason := <-s.revoked:
		s.sendFrame([]any{"TOKEN", "REVOKED", map[string]any{"reason": reason, "sequence": 0}})
		s.closeWithCode(CloseTokenRequired, "token revoked")
	case <-ctx.Done():
	case <-s.done:
	}
}

// onRevoked is called by the TokenService hook for this session's token.
func (s *Session) onRevoked(reason string) {
	select {
	case s.revoked <- reason:
	default:
	}
}

// sendFrame JSON-encodes frame (a `[verb, ...]`-shaped slice) and writes
// it to the client, serialized against concurrent writers (poll ticker,
// revocation watcher, frame handler).
func (s *Session) sendFrame(frame any) {
	body, err := json.Marshal(frame)
	if chk.E(err) {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	chk.E(s.conn.SetWriteDeadline(time.Now().Add(writeWait)))
	chk.E(s.conn.WriteMessage(websocket.TextMessage, body))
}

func (s *Session) notice(msg string) { s.sendFrame([]any{"NOTICE", msg}) }

// handleFrame dispatches one client-originated frame to completion
// before returning, which is what gives the session its FIFO-per-session
// ordering guarantee (spec.md §5): the read loop calling this function
// never reads the next frame off the socket until this one returns.
func (s *Session) handleFrame(ctx context.T, raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		s.notice("invalid frame")
		return
	}
	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		s.notice("invalid frame")
		return
	}

	switch verb {
	case "REQ":
		s.handleReq(ctx, parts)
	case "CLOSE":
		s.handleClose(parts)
	case "EVENT":
		s.handleEvent(parts)
	case "COUNT":
		s.handleCount(ctx, parts)
	case "PING":
		s.sendFrame([]any{"PONG"})
	default:
		log.D.F("gateway: session %s unknown verb %q", s.ConnectionKey, verb)
		s.notice(fmt.Sprintf("unknown verb %q", verb))
	}
}

func (s *Session) handleReq(ctx context.T, parts []json.RawMessage) {
	if len(parts) < 2 {
		s.notice("REQ requires a subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		s.notice("REQ requires a string subscription id")
		return
	}
	filters := parts[2:]
	var combined json.RawMessage
	if len(filters) == 1 {
		combined = filters[0]
	} else {
		b, err := json.Marshal(filters)
		if chk.E(err) {
			return
		}
		combined = b
	}

	sub := &Subscription{ID: subID, Filter: combined}
	s.subsMu.Lock()
	s.subs[subID] = sub
	s.subsMu.Unlock()

	s.dispatchReq(ctx, sub, true)
}

func (s *Session) handleClose(parts []json.RawMessage) {
	if len(parts) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		return
	}
	s.subsMu.Lock()
	delete(s.subs, subID)
	empty := len(s.subs) == 0
	s.subsMu.Unlock()
	if empty {
		s.closeWithCode(websocket.CloseNormalClosure, "no subscriptions remain")
	}
}

func (s *Session) handleEvent(parts []json.RawMessage) {
	var id string
	if len(parts) >= 2 {
		var ev map[string]any
		if err := json.Unmarshal(parts[1], &ev); err == nil {
			if v, ok := ev["id"].(string); ok {
				id = v
			}
		}
	}
	s.sendFrame([]any{"OK", id, false, string(normalize.Error.F("public gateway relay is read-only"))})
}

func (s *Session) handleCount(ctx context.T, parts []json.RawMessage) {
	if len(parts) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil {
		return
	}
	n, err := s.bestEffortCount(ctx)
	if err != nil {
		s.notice(fmt.Sprintf("count failed: %v", err))
		return
	}
	s.sendFrame([]any{"COUNT", subID, map[string]any{"count": n}})
}

func (s *Session) close() {
	s.closeOnce.Do(
		func() {
			close(s.done)
			chk.E(s.conn.Close())
			s.gw.unregisterSession(s)
			s.gw.Deps.emitStatus(StatusEvent{SessionKey: s.ConnectionKey, RelayKey: s.RelayKey, Kind: StatusClosed})
		},
	)
}

func (s *Session) closeWithCode(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	s.sendMu.Lock()
	chk.E(s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)))
	s.sendMu.Unlock()
	s.close()
}

// verifySignedEnvelope checks sig against the canonical form of body,
// the `{body, signature}` shape described in spec.md §6.1. Nothing in
// this package calls it.
func verifySignedEnvelope(body json.RawMessage, secret []byte, sig []byte) (bool, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("gateway: malformed envelope body: %w", err)
	}
	return envelope.Verify(payload, secret, sig)
}
