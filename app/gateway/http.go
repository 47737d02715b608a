package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/fasthttp/websocket"
	"github.com/go-chi/chi/v5"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
	"hypertuna.dev/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerRoutes wires spec.md §6.1's HTTP/WS surface onto r: the
// typed admin endpoints through huma (grounded on the teacher's
// protocol/openapi.New + huma.Register pattern), everything else —
// health, the well-known secret, drive/pfp/join proxying and the
// session WebSocket upgrade — as plain chi handlers, matching the
// teacher's split between its openapi package and its socketapi
// package.
func (s *Server) registerRoutes(r *chi.Mux) {
	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/hypertuna-gateway-secret", s.handleWellKnownSecret)
	r.Get("/drive/{identifier}/{file}", s.handleDriveProxy)
	r.Get("/pfp/{owner}/{file}", s.handlePfpProxy)
	r.Post("/post/join/{identifier}", s.handleJoinProxy)
	r.Get("/{a}/{b}", s.handleSessionUpgrade)

	api := humachi.New(r, huma.DefaultConfig(version.V, version.V))
	s.registerAdminAPI(api)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	chk.E(json.NewEncoder(w).Encode(map[string]string{"status": "ok"}))
}

// handleWellKnownSecret serves the gateway's shared secret only while
// discovery is configured for open access (spec.md §4.8).
func (s *Server) handleWellKnownSecret(w http.ResponseWriter, r *http.Request) {
	if !s.Cfg.DiscoveryOpenAccess {
		http.Error(w, "discovery is not open-access", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	chk.E(
		json.NewEncoder(w).Encode(
			map[string]string{"secret": s.Cfg.GatewayRegistrationSecret},
		),
	)
}

// handleSessionUpgrade implements spec.md §4.5's Open step: parse the
// relay key, verify the token, select the peer set, and either upgrade
// to a WebSocket session or reject with the matching close code (sent
// as an HTTP error prior to upgrade when the failure is detected before
// the handshake completes, per the close-code table in §6.1).
func (s *Server) handleSessionUpgrade(w http.ResponseWriter, r *http.Request) {
	a := chi.URLParam(r, "a")
	b := chi.URLParam(r, "b")
	relayKey := RelayKey(a, b)

	reg, ok, err := s.Deps.Registrations.Get(r.Context(), relayKey)
	if chk.E(err) || !ok {
		http.Error(w, "unknown relay", http.StatusNotFound)
		return
	}
	_ = reg

	tokenValue := r.URL.Query().Get("token")
	if tokenValue == "" {
		http.Error(w, "token required", http.StatusForbidden)
		return
	}
	tok, err := s.Deps.Tokens.Verify(tokenValue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if tok.RelayKey != relayKey {
		http.Error(w, "token does not match relay", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	peers, err := s.Deps.healthyPeers(ctx, relayKey)
	if chk.E(err) {
		peers = nil
	}
	_, hasReplica := s.Deps.Replica(relayKey)
	if len(peers) == 0 && !hasReplica {
		http.Error(w, "no peers available", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if chk.E(err) {
		return
	}

	sess := newSession(s, relayKey, tok, conn, peers)
	sess.localOnly = len(peers) == 0
	s.registerSession(sess)
	s.Deps.emitStatus(StatusEvent{SessionKey: sess.ConnectionKey, RelayKey: relayKey, Kind: StatusOpened})
	log.I.F("gateway: session %s opened for relay %s", sess.ConnectionKey, relayKey)
	go sess.run(s.Ctx)
}

// handleDriveProxy forwards a file-bytes request to the current peer
// for identifier over the C1 peer RPC (spec.md §6.1, §6.2).
func (s *Server) handleDriveProxy(w http.ResponseWriter, r *http.Request) {
	s.proxyToPeer(w, r, "/drive/"+chi.URLParam(r, "identifier")+"/"+chi.URLParam(r, "file"), peer.CapabilityFiles)
}

// handlePfpProxy forwards an avatar-bytes request the same way.
func (s *Server) handlePfpProxy(w http.ResponseWriter, r *http.Request) {
	path := "/pfp/"
	if owner := chi.URLParam(r, "owner"); owner != "" {
		path += owner + "/"
	}
	s.proxyToPeer(w, r, path+chi.URLParam(r, "file"), peer.CapabilityFiles)
}

// handleJoinProxy forwards a join request to the peer serving
// identifier.
func (s *Server) handleJoinProxy(w http.ResponseWriter, r *http.Request) {
	s.proxyToPeer(w, r, "/post/join/"+chi.URLParam(r, "identifier"), peer.CapabilityJoin)
}

// proxyToPeer resolves the best peer for the relay implied by path's
// leading identifier segment and relays the HTTP request as a single
// C1 Request/Response round trip. requiredCapability gates which peer a
// channel may be opened against: a peer whose handshake doesn't
// advertise it is treated as unreachable for this proxy rather than
// handed the request anyway (spec.md §4.1's capabilities[] field, acted
// on here rather than merely carried).
func (s *Server) proxyToPeer(w http.ResponseWriter, r *http.Request, path, requiredCapability string) {
	identifier := chi.URLParam(r, "identifier")
	if identifier == "" {
		identifier = chi.URLParam(r, "owner")
	}
	relayKey, ok := s.resolveRelayKeyForIdentifier(r.Context(), identifier)
	if !ok {
		http.Error(w, "unknown relay", http.StatusNotFound)
		return
	}
	peers, err := s.Deps.healthyPeers(r.Context(), relayKey)
	if chk.E(err) || len(peers) == 0 {
		http.Error(w, "no peers available", http.StatusServiceUnavailable)
		return
	}
	key, ok := s.Deps.Scoreboard.Best(peers)
	if !ok {
		http.Error(w, "no peers available", http.StatusServiceUnavailable)
		return
	}

	ch, err := s.Deps.openChannel(r.Context(), key)
	if chk.E(err) {
		http.Error(w, "peer unreachable", http.StatusBadGateway)
		return
	}
	defer chk.E(ch.Close())

	if !ch.RemoteHandshake().Has(requiredCapability) {
		http.Error(w, "peer does not support this request", http.StatusBadGateway)
		return
	}

	body, _ := io.ReadAll(r.Body)
	resp, err := ch.Do(
		r.Context(), &peer.Request{Method: r.Method, Path: path, Body: body},
	)
	if chk.E(err) {
		http.Error(w, "peer RPC failed", http.StatusBadGateway)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(int(resp.StatusCode))
	_, _ = w.Write(resp.Body)
}

// resolveRelayKeyForIdentifier finds the relay key registered under a
// bare identifier (the "b" segment of "a:b"), since drive/pfp/join
// requests do not carry the full relay key.
func (s *Server) resolveRelayKeyForIdentifier(ctx context.T, identifier string) (string, bool) {
	keys, err := s.Deps.Registrations.ListKeys(ctx)
	if chk.E(err) {
		return "", false
	}
	for _, k := range keys {
		if _, b, ok := SplitRelayKey(k); ok && b == identifier {
			return k, true
		}
	}
	return "", false
}
