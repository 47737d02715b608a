package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// identifyPreambleTimeout bounds how long a freshly-accepted TCP
// connection has to present its peer key before the gateway gives up on
// it, guarding against a connection that opens and never speaks.
const identifyPreambleTimeout = 10 * time.Second

// ListenPeers binds addr and returns a listener ready for
// ServePeerListener.
func ListenPeers(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ServePeerListener accepts the raw multiplexed-protocol connections
// workers dial in with (spec.md §6.2: "peer advertises its relays/
// telemetry" over a connection it initiates) until ctx is cancelled,
// reading each one's 32-byte peer-key preamble before handing it to
// deps.Pool.Accept. A connection that fails to present a valid preamble
// within identifyPreambleTimeout is dropped. Grounded on the teacher's
// "one Conn per key" pooling invariant, generalized to the accept side
// that invariant assumes but the pool package itself never needs to
// construct a net.Conn for.
func ServePeerListener(ctx context.T, ln net.Listener, deps *Deps) {
	go func() {
		<-ctx.Done()
		chk.E(ln.Close())
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.E.F("gateway: peer listener accept: %v", err)
			return
		}
		go acceptPeerConn(deps, nc)
	}
}

func acceptPeerConn(deps *Deps, nc net.Conn) {
	chk.E(nc.SetReadDeadline(time.Now().Add(identifyPreambleTimeout)))
	var raw [peer.KeyLen]byte
	if _, err := io.ReadFull(nc, raw[:]); chk.E(err) {
		chk.E(nc.Close())
		return
	}
	chk.E(nc.SetReadDeadline(time.Time{}))

	key := peer.Key(raw)
	if key.IsZero() {
		log.W.F("gateway: rejected peer connection from %s with zero key", nc.RemoteAddr())
		chk.E(nc.Close())
		return
	}

	entry := deps.Pool.Accept(key, nc.RemoteAddr().String(), nc)
	log.I.F("gateway: peer %s connected from %s", key, entry.Addr)
}

// WirePeerRegistration installs the gateway-side `/identify` and
// `/gateway/register` handlers (spec.md §6.2) onto every channel a
// worker opens, via the pool's OnAccepted hook.
func WirePeerRegistration(deps *Deps, registrationTTL time.Duration) {
	deps.Pool.OnAccepted(
		func(key peer.Key, ch *peer.Channel) {
			ch.Handle("/identify", handleIdentify(key))
			ch.Handle("/gateway/register", handleGatewayRegister(deps, key, registrationTTL))
		},
	)
}

func handleIdentify(key peer.Key) peer.HandlerFunc {
	return func(ctx context.T, req *peer.Request) *peer.Response {
		log.I.F("gateway: peer %s identified itself", key)
		return &peer.Response{Id: req.Id, StatusCode: 200}
	}
}

type gatewayRegisterBody struct {
	RelayKey   string         `json:"relayKey"`
	Metadata   map[string]any `json:"metadata"`
	TTLSeconds int            `json:"ttlSeconds"`
}

func handleGatewayRegister(deps *Deps, key peer.Key, defaultTTL time.Duration) peer.HandlerFunc {
	return func(ctx context.T, req *peer.Request) *peer.Response {
		var body gatewayRegisterBody
		if err := json.Unmarshal(req.Body, &body); chk.E(err) {
			return errorResponse(req.Id, 400, "malformed registration body")
		}
		if body.RelayKey == "" {
			return errorResponse(req.Id, 400, "relayKey is required")
		}
		ttl := defaultTTL
		if body.TTLSeconds > 0 {
			ttl = time.Duration(body.TTLSeconds) * time.Second
		}
		if err := deps.Registrations.Upsert(ctx, body.RelayKey, key, body.Metadata, ttl); chk.E(err) {
			return errorResponse(req.Id, 500, fmt.Sprintf("registration failed: %v", err))
		}
		return &peer.Response{Id: req.Id, StatusCode: 200}
	}
}

// errorResponse builds a minimal JSON error body for a peer RPC failure.
func errorResponse(id uint64, status uint16, msg string) *peer.Response {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &peer.Response{Id: id, StatusCode: status, Body: body}
}
