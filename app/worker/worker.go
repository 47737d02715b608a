// Package worker implements the peer side of the multiplexed protocol
// (spec.md §6.2): it dials one or more gateways, advertises the relay it
// serves, and answers the RPCs a gateway issues against that relay
// (event forwarding, file drive/pfp, join, credential finalization).
package worker

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"hypertuna.dev/app/config"
	"hypertuna.dev/protocol/escrow"
	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/replica"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// Worker is the process-lifetime state for one relay's serving side:
// its local event mirror, its escrow vault (if this relay holds an
// escrowed writer key), and the set of gateway connections it has
// dialed.
type Worker struct {
	Ctx     context.T
	Cfg     *config.C
	Key     peer.Key
	Ident   peer.Identity
	Replica *replica.Replica
	Escrow  *escrow.Vault
	Health  *health.Manager
	Assets  *AssetStore

	connsMu sync.Mutex
	conns   map[string]*peer.Conn // by gateway addr
}

// New constructs a Worker. repl and vault may be nil in deployments that
// only serve files, or that hold no escrowed credentials. healthMgr may
// be nil; it is kept as Worker.Health, and escrow policy evaluation does
// not consult it.
func New(
	ctx context.T, cfg *config.C, key peer.Key, repl *replica.Replica, vault *escrow.Vault,
	healthMgr *health.Manager, assets *AssetStore,
) *Worker {
	w := &Worker{
		Ctx:     ctx,
		Cfg:     cfg,
		Key:     key,
		Replica: repl,
		Escrow:  vault,
		Health:  healthMgr,
		Assets:  assets,
		conns:   make(map[string]*peer.Conn),
		Ident: peer.Identity{
			Role:               "worker",
			Capabilities:       []string{peer.CapabilityEvents, peer.CapabilityFiles, peer.CapabilityJoin},
			HyperbeeKey:        key.String(),
			DelegateReqToPeers: cfg.WorkerDelegateReqToPeers,
		},
	}
	if repl != nil {
		w.Ident.HyperbeeLength = repl.Length()
		w.Ident.HyperbeeContiguousLength = repl.ContiguousLength()
	}
	return w
}

// ConnectAll dials every gateway in Cfg.WorkerGatewayAddrList and
// self-registers the relay on each, retrying indefinitely in the
// background on failure (spec.md §6.2's expectation that a worker keeps
// trying to reach its gateways).
func (w *Worker) ConnectAll(ctx context.T) {
	for _, addr := range w.Cfg.WorkerGatewayAddrList() {
		go w.maintainConnection(ctx, addr)
	}
}

func (w *Worker) maintainConnection(ctx context.T, addr string) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := w.connect(ctx, addr); chk.E(err) {
			log.W.F("worker: connect to gateway %s failed, retrying in %s: %v", addr, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// connect dials addr, presents the peer-key preamble the gateway's
// PeerListener expects, wraps the connection, installs this worker's
// RPC handlers on every channel the gateway opens, and blocks until the
// connection tears down.
func (w *Worker) connect(ctx context.T, addr string) error {
	nc, err := net.DialTimeout("tcp", addr, 15*time.Second)
	if err != nil {
		return fmt.Errorf("worker: dial %s: %w", addr, err)
	}
	if _, err = nc.Write(w.Key[:]); err != nil {
		chk.E(nc.Close())
		return fmt.Errorf("worker: send identity preamble to %s: %w", addr, err)
	}

	closed := make(chan error, 1)
	conn := peer.NewConn(
		ctx, nc, w.Ident, peer.Hooks{
			OnAccept: func(ch *peer.Channel) {
				w.installHandlers(ch)
			},
			OnConnectionClosed: func(cause error) {
				closed <- cause
			},
		},
	)

	w.connsMu.Lock()
	w.conns[addr] = conn
	w.connsMu.Unlock()
	defer func() {
		w.connsMu.Lock()
		delete(w.conns, addr)
		w.connsMu.Unlock()
	}()

	if err = w.selfRegister(ctx, conn); chk.E(err) {
		chk.E(conn.Close())
		return err
	}
	log.I.F("worker: registered relay %s with gateway %s", w.Cfg.WorkerRelayKey, addr)

	select {
	case cause := <-closed:
		return cause
	case <-ctx.Done():
		return nil
	}
}

// selfRegister opens a channel to the just-connected gateway and calls
// `/identify` then `/gateway/register` (spec.md §6.2), advertising the
// single relay this worker serves.
func (w *Worker) selfRegister(ctx context.T, conn *peer.Conn) error {
	ch, err := conn.OpenChannel(ctx)
	if err != nil {
		return fmt.Errorf("worker: open registration channel: %w", err)
	}
	defer chk.E(ch.Close())

	if _, err = ch.Do(ctx, &peer.Request{Method: "POST", Path: "/identify"}); err != nil {
		return fmt.Errorf("worker: identify: %w", err)
	}

	body, err := json.Marshal(
		map[string]any{
			"relayKey": w.Cfg.WorkerRelayKey,
			"metadata": map[string]any{
				"delegateReqToPeers": w.Cfg.WorkerDelegateReqToPeers,
				"metadataUpdatedAt":  time.Now().UTC(),
			},
			"ttlSeconds": w.Cfg.RegistrationCacheTTLSeconds,
		},
	)
	if err != nil {
		return err
	}
	resp, err := ch.Do(ctx, &peer.Request{Method: "POST", Path: "/gateway/register", Body: body})
	if err != nil {
		return fmt.Errorf("worker: gateway/register: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker: gateway/register rejected: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// installHandlers wires every peer RPC this worker answers (spec.md
// §6.2) onto a freshly-opened channel.
func (w *Worker) installHandlers(ch *peer.Channel) {
	ch.HandlePrefix("/drive/", w.handleDrive)
	ch.HandlePrefix("/pfp/", w.handlePfp)
	ch.HandlePrefix("/post/relay/", w.handlePostRelay)
	ch.HandlePrefix("/get/relay/", w.handleGetRelay)
	ch.HandlePrefix("/post/join/", w.handlePostJoin)
	ch.Handle("/finalize-auth", w.handleFinalizeAuth)
	ch.HandlePrefix("/callback/", w.handleCallback)
}
