// Command worker runs the peer side of the multiplexed protocol: it
// dials the configured gateways, registers the relay it serves, and
// answers the RPCs a gateway issues against that relay (event
// forwarding, file drive/pfp, join, credential finalization).
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hypertuna.dev/app/config"
	"hypertuna.dev/app/worker"
	"hypertuna.dev/protocol/escrow"
	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/replica"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
	"hypertuna.dev/version"
)

func main() {
	cfg, err := config.New()
	if chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	log.I.F("starting %s worker %s", cfg.AppName, version.V)

	key, err := workerKey(cfg)
	if chk.E(err) {
		os.Exit(1)
	}
	if cfg.WorkerRelayKey == "" {
		log.F.Ln("worker: HYPERTUNA_WORKER_RELAY_KEY is required")
		os.Exit(1)
	}
	if len(cfg.WorkerGatewayAddrList()) == 0 {
		log.F.Ln("worker: HYPERTUNA_WORKER_GATEWAY_ADDRS is required")
		os.Exit(1)
	}

	ctx, cancel := context.Cancel(context.Bg())

	repl, err := replica.Open(filepath.Join(cfg.DataDir, "replica"))
	if chk.E(err) {
		os.Exit(1)
	}
	defer chk.E(repl.Close())

	var vault *escrow.Vault
	if cfg.BlindPeerStorage != "" {
		store, openErr := escrow.Open(cfg.BlindPeerStorage)
		if chk.E(openErr) {
			os.Exit(1)
		}
		vault = escrow.NewVault(
			store, escrow.PolicyConfig{
				PeerLivenessTimeout: time.Duration(cfg.EscrowPeerLivenessTimeoutMs) * time.Millisecond,
				MirrorMaxLag:        time.Duration(cfg.EscrowMirrorMaxLagMs) * time.Millisecond,
				MirrorWindow:        time.Duration(cfg.EscrowMirrorWindowMs) * time.Millisecond,
				MaxUnlocksPerLease:  cfg.EscrowMaxUnlocksPerLease,
				RequireEscrowFlag:   cfg.EscrowRequireFlag,
			},
		)
		go vault.RunSweep(ctx, time.Minute)
	}

	healthMgr := health.New(cfg.HealthFailureThreshold, cfg.CircuitBreakerTimeout)

	var assets *worker.AssetStore
	if cfg.AssetsDir != "" {
		assets = worker.NewAssetStore(cfg.AssetsDir)
	}

	w := worker.New(ctx, cfg, key, repl, vault, healthMgr, assets)
	w.ConnectAll(ctx)
	log.I.F("worker: serving relay %s, connecting to %v", cfg.WorkerRelayKey, cfg.WorkerGatewayAddrList())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	log.W.Ln("worker: received shutdown signal")
	cancel()
}

// workerKey resolves this worker's peer key from HYPERTUNA_WORKER_PEER_KEY,
// generating and logging a fresh one if unset (a convenience for local
// runs; production deployments should pin the key so registrations
// survive a restart).
func workerKey(cfg *config.C) (peer.Key, error) {
	if cfg.WorkerPeerKeyHex != "" {
		return peer.ParseKey(cfg.WorkerPeerKeyHex)
	}
	var k peer.Key
	if _, err := rand.Read(k[:]); err != nil {
		return peer.Key{}, fmt.Errorf("worker: generate peer key: %w", err)
	}
	log.W.F("worker: no HYPERTUNA_WORKER_PEER_KEY configured, generated %s for this run", k)
	return k, nil
}
