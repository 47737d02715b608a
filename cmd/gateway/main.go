// Command gateway runs the client-facing session core: the HTTP/WS
// surface, the peer connection pool, and every component a gateway
// session reads from (health, registration, dispatch, escrow, discovery).
// Grounded on the teacher's main.go startup sequence.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"hypertuna.dev/app/config"
	"hypertuna.dev/app/gateway"
	"hypertuna.dev/protocol/discovery"
	"hypertuna.dev/protocol/dispatch"
	"hypertuna.dev/protocol/escrow"
	"hypertuna.dev/protocol/health"
	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/protocol/pool"
	"hypertuna.dev/protocol/registration"
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
	log.I.F("starting %s gateway %s", cfg.AppName, version.V)

	ctx, cancel := context.Cancel(context.Bg())

	healthMgr := health.New(cfg.HealthFailureThreshold, cfg.CircuitBreakerTimeout)

	gatewayIdent := peer.Identity{Role: "gateway", Capabilities: []string{peer.CapabilityEvents}}
	peerPool := pool.New(ctx, dialPeer, gatewayIdent)

	regStore, err := openRegistrationStore(cfg)
	if chk.E(err) {
		os.Exit(1)
	}

	scoreboard := dispatch.New(
		dispatch.Weights{
			InFlight: cfg.InFlightWeight, Latency: cfg.LatencyWeight, Failure: cfg.FailureWeight, Lag: cfg.LagWeight,
		}, healthMgr, cfg.MaxConcurrentJobsPerPeer, cfg.ReassignOnLagBlocks,
	)

	escrowStore, err := escrow.Open(filepath.Join(cfg.StateDir, "escrow"))
	if chk.E(err) {
		os.Exit(1)
	}
	vault := escrow.NewVault(
		escrowStore, escrow.PolicyConfig{
			PeerLivenessTimeout: time.Duration(cfg.EscrowPeerLivenessTimeoutMs) * time.Millisecond,
			MirrorMaxLag:        time.Duration(cfg.EscrowMirrorMaxLagMs) * time.Millisecond,
			MirrorWindow:        time.Duration(cfg.EscrowMirrorWindowMs) * time.Millisecond,
			MaxUnlocksPerLease:  cfg.EscrowMaxUnlocksPerLease,
			RequireEscrowFlag:   cfg.EscrowRequireFlag,
		},
	)
	go vault.RunSweep(ctx, time.Minute)

	tokens := gateway.NewTokenService([]byte(cfg.GatewayRegistrationSecret), gateway.DefaultTokenTTL)

	discTable := discovery.NewTable()
	go discTable.RunSweep(ctx, cfg.DiscoveryInterval)

	go runPruneSweep(ctx, regStore, cfg.RegistrationPruneInterval)
	go runHealthProbeSweep(ctx, peerPool, healthMgr, cfg.HealthProbeInterval)

	deps := &gateway.Deps{
		Pool:          peerPool,
		Health:        healthMgr,
		Registrations: regStore,
		Scoreboard:    scoreboard,
		Escrow:        vault,
		Tokens:        tokens,
	}
	gateway.WirePeerRegistration(deps, time.Duration(cfg.RegistrationCacheTTLSeconds)*time.Second)

	var wg sync.WaitGroup
	srv := gateway.NewServer(ctx, cancel, &wg, cfg, deps, discTable)

	peerAddr := net.JoinHostPort(cfg.Listen, fmt.Sprint(cfg.PeerPort))
	peerLn, err := gateway.ListenPeers(peerAddr)
	if chk.E(err) {
		os.Exit(1)
	}
	log.I.F("gateway: peer protocol listening on %s", peerAddr)
	go gateway.ServePeerListener(ctx, peerLn, deps)

	if cfg.DiscoveryEndpoint != "" && cfg.DiscoveryAddress != "" {
		sec, gwKey, advErr := discoverySigningKey(cfg)
		if chk.E(advErr) {
			os.Exit(1)
		}
		adv := discovery.NewAdvertiser(
			gwKey, cfg.DiscoveryAddress, sec, time.Duration(cfg.DiscoveryTTLSeconds)*time.Second, cfg.DiscoveryEndpoint,
		)
		go adv.Run(ctx, cfg.DiscoveryInterval)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.W.Ln("gateway: received shutdown signal")
		srv.Shutdown()
	}()

	if err = srv.Start(); chk.E(err) {
		log.F.F("gateway: server terminated: %v", err)
	}
}

// dialPeer is unused by the gateway in normal operation (workers always
// dial in), but pool.New requires a Dialer for the rare
// operator-triggered reconnect attempt against a peer whose advertised
// address is already known.
func dialPeer(ctx context.T, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// runPruneSweep periodically drops registrations whose TTL has elapsed
// (spec.md §5's 60s pruning cadence). Redis enforces its own expiry
// natively and treats this as a no-op; Memory relies on it entirely.
func runPruneSweep(ctx context.T, store registration.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneExpired(ctx)
			if chk.E(err) {
				continue
			}
			if n > 0 {
				log.D.F("gateway: pruned %d expired registrations", n)
			}
		}
	}
}

// runHealthProbeSweep sends a health-check frame to every pooled peer on
// a timer (spec.md §5's 30s health-probe cadence, §4.3), recording the
// outcome in healthMgr. A circuit-broken peer is only probed once
// AllowProbe admits it, so concurrent sweep ticks never pile up probes
// against a peer that's still down.
func runHealthProbeSweep(ctx context.T, pool *pool.Pool, healthMgr *health.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range pool.Keys() {
				probeOne(ctx, pool, healthMgr, key)
			}
		}
	}
}

func probeOne(ctx context.T, pool *pool.Pool, healthMgr *health.Manager, key peer.Key) {
	if healthMgr.State(key) == health.CircuitBroken {
		return
	}
	if healthMgr.State(key) == health.Probing {
		ok, release := healthMgr.AllowProbe(key)
		if !ok {
			return
		}
		defer release()
	}

	entry, ok := pool.Get(key)
	if !ok {
		return
	}
	probeCtx, cancel := context.Timeout(ctx, 5*time.Second)
	defer cancel()
	ch, err := entry.Conn.OpenChannel(probeCtx)
	if err != nil {
		healthMgr.RecordFailure(key)
		return
	}
	defer chk.E(ch.Close())
	if _, err = ch.Probe(probeCtx); err != nil {
		healthMgr.RecordFailure(key)
		return
	}
	healthMgr.RecordSuccess(key)
}

func openRegistrationStore(cfg *config.C) (registration.Store, error) {
	if cfg.RegistrationBackend != "redis" {
		return registration.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return registration.NewRedis(client, cfg.AppName+":registration:"), nil
}

func discoverySigningKey(cfg *config.C) (ed25519.PrivateKey, string, error) {
	if cfg.DiscoverySecretHex != "" {
		b, err := hex.DecodeString(cfg.DiscoverySecretHex)
		if err != nil {
			return nil, "", fmt.Errorf("gateway: malformed HYPERTUNA_DISCOVERY_SECRET_KEY: %w", err)
		}
		sec := ed25519.PrivateKey(b)
		pub := sec.Public().(ed25519.PublicKey)
		return sec, hex.EncodeToString(pub), nil
	}
	pub, sec, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, "", err
	}
	log.W.Ln("gateway: no discovery signing key configured, generated an ephemeral one for this run")
	return sec, hex.EncodeToString(pub), nil
}
