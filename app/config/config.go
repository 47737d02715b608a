// Package config provides a go-simpler.org/env configuration table for
// both the gateway and worker binaries, and helpers for introspecting it
// (printing current values, help text) the way the teacher's app/config
// package does.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"

	"hypertuna.dev/utils/apputil"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/lol"
	"hypertuna.dev/utils/normalize"
	"hypertuna.dev/version"
)

// C holds every environment-driven setting for both roles. A single
// binary reads the whole struct and each role (gateway/worker) only
// consults the fields relevant to it; this mirrors the teacher's single
// config.C consumed by both the relay server and its ancillary services.
type C struct {
	AppName string `env:"HYPERTUNA_APP_NAME" default:"hypertuna"`
	Role    string `env:"HYPERTUNA_ROLE" default:"gateway" usage:"gateway or worker"`

	ConfigDir string `env:"HYPERTUNA_CONFIG_DIR" usage:"location of the .env file" default:"~/.config/hypertuna"`
	StateDir  string `env:"HYPERTUNA_STATE_DIR" usage:"storage for the gateway's escrow records" default:"~/.local/state/hypertuna"`
	DataDir   string `env:"HYPERTUNA_DATA_DIR" usage:"storage for the worker's local replica indexes" default:"~/.local/share/hypertuna"`

	Listen string `env:"HYPERTUNA_LISTEN" default:"0.0.0.0"`
	Port   int    `env:"HYPERTUNA_PORT" default:"3886"`

	LogLevel string `env:"HYPERTUNA_LOG_LEVEL" default:"info" usage:"fatal error warn info debug trace"`

	// Gateway registration secret (§6.5)
	GatewayRegistrationSecret string `env:"GATEWAY_REGISTRATION_SECRET" usage:"HMAC secret for signed envelopes on the admin API"`

	// Escrow policy knobs (§6.5, §4.7)
	EscrowLeaseTTLMs             int64 `env:"ESCROW_LEASE_TTL_MS" default:"900000"`
	EscrowDepositTTLMs           int64 `env:"ESCROW_DEPOSIT_TTL_MS" default:"86400000"`
	EscrowPeerLivenessTimeoutMs  int64 `env:"ESCROW_PEER_LIVENESS_TIMEOUT_MS" default:"45000"`
	EscrowMirrorMaxLagMs         int64 `env:"ESCROW_MIRROR_MAX_LAG_MS" default:"5000"`
	EscrowMirrorWindowMs         int64 `env:"ESCROW_MIRROR_WINDOW_MS" default:"60000"`
	EscrowRequireFlag            bool  `env:"ESCROW_REQUIRE_FLAG" default:"true"`
	EscrowMaxUnlocksPerLease     int   `env:"ESCROW_MAX_UNLOCKS_PER_LEASE" default:"3"`

	BlindPeerStorage string `env:"BLIND_PEER_STORAGE" usage:"directory the blind-peer byte store lives under"`

	GatewayRelayAdminPublicKey string `env:"GATEWAY_RELAY_ADMIN_PUBLIC_KEY"`
	GatewayRelaySecretKey      string `env:"GATEWAY_RELAY_ADMIN_SECRET_KEY"`

	// Registration store (C4)
	RegistrationCacheTTLSeconds int           `env:"HYPERTUNA_REGISTRATION_TTL_SECONDS" default:"300"`
	RegistrationBackend         string        `env:"HYPERTUNA_REGISTRATION_BACKEND" default:"memory" usage:"memory or redis"`
	RedisAddr                   string        `env:"HYPERTUNA_REDIS_ADDR"`
	RegistrationPruneInterval   time.Duration `env:"HYPERTUNA_REGISTRATION_PRUNE_INTERVAL" default:"60s"`

	// Peer health (C3)
	HealthFailureThreshold  int           `env:"HYPERTUNA_HEALTH_FAILURE_THRESHOLD" default:"3"`
	CircuitBreakerTimeout   time.Duration `env:"HYPERTUNA_CIRCUIT_BREAKER_TIMEOUT" default:"5m"`
	HealthProbeInterval     time.Duration `env:"HYPERTUNA_HEALTH_PROBE_INTERVAL" default:"30s"`

	// Dispatcher (C6)
	MaxConcurrentJobsPerPeer int     `env:"HYPERTUNA_MAX_CONCURRENT_JOBS_PER_PEER" default:"64"`
	ReassignOnLagBlocks      int64   `env:"HYPERTUNA_REASSIGN_ON_LAG_BLOCKS" default:"100"`
	InFlightWeight           float64 `env:"HYPERTUNA_SCORE_INFLIGHT_WEIGHT" default:"1.0"`
	LatencyWeight            float64 `env:"HYPERTUNA_SCORE_LATENCY_WEIGHT" default:"0.01"`
	FailureWeight            float64 `env:"HYPERTUNA_SCORE_FAILURE_WEIGHT" default:"50.0"`
	LagWeight                float64 `env:"HYPERTUNA_SCORE_LAG_WEIGHT" default:"0.1"`

	// Discovery (C8)
	DiscoveryOpenAccess  bool          `env:"HYPERTUNA_DISCOVERY_OPEN_ACCESS" default:"true"`
	DiscoveryTTLSeconds  int           `env:"HYPERTUNA_DISCOVERY_TTL_SECONDS" default:"300"`
	DiscoveryLANEnabled  bool          `env:"HYPERTUNA_DISCOVERY_LAN_ENABLED" default:"false" usage:"optional LAN/public-IP discovery toggle, not authoritative"`
	DiscoveryInterval    time.Duration `env:"HYPERTUNA_DISCOVERY_INTERVAL" default:"30s"`
	DiscoveryEndpoint    string        `env:"HYPERTUNA_DISCOVERY_ENDPOINT" usage:"directory endpoint this gateway publishes its announcement to and other gateways fetch from"`
	DiscoveryAddress     string        `env:"HYPERTUNA_DISCOVERY_ADDRESS" usage:"externally reachable host:port advertised in this gateway's announcement"`
	DiscoverySecretHex   string        `env:"HYPERTUNA_DISCOVERY_SECRET_KEY" usage:"hex-encoded ed25519 private key signing this gateway's announcements; generated ephemerally if unset"`
	DiscoveryBearerToken string        `env:"HYPERTUNA_DISCOVERY_BEARER_TOKEN" usage:"bearer token required to fetch another gateway's announcement"`

	// Delegated-forwarding fallback (C5)
	DelegationFallbackMs int64 `env:"HYPERTUNA_DELEGATION_FALLBACK_MS" default:"1500"`
	DelegationMaxRetries int   `env:"HYPERTUNA_DELEGATION_MAX_RETRIES" default:"5"`

	// Multiplexed peer protocol (C1/C2) transport, separate from the
	// client-facing HTTP/WS Port above.
	PeerPort int `env:"HYPERTUNA_PEER_PORT" default:"3887" usage:"TCP port workers dial to register with this gateway"`

	// Worker-side (§6.2)
	WorkerPeerKeyHex         string `env:"HYPERTUNA_WORKER_PEER_KEY" usage:"hex-encoded 32-byte peer key this worker presents to gateways"`
	WorkerGatewayAddrs       string `env:"HYPERTUNA_WORKER_GATEWAY_ADDRS" usage:"comma-separated host:port list of gateways this worker registers with"`
	WorkerRelayKey           string `env:"HYPERTUNA_WORKER_RELAY_KEY" usage:"a:b relay key this worker serves"`
	WorkerDelegateReqToPeers bool   `env:"HYPERTUNA_WORKER_DELEGATE_REQ_TO_PEERS" default:"false"`
	AssetsDir                string `env:"HYPERTUNA_ASSETS_DIR" usage:"directory containing drive/pfp files served over peer RPC"`
}

// WorkerGatewayAddrList splits WorkerGatewayAddrs on commas, canonicalizing
// and dropping empty entries so the same gateway written two superficially
// different ways still dedupes to one dial target.
func (c *C) WorkerGatewayAddrList() []string {
	var out []string
	for _, a := range strings.Split(c.WorkerGatewayAddrs, ",") {
		a = normalize.URL(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// DelegationFallback returns DelegationFallbackMs as a time.Duration.
func (c *C) DelegationFallback() time.Duration {
	return time.Duration(c.DelegationFallbackMs) * time.Millisecond
}

// New loads configuration from the environment (and an optional .env file
// under ConfigDir), exactly the way the teacher's config.New does.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.E(err) {
		return
	}
	if cfg.ConfigDir == "" || strings.Contains(cfg.ConfigDir, "~") {
		cfg.ConfigDir = filepath.Join(xdg.ConfigHome, cfg.AppName)
	}
	if cfg.DataDir == "" || strings.Contains(cfg.DataDir, "~") {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	if cfg.StateDir == "" || strings.Contains(cfg.StateDir, "~") {
		cfg.StateDir = filepath.Join(xdg.StateHome, cfg.AppName)
	}
	envPath := filepath.Join(cfg.ConfigDir, ".env")
	if apputil.FileExists(envPath) {
		if err = loadDotEnv(cfg, envPath); chk.E(err) {
			return
		}
	}
	lol.SetLogLevel(cfg.LogLevel)
	return
}

func loadDotEnv(cfg *C, path string) (err error) {
	data, err := os.ReadFile(path)
	if chk.E(err) {
		return
	}
	src := make(mapSource)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		src[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return env.Load(cfg, &env.Options{SliceSep: ",", Source: src})
}

// mapSource adapts a parsed .env file to env.Source.
type mapSource map[string]string

func (m mapSource) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// KV is a key/value configuration pair.
type KV struct{ Key, Value string }

// kvSlice is sortable for deterministic PrintEnv output.
type kvSlice []KV

func (s kvSlice) Len() int           { return len(s) }
func (s kvSlice) Less(i, j int) bool { return s[i].Key < s[j].Key }
func (s kvSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// EnvKV reflects over cfg's `env` tags and returns its current values as
// key/value pairs, for diagnostic printing.
func EnvKV(cfg C) (out []KV) {
	t := reflect.TypeOf(cfg)
	v := reflect.ValueOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		field := v.Field(i)
		var val string
		switch field.Kind() {
		case reflect.String:
			val = field.String()
		case reflect.Int, reflect.Int64:
			val = fmt.Sprint(field.Interface())
		case reflect.Bool:
			val = fmt.Sprint(field.Bool())
		case reflect.Float64:
			val = fmt.Sprint(field.Float())
		case reflect.Slice:
			var parts []string
			for j := 0; j < field.Len(); j++ {
				parts = append(parts, fmt.Sprint(field.Index(j).Interface()))
			}
			val = strings.Join(parts, ",")
		}
		out = append(out, KV{key, val})
	}
	return
}

// PrintEnv writes cfg's current environment-variable values to w, sorted
// by key.
func PrintEnv(cfg *C, w io.Writer) {
	kvs := kvSlice(EnvKV(*cfg))
	sort.Sort(kvs)
	for _, kv := range kvs {
		fmt.Fprintf(w, "%s=%s\n", kv.Key, kv.Value)
	}
}

// PrintHelp writes usage information and the current configuration to w.
func PrintHelp(cfg *C, w io.Writer) {
	fmt.Fprintf(w, "%s %s\n\n", cfg.AppName, version.V)
	env.Usage(cfg, w, &env.Options{SliceSep: ","})
	fmt.Fprintf(w, "\ncurrent configuration:\n\n")
	PrintEnv(cfg, w)
}
