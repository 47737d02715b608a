// Package discovery advertises and discovers gateway rendezvous points
// via signed announcements, with TOFU hash pinning on first sight and a
// TTL-bounded table swept periodically (spec.md C8).
package discovery

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"lukechampine.com/frand"

	"hypertuna.dev/protocol/envelope"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// Announcement is a signed rendezvous record a gateway publishes about
// itself.
type Announcement struct {
	GatewayKey string    `json:"gatewayKey"`
	Address    string    `json:"address"`
	Nonce      string    `json:"nonce"`
	IssuedAt   time.Time `json:"issuedAt"`
	TTL        int64     `json:"ttlSeconds"`
	Signature  []byte    `json:"signature"`
}

func (a Announcement) signingPayload() map[string]any {
	return map[string]any{
		"gatewayKey": a.GatewayKey,
		"address":    a.Address,
		"nonce":      a.Nonce,
		"issuedAt":   a.IssuedAt.Unix(),
		"ttlSeconds": a.TTL,
	}
}

// Sign fills in Nonce, IssuedAt and Signature using sec, an ed25519
// private key matching GatewayKey.
func (a *Announcement) Sign(sec ed25519.PrivateKey) error {
	a.Nonce = frand.Hex(12)
	a.IssuedAt = time.Now()
	canon, err := envelope.Canonical(a.signingPayload())
	if err != nil {
		return err
	}
	a.Signature = ed25519.Sign(sec, canon)
	return nil
}

// Verify checks a's signature against pub.
func (a Announcement) Verify(pub ed25519.PublicKey) (bool, error) {
	canon, err := envelope.Canonical(a.signingPayload())
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, canon, a.Signature), nil
}

func (a Announcement) expiresAt() time.Time {
	return a.IssuedAt.Add(time.Duration(a.TTL) * time.Second)
}

// pinned is one TOFU-pinned entry in the discovery table.
type pinned struct {
	announcement Announcement
	pubKeyHash   [32]byte
}

// Table is the client-side discovery cache: signed announcements whose
// signature and pinned public-key hash are both checked on every
// Observe, with TTL expiry and a periodic cleanup sweep.
type Table struct {
	entries *xsync.MapOf[string, *pinned]
}

// NewTable constructs an empty discovery table.
func NewTable() *Table {
	return &Table{entries: xsync.NewMapOf[string, *pinned]()}
}

// Observe verifies ann against pub and, if this is the first time
// gatewayKey has been seen, pins pub's hash (TOFU). On subsequent
// sightings, a mismatched pub is rejected even if the signature itself
// would otherwise verify — this is what catches a key-rotation attack
// rather than a legitimate rotation, which must go through Forget first.
func (t *Table) Observe(ann Announcement, pub ed25519.PublicKey) error {
	ok, err := ann.Verify(pub)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("discovery: signature verification failed for %s", ann.GatewayKey)
	}
	if time.Now().After(ann.expiresAt()) {
		return fmt.Errorf("discovery: announcement for %s already expired", ann.GatewayKey)
	}

	digest, err := envelope.Digest(map[string]any{"pub": []byte(pub)})
	if err != nil {
		return err
	}
	var hash [32]byte
	copy(hash[:], digest)

	existing, loaded := t.entries.LoadOrStore(ann.GatewayKey, &pinned{announcement: ann, pubKeyHash: hash})
	if loaded {
		if existing.pubKeyHash != hash {
			return fmt.Errorf("discovery: public key for %s does not match pinned value", ann.GatewayKey)
		}
		existing.announcement = ann
	}
	return nil
}

// Lookup returns the live (unexpired) announcement for gatewayKey.
func (t *Table) Lookup(gatewayKey string) (Announcement, bool) {
	p, ok := t.entries.Load(gatewayKey)
	if !ok {
		return Announcement{}, false
	}
	if time.Now().After(p.announcement.expiresAt()) {
		return Announcement{}, false
	}
	return p.announcement, true
}

// Forget drops gatewayKey's pinned entry, permitting a future Observe to
// re-pin under a new key (an explicit, operator-driven key rotation).
func (t *Table) Forget(gatewayKey string) { t.entries.Delete(gatewayKey) }

// Sweep removes every expired entry and reports how many were removed.
func (t *Table) Sweep() int {
	removed := 0
	now := time.Now()
	t.entries.Range(
		func(key string, p *pinned) bool {
			if now.After(p.announcement.expiresAt()) {
				t.entries.Delete(key)
				removed++
			}
			return true
		},
	)
	return removed
}

// RunSweep calls Sweep every interval until ctx is cancelled.
func (t *Table) RunSweep(ctx context.T, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				log.D.F("discovery: swept %d expired announcements", n)
			}
		}
	}
}

// Advertiser periodically publishes this gateway's own announcement to
// a rendezvous endpoint.
type Advertiser struct {
	gatewayKey string
	address    string
	sec        ed25519.PrivateKey
	ttl        time.Duration
	endpoint   string
	client     *http.Client

	mu     sync.Mutex
	latest Announcement
}

// NewAdvertiser constructs an Advertiser that signs with sec and posts
// to endpoint.
func NewAdvertiser(gatewayKey, address string, sec ed25519.PrivateKey, ttl time.Duration, endpoint string) *Advertiser {
	return &Advertiser{
		gatewayKey: gatewayKey,
		address:    address,
		sec:        sec,
		ttl:        ttl,
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish signs and posts a fresh announcement.
func (a *Advertiser) Publish(ctx context.T) error {
	ann := Announcement{
		GatewayKey: a.gatewayKey,
		Address:    a.address,
		TTL:        int64(a.ttl / time.Second),
	}
	if err := ann.Sign(a.sec); err != nil {
		return err
	}

	body, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("discovery: marshal announcement: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("discovery: publish: %w", err)
	}
	defer chk.E(resp.Body.Close())
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discovery: publish rejected with status %d", resp.StatusCode)
	}

	a.mu.Lock()
	a.latest = ann
	a.mu.Unlock()
	return nil
}

// Run publishes on a fixed interval until ctx is cancelled.
func (a *Advertiser) Run(ctx context.T, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := a.Publish(ctx); chk.E(err) {
		log.W.F("discovery: initial publish failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Publish(ctx); chk.E(err) {
				log.W.F("discovery: publish failed: %v", err)
			}
		}
	}
}

// Client fetches a gateway's announcement over a shared-secret HTTPS
// endpoint and, when the response carries an X-Content-Sha256 header,
// checks the body against it (see Fetch). A response without that
// header is not checked.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
}

// NewClient constructs a discovery Client for endpoint, authenticating
// with secret (spec.md §6.5's shared-secret rendezvous fetch).
func NewClient(endpoint, secret string) *Client {
	return &Client{endpoint: endpoint, secret: secret, http: &http.Client{Timeout: 10 * time.Second}}
}

// Fetch retrieves and decodes a gatewayKey's announcement. When the
// response sets an `X-Content-Sha256` header, Fetch compares it with the
// hex sha256 of the body's canonical JSON form (envelope.Digest) and
// fails on a mismatch; without the header the body is returned unchecked.
func (c *Client) Fetch(ctx context.T, gatewayKey string) (Announcement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+gatewayKey, nil)
	if err != nil {
		return Announcement{}, fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Announcement{}, fmt.Errorf("discovery: fetch: %w", err)
	}
	defer chk.E(resp.Body.Close())
	if resp.StatusCode != http.StatusOK {
		return Announcement{}, fmt.Errorf("discovery: fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Announcement{}, fmt.Errorf("discovery: read body: %w", err)
	}

	var ann Announcement
	if err = json.Unmarshal(body, &ann); err != nil {
		return Announcement{}, fmt.Errorf("discovery: unmarshal announcement: %w", err)
	}

	if wantHex := resp.Header.Get("X-Content-Sha256"); wantHex != "" {
		digest, dErr := envelope.Digest(json.RawMessage(body))
		if dErr != nil {
			return Announcement{}, dErr
		}
		if fmt.Sprintf("%x", digest) != wantHex {
			return Announcement{}, fmt.Errorf("discovery: response digest mismatch")
		}
	}
	return ann, nil
}
