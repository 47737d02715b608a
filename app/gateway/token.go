// Token issuance, verification and out-of-band revocation for the
// gateway's admin API and WebSocket session open (spec.md §4.5, §6.1).
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"lukechampine.com/frand"

	"hypertuna.dev/protocol/envelope"
)

// Token is the bearer credential a client presents on its WebSocket
// connect URL (`?token=…`).
type Token struct {
	Value     string    `json:"value"`
	RelayKey  string    `json:"relayKey"`
	Pubkey    string    `json:"pubkey,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (t Token) signingPayload() map[string]any {
	return map[string]any{
		"value":     t.Value,
		"relayKey":  t.RelayKey,
		"pubkey":    t.Pubkey,
		"scope":     t.Scope,
		"issuedAt":  t.IssuedAt.Unix(),
		"expiresAt": t.ExpiresAt.Unix(),
	}
}

// signedToken is the wire form: payload plus its HMAC signature,
// concatenated into the opaque bearer string a client actually carries.
type signedToken struct {
	Payload   Token  `json:"payload"`
	Signature []byte `json:"signature"`
}

// TokenService issues, verifies and revokes tokens against a shared HMAC
// secret (spec.md §6.1's "signed-envelope shape"). Revocation is tracked
// in-process; a revoked token's Value is remembered for one TTL after
// its revocation, by which time a token this service issued has expired
// anyway, and every Revoke first sweeps out entries past that point, so
// the revocation set cannot grow without bound.
type TokenService struct {
	secret  []byte
	ttl     time.Duration
	revoked *xsync.MapOf[string, time.Time]

	mu        sync.Mutex
	sequence  int
	onRevoke  func(value string, reason string, sequence int)
}

// NewTokenService constructs a TokenService signing with secret and
// issuing tokens valid for ttl.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	return &TokenService{
		secret:  secret,
		ttl:     ttl,
		revoked: xsync.NewMapOf[string, time.Time](),
	}
}

// OnRevoke sets the hook invoked whenever Revoke succeeds, letting the
// session registry broadcast `["TOKEN","REVOKED",{reason,sequence}]` to
// every live session holding that token.
func (s *TokenService) OnRevoke(fn func(value, reason string, sequence int)) { s.onRevoke = fn }

// Issue mints and signs a fresh token for relayKey.
func (s *TokenService) Issue(relayKey, pubkey, scope string) (string, error) {
	now := time.Now()
	t := Token{
		Value:     frand.Hex(16),
		RelayKey:  relayKey,
		Pubkey:    pubkey,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	return s.encode(t)
}

// Refresh verifies value, then issues a new token for the same
// relay/pubkey/scope with a fresh TTL, revoking the old one.
func (s *TokenService) Refresh(value string) (string, error) {
	t, err := s.Verify(value)
	if err != nil {
		return "", err
	}
	s.Revoke(value, "refreshed")
	return s.Issue(t.RelayKey, t.Pubkey, t.Scope)
}

// Revoke marks value as revoked and fires the onRevoke hook, if set.
func (s *TokenService) Revoke(value, reason string) {
	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	s.mu.Unlock()

	s.sweepRevocations()
	s.revoked.Store(value, time.Now().Add(s.ttl))
	if s.onRevoke != nil {
		s.onRevoke(value, reason, seq)
	}
}

func (s *TokenService) encode(t Token) (string, error) {
	sig, err := envelope.Sign(t.signingPayload(), s.secret)
	if err != nil {
		return "", err
	}
	st := signedToken{Payload: t, Signature: sig}
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("gateway: marshal token: %w", err)
	}
	return string(raw), nil
}

// Verify decodes value, checks its signature and expiry, and confirms it
// has not been revoked.
func (s *TokenService) Verify(value string) (Token, error) {
	var st signedToken
	if err := json.Unmarshal([]byte(value), &st); err != nil {
		return Token{}, fmt.Errorf("gateway: malformed token")
	}
	ok, err := envelope.Verify(st.Payload.signingPayload(), s.secret, st.Signature)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, fmt.Errorf("gateway: invalid token signature")
	}
	if time.Now().After(st.Payload.ExpiresAt) {
		return Token{}, fmt.Errorf("gateway: token expired")
	}
	if _, revoked := s.revoked.Load(st.Payload.Value); revoked {
		return Token{}, fmt.Errorf("gateway: token revoked")
	}
	return st.Payload, nil
}

// sweepRevocations drops revocation entries whose remembered-until time
// (revocation time plus the service TTL) has passed, keeping the revoked
// set bounded.
func (s *TokenService) sweepRevocations() {
	now := time.Now()
	s.revoked.Range(
		func(value string, expiresAt time.Time) bool {
			if now.After(expiresAt) {
				s.revoked.Delete(value)
			}
			return true
		},
	)
}
