package escrow

import (
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"hypertuna.dev/protocol/peer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "escrow"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func randPeerKey(t *testing.T) peer.Key {
	t.Helper()
	var k peer.Key
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := Seal([]byte("writer-key-bytes"), pub)
	require.NoError(t, err)

	opened, err := Open(sealed, pub, sec)
	require.NoError(t, err)
	require.Equal(t, []byte("writer-key-bytes"), opened)
}

func TestOpenFailsForWrongRecipient(t *testing.T) {
	pubA, _, _ := box.GenerateKey(rand.Reader)
	_, secB, _ := box.GenerateKey(rand.Reader)

	sealed, err := Seal([]byte("secret"), pubA)
	require.NoError(t, err)

	_, err = Open(sealed, pubA, secB)
	require.Error(t, err)
}

func TestDepositSealsToServiceKeypairNotOwner(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)

	// Nobody but the service's own secret key can open the deposit; the
	// owner's identity played no cryptographic role.
	_, err = Open(rec.SealedWriterKey, s.pub, s.sec)
	require.NoError(t, err)
}

func TestDepositComputesPayloadDigest(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256([]byte("writer-key")), rec.PayloadDigest)
}

func TestKeypairPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "escrow")
	s1, err := Open(dir)
	require.NoError(t, err)
	pub1 := *s1.pub
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	require.Equal(t, pub1, *s2.pub)
}

func TestDepositAndUnlock(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)

	sessionPub, sessionSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := NewVault(s, PolicyConfig{MaxUnlocksPerLease: 3})
	result, err := v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.NoError(t, err)
	require.Equal(t, rec.PayloadDigest, result.PayloadDigest)

	key, err := v.Use(result.LeaseID)
	require.NoError(t, err)
	require.Equal(t, []byte("writer-key"), key)

	resealed, err := Open(result.SealedKey, sessionPub, sessionSec)
	require.NoError(t, err)
	require.Equal(t, []byte("writer-key"), resealed)
}

func TestUnlockRejectsRevokedRecord(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(rec.ID))

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{})
	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.Error(t, err)

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Contains(t, rej.Reasons, "revoked")
}

func TestUnlockRejectsExpiredDeposit(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Millisecond, false)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{})
	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.Error(t, err)

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Contains(t, rej.Reasons, "expired")
}

func TestUnlockEnforcesMaxUnlocksPerLease(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{MaxUnlocksPerLease: 2})
	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.NoError(t, err)
	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.NoError(t, err)
	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.Error(t, err)

	// The ceiling is a vault-boundary invariant, not one of Evaluate's
	// policy rules, so it surfaces as a plain error, not a *Rejection.
	var rej *Rejection
	require.False(t, errAs(err, &rej))
}

// errAs is a tiny local shim so this file doesn't need to import
// "errors" solely for one negative assertion.
func errAs(err error, target **Rejection) bool {
	r, ok := err.(*Rejection)
	if ok {
		*target = r
	}
	return ok
}

func TestUnlockRequiresRegistrationEscrowEnabledWhenFlagged(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, true)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{})

	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{RegistrationEscrowEnabled: false})
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Contains(t, rej.Reasons, "registration-escrow-disabled")

	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{RegistrationEscrowEnabled: true})
	require.NoError(t, err)
}

// TestUnlockRejectedWhilePeersHealthy mirrors the "escrow unlock
// rejected" scenario: two peers still healthy, the last-healthy mark
// older than the liveness timeout, mirror in sync ⇒ the only violated
// rule is peers-still-healthy.
func TestUnlockRejectedWhilePeersHealthy(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit(
		"relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false,
	)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(
		s, PolicyConfig{
			PeerLivenessTimeout: 45 * time.Second,
			MirrorMaxLag:        5 * time.Second,
			MirrorWindow:        10 * time.Second,
		},
	)

	_, err = v.Unlock(
		rec.ID, sessionPub, time.Minute, PolicyInput{
			RegistrationEscrowEnabled: true,
			PeerHealthyCount:          2,
			PeerLastHealthyAt:         time.Now().Add(-46 * time.Second),
			MirrorLag:                 0,
			MirrorLastSyncedAt:        time.Now(),
		},
	)
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, []string{"peers-still-healthy"}, rej.Reasons)
}

// TestUnlockGrantedAfterPeerLivenessTimeoutElapses mirrors the
// "escrow unlock granted" scenario: every peer has been silent for
// longer than the liveness timeout, and the mirror is fresh.
func TestUnlockGrantedAfterPeerLivenessTimeoutElapses(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit(
		"relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false,
	)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(
		s, PolicyConfig{
			PeerLivenessTimeout: 45 * time.Second,
			MirrorMaxLag:        5 * time.Second,
			MirrorWindow:        10 * time.Second,
		},
	)

	result, err := v.Unlock(
		rec.ID, sessionPub, time.Minute, PolicyInput{
			RegistrationEscrowEnabled: true,
			PeerHealthyCount:          0,
			PeerLastHealthyAt:         time.Now().Add(-46 * time.Second),
			MirrorLag:                 0,
			MirrorLastSyncedAt:        time.Now().Add(-1 * time.Second),
		},
	)
	require.NoError(t, err)
	require.Equal(t, rec.PayloadDigest, result.PayloadDigest)
	require.Equal(t, sha256.Sum256([]byte("writer-key")), result.PayloadDigest)
}

func TestUnlockRejectsStaleMirror(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{MirrorWindow: 10 * time.Second})

	_, err = v.Unlock(
		rec.ID, sessionPub, time.Minute, PolicyInput{
			MirrorLastSyncedAt: time.Now().Add(-time.Minute),
		},
	)
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Contains(t, rej.Reasons, "mirror-sync-stale")
}

func TestUnlockRejectsExcessiveMirrorLag(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{MirrorMaxLag: time.Second})

	_, err = v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{MirrorLag: 5 * time.Second})
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Contains(t, rej.Reasons, "mirror-lag-exceeds-max")
}

func TestReleaseZeroizesAndRemovesLease(t *testing.T) {
	s := openTestStore(t)
	rec, _ := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{})
	result, err := v.Unlock(rec.ID, sessionPub, time.Minute, PolicyInput{})
	require.NoError(t, err)

	v.Release(result.LeaseID)
	_, err = v.Use(result.LeaseID)
	require.Error(t, err)
}

func TestSweepExpiresLeases(t *testing.T) {
	s := openTestStore(t)
	rec, _ := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{})
	result, err := v.Unlock(rec.ID, sessionPub, time.Millisecond, PolicyInput{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	v.sweepOnce()

	require.Equal(t, 0, v.Len())
	_, err = v.Use(result.LeaseID)
	require.Error(t, err)
}

func TestAuditLogRecordsDepositUnlockAndRevoke(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Deposit("relay-1", randPeerKey(t), []byte("writer-key"), time.Hour, false)
	require.NoError(t, err)

	sessionPub, _, _ := box.GenerateKey(rand.Reader)
	v := NewVault(s, PolicyConfig{PeerLivenessTimeout: 45 * time.Second})

	_, err = v.Unlock(
		rec.ID, sessionPub, time.Minute, PolicyInput{
			PeerHealthyCount: 1,
		},
	)
	require.Error(t, err)

	_, err = v.Unlock(
		rec.ID, sessionPub, time.Minute, PolicyInput{
			PeerHealthyCount:  0,
			PeerLastHealthyAt: time.Now().Add(-time.Hour),
		},
	)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(rec.ID))

	entries, err := s.AuditLog()
	require.NoError(t, err)

	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	require.Contains(t, types, "deposit")
	require.Contains(t, types, "unlock-rejected")
	require.Contains(t, types, "unlock-granted")
	require.Contains(t, types, "revoke")
}
