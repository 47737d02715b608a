package escrow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/frand"

	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
)

// lease is an unlocked writer key held in memory for a bounded window.
// The plaintext key is zeroized in place the moment the lease is
// released or swept, rather than relying on garbage collection.
type lease struct {
	recordID  string
	writerKey []byte
	expiresAt time.Time
}

// Vault holds unlocked writer keys outside the Store, so a key is never
// written to disk in the clear. Leases expire automatically; a
// background sweep zeroizes and drops anything past its TTL (spec.md
// C7).
type Vault struct {
	mu     sync.Mutex
	leases map[string]*lease

	store *Store
	cfg   PolicyConfig
}

// NewVault constructs a Vault backed by store and governed by cfg.
func NewVault(store *Store, cfg PolicyConfig) *Vault {
	return &Vault{
		leases: make(map[string]*lease),
		store:  store,
		cfg:    cfg,
	}
}

// UnlockResult is what a successful Unlock returns: a lease id this
// process can later redeem via Use/Release, the writer key re-sealed
// under the caller's own session public key (spec.md §4.7's "re-seals
// it under the caller's session public key... returns the sealed
// blob"), and the deposit's payload digest so the caller can confirm,
// without ever seeing the plaintext, that it received the key that was
// deposited.
type UnlockResult struct {
	LeaseID       string
	SealedKey     []byte
	PayloadDigest [32]byte
	ExpiresAt     time.Time
}

// Unlock checks recordID's unlock ceiling and evaluates policy against
// the evidence in in; only if both pass does it open the sealed writer
// key with the service's own long-term secret key, store the plaintext
// in the vault under a new lease id for leaseTTL and re-seal a copy
// under sessionPub for the caller to carry away. The caller never supplies, and this never
// requires, the original depositor's secret key (spec.md C7's
// third-party custodial unlock).
func (v *Vault) Unlock(
	recordID string, sessionPub *[32]byte, leaseTTL time.Duration, in PolicyInput,
) (UnlockResult, error) {
	rec, ok, err := v.store.Get(recordID)
	if err != nil {
		return UnlockResult{}, err
	}
	if !ok {
		return UnlockResult{}, fmt.Errorf("escrow: record %s not found", recordID)
	}

	if v.cfg.MaxUnlocksPerLease > 0 && rec.UnlockCount >= v.cfg.MaxUnlocksPerLease {
		chk.E(
			v.store.appendAudit(
				AuditEntry{
					Type: "unlock-rejected", RecordID: rec.ID, RelayKey: rec.RelayKey,
					Reasons: []string{"unlock-ceiling-reached"},
				},
			),
		)
		return UnlockResult{}, fmt.Errorf(
			"escrow: deposit %s has reached its unlock ceiling (%d)", rec.ID, v.cfg.MaxUnlocksPerLease,
		)
	}

	if err = Evaluate(rec, v.cfg, in); err != nil {
		reasons := []string{err.Error()}
		var rej *Rejection
		if errors.As(err, &rej) {
			reasons = rej.Reasons
		}
		chk.E(
			v.store.appendAudit(
				AuditEntry{Type: "unlock-rejected", RecordID: rec.ID, RelayKey: rec.RelayKey, Reasons: reasons},
			),
		)
		return UnlockResult{}, err
	}

	plaintext, err := Open(rec.SealedWriterKey, v.store.pub, v.store.sec)
	if err != nil {
		return UnlockResult{}, fmt.Errorf("escrow: unlock %s: %w", recordID, err)
	}

	resealed, err := Seal(plaintext, sessionPub)
	if err != nil {
		zero(plaintext)
		return UnlockResult{}, fmt.Errorf("escrow: reseal %s for caller session key: %w", recordID, err)
	}

	if _, err = v.store.incrementUnlockCount(recordID); err != nil {
		zero(plaintext)
		return UnlockResult{}, err
	}

	leaseID := frand.Hex(16)
	expiresAt := time.Now().Add(leaseTTL)
	v.mu.Lock()
	v.leases[leaseID] = &lease{
		recordID:  recordID,
		writerKey: plaintext,
		expiresAt: expiresAt,
	}
	v.mu.Unlock()

	chk.E(v.store.appendAudit(AuditEntry{Type: "unlock-granted", RecordID: rec.ID, RelayKey: rec.RelayKey}))

	return UnlockResult{
		LeaseID: leaseID, SealedKey: resealed, PayloadDigest: rec.PayloadDigest, ExpiresAt: expiresAt,
	}, nil
}

// Use returns the plaintext writer key for an active lease without
// extending or releasing it. The caller must not retain the returned
// slice past the call — Release or the sweep may zeroize it
// concurrently.
func (v *Vault) Use(leaseID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.leases[leaseID]
	if !ok {
		return nil, fmt.Errorf("escrow: lease %s not found or expired", leaseID)
	}
	if time.Now().After(l.expiresAt) {
		zero(l.writerKey)
		delete(v.leases, leaseID)
		return nil, fmt.Errorf("escrow: lease %s expired", leaseID)
	}
	return l.writerKey, nil
}

// Release zeroizes and drops a lease immediately, before its TTL.
func (v *Vault) Release(leaseID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if l, ok := v.leases[leaseID]; ok {
		zero(l.writerKey)
		delete(v.leases, leaseID)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// RunSweep zeroizes and drops every expired lease every interval until
// ctx is cancelled (spec.md C7's "automatic expiry sweep").
func (v *Vault) RunSweep(ctx context.T, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweepOnce()
		}
	}
}

func (v *Vault) sweepOnce() {
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, l := range v.leases {
		if now.After(l.expiresAt) {
			zero(l.writerKey)
			delete(v.leases, id)
			log.D.F("escrow: swept expired lease %s for record %s", id, l.recordID)
		}
	}
}

// Len reports the number of currently active leases.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.leases)
}
