// Package escrow holds credential-escrow deposits (sealed writer-key
// packages) and enforces the policy that gates unlocking them, plus a
// time-boxed lease vault that holds an unlocked key in memory only for
// as long as a lease is active (spec.md C7).
package escrow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/nacl/box"
	"lukechampine.com/frand"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/chk"
)

// Record is a deposited, sealed writer-key package. The plaintext key
// never touches disk or this struct — only SealedWriterKey, which is
// opaque without the service's long-term secret key. PayloadDigest lets
// a caller confirm, without ever seeing the plaintext itself, that an
// unlock returned the same key that was deposited.
type Record struct {
	ID               string    `json:"id"`
	RelayKey         string    `json:"relayKey"`
	OwnerPeerKey     peer.Key  `json:"ownerPeerKey"`
	SealedWriterKey  []byte    `json:"sealedWriterKey"`
	PayloadDigest    [32]byte  `json:"payloadDigest"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Revoked          bool      `json:"revoked"`
	UnlockCount      int       `json:"unlockCount"`
	RequireEscrowCap bool      `json:"requireEscrowCap"`
}

// AuditEntry is one append-only log record of a deposit, unlock
// decision, or revocation (spec.md §4.7's "on rejection the audit log
// records reasons", §6.4's append-only audit log).
type AuditEntry struct {
	Type     string    `json:"type"`
	RecordID string    `json:"recordId"`
	RelayKey string    `json:"relayKey,omitempty"`
	Reasons  []string  `json:"reasons,omitempty"`
	At       time.Time `json:"at"`
}

var recordPrefix = []byte("esc")

// auditPrefix namespaces the audit log's keys. spec.md §6.4 names this
// log's storage namespace `autobase-escrow-audit`; this store persists
// to badger rather than an autobase/hyperbee, so the equivalent is a
// badger key prefix instead of a hyperbee namespace. Keys are suffixed
// with a big-endian nanosecond timestamp so badger's key-sorted
// iteration yields the log in append order.
var auditPrefix = []byte("escrowaudit")

// Store persists escrow records in badger and holds the service's own
// long-term sealed-box keypair (see Open).
type Store struct {
	db  *badger.DB
	pub *[32]byte
	sec *[32]byte
}

// Open opens (creating if absent) a badger store at dir, and loads or
// generates the service's long-term sealed-box keypair from
// <dir>/keypair.json (spec.md §6.4). Every deposit is sealed to this
// keypair's public half; only Vault.Unlock, which holds the secret
// half, can ever open one.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("escrow: open %s: %w", dir, err)
	}
	pub, sec, err := loadOrGenerateKeypair(dir)
	if err != nil {
		chk.E(db.Close())
		return nil, err
	}
	return &Store{db: db, pub: pub, sec: sec}, nil
}

// keypairFile is the on-disk shape of <storageDir>/keypair.json
// (spec.md §6.4: `{publicKey, secretKey}`, both base64).
type keypairFile struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

func loadOrGenerateKeypair(dir string) (pub, sec *[32]byte, err error) {
	path := filepath.Join(dir, "keypair.json")
	if data, readErr := os.ReadFile(path); readErr == nil {
		var kf keypairFile
		if err = json.Unmarshal(data, &kf); err != nil {
			return nil, nil, fmt.Errorf("escrow: parse %s: %w", path, err)
		}
		pubBytes, err1 := base64.StdEncoding.DecodeString(kf.PublicKey)
		secBytes, err2 := base64.StdEncoding.DecodeString(kf.SecretKey)
		if err1 != nil {
			return nil, nil, fmt.Errorf("escrow: decode public key in %s: %w", path, err1)
		}
		if err2 != nil {
			return nil, nil, fmt.Errorf("escrow: decode secret key in %s: %w", path, err2)
		}
		if len(pubBytes) != 32 || len(secBytes) != 32 {
			return nil, nil, fmt.Errorf("escrow: %s has malformed key lengths", path)
		}
		pub, sec = new([32]byte), new([32]byte)
		copy(pub[:], pubBytes)
		copy(sec[:], secBytes)
		return pub, sec, nil
	}

	p, s, genErr := box.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, nil, fmt.Errorf("escrow: generate service keypair: %w", genErr)
	}
	kf := keypairFile{
		PublicKey: base64.StdEncoding.EncodeToString(p[:]),
		SecretKey: base64.StdEncoding.EncodeToString(s[:]),
	}
	body, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("escrow: marshal keypair: %w", err)
	}
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("escrow: create %s: %w", dir, err)
	}
	if err = os.WriteFile(path, body, 0o600); err != nil {
		return nil, nil, fmt.Errorf("escrow: write %s: %w", path, err)
	}
	return p, s, nil
}

// Deposit seals writerKey for the service's own long-term public key
// and stores a new record, valid for depositTTL. ownerPeerKey identifies
// who deposited it; it plays no cryptographic role — only the service
// keypair Vault.Unlock holds the secret half of can ever open the
// sealed package.
func (s *Store) Deposit(
	relayKey string, ownerPeerKey peer.Key, writerKey []byte, depositTTL time.Duration, requireEscrowCap bool,
) (*Record, error) {
	sealed, err := Seal(writerKey, s.pub)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rec := &Record{
		ID:               frand.Hex(16),
		RelayKey:         relayKey,
		OwnerPeerKey:     ownerPeerKey,
		SealedWriterKey:  sealed,
		PayloadDigest:    sha256.Sum256(writerKey),
		CreatedAt:        now,
		ExpiresAt:        now.Add(depositTTL),
		RequireEscrowCap: requireEscrowCap,
	}
	if err = s.put(rec); err != nil {
		return nil, err
	}
	chk.E(s.appendAudit(AuditEntry{Type: "deposit", RecordID: rec.ID, RelayKey: relayKey}))
	return rec, nil
}

func (s *Store) put(rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("escrow: marshal record: %w", err)
	}
	return s.db.Update(
		func(txn *badger.Txn) error {
			return txn.Set(append(recordPrefix, rec.ID...), body)
		},
	)
}

// Get returns the record by id.
func (s *Store) Get(id string) (*Record, bool, error) {
	var rec Record
	found := false
	err := s.db.View(
		func(txn *badger.Txn) error {
			item, err := txn.Get(append(recordPrefix, id...))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			return item.Value(
				func(val []byte) error {
					return json.Unmarshal(val, &rec)
				},
			)
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Revoke marks a record revoked; a revoked record can never be unlocked
// again even if not yet expired.
func (s *Store) Revoke(id string) error {
	rec, ok, err := s.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("escrow: record %s not found", id)
	}
	rec.Revoked = true
	if err = s.put(rec); err != nil {
		return err
	}
	return s.appendAudit(AuditEntry{Type: "revoke", RecordID: rec.ID, RelayKey: rec.RelayKey})
}

func (s *Store) incrementUnlockCount(id string) (int, error) {
	rec, ok, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("escrow: record %s not found", id)
	}
	rec.UnlockCount++
	if err = s.put(rec); chk.E(err) {
		return 0, err
	}
	return rec.UnlockCount, nil
}

// appendAudit writes one entry to the append-only audit log.
func (s *Store) appendAudit(entry AuditEntry) error {
	entry.At = time.Now()
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("escrow: marshal audit entry: %w", err)
	}
	key := make([]byte, 0, len(auditPrefix)+8+4)
	key = append(key, auditPrefix...)
	key = appendUint64(key, uint64(entry.At.UnixNano()))
	key = append(key, frand.Bytes(4)...)
	return s.db.Update(
		func(txn *badger.Txn) error {
			return txn.Set(key, body)
		},
	)
}

func appendUint64(b []byte, v uint64) []byte {
	return append(
		b, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

// AuditLog returns every audit entry in append order, oldest first. It
// exists for operator introspection and tests; the hot path never reads
// it back.
func (s *Store) AuditLog() ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.View(
		func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek(auditPrefix); it.ValidForPrefix(auditPrefix); it.Next() {
				var entry AuditEntry
				if err := it.Item().Value(
					func(val []byte) error {
						return json.Unmarshal(val, &entry)
					},
				); err != nil {
					return err
				}
				out = append(out, entry)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("escrow: read audit log: %w", err)
	}
	return out, nil
}

// Close releases the underlying badger store.
func (s *Store) Close() error { return s.db.Close() }
