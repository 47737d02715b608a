// Package replica is a local, badger-backed mirror of a relay's event
// log, indexed the way a hyperbee-style append log is queried: by
// created-at, by kind, by author, and by tag, each as a composite-key
// range scan rather than a secondary query engine (spec.md C6).
package replica

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
	"hypertuna.dev/utils/log"
	"hypertuna.dev/utils/units"
)

// Event is the minimal record shape the replica indexes. The gateway and
// worker carry richer event bodies; the replica only needs enough fields
// to range-scan and re-hydrate.
type Event struct {
	ID        string          `json:"id"`
	Pubkey    string          `json:"pubkey"`
	CreatedAt int64           `json:"createdAt"`
	Kind      uint16          `json:"kind"`
	Tags      [][]string      `json:"tags"`
	Raw       json.RawMessage `json:"raw"`
}

// index key prefixes, grounded on the teacher's 3-byte
// human-readable-prefix indexing scheme (database/indexes/keys.go).
var (
	eventPrefix     = []byte("evt")
	createdAtPrefix = []byte("c--")
	kindPrefix      = []byte("kc-")
	pubkeyPrefix    = []byte("pc-")
	tagPrefix       = []byte("tc-")
)

// Replica is one relay's local event mirror plus hyperbee-version
// bookkeeping (length / contiguous length as advertised in handshakes).
type Replica struct {
	db *badger.DB

	version          uint64
	length           uint64
	contiguousLength uint64
}

// Open opens (creating if absent) a badger store at dir for one relay's
// replica.
func Open(dir string) (*Replica, error) {
	opts := badger.DefaultOptions(dir)
	opts.BlockCacheSize = int64(units.Mb) * 64
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("replica: open %s: %w", dir, err)
	}
	r := &Replica{db: db}
	if err = r.loadBookkeeping(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) loadBookkeeping() error {
	return r.db.View(
		func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			var n uint64
			for it.Seek(eventPrefix); it.ValidForPrefix(eventPrefix); it.Next() {
				n++
			}
			r.length = n
			r.contiguousLength = n
			return nil
		},
	)
}

// Version reports the replica's hyperbee-equivalent version counter,
// incremented on every Append.
func (r *Replica) Version() uint64 { return r.version }

// Length reports the total number of events stored.
func (r *Replica) Length() uint64 { return r.length }

// ContiguousLength reports how many events from the start of the log
// have no gaps — equal to Length for this implementation since Append is
// the only write path and it never leaves holes.
func (r *Replica) ContiguousLength() uint64 { return r.contiguousLength }

func createdAtKey(createdAt int64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(createdAt))
	return b
}

// Append stores ev and updates its created-at, kind, pubkey and tag
// indexes in one badger transaction.
func (r *Replica) Append(ev Event) error {
	err := r.db.Update(
		func(txn *badger.Txn) error {
			body, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("replica: marshal event: %w", err)
			}
			if err = txn.Set(append(eventPrefix, ev.ID...), body); err != nil {
				return err
			}

			ca := createdAtKey(ev.CreatedAt)

			if err = txn.Set(indexKey(createdAtPrefix, ca[:], ev.ID), nil); err != nil {
				return err
			}

			var kindBuf [2]byte
			binary.BigEndian.PutUint16(kindBuf[:], ev.Kind)
			if err = txn.Set(indexKey(kindPrefix, append(kindBuf[:], ca[:]...), ev.ID), nil); err != nil {
				return err
			}

			if err = txn.Set(indexKey(pubkeyPrefix, append([]byte(ev.Pubkey), ca[:]...), ev.ID), nil); err != nil {
				return err
			}

			for _, tag := range ev.Tags {
				if len(tag) < 2 {
					continue
				}
				tagKey := append([]byte(tag[0]+tag[1]), ca[:]...)
				if err = txn.Set(indexKey(tagPrefix, tagKey, ev.ID), nil); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("replica: append: %w", err)
	}
	r.version++
	r.length++
	r.contiguousLength++
	return nil
}

func indexKey(prefix, mid []byte, id string) []byte {
	key := make([]byte, 0, len(prefix)+len(mid)+len(id))
	key = append(key, prefix...)
	key = append(key, mid...)
	key = append(key, id...)
	return key
}

// Range is an inclusive created-at window for a scan.
type Range struct {
	Since int64
	Until int64
	Limit int
}

// ByCreatedAt scans events in [Since, Until], newest first, up to Limit.
func (r *Replica) ByCreatedAt(rng Range) ([]Event, error) {
	return r.scan(createdAtPrefix, nil, rng)
}

// ByKind scans events of the given kind within rng.
func (r *Replica) ByKind(kind uint16, rng Range) ([]Event, error) {
	var kb [2]byte
	binary.BigEndian.PutUint16(kb[:], kind)
	return r.scan(kindPrefix, kb[:], rng)
}

// ByPubkey scans events authored by pubkey within rng.
func (r *Replica) ByPubkey(pubkey string, rng Range) ([]Event, error) {
	return r.scan(pubkeyPrefix, []byte(pubkey), rng)
}

// ByTag scans events carrying the tag (name, value) pair within rng.
func (r *Replica) ByTag(name, value string, rng Range) ([]Event, error) {
	return r.scan(tagPrefix, []byte(name+value), rng)
}

func (r *Replica) scan(prefix, sub []byte, rng Range) ([]Event, error) {
	var ids []string
	fullPrefix := append(append([]byte{}, prefix...), sub...)
	err := r.db.View(
		func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			it := txn.NewIterator(opts)
			defer it.Close()

			upper := createdAtKey(rng.Until)
			seekKey := append(append([]byte{}, fullPrefix...), upper[:]...)
			// badger reverse iteration seeks to the first key <= seekKey;
			// append 0xff to include equal-or-later composite keys.
			seekKey = append(seekKey, 0xff)

			for it.Seek(seekKey); it.ValidForPrefix(fullPrefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				rest := key[len(fullPrefix):]
				if len(rest) < 8 {
					continue
				}
				ca := int64(binary.BigEndian.Uint64(rest[:8]))
				if ca < rng.Since {
					break
				}
				id := string(rest[8:])
				ids = append(ids, id)
				if rng.Limit > 0 && len(ids) >= rng.Limit {
					break
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("replica: scan: %w", err)
	}
	return r.hydrate(ids)
}

func (r *Replica) hydrate(ids []string) ([]Event, error) {
	out := make([]Event, 0, len(ids))
	err := r.db.View(
		func(txn *badger.Txn) error {
			for _, id := range ids {
				item, err := txn.Get(append(eventPrefix, id...))
				if err != nil {
					log.W.F("replica: index referenced missing event %s", id)
					continue
				}
				var ev Event
				if err = item.Value(
					func(val []byte) error {
						return json.Unmarshal(val, &ev)
					},
				); chk.E(err) {
					continue
				}
				out = append(out, ev)
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying badger store.
func (r *Replica) Close() error { return r.db.Close() }
