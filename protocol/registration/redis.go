package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hypertuna.dev/protocol/peer"
	"hypertuna.dev/utils/chk"
	"hypertuna.dev/utils/context"
)

// wireRecord is the JSON shape stored against each relay's Redis key.
// Stored as a single JSON blob rather than a hash so the whole
// registration's TTL is governed by one Redis-native key expiry.
type wireRecord struct {
	Peers             []peer.Key `json:"peers"`
	Metadata          Metadata   `json:"metadata,omitempty"`
	MetadataUpdatedAt time.Time  `json:"metadataUpdatedAt"`
}

// Redis is the shared-cluster registration store backend, for gateway
// deployments with more than one instance sharing the same registration
// view (spec.md C4, §6.5 HYPERTUNA_REGISTRATION_BACKEND=redis).
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing redis client. keyPrefix namespaces this
// store's keys so it can share a Redis instance with other subsystems.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

var _ Store = (*Redis)(nil)

func (r *Redis) key(relayKey string) string { return r.prefix + relayKey }

func (r *Redis) Upsert(
	ctx context.T, relayKey string, peerKey peer.Key, meta Metadata, ttl time.Duration,
) error {
	k := r.key(relayKey)
	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(
			ctx, func(tx *redis.Tx) error {
				rec, err := loadWire(ctx, tx, k)
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if rec == nil {
					rec = &wireRecord{}
				}
				rec.addPeer(peerKey)
				if meta != nil {
					updatedAt := metadataTimestamp(meta)
					if updatedAt.After(rec.MetadataUpdatedAt) {
						rec.Metadata = meta
						rec.MetadataUpdatedAt = updatedAt
					}
				}
				body, mErr := json.Marshal(rec)
				if mErr != nil {
					return fmt.Errorf("registration: marshal: %w", mErr)
				}
				_, txErr := tx.TxPipelined(
					ctx, func(pipe redis.Pipeliner) error {
						pipe.Set(ctx, k, body, ttl)
						return nil
					},
				)
				return txErr
			}, k,
		)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("registration: upsert %s: %w", relayKey, err)
	}
	return fmt.Errorf("registration: upsert %s: too many retries", relayKey)
}

func loadWire(ctx context.T, cmdable redis.Cmdable, key string) (*wireRecord, error) {
	raw, err := cmdable.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var rec wireRecord
	if err = json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("registration: unmarshal: %w", err)
	}
	return &rec, nil
}

func (rec *wireRecord) addPeer(peerKey peer.Key) {
	for _, p := range rec.Peers {
		if p == peerKey {
			return
		}
	}
	rec.Peers = append(rec.Peers, peerKey)
}

func (rec *wireRecord) removePeer(peerKey peer.Key) {
	out := rec.Peers[:0]
	for _, p := range rec.Peers {
		if p != peerKey {
			out = append(out, p)
		}
	}
	rec.Peers = out
}

func (r *Redis) Get(ctx context.T, relayKey string) (*Registration, bool, error) {
	rec, err := loadWire(ctx, r.client, r.key(relayKey))
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("registration: get %s: %w", relayKey, err)
	}
	ttl, err := r.client.TTL(ctx, r.key(relayKey)).Result()
	if chk.E(err) {
		ttl = 0
	}
	return &Registration{
		RelayKey:          relayKey,
		Peers:             rec.Peers,
		Metadata:          rec.Metadata,
		MetadataUpdatedAt: rec.MetadataUpdatedAt,
		ExpiresAt:         time.Now().Add(ttl),
	}, true, nil
}

func (r *Redis) RemovePeer(ctx context.T, relayKey string, peerKey peer.Key) error {
	k := r.key(relayKey)
	return r.client.Watch(
		ctx, func(tx *redis.Tx) error {
			rec, err := loadWire(ctx, tx, k)
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			rec.removePeer(peerKey)
			if len(rec.Peers) == 0 {
				_, err = tx.Del(ctx, k).Result()
				return err
			}
			ttl, err := tx.TTL(ctx, k).Result()
			if err != nil {
				return err
			}
			body, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("registration: marshal: %w", err)
			}
			_, err = tx.TxPipelined(
				ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, k, body, ttl)
					return nil
				},
			)
			return err
		}, k,
	)
}

func (r *Redis) Remove(ctx context.T, relayKey string) error {
	return r.client.Del(ctx, r.key(relayKey)).Err()
}

// PruneExpired is a no-op for Redis: expiry is enforced natively by the
// key TTL set on every Upsert, so there is nothing to sweep.
func (r *Redis) PruneExpired(ctx context.T) (int, error) { return 0, nil }

func (r *Redis) ListKeys(ctx context.T) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registration: list keys: %w", err)
	}
	return out, nil
}
