package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiryIndexKey is the sorted set of every relay entry scored by expiry.
const expiryIndexKey = "relay:expiry"

// RedisBackend stores each relay entry as a string key that expires on its
// own, ordered per recipient by a sorted set scored by queue time.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend on an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// entryKey returns the key holding one relay entry.
func entryKey(recipient, id string) string {
	return fmt.Sprintf("relay:%s:msg:%s", recipient, id)
}

// queueKey returns the key for a recipient's ordering set.
func queueKey(recipient string) string {
	return fmt.Sprintf("relay:%s:queue", recipient)
}

// indexMember joins a recipient and id for the expiry index.
func indexMember(recipient, id string) string {
	return recipient + "\n" + id
}

func splitIndexMember(member string) (string, string, bool) {
	return strings.Cut(member, "\n")
}

func (b *RedisBackend) Put(ctx context.Context, rec Record) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		// Already expired; keep it briefly so the sweep can account for it.
		ttl = time.Second
	}

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(rec.Recipient, rec.ID), rec.Data, ttl)
		pipe.ZAdd(ctx, queueKey(rec.Recipient), redis.Z{
			Score:  float64(rec.QueuedAt.UnixMicro()),
			Member: rec.ID,
		})
		pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
			Score:  float64(rec.ExpiresAt.UnixMicro()),
			Member: indexMember(rec.Recipient, rec.ID),
		})
		return nil
	})
	return err
}

// Update rewrites the entry only if the key still exists and keeps its TTL.
func (b *RedisBackend) Update(ctx context.Context, rec Record) (bool, error) {
	err := b.client.SetArgs(ctx, entryKey(rec.Recipient, rec.ID), rec.Data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (b *RedisBackend) Get(ctx context.Context, recipient, id string) (*Record, error) {
	data, err := b.client.Get(ctx, entryKey(recipient, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Record{Recipient: recipient, ID: id, Data: data}, nil
}

func (b *RedisBackend) Delete(ctx context.Context, recipient, id string) (bool, error) {
	var del, zq, zi *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, entryKey(recipient, id))
		zq = pipe.ZRem(ctx, queueKey(recipient), id)
		zi = pipe.ZRem(ctx, expiryIndexKey, indexMember(recipient, id))
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val()+zq.Val()+zi.Val() > 0, nil
}

func (b *RedisBackend) List(ctx context.Context, recipient string) ([]Record, error) {
	members, err := b.client.ZRangeWithScores(ctx, queueKey(recipient), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = entryKey(recipient, m.Member.(string))
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	recs := make([]Record, len(members))
	for i, m := range members {
		recs[i] = Record{
			Recipient: recipient,
			ID:        m.Member.(string),
			QueuedAt:  time.UnixMicro(int64(m.Score)),
		}
		// A nil value means the key already expired in Redis.
		if s, ok := values[i].(string); ok {
			recs[i].Data = []byte(s)
		}
	}
	return recs, nil
}

func (b *RedisBackend) ExpiredBefore(ctx context.Context, recipient string, t time.Time) ([]Record, error) {
	members, err := b.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", t.UnixMicro()), // exclusive
	}).Result()
	if err != nil {
		return nil, err
	}

	var recs []Record
	for _, member := range members {
		r, id, ok := splitIndexMember(member)
		if !ok {
			continue
		}
		if recipient != "" && r != recipient {
			continue
		}
		recs = append(recs, Record{Recipient: r, ID: id})
	}
	return recs, nil
}

// Recipients scans the expiry index, which holds one member per live entry.
func (b *RedisBackend) Recipients(ctx context.Context) ([]string, error) {
	members, err := b.client.ZRange(ctx, expiryIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var recipients []string
	for _, member := range members {
		r, _, ok := splitIndexMember(member)
		if !ok || seen[r] {
			continue
		}
		seen[r] = true
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)
	return recipients, nil
}
