package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cctprelay:relay:"

// RedisStore keeps records as JSON values whose TTL follows ExpiresAt.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: rdb}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key '%s' from Redis: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (r *RedisStore) Save(ctx context.Context, record Record) error {
	data, ttl, err := encodeForRedis(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+record.Key, data, ttl).Err()
}

// Claim watches the key so a concurrent write between the read and the replacing
// SET aborts the transaction, which is then retried.
func (r *RedisStore) Claim(ctx context.Context, record Record, staleAfter time.Duration) (*Record, bool, error) {
	if _, _, err := encodeForRedis(record); err != nil {
		return nil, false, err
	}
	key := redisKeyPrefix + record.Key

	var previous *Record
	var created bool
	claim := func(tx *redis.Tx) error {
		previous, created = nil, false

		val, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		now := time.Now()
		if err == nil {
			var existing Record
			if err := json.Unmarshal(val, &existing); err != nil {
				return fmt.Errorf("decode record %s: %w", record.Key, err)
			}
			if !existing.Expired(now) {
				previous = &existing
				if !existing.Replaceable(now, staleAfter) {
					return nil
				}
			}
		}

		data, ttl, err := encodeForRedis(takeOver(record, previous, now))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, claim, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return previous, created, nil
	}
	return nil, false, fmt.Errorf("claim %s: key is contended", record.Key)
}

func encodeForRedis(record Record) ([]byte, time.Duration, error) {
	if record.Key == "" {
		return nil, 0, errors.New("record key is empty")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal record: %w", err)
	}
	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		ttl = time.Until(record.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	return data, ttl, nil
}
