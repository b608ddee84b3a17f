package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker takes short-lived locks with SET NX PX and releases them only when the token still matches.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 25 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	// Waiting longer than the ttl is pointless: the holder's lease has lapsed by then.
	waitCtx, cancel := context.WithTimeout(ctx, r.ttl)
	defer cancel()

	for {
		ok, err := r.client.SetNX(waitCtx, fullKey, token, r.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, waitCtx.Err())
			}
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, errors.Join(ErrNotAcquired, waitCtx.Err())
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = r.release(context.WithoutCancel(ctx), fullKey, token)
		})
	}, nil
}

func (r *RedisLocker) release(ctx context.Context, key, token string) error {
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || current != token {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}
