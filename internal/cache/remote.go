package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opskb-backend/internal/resilience"
)

const remoteBreakerKey = "cache:t2"

// RemoteCache is the optional T2 tier backed by redis. All failures are
// contained: callers see a miss plus an error they may log, never a
// propagated failure. A circuit breaker suppresses calls for a cool-off
// period after consecutive failures, and the client itself reconnects
// with exponential backoff.
type RemoteCache struct {
	client   *redis.Client
	breakers *resilience.BreakerFactory
	logger   *zap.Logger
}

// NewRemoteCache connects to the redis URL ("redis://host:port/db"). The
// connection is lazy; an unreachable endpoint at startup leaves the
// service healthy in memory-only operation.
func NewRemoteCache(url string, breakers *resilience.BreakerFactory, logger *zap.Logger) (*RemoteCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 50 * time.Millisecond
	opts.MaxRetryBackoff = 2 * time.Second

	if logger == nil {
		logger = zap.NewNop()
	}
	breakers.Configure(remoteBreakerKey, resilience.BreakerSettings{
		FailureThreshold: 5,
		CoolOff:          15 * time.Second,
		ProbeRequests:    2,
	})

	return &RemoteCache{
		client:   redis.NewClient(opts),
		breakers: breakers,
		logger:   logger,
	}, nil
}

// Get fetches an entry. Corrupted payloads are treated as misses and
// deleted opportunistically.
func (r *RemoteCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	result, err := r.breakers.Execute(remoteBreakerKey, func() (any, error) {
		raw, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if result == nil {
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(result.([]byte), &entry); err != nil {
		r.logger.Warn("corrupted remote cache payload, deleting",
			zap.String("key", key), zap.Error(err))
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = r.client.Del(cleanupCtx, key).Err()
		}()
		return Entry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores an entry with redis-side expiry matching the entry TTL.
func (r *RemoteCache) Set(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.breakers.Execute(remoteBreakerKey, func() (any, error) {
		return nil, r.client.Set(ctx, key, raw, entry.TTL).Err()
	})
	return err
}

// Delete removes a key.
func (r *RemoteCache) Delete(ctx context.Context, key string) error {
	_, err := r.breakers.Execute(remoteBreakerKey, func() (any, error) {
		return nil, r.client.Del(ctx, key).Err()
	})
	return err
}

// ClearByPrefix removes every key with the given prefix using SCAN, so
// large keyspaces are walked incrementally.
func (r *RemoteCache) ClearByPrefix(ctx context.Context, prefix string) error {
	_, err := r.breakers.Execute(remoteBreakerKey, func() (any, error) {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return nil, err
			}
			if len(keys) > 0 {
				if err := r.client.Del(ctx, keys...).Err(); err != nil {
					return nil, err
				}
			}
			cursor = next
			if cursor == 0 {
				return nil, nil
			}
		}
	})
	return err
}

// ClearAll flushes the database.
func (r *RemoteCache) ClearAll(ctx context.Context) error {
	_, err := r.breakers.Execute(remoteBreakerKey, func() (any, error) {
		return nil, r.client.FlushDB(ctx).Err()
	})
	return err
}

// Ping checks connectivity through the breaker.
func (r *RemoteCache) Ping(ctx context.Context) error {
	_, err := r.breakers.Execute(remoteBreakerKey, func() (any, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}

// Close releases the connection pool.
func (r *RemoteCache) Close() error {
	return r.client.Close()
}
