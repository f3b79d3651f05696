// Package cache shares the last fetched price between processes through
// Redis, so several proxies behind one Redis hit the price API once per TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PaperCranium/BrowserSats/internal/logging"
	"github.com/PaperCranium/BrowserSats/internal/oracle"
)

// DefaultKey holds the JSON-encoded quote.
const DefaultKey = "sats:price:btc-usd"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// Expiry is the key TTL. Quotes older than the oracle TTL are still
	// useful as a fallback, so this is usually much longer.
	Expiry time.Duration
}

// RedisCache is an oracle.Cache.
type RedisCache struct {
	client *redis.Client
	key    string
	expiry time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, key string, expiry time.Duration) *RedisCache {
	if key == "" {
		key = DefaultKey
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &RedisCache{client: client, key: key, expiry: expiry}
}

// Connect dials Redis and pings it.
func Connect(ctx context.Context, opts Options) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	logging.Store("Redis price cache connected at %s", opts.Addr)
	return NewRedisCache(client, opts.Key, opts.Expiry), nil
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

type wireQuote struct {
	Price     float64 `json:"price"`
	FetchedAt int64   `json:"fetchedAt"`
	Source    string  `json:"source,omitempty"`
}

// LoadQuote implements oracle.Cache.
func (r *RedisCache) LoadQuote(ctx context.Context) (oracle.Quote, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return oracle.Quote{}, false, nil
	}
	if err != nil {
		return oracle.Quote{}, false, fmt.Errorf("failed to get price: %w", err)
	}
	q, err := decodeQuote(data)
	if err != nil {
		return oracle.Quote{}, false, err
	}
	return q, true, nil
}

// SaveQuote implements oracle.Cache.
func (r *RedisCache) SaveQuote(ctx context.Context, q oracle.Quote) error {
	data, err := encodeQuote(q)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, r.expiry).Err(); err != nil {
		return fmt.Errorf("failed to set price: %w", err)
	}
	logging.StoreDebug("redis price %.2f saved under %s", q.Price, r.key)
	return nil
}

func encodeQuote(q oracle.Quote) ([]byte, error) {
	data, err := json.Marshal(wireQuote{Price: q.Price, FetchedAt: q.FetchedAt.UnixMilli(), Source: string(q.Source)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quote: %w", err)
	}
	return data, nil
}

func decodeQuote(data []byte) (oracle.Quote, error) {
	var w wireQuote
	if err := json.Unmarshal(data, &w); err != nil {
		return oracle.Quote{}, fmt.Errorf("failed to unmarshal quote: %w", err)
	}
	return oracle.Quote{Price: w.Price, FetchedAt: time.UnixMilli(w.FetchedAt), Source: oracle.Source(w.Source)}, nil
}
