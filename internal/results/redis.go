package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mailqueue/contracts"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces the keys used by RedisStore
const DefaultRedisKeyPrefix = "mailqueue:results:"

// appendScript stores the record only if its id is new. KEYS[1] is the id
// hash, KEYS[2] the record list.
var appendScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], 1) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// RedisStore keeps records in a Redis list, deduplicated through a hash of ids.
// Unlike FileStore it is safe for several worker processes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace; empty keeps the default
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore connects to redisURL (redis://host:port/db) and pings it
func NewRedisStore(ctx context.Context, redisURL string, options ...RedisOption) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, storeError(BackendRedis, "connect", err)
	}

	return newRedisStore(client, options...), nil
}

func newRedisStore(client *redis.Client, options ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: DefaultRedisKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "redis_results")
	return s
}

func (s *RedisStore) idsKey() string  { return s.keyPrefix + "ids" }
func (s *RedisStore) listKey() string { return s.keyPrefix + "list" }

// Append adds record unless its id was stored before
func (s *RedisStore) Append(ctx context.Context, record contracts.ResultRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return storeError(BackendRedis, "append", err)
	}

	added, err := appendScript.Run(ctx, s.client, []string{s.idsKey(), s.listKey()}, record.ID, data).Int()
	if err != nil {
		return storeError(BackendRedis, "append", err)
	}
	if added == 0 {
		s.logger.Debug("result already stored", "id", record.ID)
	}
	return nil
}

// List returns all records in append order
func (s *RedisStore) List(ctx context.Context) ([]contracts.ResultRecord, error) {
	items, err := s.client.LRange(ctx, s.listKey(), 0, -1).Result()
	if err != nil {
		return nil, storeError(BackendRedis, "list", err)
	}

	records := make([]contracts.ResultRecord, 0, len(items))
	for _, item := range items {
		var r contracts.ResultRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, storeError(BackendRedis, "list", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return storeError(BackendRedis, "ping", s.client.Ping(ctx).Err())
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
