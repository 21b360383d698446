package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// RedisStore keeps checkpoint records as string keys under Prefix and tracks
// the saved tags in a set, so listing never needs a keyspace scan.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, normally "refinery:<run_id>".
	Prefix string
	// TTL expires records; zero keeps them forever.
	TTL         time.Duration
	DialTimeout time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis checkpoint store: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis checkpoint store: ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix, opts.TTL), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "refinery"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(tag string) string { return r.prefix + ":checkpoint:" + tag }
func (r *RedisStore) tagsKey() string       { return r.prefix + ":checkpoints" }

func (r *RedisStore) Save(ctx context.Context, tag string, s *runtime.RunState) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	b, err := Encode(tag, s, r.now())
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(tag), b, r.ttl)
	pipe.SAdd(ctx, r.tagsKey(), tag)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.tagsKey(), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis checkpoint %s: %w", tag, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, tag string) (*runtime.RunState, bool, error) {
	if err := validateTag(tag); err != nil {
		return nil, false, err
	}
	b, err := r.client.Get(ctx, r.key(tag)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis checkpoint %s: %w", tag, err)
	}
	_, s, err := Decode(b)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (r *RedisStore) Tags(ctx context.Context, pattern string) ([]string, error) {
	all, err := r.client.SMembers(ctx, r.tagsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis checkpoint tags: %w", err)
	}
	var out []string
	for _, t := range all {
		ok, err := doublestar.Match(pattern, t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}
