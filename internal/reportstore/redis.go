package reportstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "fortknox:report:"

// redisStore is a Store shared across instances through redis. Reports
// never expire.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the redis at url and verifies connectivity.
func NewRedis(url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client), nil
}

// NewRedisWithClient returns a Store over an existing client.
func NewRedisWithClient(client *redis.Client) Store {
	return &redisStore{client: client, prefix: redisPrefix}
}

func (s *redisStore) key(k Key) string { return s.prefix + k.String() }

func (s *redisStore) Lookup(ctx context.Context, key Key) (*Report, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis lookup: %w", err)
	}
	return decode(b)
}

func (s *redisStore) InsertIfAbsent(ctx context.Context, r *Report) (*Report, bool, error) {
	val, err := encode(r)
	if err != nil {
		return nil, false, err
	}
	set, err := s.client.SetNX(ctx, s.key(r.Key()), val, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis insert: %w", err)
	}
	if set {
		rep, err := decode(val)
		return rep, true, err
	}
	existing, err := s.Lookup(ctx, r.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
