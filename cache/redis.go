package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "cachefront:"
	redisGenerationSet = "cachefront:generations"
)

// RedisProvider is a Provider backed by Redis, for deployments where many
// interceptor instances share one cache. Records live under
// "cachefront:<generation>:<identity>" keys and generations are tracked in
// a registry set so listing does not require a SCAN.
type RedisProvider struct {
	client *redis.Client
}

func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

func (p *RedisProvider) Open(generation string) (Store, error) {
	err := p.client.SAdd(context.Background(), redisGenerationSet, generation).Err()
	if err != nil {
		return nil, fmt.Errorf("registering generation: %w", err)
	}
	return &redisStore{client: p.client, generation: generation}, nil
}

func (p *RedisProvider) ListGenerations() ([]string, error) {
	return p.client.SMembers(context.Background(), redisGenerationSet).Result()
}

func (p *RedisProvider) Delete(generation string) error {
	ctx := context.Background()
	pattern := redisKeyPrefix + generation + ":*"
	iter := p.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := p.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning generation: %w", err)
	}
	return p.client.SRem(ctx, redisGenerationSet, generation).Err()
}

type redisStore struct {
	client     *redis.Client
	generation string
}

func (s *redisStore) key(identity string) string {
	return redisKeyPrefix + s.generation + ":" + identity
}

func (s *redisStore) Get(ctx context.Context, identity string) ([]byte, bool, error) {
	bts, err := s.client.Get(ctx, s.key(identity)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bts, true, nil
}

func (s *redisStore) Put(ctx context.Context, identity string, bytes []byte) error {
	// no expiry: records live until their generation is swept
	return s.client.Set(ctx, s.key(identity), bytes, 0).Err()
}
