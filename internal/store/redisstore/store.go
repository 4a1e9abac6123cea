package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const claimPrefix = "chatclaim:"

type Store struct {
	rdb      redis.UniversalClient
	claimTTL time.Duration
}

func New(rdb redis.UniversalClient, claimTTL time.Duration) *Store {
	if claimTTL <= 0 {
		claimTTL = 24 * time.Hour
	}
	return &Store{rdb: rdb, claimTTL: claimTTL}
}

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// TryConsume sets key if absent. It reports false while a marker from an
// earlier request inside the window still exists.
func (s *Store) TryConsume(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, errors.Wrap(err, "rate limit check")
	}
	return ok, nil
}

// ClaimSession marks a session as taken by a worker. A second claim for the
// same session, e.g. from a redelivered work item, reports false.
func (s *Store) ClaimSession(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, claimPrefix+sessionID, 1, s.claimTTL).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim session")
	}
	return ok, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
