package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps the redis usages: per-chat turn locks and the hot cache
// in front of the prediction table.
type Store struct {
	rdb *redis.Client
}

// turnLockTTL bounds how long a crashed stream can keep a chat locked.
const turnLockTTL = 2 * time.Minute

const predictionTTL = time.Hour

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// AcquireTurn takes the per-chat lock. Returns false when another turn
// is already streaming on this chat.
func (s *Store) AcquireTurn(ctx context.Context, chatID string) (bool, error) {
	return s.rdb.SetNX(ctx, "chat:turn:"+chatID, 1, turnLockTTL).Result()
}

func (s *Store) ReleaseTurn(ctx context.Context, chatID string) error {
	return s.rdb.Del(ctx, "chat:turn:"+chatID).Err()
}

// GetPrediction returns the cached prediction content, or "" on a miss.
func (s *Store) GetPrediction(ctx context.Context, address string) (string, error) {
	v, err := s.rdb.Get(ctx, "prediction:"+address).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *Store) SetPrediction(ctx context.Context, address, content string) error {
	return s.rdb.Set(ctx, "prediction:"+address, content, predictionTTL).Err()
}
