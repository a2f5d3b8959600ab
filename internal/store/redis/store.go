package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store bundles the Redis-backed live channel, stream log and guard counters
// over a single client.
type Store struct {
	client   redis.UniversalClient
	pubsub   *PubSub
	log      *StreamLog
	counters *Counters
}

func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return NewFromClient(client), nil
}

// NewFromClient wraps an existing client. The Store takes ownership of it.
func NewFromClient(client redis.UniversalClient) *Store {
	return &Store{
		client:   client,
		pubsub:   &PubSub{client: client, channel: LiveChannel},
		log:      &StreamLog{client: client},
		counters: &Counters{client: client},
	}
}

func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.Store.Close: %w", err)
	}
	return nil
}

func (s *Store) PubSub() *PubSub     { return s.pubsub }
func (s *Store) Log() *StreamLog     { return s.log }
func (s *Store) Counters() *Counters { return s.counters }
