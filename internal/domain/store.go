package domain

import (
	"context"
	"time"
)

// Log is the durable, per-topic append-only record store.
type Log interface {
	// Append stores fields under topic and returns the assigned ID.
	Append(ctx context.Context, topic Topic, fields map[string]string) (LogID, error)
	// ReadFrom returns up to limit entries with ID greater than cursor in
	// ascending order. An empty result is not an error.
	ReadFrom(ctx context.Context, topic Topic, cursor LogID, limit int) ([]Entry, error)
}

// Channel is the best-effort live broadcast channel.
type Channel interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns a stream of envelopes published after the call returns
	// and a cleanup func that releases the subscription.
	Subscribe(ctx context.Context) (<-chan Envelope, func(), error)
}

// CounterStore is the expiring counter/flag store backing the guard layer.
// Both operations must be atomic single round-trips.
type CounterStore interface {
	// IncrWithTTL increments key and arms ttl when the result is 1.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetIfAbsent sets key with ttl only if it does not exist. It reports
	// whether the key was set.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
}
