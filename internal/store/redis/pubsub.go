package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/followup/internal/domain"
)

// LiveChannel is the single Redis channel carrying live envelopes.
const LiveChannel = "questions:live"

type PubSub struct {
	client  redis.UniversalClient
	channel string
}

func (ps *PubSub) Publish(ctx context.Context, env domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis.PubSub.Publish: marshal: %w", err)
	}
	if err := ps.client.Publish(ctx, ps.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

func (ps *PubSub) Subscribe(ctx context.Context) (<-chan domain.Envelope, func(), error) {
	sub := ps.client.Subscribe(ctx, ps.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan domain.Envelope, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				env, err := decodeEnvelope(msg.Payload)
				if err != nil {
					log.Warn().Err(err).Str("channel", ps.channel).Msg("redis.PubSub.Subscribe: dropping undecodable payload")
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

func decodeEnvelope(payload string) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
