package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/followup/internal/domain"
)

// StreamLog stores each topic as a Redis stream. IDs are the server-assigned
// "<ms>-<seq>" stream IDs.
type StreamLog struct {
	client redis.UniversalClient
}

func (l *StreamLog) Append(ctx context.Context, topic domain.Topic, fields map[string]string) (domain.LogID, error) {
	if !topic.Valid() {
		return "", fmt.Errorf("redis.StreamLog.Append: %q: %w", topic, domain.ErrUnknownTopic)
	}

	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(topic),
		ID:     "*",
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis.StreamLog.Append: %w", err)
	}
	return domain.LogID(id), nil
}

func (l *StreamLog) ReadFrom(ctx context.Context, topic domain.Topic, cursor domain.LogID, limit int) ([]domain.Entry, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("redis.StreamLog.ReadFrom: %q: %w", topic, domain.ErrUnknownTopic)
	}
	if cursor == "" {
		cursor = domain.CursorStart
	}
	if err := validateStreamID(cursor); err != nil {
		return nil, fmt.Errorf("redis.StreamLog.ReadFrom: %w", err)
	}

	// Block < 0 omits BLOCK so XREAD returns immediately.
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{string(topic), string(cursor)},
		Count:   int64(limit),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.StreamLog.ReadFrom: %w", err)
	}

	var entries []domain.Entry
	for _, stream := range streams {
		entries = append(entries, entriesFromMessages(stream.Messages)...)
	}
	return entries, nil
}

// validateStreamID accepts the "<ms>" and "<ms>-<seq>" forms XREAD takes as an
// exclusive start ID.
func validateStreamID(cursor domain.LogID) error {
	ms, seq, hasSeq := strings.Cut(string(cursor), "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return fmt.Errorf("cursor %q: %w", cursor, domain.ErrInvalidCursor)
	}
	if hasSeq {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return fmt.Errorf("cursor %q: %w", cursor, domain.ErrInvalidCursor)
		}
	}
	return nil
}

func entriesFromMessages(msgs []redis.XMessage) []domain.Entry {
	entries := make([]domain.Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case nil:
				fields[k] = ""
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		entries = append(entries, domain.Entry{ID: domain.LogID(m.ID), Fields: fields})
	}
	return entries
}
