// Package memory provides single-process implementations of the durable log,
// live channel and guard counter store. They back local development and tests;
// state is lost on restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/gosuda/followup/internal/domain"
)

// Log keeps every topic as an ordered slice. IDs are decimal sequence numbers
// starting at 1 per topic.
type Log struct {
	mu     sync.RWMutex
	topics map[domain.Topic][]domain.Entry
}

func NewLog() *Log {
	return &Log{topics: make(map[domain.Topic][]domain.Entry)}
}

func (l *Log) Append(_ context.Context, topic domain.Topic, fields map[string]string) (domain.LogID, error) {
	if !topic.Valid() {
		return "", fmt.Errorf("memory.Log.Append: %q: %w", topic, domain.ErrUnknownTopic)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := domain.LogID(strconv.Itoa(len(l.topics[topic]) + 1))
	l.topics[topic] = append(l.topics[topic], domain.Entry{ID: id, Fields: maps.Clone(fields)})
	return id, nil
}

func (l *Log) ReadFrom(_ context.Context, topic domain.Topic, cursor domain.LogID, limit int) ([]domain.Entry, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("memory.Log.ReadFrom: %q: %w", topic, domain.ErrUnknownTopic)
	}
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("memory.Log.ReadFrom: %w", err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.topics[topic]
	if start >= len(entries) {
		return nil, nil
	}
	end := len(entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]domain.Entry, 0, end-start)
	for _, e := range entries[start:end] {
		out = append(out, domain.Entry{ID: e.ID, Fields: maps.Clone(e.Fields)})
	}
	return out, nil
}

// Len returns the number of records in topic.
func (l *Log) Len(topic domain.Topic) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.topics[topic])
}

func parseCursor(cursor domain.LogID) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(string(cursor))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("cursor %q: %w", cursor, domain.ErrInvalidCursor)
	}
	return n, nil
}
