// Package replay streams missed log history to a newly connected client.
//
// Reviewer records are emitted in ascending ID order, each immediately
// followed by the agent records that answer it. The agent topic is read once
// and indexed by reviewer ID rather than rescanned per reviewer record.
package replay

import (
	"context"
	"fmt"

	"github.com/gosuda/followup/internal/domain"
)

// DefaultBatch is the page size used when reading a topic.
const DefaultBatch = 100

// Cursors are the last IDs a client has already seen on each topic.
type Cursors struct {
	Followups domain.LogID
	Questions domain.LogID
}

// StartCursors replays both topics from the beginning.
func StartCursors() Cursors {
	return Cursors{Followups: domain.CursorStart, Questions: domain.CursorStart}
}

// Emitter delivers one envelope to the client. A returned error stops replay.
type Emitter func(ctx context.Context, env domain.Envelope) error

// Stats counts what a replay emitted.
type Stats struct {
	Reviewer int
	Agent    int
}

// Engine reads the durable log and pairs reviewer records with their answers.
type Engine struct {
	log   domain.Log
	batch int
}

func New(log domain.Log, batch int) *Engine {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Engine{log: log, batch: batch}
}

// Replay emits every reviewer record after cursors.Followups, each followed by
// the agent records after cursors.Questions that reference it.
func (e *Engine) Replay(ctx context.Context, cursors Cursors, emit Emitter) (Stats, error) {
	var stats Stats

	reviewerEntries, err := e.readAll(ctx, domain.TopicFollowups, cursors.Followups)
	if err != nil {
		return stats, fmt.Errorf("replay.Engine.Replay: %w", err)
	}
	if len(reviewerEntries) == 0 {
		return stats, nil
	}

	agentEntries, err := e.readAll(ctx, domain.TopicQuestions, cursors.Questions)
	if err != nil {
		return stats, fmt.Errorf("replay.Engine.Replay: %w", err)
	}
	answers := indexAnswers(agentEntries)

	for _, entry := range reviewerEntries {
		reviewer := domain.ReviewerRecordFromEntry(entry)
		if err := emit(ctx, domain.ReviewerEnvelope(reviewer)); err != nil {
			return stats, fmt.Errorf("replay.Engine.Replay: emit reviewer %s: %w", reviewer.ID, err)
		}
		stats.Reviewer++

		for _, agent := range answers[reviewer.ID] {
			if err := emit(ctx, domain.AgentEnvelope(agent)); err != nil {
				return stats, fmt.Errorf("replay.Engine.Replay: emit agent %s: %w", agent.ID, err)
			}
			stats.Agent++
		}
	}

	return stats, nil
}

// History collects what Replay would emit.
func (e *Engine) History(ctx context.Context, cursors Cursors) ([]domain.Envelope, error) {
	envs := make([]domain.Envelope, 0)
	_, err := e.Replay(ctx, cursors, func(_ context.Context, env domain.Envelope) error {
		envs = append(envs, env)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// readAll pages through topic until a short page is returned.
func (e *Engine) readAll(ctx context.Context, topic domain.Topic, cursor domain.LogID) ([]domain.Entry, error) {
	if cursor == "" {
		cursor = domain.CursorStart
	}

	var all []domain.Entry
	for {
		page, err := e.log.ReadFrom(ctx, topic, cursor, e.batch)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", topic, err)
		}
		all = append(all, page...)
		if len(page) < e.batch {
			return all, nil
		}
		cursor = page[len(page)-1].ID
	}
}

func indexAnswers(entries []domain.Entry) map[domain.LogID][]domain.AgentRecord {
	idx := make(map[domain.LogID][]domain.AgentRecord, len(entries))
	for _, entry := range entries {
		agent := domain.AgentRecordFromEntry(entry)
		if agent.ReviewerID == "" {
			continue
		}
		idx[agent.ReviewerID] = append(idx[agent.ReviewerID], agent)
	}
	return idx
}
