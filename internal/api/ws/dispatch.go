package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/followup/internal/clarify"
	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/metrics"
)

// rateLimitedEnvelope is sent only to the connection that exceeded its window.
var rateLimitedEnvelope = domain.Envelope{ //nolint:gochecknoglobals // fixed notice
	Sender:  domain.SenderServer,
	Message: "Rate limit exceeded",
	Error:   domain.ErrorRateLimited,
}

// handleFrame runs one inbound frame from c through the dispatch pipeline.
//
// Undecodable frames are relayed locally with sender Unknown. Structured
// frames that are not a non-empty followup:create are relayed locally as
// Reviewer or Participant messages. Follow-ups pass the rate limit and dedup
// guards, are persisted and published, answered by the generator, and the
// answer is persisted and published in turn.
func (h *Hub) handleFrame(ctx context.Context, c *Conn, raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(metrics.FrameMalformed).Inc()
		log.Debug().Err(err).Str("conn_id", c.id).Msg("ws.Hub.handleFrame: unstructured frame")
		h.broadcast(domain.Envelope{Sender: domain.SenderUnknown, Message: string(raw)})
		return
	}

	fu, ok := classify(frame, h.opts.Now())
	if !ok {
		metrics.FramesTotal.WithLabelValues(metrics.FrameRelay).Inc()
		h.broadcast(domain.Envelope{Sender: relaySender(frame), Message: string(raw)})
		return
	}

	metrics.FramesTotal.WithLabelValues(metrics.FrameFollowup).Inc()
	if err := h.followup(ctx, c, fu); err != nil {
		metrics.PipelineErrorsTotal.Inc()
		log.Error().Err(err).Str("conn_id", c.id).Msg("ws.Hub.handleFrame: follow-up pipeline failed")
	}
}

func (h *Hub) followup(ctx context.Context, c *Conn, fu followup) error {
	err := h.deps.Guard.RateCheck(ctx, c.id)
	if errors.Is(err, domain.ErrRateLimited) {
		metrics.GuardRejectionsTotal.WithLabelValues(metrics.ReasonRateLimited).Inc()
		log.Debug().Str("conn_id", c.id).Msg("rate limit exceeded")
		c.enqueue(rateLimitedEnvelope)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ws.Hub.followup: %w", err)
	}

	err = h.deps.Guard.DedupCheck(ctx, fu.text)
	if errors.Is(err, domain.ErrDuplicate) {
		metrics.GuardRejectionsTotal.WithLabelValues(metrics.ReasonDuplicate).Inc()
		log.Debug().Str("conn_id", c.id).Msg("duplicate follow-up ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ws.Hub.followup: %w", err)
	}

	return h.clarifyFollowup(ctx, fu)
}

// clarifyFollowup persists and publishes the reviewer record, then its answer.
// The steps run strictly in order so the answer always follows its question.
func (h *Hub) clarifyFollowup(ctx context.Context, fu followup) error {
	reviewer := domain.ReviewerRecord{Text: fu.text, CreatedAt: fu.createdAt}
	id, err := h.deps.Log.Append(ctx, domain.TopicFollowups, reviewer.Fields())
	if err != nil {
		// Nothing was persisted; free the marker so an identical retry is accepted.
		if relErr := h.deps.Guard.ReleaseDedup(context.WithoutCancel(ctx), fu.text); relErr != nil {
			log.Warn().Err(relErr).Msg("ws.Hub.clarifyFollowup: release dedup marker")
		}
		return fmt.Errorf("ws.Hub.clarifyFollowup: append reviewer: %w", err)
	}
	reviewer.ID = id

	if err := h.deps.Channel.Publish(ctx, domain.ReviewerEnvelope(reviewer)); err != nil {
		return fmt.Errorf("ws.Hub.clarifyFollowup: publish reviewer %s: %w", id, err)
	}

	answer := h.deps.Generator.Generate(ctx, fu.text)
	outcome := metrics.OutcomeAnswered
	if answer == clarify.Fallback {
		outcome = metrics.OutcomeFallback
	}

	agent := domain.AgentRecord{Text: answer, ReviewerID: id, CreatedAt: h.opts.Now()}
	agentID, err := h.deps.Log.Append(ctx, domain.TopicQuestions, agent.Fields())
	if err != nil {
		return fmt.Errorf("ws.Hub.clarifyFollowup: append agent for %s: %w", id, err)
	}
	agent.ID = agentID
	metrics.ClarificationsTotal.WithLabelValues(outcome).Inc()

	if err := h.deps.Channel.Publish(ctx, domain.AgentEnvelope(agent)); err != nil {
		return fmt.Errorf("ws.Hub.clarifyFollowup: publish agent %s: %w", agentID, err)
	}

	log.Info().
		Str("stream_id", string(id)).
		Str("agent_id", string(agentID)).
		Str("outcome", outcome).
		Msg("follow-up answered")
	return nil
}
