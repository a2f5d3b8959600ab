package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/followup/internal/clarify"
	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/guard"
	"github.com/gosuda/followup/internal/metrics"
	"github.com/gosuda/followup/internal/replay"
	"github.com/gosuda/followup/internal/store/memory"
)

const followupFrame = `{"event":"followup:create","data":{"items":["need","clarification","please"],"createdAt":1700000000000}}`

// --- mocks ---

type fakeGenerator struct {
	mu     sync.Mutex
	texts  []string
	answer string
	// before is called at the start of Generate.
	before func()
}

func (g *fakeGenerator) Generate(_ context.Context, text string) string {
	if g.before != nil {
		g.before()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, text)
	return g.answer
}

func (g *fakeGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.texts...)
}

type failingCompleter struct{}

func (failingCompleter) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, errors.New("upstream unavailable")
}

// flakyLog fails the first failures appends, then delegates.
type flakyLog struct {
	*memory.Log
	mu       sync.Mutex
	failures int
}

func (l *flakyLog) Append(ctx context.Context, topic domain.Topic, fields map[string]string) (domain.LogID, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return "", errors.New("store unavailable")
	}
	l.mu.Unlock()
	return l.Log.Append(ctx, topic, fields)
}

// --- helpers ---

type pipelineFixture struct {
	hub       *Hub
	log       *memory.Log
	gen       *fakeGenerator
	published <-chan domain.Envelope
}

func newPipelineFixture(t *testing.T, l domain.Log, gen Generator) *pipelineFixture {
	t.Helper()

	mem := memory.NewLog()
	if l == nil {
		l = mem
	}
	fake, _ := gen.(*fakeGenerator)
	if gen == nil {
		fake = &fakeGenerator{answer: "What exactly needs clarifying?"}
		gen = fake
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	channel := memory.NewChannel(16)
	published, _, err := channel.Subscribe(ctx)
	require.NoError(t, err)

	hub := NewHub(Deps{
		Log:       l,
		Channel:   channel,
		Guard:     guard.New(memory.NewCounters(), time.Minute, time.Hour),
		Replay:    replay.New(l, 0),
		Generator: gen,
	}, Options{Now: func() time.Time { return time.UnixMilli(1700000005000) }})

	return &pipelineFixture{hub: hub, log: mem, gen: fake, published: published}
}

func (f *pipelineFixture) conn(t *testing.T, id string) *Conn {
	t.Helper()

	c := newConn(id, nil, 16, 0, nil)
	require.True(t, f.hub.register(c))
	t.Cleanup(func() { f.hub.unregister(c) })
	return c
}

func drainPublished(ch <-chan domain.Envelope) []domain.Envelope {
	var out []domain.Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func drainConn(c *Conn) []domain.Envelope {
	return drainPublished(c.send)
}

// --- tests ---

func TestHandleFrame_Followup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("persists and publishes reviewer then agent", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)
		c := f.conn(t, "reviewer-1")

		f.hub.handleFrame(ctx, c, []byte(followupFrame))

		reviewers, err := f.log.ReadFrom(ctx, domain.TopicFollowups, domain.CursorStart, 0)
		require.NoError(t, err)
		require.Len(t, reviewers, 1)
		reviewer := domain.ReviewerRecordFromEntry(reviewers[0])
		assert.Equal(t, "need clarification please", reviewer.Text)
		assert.Equal(t, "Reviewer", reviewers[0].Fields[domain.FieldSender])
		assert.True(t, reviewer.CreatedAt.Equal(time.UnixMilli(1700000000000)))

		agents, err := f.log.ReadFrom(ctx, domain.TopicQuestions, domain.CursorStart, 0)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		agent := domain.AgentRecordFromEntry(agents[0])
		assert.Equal(t, reviewer.ID, agent.ReviewerID)
		assert.Equal(t, "What exactly needs clarifying?", agent.Text)
		assert.Equal(t, "Agent", agents[0].Fields[domain.FieldSender])

		assert.Equal(t, []string{"need clarification please"}, f.gen.calls())

		published := drainPublished(f.published)
		require.Len(t, published, 2)
		assert.Equal(t, domain.ReviewerEnvelope(reviewer), published[0])
		assert.Equal(t, domain.AgentEnvelope(agent), published[1])

		// Live envelopes travel over the channel, not the local broadcast.
		assert.Empty(t, drainConn(c))
	})

	t.Run("generator runs after the reviewer record is durable", func(t *testing.T) {
		t.Parallel()

		gen := &fakeGenerator{answer: "ok?"}
		f := newPipelineFixture(t, nil, gen)
		gen.before = func() {
			assert.Equal(t, 1, f.log.Len(domain.TopicFollowups))
			assert.Equal(t, 0, f.log.Len(domain.TopicQuestions))
		}
		c := f.conn(t, "reviewer-1")

		f.hub.handleFrame(ctx, c, []byte(followupFrame))
		assert.Len(t, gen.calls(), 1)
	})

	t.Run("identical content is absorbed silently", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)
		a := f.conn(t, "reviewer-a")
		b := f.conn(t, "reviewer-b")
		before := testutil.ToFloat64(metrics.GuardRejectionsTotal.WithLabelValues(metrics.ReasonDuplicate))

		f.hub.handleFrame(ctx, a, []byte(followupFrame))
		_ = drainPublished(f.published)

		dup := `{"event":"followup:create","data":{"items":[" need ","clarification","","please"],"createdAt":1700000009999}}`
		f.hub.handleFrame(ctx, b, []byte(dup))

		assert.Equal(t, 1, f.log.Len(domain.TopicFollowups))
		assert.Equal(t, 1, f.log.Len(domain.TopicQuestions))
		assert.Len(t, f.gen.calls(), 1)
		assert.Empty(t, drainPublished(f.published))
		assert.Empty(t, drainConn(a))
		assert.Empty(t, drainConn(b))
		assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.GuardRejectionsTotal.WithLabelValues(metrics.ReasonDuplicate))-before, 1.0)
	})

	t.Run("second send in window is rejected to sender only", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)
		a := f.conn(t, "reviewer-a")
		other := f.conn(t, "participant-b")

		f.hub.handleFrame(ctx, a, []byte(followupFrame))
		_ = drainPublished(f.published)

		f.hub.handleFrame(ctx, a, []byte(`{"event":"followup:create","data":{"items":["different","text"]}}`))

		assert.Equal(t, []domain.Envelope{rateLimitedEnvelope}, drainConn(a))
		assert.Empty(t, drainConn(other))
		assert.Empty(t, drainPublished(f.published))
		assert.Equal(t, 1, f.log.Len(domain.TopicFollowups))
		assert.Len(t, f.gen.calls(), 1)
	})

	t.Run("rate limited send does not consume the dedup marker", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)
		a := f.conn(t, "reviewer-a")
		b := f.conn(t, "reviewer-b")
		second := `{"event":"followup:create","data":{"items":["second","question"]}}`

		f.hub.handleFrame(ctx, a, []byte(followupFrame))
		f.hub.handleFrame(ctx, a, []byte(second))
		f.hub.handleFrame(ctx, b, []byte(second))

		assert.Equal(t, 2, f.log.Len(domain.TopicFollowups))
		assert.Equal(t, []string{"need clarification please", "second question"}, f.gen.calls())
	})

	t.Run("generator failure still produces an answer", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, clarify.New(failingCompleter{}, "", 0))
		c := f.conn(t, "reviewer-1")

		f.hub.handleFrame(ctx, c, []byte(followupFrame))

		agents, err := f.log.ReadFrom(ctx, domain.TopicQuestions, domain.CursorStart, 0)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, clarify.Fallback, agents[0].Fields[domain.FieldText])

		published := drainPublished(f.published)
		require.Len(t, published, 2)
		assert.Equal(t, domain.SenderAgent, published[1].Sender)
		assert.Equal(t, clarify.Fallback, published[1].Message)
	})

	t.Run("store failure aborts only that frame", func(t *testing.T) {
		t.Parallel()

		mem := memory.NewLog()
		l := &flakyLog{Log: mem, failures: 1}
		f := newPipelineFixture(t, l, nil)
		a := f.conn(t, "reviewer-a")
		b := f.conn(t, "reviewer-b")

		f.hub.handleFrame(ctx, a, []byte(followupFrame))

		assert.Equal(t, 0, mem.Len(domain.TopicFollowups))
		assert.Empty(t, f.gen.calls())
		assert.Empty(t, drainPublished(f.published))
		assert.Empty(t, drainConn(a))

		f.hub.handleFrame(ctx, b, []byte(`{"event":"followup:create","data":{"items":["next"]}}`))
		assert.Equal(t, 1, mem.Len(domain.TopicFollowups))
		assert.Equal(t, 1, mem.Len(domain.TopicQuestions))
	})

	t.Run("identical retry after store failure is accepted", func(t *testing.T) {
		t.Parallel()

		mem := memory.NewLog()
		l := &flakyLog{Log: mem, failures: 1}
		f := newPipelineFixture(t, l, nil)
		a := f.conn(t, "reviewer-a")
		b := f.conn(t, "reviewer-b")

		f.hub.handleFrame(ctx, a, []byte(followupFrame))
		require.Equal(t, 0, mem.Len(domain.TopicFollowups))

		f.hub.handleFrame(ctx, b, []byte(followupFrame))
		assert.Equal(t, 1, mem.Len(domain.TopicFollowups))
		assert.Equal(t, 1, mem.Len(domain.TopicQuestions))
		assert.Len(t, f.gen.calls(), 1)
		assert.Len(t, drainPublished(f.published), 2)

		// The persisted follow-up holds the marker again.
		c := f.conn(t, "reviewer-c")
		f.hub.handleFrame(ctx, c, []byte(followupFrame))
		assert.Equal(t, 1, mem.Len(domain.TopicFollowups))
		assert.Empty(t, drainConn(c))
	})
}

func TestHandleFrame_Relay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		want domain.Envelope
	}{
		{
			name: "json scalar goes out as Unknown",
			raw:  `42`,
			want: domain.Envelope{Sender: domain.SenderUnknown, Message: "42"},
		},
		{
			name: "unstructured text goes out as Unknown",
			raw:  "hello, is anyone there?",
			want: domain.Envelope{Sender: domain.SenderUnknown, Message: "hello, is anyone there?"},
		},
		{
			name: "object without event is a participant message",
			raw:  `{"text":"I have a question"}`,
			want: domain.Envelope{Sender: domain.SenderParticipant, Message: `{"text":"I have a question"}`},
		},
		{
			name: "other event is a reviewer message",
			raw:  `{"event":"reviewer:typing"}`,
			want: domain.Envelope{Sender: domain.SenderReviewer, Message: `{"event":"reviewer:typing"}`},
		},
		{
			name: "followup without items is a reviewer message",
			raw:  `{"event":"followup:create","data":{"items":[]}}`,
			want: domain.Envelope{Sender: domain.SenderReviewer, Message: `{"event":"followup:create","data":{"items":[]}}`},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newPipelineFixture(t, nil, nil)
			sender := f.conn(t, "sender")
			other := f.conn(t, "other")

			f.hub.handleFrame(ctx, sender, []byte(tc.raw))

			assert.Equal(t, []domain.Envelope{tc.want}, drainConn(sender))
			assert.Equal(t, []domain.Envelope{tc.want}, drainConn(other))
			assert.Empty(t, drainPublished(f.published))
			assert.Equal(t, 0, f.log.Len(domain.TopicFollowups))
			assert.Equal(t, 0, f.log.Len(domain.TopicQuestions))
			assert.Empty(t, f.gen.calls())
		})
	}
}

func TestConn(t *testing.T) {
	t.Parallel()

	t.Run("enqueue drops when full", func(t *testing.T) {
		t.Parallel()

		c := newConn("c", nil, 1, 0, nil)
		assert.True(t, c.enqueue(domain.Envelope{Message: "1"}))
		assert.False(t, c.enqueue(domain.Envelope{Message: "2"}))
	})

	t.Run("enqueue after close drops", func(t *testing.T) {
		t.Parallel()

		c := newConn("c", nil, 4, 0, nil)
		c.close()
		c.close()
		assert.False(t, c.enqueue(domain.Envelope{Message: "1"}))
	})

	t.Run("close cancels context", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		c := newConn("c", nil, 4, 0, cancel)
		c.close()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("replayed records are recognised by event and id", func(t *testing.T) {
		t.Parallel()

		c := newConn("c", nil, 4, 0, nil)
		c.replayed[replayKey(domain.Envelope{Event: domain.EventFollowupCreate, StreamID: "1"})] = struct{}{}

		assert.True(t, c.seenInReplay(domain.Envelope{Sender: domain.SenderReviewer, Event: domain.EventFollowupCreate, StreamID: "1"}))
		assert.False(t, c.seenInReplay(domain.Envelope{Sender: domain.SenderAgent, Event: domain.EventAgentQuestions, StreamID: "1"}))
		assert.False(t, c.seenInReplay(domain.Envelope{Sender: domain.SenderParticipant, Message: "x"}))
	})
}

func TestHub_Registry(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, nil, nil)
	a := newConn("a", nil, 4, 0, nil)
	b := newConn("b", nil, 4, 0, nil)

	require.True(t, f.hub.register(a))
	require.True(t, f.hub.register(b))
	assert.Equal(t, 2, f.hub.Len())

	f.hub.broadcast(domain.Envelope{Message: "x"})
	assert.Len(t, drainConn(a), 1)
	assert.Len(t, drainConn(b), 1)

	f.hub.unregister(a)
	f.hub.unregister(a)
	assert.Equal(t, 1, f.hub.Len())

	f.hub.broadcast(domain.Envelope{Message: "y"})
	assert.Empty(t, drainConn(a))
	assert.Len(t, drainConn(b), 1)

	f.hub.unregister(b)
	assert.Equal(t, 0, f.hub.Len())
}

func TestHub_Shutdown(t *testing.T) {
	t.Parallel()

	t.Run("waits for running pipelines and refuses new ones", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)
		require.True(t, f.hub.startPipeline())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- f.hub.Shutdown(ctx) }()

		require.Eventually(t, func() bool {
			if f.hub.startPipeline() {
				f.hub.inflight.Done()
				return false
			}
			return true
		}, 5*time.Second, time.Millisecond)

		select {
		case err := <-done:
			t.Fatalf("Shutdown returned before the pipeline finished: %v", err)
		default:
		}

		f.hub.inflight.Done()
		require.NoError(t, <-done)

		assert.False(t, f.hub.register(newConn("late", nil, 4, 0, nil)))
		assert.Equal(t, 0, f.hub.Len())
	})

	t.Run("pipelines started concurrently with shutdown", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)

		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				for range 200 {
					if !f.hub.startPipeline() {
						return
					}
					f.hub.inflight.Done()
				}
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.hub.Shutdown(ctx))
		wg.Wait()
		assert.False(t, f.hub.startPipeline())
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		t.Parallel()

		f := newPipelineFixture(t, nil, nil)
		require.True(t, f.hub.startPipeline())
		t.Cleanup(f.hub.inflight.Done)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, f.hub.Shutdown(ctx), context.DeadlineExceeded)
	})
}
