package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/followup/internal/domain"
	"github.com/gosuda/followup/internal/guard"
	"github.com/gosuda/followup/internal/metrics"
	"github.com/gosuda/followup/internal/replay"
)

// Greeting is the first envelope every connection receives.
const Greeting = "Hello from the backend!"

const (
	DefaultSendBuffer      = 64
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPipelineTimeout = 2 * time.Minute
)

// Generator produces clarification questions. It must always return a usable
// string.
type Generator interface {
	Generate(ctx context.Context, text string) string
}

// Deps are the shared collaborators the hub is built from.
type Deps struct {
	Log       domain.Log
	Channel   domain.Channel
	Guard     *guard.Guard
	Replay    *replay.Engine
	Generator Generator
}

// Options tune connection handling. Zero values select defaults.
type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PipelineTimeout time.Duration
	OriginPatterns  []string
	Now             func() time.Time
}

// Hub owns the live WebSocket connections. It dispatches inbound frames
// through the guard, log and live channel, and fans live channel envelopes out
// to every registered connection.
type Hub struct {
	deps Deps
	opts Options

	mu      sync.RWMutex
	conns   map[string]*Conn
	closing bool // set by Shutdown; guarded by mu

	inflight sync.WaitGroup
	ready    chan struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub(deps Deps, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = DefaultPipelineTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		deps:  deps,
		opts:  opts,
		conns: make(map[string]*Conn),
		ready: make(chan struct{}),
	}
}

// Run subscribes to the live channel and fans every envelope out to the
// registered connections until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	messages, cleanup, err := h.deps.Channel.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("ws.Hub.Run: %w", err)
	}
	defer cleanup()
	close(h.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("ws.Hub.Run: live channel closed")
			}
			h.broadcast(env)
		}
	}
}

// Ready is closed once Run holds a live channel subscription.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// ServeWS upgrades the request, greets the client, replays missed history and
// then serves live traffic until the connection closes. Resume cursors are
// read from the lastFollowupId and lastQuestionsId query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	cursors := cursorsFromQuery(r.URL.Query())

	// Server-wide read and write timeouts must not apply to a long-lived socket.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer wsConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(uuid.NewString(), wsConn, h.opts.SendBuffer, h.opts.WriteTimeout, cancel)
	if !h.register(c) {
		_ = wsConn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)

	log.Info().Str("conn_id", c.id).Msg("client connected")

	if err := c.write(ctx, domain.Envelope{Sender: domain.SenderServer, Message: Greeting}); err != nil {
		log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket greeting")
		return
	}

	if err := h.replayTo(ctx, c, cursors); err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("ws.Hub.ServeWS: replay failed")
		_ = wsConn.Close(websocket.StatusTryAgainLater, "replay failed")
		return
	}

	go c.writeLoop(ctx)

	h.readLoop(ctx, c)
	log.Info().Str("conn_id", c.id).Msg("client disconnected")
}

// Shutdown closes every connection and waits for in-flight frame pipelines.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for _, c := range h.conns {
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws.Hub.Shutdown: %w", ctx.Err())
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// register adds c to the fan-out set. It reports false once Shutdown started.
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return false
	}
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.Connections.Inc()
	return true
}

// startPipeline counts one in-flight frame. It reports false once Shutdown
// started, so no Add can race the final Wait.
func (h *Hub) startPipeline() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closing {
		return false
	}
	h.inflight.Add(1)
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
	if ok {
		metrics.Connections.Dec()
	}
}

// broadcast queues env on every registered connection.
func (h *Hub) broadcast(env domain.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.enqueue(env)
	}
}

func (h *Hub) replayTo(ctx context.Context, c *Conn, cursors replay.Cursors) error {
	start := time.Now()
	stats, err := h.deps.Replay.Replay(ctx, cursors, c.writeReplay)
	metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if stats.Reviewer > 0 {
		log.Debug().
			Str("conn_id", c.id).
			Int("reviewer", stats.Reviewer).
			Int("agent", stats.Agent).
			Msg("replayed history")
	}
	return nil
}

// readLoop starts one pipeline per inbound frame. Pipelines are detached from
// the connection context so they finish even if the client goes away.
func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	pipelineCtx := context.WithoutCancel(ctx)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read")
			}
			return
		}

		if !h.startPipeline() {
			return
		}
		go func() {
			defer h.inflight.Done()
			fctx, cancel := context.WithTimeout(pipelineCtx, h.opts.PipelineTimeout)
			defer cancel()
			h.handleFrame(fctx, c, data)
		}()
	}
}

func cursorsFromQuery(q url.Values) replay.Cursors {
	cursors := replay.StartCursors()
	if v := q.Get("lastFollowupId"); v != "" {
		cursors.Followups = domain.LogID(v)
	}
	if v := q.Get("lastQuestionsId"); v != "" {
		cursors.Questions = domain.LogID(v)
	}
	return cursors
}
