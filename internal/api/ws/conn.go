package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/followup/internal/domain"
)

// Conn is one registered WebSocket session. Outbound envelopes are queued and
// written by a single writer goroutine once replay has finished.
type Conn struct {
	id           string
	ws           *websocket.Conn
	send         chan domain.Envelope
	done         chan struct{}
	closeOnce    sync.Once
	cancel       context.CancelFunc
	writeTimeout time.Duration

	// replayed holds event/streamId keys written during replay. It is only
	// mutated before the writer goroutine starts.
	replayed map[string]struct{}
}

func newConn(id string, ws *websocket.Conn, buffer int, writeTimeout time.Duration, cancel context.CancelFunc) *Conn {
	return &Conn{
		id:           id,
		ws:           ws,
		send:         make(chan domain.Envelope, buffer),
		done:         make(chan struct{}),
		cancel:       cancel,
		writeTimeout: writeTimeout,
		replayed:     make(map[string]struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// enqueue queues env for delivery. It drops the envelope when the connection
// is closed or its buffer is full.
func (c *Conn) enqueue(env domain.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		log.Debug().Str("conn_id", c.id).Msg("ws.Conn.enqueue: send buffer full, dropping envelope")
		return false
	}
}

// close marks the connection closed and cancels its context. Safe to call
// more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Conn) write(ctx context.Context, env domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ws.Conn.write: marshal: %w", err)
	}

	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("ws.Conn.write: %w", err)
	}
	return nil
}

// writeReplay writes a replayed envelope directly and remembers it so the
// same record arriving live is not sent twice.
func (c *Conn) writeReplay(ctx context.Context, env domain.Envelope) error {
	if err := c.write(ctx, env); err != nil {
		return err
	}
	c.replayed[replayKey(env)] = struct{}{}
	return nil
}

func (c *Conn) seenInReplay(env domain.Envelope) bool {
	if env.StreamID == "" {
		return false
	}
	_, ok := c.replayed[replayKey(env)]
	return ok
}

// writeLoop drains the send queue until ctx is done or a write fails.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.send:
			if c.seenInReplay(env) {
				continue
			}
			if err := c.write(ctx, env); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write")
				c.close()
				return
			}
		}
	}
}

func replayKey(env domain.Envelope) string {
	return env.Event + "/" + string(env.StreamID)
}
