// Package rpc correlates outbound requests with their replies by message id.
package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
)

var (
	// ErrTimeout marks a call whose context ended before a reply arrived.
	ErrTimeout = errors.New("rpc timed out")
	// ErrClosed is returned by calls pending or issued after Close.
	ErrClosed = errors.New("rpc correlator closed")
)

// SendFunc hands an envelope to the transport. The correlator leaves Src
// empty; the caller's SendFunc is expected to fill it in.
type SendFunc func(proto.Envelope) error

// Correlator assigns message ids and routes replies to waiting callers.
type Correlator struct {
	send SendFunc
	log  *zap.Logger

	lastID atomic.Int64

	mu      sync.Mutex
	waiters map[int]chan proto.Body
	closed  bool
}

func New(send SendFunc, log *zap.Logger) *Correlator {
	return &Correlator{
		send:    send,
		log:     log,
		waiters: make(map[int]chan proto.Body),
	}
}

// NextID returns a fresh message id. Ids start at 1 and only grow.
func (c *Correlator) NextID() int {
	return int(c.lastID.Add(1))
}

// Call sends body to the node `to` and blocks until the matching reply
// arrives or ctx ends. An error reply is returned as a *proto.Error; a
// context expiry as an error matching ErrTimeout.
func (c *Correlator) Call(ctx context.Context, to string, body proto.Body) (proto.Body, error) {
	id := c.NextID()
	body.Head().MsgID = proto.ID(id)
	typ := proto.TypeOf(body)

	ch := make(chan proto.Body, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiters[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.send(proto.Envelope{Dest: to, Body: body}); err != nil {
		return nil, errors.Wrapf(err, "send %s to %s", typ, to)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if e, isErr := reply.(*proto.Error); isErr {
			return nil, e
		}
		return reply, nil
	case <-ctx.Done():
		telemetry.RPCTimeouts.Inc()
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrTimeout, "%s %d to %s", typ, id, to), ctx.Err())
	}
}

// Resolve delivers env to the caller waiting on env's in_reply_to id and
// reports whether there was one. Late and duplicate replies find no
// waiter and are left to the caller to drop.
func (c *Correlator) Resolve(env proto.Envelope) bool {
	ref := env.Body.Head().InReplyTo
	if ref == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.waiters[*ref]
	delete(c.waiters, *ref)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env.Body
	return true
}

// Pending returns the number of calls awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Close abandons every pending call; they return ErrClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.log.Debug("correlator closed")
}

func (c *Correlator) forget(id int) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}
