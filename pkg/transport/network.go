package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/proto"
)

// Network connects named endpoints in memory. Messages are encoded to JSON
// on send and decoded on receive, exactly as on the wire. Traffic between
// partitioned endpoints is silently dropped, which models omission faults.
type Network struct {
	log *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	cut       map[[2]string]bool
	counts    map[proto.Type]int
}

func NewNetwork(log *zap.Logger) *Network {
	return &Network{
		log:       log,
		endpoints: make(map[string]*Endpoint),
		cut:       make(map[[2]string]bool),
		counts:    make(map[proto.Type]int),
	}
}

// Endpoint returns the endpoint named id, creating it on first use.
func (n *Network) Endpoint(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.endpoints[id]; ok {
		return e
	}
	e := &Endpoint{id: id, net: n, notify: make(chan struct{}, 1)}
	n.endpoints[id] = e
	return e
}

// Partition drops all traffic between every member of a and every member
// of b, in both directions, until Heal.
func (n *Network) Partition(a, b []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range a {
		for _, y := range b {
			n.cut[[2]string{x, y}] = true
			n.cut[[2]string{y, x}] = true
		}
	}
}

func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.cut)
}

// Count returns how many messages of type t have been delivered.
func (n *Network) Count(t proto.Type) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[t]
}

func (n *Network) ResetCounts() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.counts)
}

func (n *Network) deliver(src, dest string, t proto.Type, line []byte) {
	n.mu.Lock()
	e, ok := n.endpoints[dest]
	dropped := n.cut[[2]string{src, dest}]
	if ok && !dropped {
		n.counts[t]++
	}
	n.mu.Unlock()

	switch {
	case !ok:
		n.log.Debug("no such endpoint", zap.String("src", src), zap.String("dest", dest))
	case dropped:
		n.log.Debug("partitioned", zap.String("src", src), zap.String("dest", dest), zap.String("type", string(t)))
	default:
		e.push(line)
	}
}

// Endpoint is one node's attachment to a Network.
type Endpoint struct {
	id  string
	net *Network

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Send(env proto.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encode message to %s", env.Dest)
	}
	e.net.deliver(e.id, env.Dest, proto.TypeOf(env.Body), line)
	return nil
}

func (e *Endpoint) push(line []byte) {
	e.mu.Lock()
	e.queue = append(e.queue, line)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) pop() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	line := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return line, true
}

// Run drains the mailbox until ctx is done.
func (e *Endpoint) Run(ctx context.Context, handle func(proto.Envelope)) error {
	for {
		line, ok := e.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-e.notify:
				continue
			}
		}
		var env proto.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			e.net.log.Warn("dropping malformed message", zap.String("endpoint", e.id), zap.Error(err))
			continue
		}
		handle(env)
	}
}
