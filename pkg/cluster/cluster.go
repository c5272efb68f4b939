// Package cluster runs zephyrcast nodes in one process over an in-memory
// network, playing the part of the harness: it performs the init
// handshake, sends the topology and drives clients. It backs the
// end-to-end tests and cmd/sim.
package cluster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/node"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/rpc"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

type Options struct {
	// Size is the number of nodes, named n0 .. n<Size-1>.
	Size int
	// Node is handed to every node.
	Node node.Config
	// Topology is the shape the harness sends in its topology message.
	Topology topology.Shape
	// Fanout is used when Topology is ShapeTree.
	Fanout int
	Logger *zap.Logger
}

type Cluster struct {
	Net      *transport.Network
	IDs      []string
	Nodes    map[string]*node.Node
	Topology map[string][]string

	client *Client
	log    *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start boots the nodes, initializes them and installs the topology.
func Start(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Size < 1 {
		return nil, errors.Newf("cluster size must be >= 1, got %d", opts.Size)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Topology == "" {
		opts.Topology = topology.ShapeGrid
	}
	if err := opts.Node.Validate(); err != nil {
		return nil, errors.Wrap(err, "node config")
	}

	ids := make([]string, opts.Size)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i)
	}
	t, err := topology.Build(opts.Topology, ids, opts.Fanout)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		Net:      transport.NewNetwork(opts.Logger.Named("net")),
		IDs:      ids,
		Nodes:    make(map[string]*node.Node, len(ids)),
		Topology: t,
		log:      opts.Logger,
		cancel:   cancel,
	}
	for _, id := range ids {
		id := id
		n := node.New(opts.Node, c.Net.Endpoint(id), opts.Logger.Named(id))
		c.Nodes[id] = n
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := n.Run(runCtx); err != nil {
				c.log.Error("node stopped", zap.String("node", id), zap.Error(err))
			}
		}()
	}
	c.client = NewClient(runCtx, c.Net, "c0", opts.Logger.Named("c0"))

	for _, id := range ids {
		if _, err := c.client.Call(ctx, id, &proto.Init{NodeID: id, NodeIDs: ids}); err != nil {
			c.Stop()
			return nil, errors.Wrapf(err, "init %s", id)
		}
	}
	for _, id := range ids {
		if _, err := c.client.Call(ctx, id, &proto.Topology{Topology: t}); err != nil {
			c.Stop()
			return nil, errors.Wrapf(err, "topology %s", id)
		}
	}
	return c, nil
}

// Client returns the harness client every helper below uses.
func (c *Cluster) Client() *Client { return c.client }

func (c *Cluster) Broadcast(ctx context.Context, id string, v int) error {
	_, err := c.client.Call(ctx, id, &proto.Broadcast{Message: v})
	return err
}

func (c *Cluster) Read(ctx context.Context, id string) ([]int, error) {
	reply, err := c.client.Call(ctx, id, &proto.Read{})
	if err != nil {
		return nil, err
	}
	ok, isOK := reply.(*proto.ReadOK)
	if !isOK {
		return nil, errors.Newf("read %s: unexpected %s reply", id, proto.TypeOf(reply))
	}
	return ok.Messages, nil
}

// Converged reports whether every node holds every one of values. It
// inspects the nodes directly so it adds no traffic.
func (c *Cluster) Converged(values []int) bool {
	for _, id := range c.IDs {
		have := c.Nodes[id].Values()
		for _, v := range values {
			if _, found := slices.BinarySearch(have, v); !found {
				return false
			}
		}
	}
	return true
}

// WaitConverged polls Converged until it holds or ctx ends.
func (c *Cluster) WaitConverged(ctx context.Context, values []int, poll time.Duration) error {
	t := time.NewTicker(poll)
	defer t.Stop()
	for !c.Converged(values) {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for convergence")
		case <-t.C:
		}
	}
	return nil
}

func (c *Cluster) Partition(a, b []string) { c.Net.Partition(a, b) }

func (c *Cluster) Heal() { c.Net.Heal() }

// Stop shuts every node down and waits for them.
func (c *Cluster) Stop() {
	c.cancel()
	c.wg.Wait()
	if c.client != nil {
		<-c.client.Done()
	}
}

// Client is a harness-side endpoint that issues requests to nodes.
type Client struct {
	id   string
	ep   *transport.Endpoint
	rpc  *rpc.Correlator
	done chan struct{}
}

// NewClient attaches a client named id to net. It stops reading replies
// when ctx ends.
func NewClient(ctx context.Context, net *transport.Network, id string, log *zap.Logger) *Client {
	c := &Client{id: id, ep: net.Endpoint(id), done: make(chan struct{})}
	c.rpc = rpc.New(func(env proto.Envelope) error {
		env.Src = id
		return c.ep.Send(env)
	}, log)
	go func() {
		defer close(c.done)
		_ = c.ep.Run(ctx, func(env proto.Envelope) {
			if !c.rpc.Resolve(env) {
				log.Debug("client dropped message", zap.String("src", env.Src), zap.String("type", string(proto.TypeOf(env.Body))))
			}
		})
		c.rpc.Close()
	}()
	return c
}

// Done is closed once the client has stopped reading.
func (c *Client) Done() <-chan struct{} { return c.done }

const callTimeout = 2 * time.Second

// Call sends a request and waits at most two seconds for the reply.
func (c *Client) Call(ctx context.Context, to string, body proto.Body) (proto.Body, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return c.rpc.Call(ctx, to, body)
}

// Send delivers body without waiting for any reply.
func (c *Client) Send(to string, body proto.Body) error {
	return c.ep.Send(proto.Envelope{Src: c.id, Dest: to, Body: body})
}
