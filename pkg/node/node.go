package node

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/gossip"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/rpc"
	"github.com/ryandielhenn/zephyrcast/pkg/store"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

// HandlerFunc serves one request. A nil reply sends nothing; an error is
// turned into an error reply.
type HandlerFunc func(ctx context.Context, src string, body proto.Body) (proto.Body, error)

// Node is the runtime of one cluster member. It owns the transport, the
// correlator, the value store, the topology and, once initialized, the
// gossip engine.
type Node struct {
	cfg    Config
	log    *zap.Logger
	tr     transport.Transport
	rpc    *rpc.Correlator
	values *store.Set[int]
	topo   *topology.Manager

	handlers map[proto.Type]HandlerFunc
	sem      chan struct{}
	wg       sync.WaitGroup
	genSeq   atomic.Int64
	ready    chan struct{}

	mu      sync.RWMutex
	ctx     context.Context
	id      string
	nodeIDs []string
	engine  *gossip.Engine
}

func New(cfg Config, tr transport.Transport, log *zap.Logger) *Node {
	n := &Node{
		cfg:      cfg,
		log:      log,
		tr:       tr,
		values:   store.New[int](),
		topo:     topology.New(),
		handlers: make(map[proto.Type]HandlerFunc),
		sem:      make(chan struct{}, cfg.Workers),
		ctx:      context.Background(),
		ready:    make(chan struct{}),
	}
	n.rpc = rpc.New(n.Send, log.Named("rpc"))

	n.Handle(proto.TypeInit, n.handleInit)
	n.Handle(proto.TypeBroadcast, n.handleBroadcast)
	n.Handle(proto.TypeRead, n.handleRead)
	n.Handle(proto.TypeTopology, n.handleTopology)
	n.Handle(proto.TypeGossip, n.handleGossip)
	n.Handle(proto.TypeEcho, n.handleEcho)
	n.Handle(proto.TypeGenerate, n.handleGenerate)
	return n
}

// Handle registers h for requests of type t, replacing any earlier one.
// It must be called before Run.
func (n *Node) Handle(t proto.Type, h HandlerFunc) {
	n.handlers[t] = h
}

// Run serves messages until the transport's input ends or ctx is done.
// On return the gossip engine is stopped and pending calls are abandoned.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.mu.Lock()
	n.ctx = ctx
	n.mu.Unlock()

	err := n.tr.Run(ctx, func(env proto.Envelope) { n.dispatch(ctx, env) })

	cancel()
	n.mu.RLock()
	engine := n.engine
	n.mu.RUnlock()
	if engine != nil {
		engine.Stop()
	}
	n.rpc.Close()
	n.wg.Wait()
	return err
}

func (n *Node) dispatch(ctx context.Context, env proto.Envelope) {
	typ := proto.TypeOf(env.Body)
	telemetry.MessagesTotal.WithLabelValues("in", string(typ)).Inc()

	if env.IsReply() {
		if !n.rpc.Resolve(env) {
			n.log.Debug("dropping unmatched reply",
				zap.String("src", env.Src), zap.String("type", string(typ)),
				zap.Intp("in_reply_to", env.Body.Head().InReplyTo))
		}
		return
	}

	h, ok := n.handlers[typ]
	if !ok {
		n.log.Warn("ignoring message of unknown type", zap.String("src", env.Src), zap.String("type", string(typ)))
		return
	}

	n.sem <- struct{}{}
	n.wg.Add(1)
	go func() {
		defer func() {
			<-n.sem
			n.wg.Done()
		}()
		n.serve(ctx, env, h)
	}()
}

func (n *Node) serve(ctx context.Context, env proto.Envelope, h HandlerFunc) {
	typ := proto.TypeOf(env.Body)
	reply, err := telemetry.Instrument(string(typ), func() (proto.Body, error) {
		return h(ctx, env.Src, env.Body)
	})
	if err != nil {
		n.log.Warn("handler failed", zap.String("src", env.Src), zap.String("type", string(typ)), zap.Error(err))
		var perr *proto.Error
		if !errors.As(err, &perr) {
			perr = proto.NewError(proto.CodeCrash, "%v", err)
		}
		reply = perr
	}
	if reply == nil || env.Body.Head().MsgID == nil {
		return
	}
	if err := n.Reply(env, reply); err != nil {
		n.log.Error("reply failed", zap.String("dest", env.Src), zap.String("type", string(typ)), zap.Error(err))
	}
}

// Send stamps this node's id as the source and writes env.
func (n *Node) Send(env proto.Envelope) error {
	env.Src = n.ID()
	telemetry.MessagesTotal.WithLabelValues("out", string(proto.TypeOf(env.Body))).Inc()
	return n.tr.Send(env)
}

// Reply answers req with body.
func (n *Node) Reply(req proto.Envelope, body proto.Body) error {
	h := body.Head()
	h.MsgID = proto.ID(n.rpc.NextID())
	if ref := req.Body.Head().MsgID; ref != nil {
		h.InReplyTo = proto.ID(*ref)
	}
	return n.Send(proto.Envelope{Dest: req.Src, Body: body})
}

// Call sends a request and waits for its reply.
func (n *Node) Call(ctx context.Context, to string, body proto.Body) (proto.Body, error) {
	return n.rpc.Call(ctx, to, body)
}

// Ready is closed once the node has been initialized.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// ID is empty until the init handshake.
func (n *Node) ID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

func (n *Node) NodeIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.nodeIDs...)
}

// Values returns a sorted snapshot of the values known to this node.
func (n *Node) Values() []int {
	return n.values.Snapshot()
}

// Neighbors returns this node's neighbors in the installed topology.
func (n *Node) Neighbors() []string {
	return n.topo.NeighborsOf(n.ID())
}

func (n *Node) gossipEngine() *gossip.Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine
}
