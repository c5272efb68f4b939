package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/gossip"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
)

// handleInit records the node's identity, installs a generated topology
// for non-harness shapes and starts gossiping. Repeated inits are
// acknowledged and ignored.
func (n *Node) handleInit(_ context.Context, _ string, body proto.Body) (proto.Body, error) {
	req := body.(*proto.Init)
	if req.NodeID == "" {
		return nil, proto.NewError(proto.CodeMalformedRequest, "init without node_id")
	}

	n.mu.Lock()
	if n.id != "" {
		id := n.id
		n.mu.Unlock()
		n.log.Warn("ignoring repeated init", zap.String("id", id), zap.String("requested", req.NodeID))
		return &proto.InitOK{}, nil
	}
	n.id = req.NodeID
	n.nodeIDs = append([]string(nil), req.NodeIDs...)
	n.engine = gossip.New(gossip.Config{
		Interval:    n.cfg.Tick,
		RPCTimeout:  n.cfg.RPCTimeout,
		ResyncEvery: n.cfg.ResyncEvery,
		Logger:      n.log.Named("gossip"),
	}, n.id, n.values, n.topo, n.rpc)
	engine, ctx := n.engine, n.ctx
	close(n.ready)
	n.mu.Unlock()

	n.log.Info("initialized",
		zap.String("id", req.NodeID), zap.Strings("node_ids", req.NodeIDs), zap.String("topology", string(n.cfg.Shape)))
	engine.Start(ctx)

	if n.cfg.Shape != topology.ShapeHarness {
		t, err := topology.Build(n.cfg.Shape, req.NodeIDs, n.cfg.Fanout)
		if err != nil {
			return nil, err
		}
		n.installTopology(t)
	}
	return &proto.InitOK{}, nil
}

func (n *Node) handleBroadcast(_ context.Context, src string, body proto.Body) (proto.Body, error) {
	req := body.(*proto.Broadcast)
	n.learn(src, []int{req.Message})
	return &proto.BroadcastOK{}, nil
}

func (n *Node) handleRead(_ context.Context, _ string, _ proto.Body) (proto.Body, error) {
	return &proto.ReadOK{Messages: n.values.Snapshot()}, nil
}

// handleTopology installs the harness's map when this node is configured
// to take it; with a generated shape the map was installed at init and the
// message is only acknowledged.
func (n *Node) handleTopology(_ context.Context, src string, body proto.Body) (proto.Body, error) {
	req := body.(*proto.Topology)
	if n.ID() == "" {
		return nil, proto.NewError(proto.CodeTemporarilyUnavailable, "topology before init")
	}
	if n.cfg.Shape != topology.ShapeHarness {
		n.log.Debug("keeping configured topology", zap.String("src", src), zap.String("shape", string(n.cfg.Shape)))
		return &proto.TopologyOK{}, nil
	}
	n.installTopology(req.Topology)
	return &proto.TopologyOK{}, nil
}

// handleGossip merges a peer's batch and acknowledges it with the values
// that were new here.
func (n *Node) handleGossip(_ context.Context, src string, body proto.Body) (proto.Body, error) {
	req := body.(*proto.Gossip)
	added := n.learn(src, req.Messages)
	if e := n.gossipEngine(); e != nil {
		e.Observe(src, req.Messages)
	}
	if added == nil {
		added = []int{}
	}
	return &proto.GossipOK{Messages: added}, nil
}

func (n *Node) handleEcho(_ context.Context, _ string, body proto.Body) (proto.Body, error) {
	return &proto.EchoOK{Echo: body.(*proto.Echo).Echo}, nil
}

// handleGenerate returns ids unique across the cluster: node ids are
// unique and the per-node sequence never repeats.
func (n *Node) handleGenerate(_ context.Context, _ string, _ proto.Body) (proto.Body, error) {
	id := n.ID()
	if id == "" {
		return nil, proto.NewError(proto.CodeTemporarilyUnavailable, "generate before init")
	}
	return &proto.GenerateOK{ID: fmt.Sprintf("%s-%d", id, n.genSeq.Add(1))}, nil
}

// learn merges values and queues the new ones for gossip.
func (n *Node) learn(src string, values []int) []int {
	added := n.values.Merge(values...)
	if len(added) == 0 {
		return nil
	}
	telemetry.StoreValues.WithLabelValues(n.ID()).Set(float64(n.values.Len()))
	if e := n.gossipEngine(); e != nil {
		e.Enqueue(src, added)
	}
	return added
}

func (n *Node) installTopology(t map[string][]string) {
	if !n.topo.Install(t) {
		n.log.Debug("topology already installed")
		return
	}
	n.log.Info("topology installed", zap.Strings("neighbors", n.Neighbors()))
	// values learned before any neighbor existed
	if e := n.gossipEngine(); e != nil {
		e.Enqueue("", n.values.Snapshot())
	}
}

// ---- HTTP ----

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the node's identity, cluster members,
// neighbors and value count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID        string    `json:"id"`
		NodeIDs   []string  `json:"node_ids"`
		PID       int       `json:"pid"`
		Now       time.Time `json:"now"`
		Values    int       `json:"values"`
		Neighbors []string  `json:"neighbors"`
		Topology  string    `json:"topology"`
	}
	data, _ := json.Marshal(resp{
		ID:        n.ID(),
		NodeIDs:   n.NodeIDs(),
		PID:       os.Getpid(),
		Now:       time.Now(),
		Values:    n.values.Len(),
		Neighbors: n.Neighbors(),
		Topology:  string(n.cfg.Shape),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
