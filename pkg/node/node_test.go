package node_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcast/pkg/cluster"
	"github.com/ryandielhenn/zephyrcast/pkg/node"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

// boot runs a single uninitialized node "n0" and returns a client for it.
func boot(t *testing.T, cfg node.Config) (*node.Node, *cluster.Client) {
	t.Helper()
	log := zaptest.NewLogger(t)
	net := transport.NewNetwork(log)
	n := node.New(cfg, net.Endpoint("n0"), log.Named("n0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.Run(ctx); err != nil {
			t.Error(err)
		}
	}()
	c := cluster.NewClient(ctx, net, "c0", log.Named("c0"))
	t.Cleanup(func() {
		cancel()
		<-done
		<-c.Done()
	})
	return n, c
}

func testConfig() node.Config {
	cfg := node.DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	cfg.RPCTimeout = 50 * time.Millisecond
	return cfg
}

func initNode(t *testing.T, c *cluster.Client, ids ...string) {
	t.Helper()
	reply, err := c.Call(context.Background(), "n0", &proto.Init{NodeID: "n0", NodeIDs: ids})
	require.NoError(t, err)
	require.IsType(t, &proto.InitOK{}, reply)
}

func TestTopologyBeforeInit(t *testing.T) {
	_, c := boot(t, testConfig())

	_, err := c.Call(context.Background(), "n0", &proto.Topology{Topology: map[string][]string{"n0": {}}})
	var perr *proto.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, proto.CodeTemporarilyUnavailable, perr.Code)
}

func TestInitOnce(t *testing.T) {
	n, c := boot(t, testConfig())

	initNode(t, c, "n0", "n1")
	select {
	case <-n.Ready():
	default:
		t.Fatal("node not ready after init")
	}

	reply, err := c.Call(context.Background(), "n0", &proto.Init{NodeID: "n9", NodeIDs: []string{"n9"}})
	require.NoError(t, err)
	require.IsType(t, &proto.InitOK{}, reply)
	require.Equal(t, "n0", n.ID())
	require.Equal(t, []string{"n0", "n1"}, n.NodeIDs())
}

func TestInitWithoutID(t *testing.T) {
	_, c := boot(t, testConfig())

	_, err := c.Call(context.Background(), "n0", &proto.Init{})
	var perr *proto.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, proto.CodeMalformedRequest, perr.Code)
}

func TestBroadcastAndRead(t *testing.T) {
	n, c := boot(t, testConfig())
	initNode(t, c, "n0")
	ctx := context.Background()

	for _, v := range []int{3, 1, 2, 1} {
		reply, err := c.Call(ctx, "n0", &proto.Broadcast{Message: v})
		require.NoError(t, err)
		require.IsType(t, &proto.BroadcastOK{}, reply)
	}
	reply, err := c.Call(ctx, "n0", &proto.Read{})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, reply.(*proto.ReadOK).Messages)
	require.Equal(t, []int{1, 2, 3}, n.Values())
}

func TestReadEmpty(t *testing.T) {
	_, c := boot(t, testConfig())
	initNode(t, c, "n0")

	reply, err := c.Call(context.Background(), "n0", &proto.Read{})
	require.NoError(t, err)
	require.NotNil(t, reply.(*proto.ReadOK).Messages)
	require.Empty(t, reply.(*proto.ReadOK).Messages)
}

func TestGossipRepliesWithNewValues(t *testing.T) {
	_, c := boot(t, testConfig())
	initNode(t, c, "n0")
	ctx := context.Background()

	_, err := c.Call(ctx, "n0", &proto.Broadcast{Message: 2})
	require.NoError(t, err)

	reply, err := c.Call(ctx, "n0", &proto.Gossip{Messages: []int{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, reply.(*proto.GossipOK).Messages)
}

func TestHarnessTopologyInstalled(t *testing.T) {
	n, c := boot(t, testConfig())
	initNode(t, c, "n0", "n1", "n2")

	reply, err := c.Call(context.Background(), "n0", &proto.Topology{Topology: map[string][]string{
		"n0": {"n1", "n1", "n2"},
		"n1": {"n0"},
		"n2": {"n0"},
	}})
	require.NoError(t, err)
	require.IsType(t, &proto.TopologyOK{}, reply)
	require.Equal(t, []string{"n1", "n2"}, n.Neighbors())
}

func TestConfiguredShapeIgnoresHarnessTopology(t *testing.T) {
	cfg := testConfig()
	cfg.Shape = topology.ShapeLine
	n, c := boot(t, cfg)
	initNode(t, c, "n0", "n1", "n2")
	require.Equal(t, []string{"n1"}, n.Neighbors())

	_, err := c.Call(context.Background(), "n0", &proto.Topology{Topology: map[string][]string{"n0": {"n2"}}})
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, n.Neighbors())
}

func TestEcho(t *testing.T) {
	_, c := boot(t, testConfig())

	reply, err := c.Call(context.Background(), "n0", &proto.Echo{Echo: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", reply.(*proto.EchoOK).Echo)
}

func TestUnknownTypeIgnored(t *testing.T) {
	_, c := boot(t, testConfig())

	require.NoError(t, c.Send("n0", &proto.Unknown{Header: proto.Header{Type: "frobnicate", MsgID: proto.ID(99)}}))
	reply, err := c.Call(context.Background(), "n0", &proto.Echo{Echo: "still here"})
	require.NoError(t, err)
	require.Equal(t, "still here", reply.(*proto.EchoOK).Echo)
}

func TestGenerateUnique(t *testing.T) {
	_, c := boot(t, testConfig())
	ctx := context.Background()

	_, err := c.Call(ctx, "n0", &proto.Generate{})
	var perr *proto.Error
	require.ErrorAs(t, err, &perr)

	initNode(t, c, "n0")

	var (
		mu  sync.Mutex
		ids = map[string]bool{}
		wg  sync.WaitGroup
	)
	for _i := 0; _i < 100; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := c.Call(ctx, "n0", &proto.Generate{})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[reply.(*proto.GenerateOK).ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 100)
	for id := range ids {
		require.True(t, strings.HasPrefix(id, "n0-"), id)
	}
}

func TestZeroMsgIDIsAnswered(t *testing.T) {
	log := zaptest.NewLogger(t)
	net := transport.NewNetwork(log)
	n := node.New(testConfig(), net.Endpoint("n0"), log.Named("n0"))
	raw := net.Endpoint("c1")

	ctx, cancel := context.WithCancel(context.Background())
	replies := make(chan proto.Envelope, 4)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = n.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = raw.Run(ctx, func(env proto.Envelope) { replies <- env })
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	send := func(body proto.Body) proto.Envelope {
		t.Helper()
		require.NoError(t, raw.Send(proto.Envelope{Src: "c1", Dest: "n0", Body: body}))
		select {
		case env := <-replies:
			return env
		case <-time.After(2 * time.Second):
			t.Fatal("no reply")
			return proto.Envelope{}
		}
	}

	got := send(&proto.Init{Header: proto.Header{MsgID: proto.ID(0)}, NodeID: "n0", NodeIDs: []string{"n0"}})
	require.IsType(t, &proto.InitOK{}, got.Body)
	require.Equal(t, proto.ID(0), got.Body.Head().InReplyTo)

	got = send(&proto.Broadcast{Header: proto.Header{MsgID: proto.ID(0)}, Message: 9})
	require.IsType(t, &proto.BroadcastOK{}, got.Body)
	require.Equal(t, proto.ID(0), got.Body.Head().InReplyTo)
	require.Equal(t, []int{9}, n.Values())

	// without a msg_id nothing comes back
	require.NoError(t, raw.Send(proto.Envelope{Src: "c1", Dest: "n0", Body: &proto.Broadcast{Message: 10}}))
	require.Eventually(t, func() bool { return len(n.Values()) == 2 }, time.Second, 5*time.Millisecond)
	select {
	case env := <-replies:
		t.Fatalf("unexpected reply %+v", env.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInfoReportsMembership(t *testing.T) {
	n, c := boot(t, testConfig())
	initNode(t, c, "n0", "n1", "n2")
	_, err := c.Call(context.Background(), "n0", &proto.Broadcast{Message: 4})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	n.Info(rec, httptest.NewRequest("GET", "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info struct {
		ID      string   `json:"id"`
		NodeIDs []string `json:"node_ids"`
		Values  int      `json:"values"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "n0", info.ID)
	require.Equal(t, []string{"n0", "n1", "n2"}, info.NodeIDs)
	require.Equal(t, 1, info.Values)
}
