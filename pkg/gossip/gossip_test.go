package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/store"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
)

type call struct {
	to     string
	values []int
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []call
	down  map[string]bool
	block chan struct{}
}

func (f *fakeCaller) Call(ctx context.Context, to string, body proto.Body) (proto.Body, error) {
	g := body.(*proto.Gossip)
	f.mu.Lock()
	f.calls = append(f.calls, call{to: to, values: g.Messages})
	down, block := f.down[to], f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if down {
		return nil, errors.New("unreachable")
	}
	return &proto.GossipOK{Messages: g.Messages}, nil
}

func (f *fakeCaller) setDown(to string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[to] = down
}

func (f *fakeCaller) drain() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func callsTo(calls []call, to string) [][]int {
	var out [][]int
	for _, c := range calls {
		if c.to == to {
			out = append(out, c.values)
		}
	}
	return out
}

func newEngine(t *testing.T, cfg Config, neighbors ...string) (*Engine, *store.Set[int], *fakeCaller) {
	t.Helper()
	topo := topology.New()
	topo.Install(map[string][]string{"n1": neighbors})
	values := store.New[int]()
	caller := &fakeCaller{}
	cfg.Logger = zaptest.NewLogger(t)
	e := New(cfg, "n1", values, topo, caller)
	t.Cleanup(e.Stop)
	return e, values, caller
}

// tick runs one round and waits for its sends to finish.
func tick(e *Engine) int {
	n := e.Tick(context.Background())
	e.wg.Wait()
	return n
}

func TestTickBatchesOneMessagePerNeighbor(t *testing.T) {
	e, values, caller := newEngine(t, Config{}, "n2", "n3")

	for v := 0; v < 10; v++ {
		e.Enqueue("c1", values.Merge(v))
	}
	require.Equal(t, 2, tick(e))

	calls := caller.drain()
	require.Len(t, calls, 2)
	for _, nb := range []string{"n2", "n3"} {
		batches := callsTo(calls, nb)
		require.Len(t, batches, 1, "neighbor %s", nb)
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, batches[0])
		require.Empty(t, e.Backlog(nb))
	}

	// acked values are not resent
	require.Zero(t, tick(e))
	require.Empty(t, caller.drain())
}

func TestEnqueueSkipsSender(t *testing.T) {
	e, values, caller := newEngine(t, Config{}, "n2", "n3")

	e.Enqueue("n2", values.Merge(7))
	tick(e)

	calls := caller.drain()
	require.Empty(t, callsTo(calls, "n2"))
	require.Equal(t, [][]int{{7}}, callsTo(calls, "n3"))
}

func TestValuesFromNeighborLeaveItsQueue(t *testing.T) {
	e, values, caller := newEngine(t, Config{}, "n2", "n3")

	e.Enqueue("c1", values.Merge(1, 2))
	require.Equal(t, []int{1, 2}, e.Backlog("n2"))

	// n2 shows it already has 2
	e.Enqueue("n2", []int{2})
	require.Equal(t, []int{1}, e.Backlog("n2"))

	tick(e)
	require.Equal(t, [][]int{{1}}, callsTo(caller.drain(), "n2"))
}

func TestFailedBatchIsRetriedWithoutLimit(t *testing.T) {
	e, values, caller := newEngine(t, Config{}, "n2")
	caller.setDown("n2", true)

	e.Enqueue("c1", values.Merge(42))
	for _i := 0; _i < 50; _i++ {
		require.Equal(t, 1, tick(e))
		require.Equal(t, []int{42}, e.Backlog("n2"))
	}
	require.Len(t, caller.drain(), 50)

	caller.setDown("n2", false)
	e.Enqueue("c1", values.Merge(43))
	require.Equal(t, 1, tick(e))
	require.Equal(t, [][]int{{42, 43}}, callsTo(caller.drain(), "n2"))
	require.Empty(t, e.Backlog("n2"))
}

func TestOneBatchInFlightPerNeighbor(t *testing.T) {
	e, values, caller := newEngine(t, Config{RPCTimeout: 5 * time.Second}, "n2")
	caller.block = make(chan struct{})

	e.Enqueue("c1", values.Merge(1))
	require.Equal(t, 1, e.Tick(context.Background()))

	e.Enqueue("c1", values.Merge(2))
	require.Zero(t, e.Tick(context.Background()), "second batch sent while first in flight")
	require.Equal(t, []int{1, 2}, e.Backlog("n2"))

	close(caller.block)
	e.wg.Wait()
	caller.block = nil
	require.Equal(t, []int{2}, e.Backlog("n2"))

	require.Equal(t, 1, tick(e))
	calls := caller.drain()
	require.Equal(t, [][]int{{1}, {2}}, callsTo(calls, "n2"))
}

func TestTimeoutRequeues(t *testing.T) {
	e, values, caller := newEngine(t, Config{RPCTimeout: 10 * time.Millisecond}, "n2")
	caller.block = make(chan struct{})
	defer close(caller.block)

	e.Enqueue("c1", values.Merge(5))
	tick(e)
	require.Equal(t, []int{5}, e.Backlog("n2"))
	require.Len(t, caller.drain(), 1)
}

func TestResyncRecoversValuesNeverQueued(t *testing.T) {
	e, values, caller := newEngine(t, Config{ResyncEvery: 3}, "n2")

	// merged without Enqueue, e.g. before the topology existed
	values.Merge(8, 9)

	require.Zero(t, tick(e))
	require.Zero(t, tick(e))
	require.Equal(t, 1, tick(e))
	require.Equal(t, [][]int{{8, 9}}, callsTo(caller.drain(), "n2"))

	// known values are not queued again by later resyncs
	for _i := 0; _i < 3; _i++ {
		tick(e)
	}
	require.Empty(t, caller.drain())
}

func TestNoNeighborsNoGossip(t *testing.T) {
	e, values, caller := newEngine(t, Config{ResyncEvery: 1})
	e.Enqueue("c1", values.Merge(1))
	require.Zero(t, tick(e))
	require.Empty(t, caller.drain())
}

func TestSilentNeighborBecomesSuspectAndRecovers(t *testing.T) {
	e, values, caller := newEngine(t, Config{Interval: time.Millisecond}, "n2")
	caller.setDown("n2", true)

	e.Enqueue("c1", values.Merge(1))
	time.Sleep(50 * time.Millisecond)
	tick(e)
	require.Equal(t, StateSuspect, e.NeighborState("n2"))
	require.Equal(t, "suspect", e.NeighborState("n2").String())
	require.Equal(t, 1.0, testutil.ToFloat64(telemetry.NeighborSuspect.WithLabelValues("n1", "n2")))
	require.Equal(t, 1.0, testutil.ToFloat64(telemetry.PendingValues.WithLabelValues("n1", "n2")))

	caller.setDown("n2", false)
	tick(e)
	require.Equal(t, StateAlive, e.NeighborState("n2"))
	require.Empty(t, e.Backlog("n2"))
	require.Zero(t, testutil.ToFloat64(telemetry.NeighborSuspect.WithLabelValues("n1", "n2")))
}

func TestStartTicksUntilStopped(t *testing.T) {
	e, values, caller := newEngine(t, Config{Interval: 5 * time.Millisecond}, "n2")
	e.Start(context.Background())

	e.Enqueue("c1", values.Merge(3))
	require.Eventually(t, func() bool {
		caller.mu.Lock()
		defer caller.mu.Unlock()
		return len(caller.calls) > 0
	}, time.Second, 5*time.Millisecond)

	e.Stop()
	require.Empty(t, e.Backlog("n2"))
}

func TestPhiAccrual(t *testing.T) {
	d := newPhiAccrual(4, 10*time.Millisecond)
	t0 := time.Unix(0, 0)
	require.Zero(t, d.Phi("n2", t0))

	for i := 0; i < 5; i++ {
		d.Observe("n2", t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	last := t0.Add(400 * time.Millisecond)
	require.Less(t, d.Phi("n2", last.Add(50*time.Millisecond)), 1.0)
	require.Greater(t, d.Phi("n2", last.Add(2*time.Second)), 8.0)
}

func TestObserveOnlyTracksNeighbors(t *testing.T) {
	e, values, caller := newEngine(t, Config{}, "n2", "n3")

	e.Enqueue("c1", values.Merge(1, 2, 3))
	e.Observe("n3", []int{1, 2, 3})
	e.Observe("n9", []int{1})
	require.Equal(t, []int{1, 2, 3}, e.Backlog("n2"))
	require.Empty(t, e.Backlog("n3"))
	require.Empty(t, e.Backlog("n9"))

	tick(e)
	calls := caller.drain()
	require.Len(t, calls, 1)
	require.Equal(t, "n2", calls[0].to)
}

func TestStopRacesStart(t *testing.T) {
	for _i := 0; _i < 50; _i++ {
		e, _, _ := newEngine(t, Config{Interval: time.Millisecond}, "n2")
		done := make(chan struct{})
		go func() {
			defer close(done)
			e.Start(context.Background())
		}()
		e.Stop()
		<-done
		e.Stop()
	}
}

func TestStartAfterStopIsNoop(t *testing.T) {
	e, values, caller := newEngine(t, Config{Interval: time.Millisecond}, "n2")
	e.Stop()
	e.Start(context.Background())

	e.Enqueue("c1", values.Merge(1))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, caller.drain())
	require.Equal(t, []int{1}, e.Backlog("n2"))
}
