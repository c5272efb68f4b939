package gossip

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/store"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
)

const (
	defaultInterval   = 150 * time.Millisecond
	defaultRPCTimeout = time.Second
	defaultSuspectPhi = 8.0
	detectorWindow    = 32
)

type Config struct {
	// Interval between gossip ticks.
	Interval time.Duration
	// RPCTimeout bounds how long a batch stays in flight before it is
	// requeued.
	RPCTimeout time.Duration
	// ResyncEvery rebuilds every neighbor's queue from the store each N
	// ticks. Zero disables it.
	ResyncEvery int
	// SuspectPhi is the phi above which a neighbor with a failing send is
	// reported as suspect.
	SuspectPhi float64
	Logger     *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.SuspectPhi <= 0 {
		c.SuspectPhi = defaultSuspectPhi
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Engine pushes values to neighbors. All session state sits behind mu;
// the store has its own lock and is always taken after mu.
type Engine struct {
	cfg    Config
	self   string
	values *store.Set[int]
	topo   *topology.Manager
	caller Caller
	fd     FailureDetector
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	ticks    uint64
	cancel   context.CancelFunc
	stopped  bool

	wg sync.WaitGroup
}

func New(cfg Config, self string, values *store.Set[int], topo *topology.Manager, caller Caller) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:      cfg,
		self:     self,
		values:   values,
		topo:     topo,
		caller:   caller,
		fd:       newPhiAccrual(detectorWindow, cfg.Interval),
		log:      cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// Enqueue marks values for every current neighbor except from. Values
// coming from a neighbor are recorded as held by it, which also drops them
// from its queue.
func (e *Engine) Enqueue(from string, values []int) {
	if len(values) == 0 {
		return
	}
	neighbors := e.topo.NeighborsOf(e.self)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, nb := range neighbors {
		if nb == e.self {
			continue
		}
		s := e.session(nb)
		if nb == from {
			s.observe(values)
			continue
		}
		s.enqueue(values)
	}
}

// Observe records that from holds values, whether or not they were new
// here. It is a no-op when from is not a neighbor.
func (e *Engine) Observe(from string, values []int) {
	if len(values) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[from]; ok {
		s.observe(values)
		return
	}
	for _, nb := range e.topo.NeighborsOf(e.self) {
		if nb == from {
			e.session(nb).observe(values)
			return
		}
	}
}

// Tick runs one gossip round: every neighbor with queued values and no
// batch in flight gets one gossip message carrying all of them. Sends run
// in the background; Tick returns the number started.
func (e *Engine) Tick(ctx context.Context) int {
	type job struct {
		to    string
		batch []int
	}
	var jobs []job
	neighbors := e.topo.NeighborsOf(e.self)

	e.mu.Lock()
	e.ticks++
	var snapshot []int
	resync := e.cfg.ResyncEvery > 0 && e.ticks%uint64(e.cfg.ResyncEvery) == 0
	if resync {
		snapshot = e.values.Snapshot()
	}
	for _, nb := range neighbors {
		if nb == e.self {
			continue
		}
		s := e.session(nb)
		if resync {
			s.resync(snapshot)
		}
		telemetry.PendingValues.WithLabelValues(e.self, nb).Set(float64(s.backlog()))
		if s.busy() || len(s.pending) == 0 {
			continue
		}
		jobs = append(jobs, job{to: nb, batch: s.take()})
	}
	e.mu.Unlock()

	for _, j := range jobs {
		j := j
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.push(ctx, j.to, j.batch)
		}()
	}
	return len(jobs)
}

func (e *Engine) push(ctx context.Context, to string, batch []int) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	telemetry.GossipBatchSize.Observe(float64(len(batch)))
	reply, err := e.caller.Call(ctx, to, &proto.Gossip{Messages: batch})
	ok, isOK := reply.(*proto.GossipOK)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[to]

	if err != nil || !isOK {
		s.fail(batch)
		telemetry.GossipRetries.Inc()
		if phi := e.fd.Phi(to, now); phi > e.cfg.SuspectPhi && s.state == StateAlive {
			s.state = StateSuspect
			telemetry.NeighborSuspect.WithLabelValues(e.self, to).Set(1)
			e.log.Warn("neighbor suspected", zap.String("neighbor", to), zap.Float64("phi", phi), zap.Int("retries", s.retries))
		}
		e.log.Debug("gossip not acknowledged, requeued",
			zap.String("neighbor", to), zap.Int("values", len(batch)), zap.Int("retries", s.retries), zap.Error(err))
		return
	}

	s.ack(batch)
	e.fd.Observe(to, now)
	if s.state == StateSuspect {
		s.state = StateAlive
		telemetry.NeighborSuspect.WithLabelValues(e.self, to).Set(0)
		e.log.Info("neighbor recovered", zap.String("neighbor", to))
	}
	e.log.Debug("gossip acknowledged",
		zap.String("neighbor", to), zap.Int("values", len(batch)), zap.Int("new", len(ok.Messages)))
}

// session returns the session for nb, creating it. Caller holds mu.
func (e *Engine) session(nb string) *session {
	s, ok := e.sessions[nb]
	if !ok {
		s = newSession(nb)
		e.sessions[nb] = s
		e.fd.Observe(nb, time.Now())
	}
	return s
}

// Start runs Tick every Interval until ctx is done or Stop is called. It
// does nothing if the engine is already running or was stopped.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped || e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.Tick(ctx)
			}
		}
	}()
	e.log.Info("gossip started",
		zap.String("self", e.self),
		zap.Duration("interval", e.cfg.Interval),
		zap.Strings("neighbors", e.topo.NeighborsOf(e.self)))
}

// Stop cancels the tick loop and waits for in-flight sends to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Backlog returns the values queued or in flight for nb, sorted.
func (e *Engine) Backlog(nb string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[nb]
	if !ok {
		return nil
	}
	out := make([]int, 0, s.backlog())
	for v := range s.pending {
		out = append(out, v)
	}
	for v := range s.inflight {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// NeighborState reports the failure detector's view of nb.
func (e *Engine) NeighborState(nb string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[nb]; ok {
		return s.state
	}
	return StateAlive
}
