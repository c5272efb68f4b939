package node

import (
	"flag"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrcast/pkg/topology"
)

// Config configures a node. Every field can be set by flag or, since the
// harness starts the binary without arguments, by environment variable.
type Config struct {
	// Shape selects the gossip topology. ShapeHarness takes the map sent in
	// the topology message; any other shape is generated from the node ids
	// received at init.
	Shape topology.Shape
	// Fanout is the number of children per node for ShapeTree.
	Fanout int
	// Tick is the gossip interval.
	Tick time.Duration
	// RPCTimeout bounds a single gossip exchange.
	RPCTimeout time.Duration
	// ResyncEvery is the anti-entropy period in ticks; 0 disables it.
	ResyncEvery int
	// Workers bounds concurrently handled requests.
	Workers int
	LogLevel    string
	// MetricsAddr, when set, serves /metrics, /healthz and /info.
	MetricsAddr string
	// EtcdEndpoints, when set, registers the node in etcd.
	EtcdEndpoints []string
}

func DefaultConfig() Config {
	return Config{
		Shape:       topology.ShapeHarness,
		Fanout:      4,
		Tick:        150 * time.Millisecond,
		RPCTimeout:  time.Second,
		ResyncEvery: 20,
		Workers:     64,
		LogLevel:    "info",
	}
}

// RegisterFlags binds c to fs. Defaults come from the ZEPHYR_* environment
// variables, falling back to c's current values.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Func("topology", "gossip topology: harness, full, grid, tree or line (env ZEPHYR_TOPOLOGY)", func(s string) error {
		sh, err := topology.ParseShape(s)
		c.Shape = sh
		return err
	})
	if v := envString("ZEPHYR_TOPOLOGY", ""); v != "" {
		c.Shape = topology.Shape(v)
	}
	fs.IntVar(&c.Fanout, "fanout", envInt("ZEPHYR_FANOUT", c.Fanout), "children per node for the tree topology")
	fs.DurationVar(&c.Tick, "tick", envDuration("ZEPHYR_TICK", c.Tick), "gossip interval")
	fs.DurationVar(&c.RPCTimeout, "rpc-timeout", envDuration("ZEPHYR_RPC_TIMEOUT", c.RPCTimeout), "gossip RPC deadline")
	fs.IntVar(&c.ResyncEvery, "resync-every", envInt("ZEPHYR_RESYNC_EVERY", c.ResyncEvery), "anti-entropy period in ticks, 0 disables")
	fs.IntVar(&c.Workers, "workers", envInt("ZEPHYR_WORKERS", c.Workers), "concurrently handled requests")
	fs.StringVar(&c.LogLevel, "log-level", envString("ZEPHYR_LOG_LEVEL", c.LogLevel), "debug, info, warn or error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", envString("ZEPHYR_METRICS_ADDR", c.MetricsAddr), "listen address for /metrics, empty disables")
	fs.Func("etcd", "comma-separated etcd endpoints for node registration (env ZEPHYR_ETCD)", func(s string) error {
		c.EtcdEndpoints = splitList(s)
		return nil
	})
	if v := envString("ZEPHYR_ETCD", ""); v != "" {
		c.EtcdEndpoints = splitList(v)
	}
}

// Validate returns an error when any field is unusable.
func (c *Config) Validate() error {
	if _, err := topology.ParseShape(string(c.Shape)); err != nil {
		return err
	}
	if c.Shape == topology.ShapeTree && c.Fanout < 1 {
		return errors.Newf("fanout must be >= 1, got %d", c.Fanout)
	}
	if c.Tick <= 0 {
		return errors.New("tick must be > 0")
	}
	if c.RPCTimeout <= 0 {
		return errors.New("rpc timeout must be > 0")
	}
	if c.ResyncEvery < 0 {
		return errors.New("resync-every must be >= 0")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log level")
	}
	return nil
}

// NewLogger builds the process logger. It writes JSON to stderr, which
// the harness keeps apart from the protocol on stdout.
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.Sampling = nil
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
