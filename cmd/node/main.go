package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/node"
	"github.com/ryandielhenn/zephyrcast/pkg/registry"
	"github.com/ryandielhenn/zephyrcast/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg := node.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "zephyrcast:", err)
		os.Exit(2)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "zephyrcast:", err)
		os.Exit(2)
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Node on stdin/stdout
	n := node.New(cfg, transport.NewStdio(os.Stdin, os.Stdout, log.Named("stdio")), log)
	peers := registry.NewDirectory()

	// 2. Optional HTTP endpoints
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", n.Healthz)
		mux.HandleFunc("/info", n.Info)
		mux.Handle("/peers", peers)
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// 3. Optional registration once the harness has named us
	registered := make(chan struct{})
	if len(cfg.EtcdEndpoints) > 0 {
		go func() {
			defer close(registered)
			register(ctx, n, cfg, peers, log.Named("registry"))
		}()
	} else {
		close(registered)
	}

	err = n.Run(ctx)
	stop()
	<-registered
	if err != nil {
		log.Error("node stopped", zap.Error(err))
		os.Exit(1)
	}
}

// register announces the node in etcd, keeps peers in sync with the
// registered set and revokes the lease when ctx ends.
func register(ctx context.Context, n *node.Node, cfg node.Config, peers *registry.Directory, log *zap.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-n.Ready():
	}

	cli, err := registry.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		log.Warn("registry unavailable", zap.Error(err))
		return
	}
	defer cli.Close()

	addr := node.NormalizeHostPort(cfg.MetricsAddr, "8080")
	lease, cancel, err := registry.RegisterNode(ctx, cli, n.ID(), addr, 10, log)
	if err != nil {
		log.Warn("registration failed", zap.Error(err))
		return
	}
	log.Info("registered", zap.String("id", n.ID()), zap.String("addr", addr), zap.Int64("lease", int64(lease)))

	err = registry.WatchNodes(ctx, cli, func(nodes map[string]string) {
		log.Debug("registered nodes changed", zap.Int("count", len(nodes)))
		peers.Set(nodes)
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("watching nodes failed", zap.Error(err))
		<-ctx.Done()
	}
	cancel()
	revokeCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_, _ = cli.Revoke(revokeCtx, lease)
}
