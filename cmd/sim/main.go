package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/cluster"
	"github.com/ryandielhenn/zephyrcast/pkg/node"
	"github.com/ryandielhenn/zephyrcast/pkg/proto"
	"github.com/ryandielhenn/zephyrcast/pkg/topology"
)

func main() {
	nodes := flag.Int("nodes", 25, "cluster size")
	shape := flag.String("topology", "grid", "harness-sent topology: full, grid, tree or line")
	fanout := flag.Int("fanout", 4, "children per node for the tree topology")
	tick := flag.Duration("tick", 100*time.Millisecond, "gossip interval")
	ops := flag.Int("n", 1000, "broadcasts")
	conc := flag.Int("c", 32, "concurrency")
	timeout := flag.Duration("timeout", 30*time.Second, "give up waiting for convergence after")
	verbose := flag.Bool("v", false, "log node activity to stderr")
	flag.Parse()

	sh, err := topology.ParseShape(*shape)
	if err != nil || sh == topology.ShapeHarness {
		fmt.Fprintf(os.Stderr, "sim: bad topology %q\n", *shape)
		os.Exit(2)
	}

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}

	cfg := node.DefaultConfig()
	cfg.Tick = *tick

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := cluster.Start(ctx, cluster.Options{Size: *nodes, Node: cfg, Topology: sh, Fanout: *fanout, Logger: log})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sim:", err)
		os.Exit(1)
	}
	defer c.Stop()
	c.Net.ResetCounts()

	values := make([]int, *ops)
	wg := sync.WaitGroup{}
	ch := make(chan struct{}, *conc)
	start := time.Now()
	for i := range values {
		i := i
		values[i] = i
		wg.Add(1)
		ch <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-ch }()
			if err := c.Broadcast(ctx, c.IDs[i%len(c.IDs)], i); err != nil {
				fmt.Fprintln(os.Stderr, "broadcast:", err)
			}
		}()
	}
	wg.Wait()
	sent := time.Since(start)

	if err := c.WaitConverged(ctx, values, *tick/10); err != nil {
		fmt.Fprintln(os.Stderr, "sim:", err)
		os.Exit(1)
	}
	dur := time.Since(start)
	gossip := c.Net.Count(proto.TypeGossip)

	fmt.Printf("%d nodes, %s topology, diameter %d, %d edges\n",
		*nodes, sh, topology.Diameter(c.Topology), topology.Edges(c.Topology))
	fmt.Printf("Sent %d broadcasts in %s, converged after %s\n", *ops, sent, dur)
	fmt.Printf("gossip messages: %d (%.2f per broadcast)\n", gossip, float64(gossip)/float64(*ops))
}
