// Package gossip implements the anti-entropy broadcast engine for
// zephyrcast. Every value a node learns is queued for each of its
// configured neighbors and pushed in batches on a fixed tick, one gossip
// message per neighbor per tick at most. Receivers acknowledge whole
// batches; unacknowledged batches go back to the queue and are retried on
// later ticks for as long as the process lives, so a partition only delays
// delivery.
//
// Typical usage:
//
//	e := gossip.New(gossip.Config{Interval: 150 * time.Millisecond}, self, values, topo, correlator)
//	e.Start(ctx)
//	defer e.Stop()
//	...
//	e.Enqueue(from, values.Merge(batch...))
//
// Besides acks, each neighbor's session remembers which values the
// neighbor is known to hold (acked, or received from it). Every
// ResyncEvery ticks the queue is rebuilt from the store minus that set, so
// nothing the node holds can be forgotten for a neighbor.
package gossip
