// Package registry announces running nodes in etcd and tracks the set of
// registered nodes, which cmd/node serves on /peers. Membership used for
// gossip always comes from the harness; the registry is informational.
package registry

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const prefix = "/zephyrcast/nodes/"

// NodeKey is the etcd key a node registers under.
func NodeKey(id string) string { return prefix + id }

// NodeID is the inverse of NodeKey; ok is false for keys outside the prefix.
func NodeID(key string) (id string, ok bool) {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "etcd client for %v", endpoints)
	}
	return cli, nil
}

// RegisterNode writes id -> addr under a lease of ttl seconds and keeps
// the lease alive until cancel is called or ctx ends.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, errors.Wrap(err, "grant lease")
	}
	if _, err := cli.Put(ctx, NodeKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, errors.Wrapf(err, "put %s", NodeKey(id))
	}

	kaCtx, cancel := context.WithCancel(ctx)
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, errors.Wrap(err, "keepalive")
	}
	go func() {
		for range ch {
			// drain so the client does not log a full channel
		}
		log.Debug("lease keepalive ended", zap.String("id", id), zap.Int64("lease", int64(lease.ID)))
	}()
	return lease.ID, cancel, nil
}

// ListNodes returns every registered node id and its address.
func ListNodes(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	nodes := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := NodeID(string(kv.Key)); ok {
			nodes[id] = string(kv.Value)
		}
	}
	return nodes, nil
}

// WatchNodes calls fn with the full node set after every change until ctx
// ends.
func WatchNodes(ctx context.Context, cli *clientv3.Client, fn func(map[string]string)) error {
	nodes, err := ListNodes(ctx, cli)
	if err != nil {
		return err
	}
	fn(maps.Clone(nodes))

	for resp := range cli.Watch(ctx, prefix, clientv3.WithPrefix()) {
		if err := resp.Err(); err != nil {
			return errors.Wrap(err, "watch nodes")
		}
		apply(nodes, resp.Events)
		fn(maps.Clone(nodes))
	}
	return ctx.Err()
}

func apply(nodes map[string]string, events []*clientv3.Event) {
	for _, ev := range events {
		id, ok := NodeID(string(ev.Kv.Key))
		if !ok {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			nodes[id] = string(ev.Kv.Value)
		case mvccpb.DELETE:
			delete(nodes, id)
		}
	}
}
