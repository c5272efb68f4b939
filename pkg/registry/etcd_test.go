package registry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestNodeKeyRoundTrip(t *testing.T) {
	require.Equal(t, "/zephyrcast/nodes/n3", NodeKey("n3"))

	id, ok := NodeID(NodeKey("n3"))
	require.True(t, ok)
	require.Equal(t, "n3", id)

	_, ok = NodeID("/zephyrcast/nodes/")
	require.False(t, ok)
	_, ok = NodeID("/other/n3")
	require.False(t, ok)
}

func TestApplyEvents(t *testing.T) {
	nodes := map[string]string{"n0": "host-a:8080"}
	apply(nodes, []*clientv3.Event{
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(NodeKey("n1")), Value: []byte("host-b:8080")}},
		{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(NodeKey("n0"))}},
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("/elsewhere"), Value: []byte("x")}},
	})
	require.Equal(t, map[string]string{"n1": "host-b:8080"}, nodes)
}

func TestDirectoryServesLatestSet(t *testing.T) {
	d := NewDirectory()
	nodes := map[string]string{"n0": "host-a:8080"}
	d.Set(nodes)
	nodes["n1"] = "host-b:8080"
	require.Equal(t, map[string]string{"n0": "host-a:8080"}, d.Nodes())

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest("GET", "/peers", nil))
	require.JSONEq(t, `{"n0":"host-a:8080"}`, rec.Body.String())
}
