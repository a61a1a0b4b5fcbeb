package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/configstore"
	"github.com/mghosh4/morphus/internal/repl"
	"github.com/mghosh4/morphus/internal/replnode"
	"github.com/mghosh4/morphus/internal/reshard"
	"github.com/mghosh4/morphus/internal/routing"
	"github.com/mghosh4/morphus/internal/storage"
)

type pingOnly struct{ name string }

func (p *pingOnly) Name() string { return p.name }
func (p *pingOnly) Run(ctx context.Context, body json.RawMessage) any {
	st := cluster.OK()
	return &st
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&pingOnly{name: "a"}))
	require.NoError(t, r.Register(&pingOnly{name: "b"}))
	require.Error(t, r.Register(&pingOnly{name: "a"}), "duplicate registration must fail")
	require.Equal(t, []string{"a", "b"}, r.Names())

	raw := map[string]json.RawMessage{"b": json.RawMessage("1")}
	reply := r.Dispatch(context.Background(), raw, json.RawMessage(`{"b":1}`))
	st, ok := reply.(*cluster.Status)
	require.True(t, ok)
	require.Equal(t, 1, st.OK)

	unknown := r.Dispatch(context.Background(), map[string]json.RawMessage{"zzz": nil}, nil)
	st, ok = unknown.(*cluster.Status)
	require.True(t, ok)
	require.Equal(t, 0, st.OK)
	require.Equal(t, cluster.CodeValidation, st.ErrCode)
}

func TestHealthMonitorThreshold(t *testing.T) {
	m := NewHealthMonitor(time.Hour) // ticks driven manually via checkAll
	var flagged []cluster.Endpoint
	m.SetOnUnhealthy(func(ep cluster.Endpoint) { flagged = append(flagged, ep) })

	down := map[cluster.Endpoint]bool{"bad:1": true}
	m.checkFunc = func(ep cluster.Endpoint) error {
		if down[ep] {
			return fmt.Errorf("connection refused")
		}
		return nil
	}

	eps := []cluster.Endpoint{"good:1", "bad:1"}
	for i := 0; i < 3; i++ {
		m.checkAll(eps)
	}

	require.True(t, m.Healthy("good:1"))
	require.False(t, m.Healthy("bad:1"))
	require.Equal(t, []cluster.Endpoint{"bad:1"}, flagged, "callback fires once at the threshold")

	// Recovery resets the failure count.
	down["bad:1"] = false
	m.checkAll(eps)
	require.True(t, m.Healthy("bad:1"))

	// Members dropped from the directory are pruned.
	m.checkAll([]cluster.Endpoint{"good:1"})
	require.Len(t, m.Status(), 1)
}

// TestHealthMonitorProbesStatus drives the default replSetGetStatus
// probe against live members.
func TestHealthMonitorProbesStatus(t *testing.T) {
	store := configstore.NewMemStore()
	startGroups(t, store, 2)

	m := NewHealthMonitor(time.Hour)
	eps := MemberEndpoints(context.Background(), store)
	require.Len(t, eps, 2)

	m.checkAll(eps)
	for _, ep := range eps {
		require.True(t, m.Healthy(ep), "live member %s must probe healthy", ep)
	}

	// An endpoint with nothing behind it crosses the threshold.
	dead := cluster.Endpoint("127.0.0.1:1")
	all := append(append([]cluster.Endpoint{}, eps...), dead)
	for i := 0; i < 3; i++ {
		m.checkAll(all)
	}
	require.False(t, m.Healthy(dead))
}

// startGroups boots in-process replica groups and a config store
// directory over them.
func startGroups(t *testing.T, store configstore.Store, sizes ...int) {
	t.Helper()
	ctx := context.Background()
	for gi, size := range sizes {
		name := fmt.Sprintf("g%d", gi)
		cfg := cluster.ReplConfig{Name: name, Version: 1}
		var hosts []cluster.Endpoint
		for i := 0; i < size; i++ {
			node := replnode.New(name, storage.NewMemoryStore())
			srv := httptest.NewServer(node.Handler())
			t.Cleanup(srv.Close)
			node.SetSelf(cluster.Endpoint(strings.TrimPrefix(srv.URL, "http://")))
			hosts = append(hosts, node.Self())
			cfg.Members = append(cfg.Members, cluster.MemberCfg{Host: node.Self(), ID: i + 1})
		}
		for _, h := range hosts {
			require.NoError(t, cluster.RunCommand(ctx, h,
				cluster.ReconfigCmd{ReplSetReconfig: cfg, Force: true}, nil))
		}
		require.NoError(t, cluster.RunCommand(ctx, hosts[0], cluster.LeaderCmd{ReplSetLeader: 1}, nil))
		require.NoError(t, store.AddGroup(ctx, configstore.Group{Name: name, Seeds: hosts}))
	}
}

// startDaemon wires the full admin surface over in-process groups and
// returns the daemon's endpoint.
func startDaemon(t *testing.T, store configstore.Store) cluster.Endpoint {
	t.Helper()
	rt := routing.NewManager(store)
	client := repl.NewClient()
	coord := reshard.NewCoordinator(rt, client, reshard.DefaultOptions())
	srv, err := NewServer(rt, client, coord, nil)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return cluster.Endpoint(strings.TrimPrefix(hs.URL, "http://"))
}

// TestAdminCommandSurface drives initial sharding and the key change
// end to end through the command documents, the way an operator would.
func TestAdminCommandSurface(t *testing.T) {
	store := configstore.NewMemStore()
	startGroups(t, store, 2, 2)
	daemon := startDaemon(t, store)
	ctx := context.Background()

	// listGroups sees the directory with live leaders.
	var lg cluster.ListGroupsReply
	require.NoError(t, cluster.RunCommand(ctx, daemon, cluster.ListGroupsCmd{ListGroups: 1}, &lg))
	require.Len(t, lg.Groups, 2)
	require.NotEmpty(t, lg.Groups[0].Leader)
	require.Len(t, lg.Groups[0].Members, 2)

	// A capped collection on the primary group cannot be sharded.
	var lgCapped cluster.ListGroupsReply
	require.NoError(t, cluster.RunCommand(ctx, daemon, cluster.ListGroupsCmd{ListGroups: 1}, &lgCapped))
	require.NoError(t, cluster.RunCommand(ctx, lgCapped.Groups[0].Leader,
		cluster.CreateCollectionCmd{Create: "db.logs", Capped: true, Size: 1 << 20}, nil))
	err := cluster.RunCommand(ctx, daemon, cluster.ShardCollectionCmd{
		ShardCollection: "db.logs",
		Key:             json.RawMessage(`{"a":1}`),
	}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeValidation), "got %v", err)
	require.Contains(t, err.Error(), "capped")

	// shardCollection with a bad pattern fails.
	err = cluster.RunCommand(ctx, daemon, cluster.ShardCollectionCmd{
		ShardCollection: "db.people",
		Key:             json.RawMessage(`{"a":-1}`),
	}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeValidation))

	// Initial sharding over {a:1} with 2 chunks.
	require.NoError(t, cluster.RunCommand(ctx, daemon, cluster.ShardCollectionCmd{
		ShardCollection:  "db.people",
		Key:              json.RawMessage(`{"a":1}`),
		NumInitialChunks: 2,
	}, nil))

	// Doing it again is refused.
	err = cluster.RunCommand(ctx, daemon, cluster.ShardCollectionCmd{
		ShardCollection: "db.people",
		Key:             json.RawMessage(`{"a":1}`),
	}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeValidation))

	var rv cluster.RoutingVersionReply
	require.NoError(t, cluster.RunCommand(ctx, daemon,
		cluster.GetRoutingVersionCmd{GetRoutingVersion: "db.people"}, &rv))
	require.Equal(t, 2, rv.Chunks)
	oldEpoch := rv.Epoch

	// The key change over the wire: {ok:0} with the taxonomy code on a
	// same-key attempt...
	err = cluster.RunCommand(ctx, daemon, cluster.ReshardCollectionCmd{
		ReshardCollection: "db.people",
		Key:               json.RawMessage(`{"a":1}`),
	}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeValidation))
	require.Contains(t, err.Error(), "already in use")

	// ...and a successful change to {b:1} on the empty collection.
	var reply cluster.ReshardReply
	require.NoError(t, cluster.RunCommand(ctx, daemon, cluster.ReshardCollectionCmd{
		ReshardCollection: "db.people",
		Key:               json.RawMessage(`{"b":1}`),
	}, &reply))
	require.Equal(t, 2, reply.NumChunks)
	require.NotEmpty(t, reply.SessionID)
	require.NotEqual(t, oldEpoch, reply.RoutingEpoch)

	require.NoError(t, cluster.RunCommand(ctx, daemon,
		cluster.GetRoutingVersionCmd{GetRoutingVersion: "db.people"}, &rv))
	require.Equal(t, reply.RoutingEpoch, rv.Epoch)

	// Unknown command documents are refused.
	err = cluster.RunCommand(ctx, daemon, map[string]any{"flushRouterConfig": 1}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeValidation))

	// An unsharded namespace has no routing version.
	err = cluster.RunCommand(ctx, daemon,
		cluster.GetRoutingVersionCmd{GetRoutingVersion: "db.nothing"}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeNotFound))
}

// TestCompoundKeyThroughCommand: ordered compound keys survive the
// wire into the collection record.
func TestCompoundKeyThroughCommand(t *testing.T) {
	store := configstore.NewMemStore()
	startGroups(t, store, 2)
	daemon := startDaemon(t, store)
	ctx := context.Background()

	require.NoError(t, cluster.RunCommand(ctx, daemon, cluster.ShardCollectionCmd{
		ShardCollection: "db.events",
		Key:             json.RawMessage(`{"region":1,"ts":1}`),
	}, nil))

	coll, found, err := store.Collection(ctx, "db.events")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, catalog.KeyPattern{
		{Field: "region", Dir: catalog.Ascending},
		{Field: "ts", Dir: catalog.Ascending},
	}, coll.Key)
}
