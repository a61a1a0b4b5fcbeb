package replnode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/oplog"
	"github.com/mghosh4/morphus/internal/storage"
)

// startMember boots one in-process member on an httptest listener.
func startMember(t *testing.T, setName string) *Node {
	t.Helper()
	n := New(setName, storage.NewMemoryStore())
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	n.SetSelf(cluster.Endpoint(strings.TrimPrefix(srv.URL, "http://")))
	return n
}

// formGroup bootstraps the members into one group and elects members[0].
func formGroup(t *testing.T, setName string, members ...*Node) {
	t.Helper()
	ctx := context.Background()
	cfg := cluster.ReplConfig{Name: setName, Version: 1}
	for i, m := range members {
		cfg.Members = append(cfg.Members, cluster.MemberCfg{Host: m.Self(), ID: i + 1})
	}
	for _, m := range members {
		err := cluster.RunCommand(ctx, m.Self(), cluster.ReconfigCmd{ReplSetReconfig: cfg, Force: true}, nil)
		require.NoError(t, err, "bootstrap reconfig on %s", m.Self())
	}
	err := cluster.RunCommand(ctx, members[0].Self(), cluster.LeaderCmd{ReplSetLeader: 1}, nil)
	require.NoError(t, err, "initial election")
}

func insertDoc(t *testing.T, ep cluster.Endpoint, ns string, doc string) {
	t.Helper()
	var reply cluster.InsertReply
	err := cluster.RunCommand(context.Background(), ep,
		cluster.InsertCmd{Insert: ns, Doc: json.RawMessage(doc)}, &reply)
	require.NoError(t, err)
}

func TestIsMasterAndElection(t *testing.T) {
	a := startMember(t, "rs0")
	b := startMember(t, "rs0")
	formGroup(t, "rs0", a, b)

	var im cluster.IsMasterReply
	err := cluster.RunCommand(context.Background(), a.Self(), cluster.IsMasterCmd{IsMaster: 1}, &im)
	require.NoError(t, err)
	require.True(t, im.IsMaster)
	require.Equal(t, a.Self(), im.Primary)
	require.Len(t, im.Hosts, 2)

	// The follower knows who leads.
	err = cluster.RunCommand(context.Background(), b.Self(), cluster.IsMasterCmd{IsMaster: 1}, &im)
	require.NoError(t, err)
	require.False(t, im.IsMaster)
	require.Equal(t, a.Self(), im.Primary)
}

func TestReconfigVersioning(t *testing.T) {
	a := startMember(t, "rs0")
	b := startMember(t, "rs0")
	formGroup(t, "rs0", a, b)
	ctx := context.Background()

	// A non-force reconfig must go to the leader.
	cfg := cluster.ReplConfig{Name: "rs0", Version: 5, Members: []cluster.MemberCfg{
		{Host: a.Self(), ID: 1}, {Host: b.Self(), ID: 2},
	}}
	err := cluster.RunCommand(ctx, b.Self(), cluster.ReconfigCmd{ReplSetReconfig: cfg}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeNotLeader), "got %v", err)

	err = cluster.RunCommand(ctx, a.Self(), cluster.ReconfigCmd{ReplSetReconfig: cfg}, nil)
	require.NoError(t, err)

	// A stale version is acknowledged but ignored.
	stale := cfg
	stale.Version = 3
	stale.Members = stale.Members[:1]
	err = cluster.RunCommand(ctx, a.Self(), cluster.ReconfigCmd{ReplSetReconfig: stale, Force: true}, nil)
	require.NoError(t, err)

	var hb cluster.HeartbeatReply
	err = cluster.RunCommand(ctx, a.Self(), cluster.HeartbeatCmd{Heartbeat: 1}, &hb)
	require.NoError(t, err)
	require.Equal(t, 5, hb.Version, "stale reconfig must not regress the version")

	var im cluster.IsMasterReply
	err = cluster.RunCommand(ctx, b.Self(), cluster.IsMasterCmd{IsMaster: 1}, &im)
	require.NoError(t, err)
	require.Equal(t, 5, im.ConfigVersion, "leader must propagate non-force reconfigs")
}

func TestWritesReplicateAndRequireLeader(t *testing.T) {
	a := startMember(t, "rs0")
	b := startMember(t, "rs0")
	formGroup(t, "rs0", a, b)
	ctx := context.Background()

	var ins cluster.InsertReply
	err := cluster.RunCommand(ctx, b.Self(),
		cluster.InsertCmd{Insert: "db.c", Doc: json.RawMessage(`{"_id":"x","a":1}`)}, &ins)
	require.True(t, cluster.IsCode(err, cluster.CodeNotLeader), "follower accepted a write: %v", err)

	insertDoc(t, a.Self(), "db.c", `{"_id":"x","a":1}`)

	// Replicated to the follower, readable with slaveOk.
	var find cluster.FindReply
	err = cluster.RunCommand(ctx, b.Self(), cluster.FindCmd{Find: "db.c", SlaveOk: true}, &find)
	require.NoError(t, err)
	require.Len(t, find.Docs, 1)

	// Without slaveOk the follower refuses.
	err = cluster.RunCommand(ctx, b.Self(), cluster.FindCmd{Find: "db.c"}, &find)
	require.True(t, cluster.IsCode(err, cluster.CodeNotLeader))

	// Duplicate primary key is a no-op, not an overwrite.
	var dup cluster.InsertReply
	err = cluster.RunCommand(ctx, a.Self(),
		cluster.InsertCmd{Insert: "db.c", Doc: json.RawMessage(`{"_id":"x","a":99}`)}, &dup)
	require.NoError(t, err)
	require.Equal(t, 0, dup.N)

	var got cluster.FindReply
	err = cluster.RunCommand(ctx, a.Self(), cluster.FindCmd{Find: "db.c"}, &got)
	require.NoError(t, err)
	doc, err := catalog.DecodeDoc(got.Docs[0])
	require.NoError(t, err)
	v, _ := doc.Num("a")
	require.Equal(t, 1.0, v)
}

func TestUpdateAndDelete(t *testing.T) {
	a := startMember(t, "rs0")
	formGroup(t, "rs0", a)
	ctx := context.Background()

	insertDoc(t, a.Self(), "db.c", `{"_id":"x","a":1}`)

	var upd cluster.UpdateReply
	err := cluster.RunCommand(ctx, a.Self(), cluster.UpdateCmd{
		Update: "db.c",
		Query:  json.RawMessage(`{"_id":"x"}`),
		Doc:    json.RawMessage(`{"_id":"x","a":2}`),
	}, &upd)
	require.NoError(t, err)
	require.Equal(t, 1, upd.N)

	// Upsert on a missing selector inserts.
	err = cluster.RunCommand(ctx, a.Self(), cluster.UpdateCmd{
		Update: "db.c",
		Query:  json.RawMessage(`{"_id":"y"}`),
		Doc:    json.RawMessage(`{"a":7}`),
		Upsert: true,
	}, &upd)
	require.NoError(t, err)
	require.Equal(t, 1, upd.N)

	var cnt cluster.CountReply
	err = cluster.RunCommand(ctx, a.Self(), cluster.CountCmd{Count: "db.c"}, &cnt)
	require.NoError(t, err)
	require.Equal(t, 2, cnt.N)

	var del cluster.DeleteReply
	err = cluster.RunCommand(ctx, a.Self(), cluster.DeleteCmd{
		Delete: "db.c",
		Query:  json.RawMessage(`{"_id":"x"}`),
	}, &del)
	require.NoError(t, err)
	require.Equal(t, 1, del.N)

	// Deleting the same selector again is a no-op.
	err = cluster.RunCommand(ctx, a.Self(), cluster.DeleteCmd{
		Delete: "db.c",
		Query:  json.RawMessage(`{"_id":"x"}`),
	}, &del)
	require.NoError(t, err)
	require.Equal(t, 0, del.N)
}

func TestStepDownFreshnessWindow(t *testing.T) {
	a := startMember(t, "rs0")
	b := startMember(t, "rs0")
	formGroup(t, "rs0", a, b)
	ctx := context.Background()

	// Manufacture a leader far ahead of its follower: entries in the
	// leader's oplog the follower never saw.
	last := a.oplog.Last()
	a.oplog.Append(oplog.Entry{TS: oplog.OpTime{Secs: last.Secs + 100, Counter: 1}, Op: oplog.Noop, NS: "db.c"})

	err := cluster.RunCommand(ctx, a.Self(), cluster.StepDownCmd{ReplSetStepDown: 60}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeUnsafe), "lagging follower must block step-down: %v", err)
	require.True(t, a.IsLeader(), "refused step-down must not drop leadership")

	// Force overrides the freshness check.
	err = cluster.RunCommand(ctx, a.Self(), cluster.StepDownCmd{ReplSetStepDown: 60, Force: true}, nil)
	require.NoError(t, err)
	require.False(t, a.IsLeader())

	// Not leader anymore: a second step-down fails.
	err = cluster.RunCommand(ctx, a.Self(), cluster.StepDownCmd{ReplSetStepDown: 60}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeNotLeader))

	// And the frozen member refuses leadership.
	err = cluster.RunCommand(ctx, a.Self(), cluster.LeaderCmd{ReplSetLeader: 1}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeRejected))
}

func TestRemoveAndAddMember(t *testing.T) {
	a := startMember(t, "rs0")
	b := startMember(t, "rs0")
	c := startMember(t, "rs0")
	formGroup(t, "rs0", a, b, c)
	ctx := context.Background()

	insertDoc(t, a.Self(), "db.c", `{"_id":"1","a":1}`)

	err := cluster.RunCommand(ctx, a.Self(), cluster.RemoveCmd{ReplSetRemove: c.Self()}, nil)
	require.NoError(t, err)
	require.True(t, c.Detached())

	// Writes after the removal must not reach the detached member.
	insertDoc(t, a.Self(), "db.c", `{"_id":"2","a":2}`)

	var frozen cluster.CountReply
	err = cluster.RunCommand(ctx, c.Self(), cluster.CountCmd{Count: "db.c", SlaveOk: true}, &frozen)
	require.NoError(t, err)
	require.Equal(t, 1, frozen.N, "detached member data must stay frozen")

	var live cluster.CountReply
	err = cluster.RunCommand(ctx, b.Self(), cluster.CountCmd{Count: "db.c", SlaveOk: true}, &live)
	require.NoError(t, err)
	require.Equal(t, 2, live.N)

	// A detached member accepts direct (standalone) writes, which is
	// what migration relies on.
	insertDoc(t, c.Self(), "db.c", `{"_id":"m","a":50}`)

	// Re-add with wantPrimary: the member rejoins and takes leadership.
	var ident cluster.IdentifierReply
	err = cluster.RunCommand(ctx, a.Self(), cluster.GetIdentifierCmd{GetIdentifier: 1}, &ident)
	require.NoError(t, err)
	nextID := 0
	for _, id := range ident.IDs {
		if id > nextID {
			nextID = id
		}
	}
	err = cluster.RunCommand(ctx, a.Self(),
		cluster.AddCmd{ReplSetAdd: c.Self(), Primary: true, ID: nextID + 1}, nil)
	require.NoError(t, err)

	require.False(t, c.Detached())
	require.True(t, c.IsLeader(), "wantPrimary member must end up leading")
	require.False(t, a.IsLeader(), "previous leader must have stepped down")

	var im cluster.IsMasterReply
	err = cluster.RunCommand(ctx, b.Self(), cluster.IsMasterCmd{IsMaster: 1}, &im)
	require.NoError(t, err)
	require.Equal(t, c.Self(), im.Primary)
	require.Len(t, im.Hosts, 3)
}

func TestOplogTailAndTruncation(t *testing.T) {
	a := startMember(t, "rs0")
	formGroup(t, "rs0", a)
	ctx := context.Background()

	var before cluster.OplogLastReply
	require.NoError(t, cluster.RunCommand(ctx, a.Self(), cluster.OplogLastCmd{OplogLast: 1}, &before))

	for i := 0; i < 4; i++ {
		insertDoc(t, a.Self(), "db.c", fmt.Sprintf(`{"_id":"%d","a":%d}`, i, i))
	}

	var tail cluster.OplogTailReply
	err := cluster.RunCommand(ctx, a.Self(), cluster.OplogTailCmd{OplogTail: 1, Since: before.TS}, &tail)
	require.NoError(t, err)
	require.Len(t, tail.Entries, 4)
	require.Equal(t, tail.Entries[3].TS, tail.Tip)

	// Truncated oplog: a tail from before the truncation point fails
	// loudly instead of skipping entries.
	a.oplog = oplog.NewLog(2)
	for i := 0; i < 5; i++ {
		insertDoc(t, a.Self(), "db.other", fmt.Sprintf(`{"_id":"%d"}`, i))
	}
	err = cluster.RunCommand(ctx, a.Self(), cluster.OplogTailCmd{OplogTail: 1, Since: before.TS}, &tail)
	require.True(t, cluster.IsCode(err, cluster.CodeOplogTruncated), "got %v", err)
}

func TestMoveDataBetweenDetachedMembers(t *testing.T) {
	// Standalone (unconfigured) members behave like detached replicas.
	src := startMember(t, "")
	dst := startMember(t, "")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		insertDoc(t, src.Self(), "db.c", fmt.Sprintf(`{"_id":"%d","b":%d}`, i, i))
	}

	gte, lt := 3.0, 7.0
	move := cluster.MoveDataCmd{
		MoveData: "db.c",
		From:     src.Self(),
		To:       dst.Self(),
		Range:    cluster.RangeSpec{Field: "b", GTE: &gte, LT: &lt},
		MaxBytes: 1 << 20,
		ShardID:  "db.c-b_3",
	}
	var reply cluster.MoveDataReply
	err := cluster.RunCommand(ctx, dst.Self(), move, &reply)
	require.NoError(t, err)
	require.Equal(t, 4, reply.Moved)
	require.False(t, reply.AlreadyApplied)

	// Copy-then-delete: the source no longer holds the range.
	var srcCnt, dstCnt cluster.CountReply
	require.NoError(t, cluster.RunCommand(ctx, src.Self(), cluster.CountCmd{Count: "db.c", SlaveOk: true}, &srcCnt))
	require.NoError(t, cluster.RunCommand(ctx, dst.Self(), cluster.CountCmd{Count: "db.c", SlaveOk: true}, &dstCnt))
	require.Equal(t, 6, srcCnt.N)
	require.Equal(t, 4, dstCnt.N)

	// Re-sending the same chunk id is answered without copying again.
	err = cluster.RunCommand(ctx, dst.Self(), move, &reply)
	require.NoError(t, err)
	require.True(t, reply.AlreadyApplied)
	require.Equal(t, 4, reply.Moved)
}

func TestMoveDataByteGuard(t *testing.T) {
	src := startMember(t, "")
	dst := startMember(t, "")
	ctx := context.Background()

	insertDoc(t, src.Self(), "db.c", `{"_id":"big","b":1,"pad":"`+strings.Repeat("x", 4096)+`"}`)

	gte := 0.0
	move := cluster.MoveDataCmd{
		MoveData: "db.c",
		From:     src.Self(),
		Range:    cluster.RangeSpec{Field: "b", GTE: &gte},
		MaxBytes: 128,
		ShardID:  "db.c-b_0",
	}
	err := cluster.RunCommand(ctx, dst.Self(), move, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeChunkTooBig), "got %v", err)

	// Nothing moved, nothing deleted.
	var srcCnt cluster.CountReply
	require.NoError(t, cluster.RunCommand(ctx, src.Self(), cluster.CountCmd{Count: "db.c", SlaveOk: true}, &srcCnt))
	require.Equal(t, 1, srcCnt.N)
}

func TestGetStatusStates(t *testing.T) {
	a := startMember(t, "rs0")
	b := startMember(t, "rs0")
	ctx := context.Background()

	// Unconfigured member.
	var st cluster.ReplStatusReply
	err := cluster.RunCommand(ctx, a.Self(), cluster.GetStatusCmd{ReplSetGetStatus: 1}, &st)
	require.NoError(t, err)
	require.Equal(t, cluster.StateStartup, st.State)

	formGroup(t, "rs0", a, b)
	insertDoc(t, a.Self(), "db.c", `{"_id":"x","a":1}`)

	err = cluster.RunCommand(ctx, a.Self(), cluster.GetStatusCmd{ReplSetGetStatus: 1}, &st)
	require.NoError(t, err)
	require.Equal(t, cluster.StatePrimary, st.State)
	require.Equal(t, a.Self(), st.Leader)
	require.Equal(t, 1, st.ConfigVersion)
	require.False(t, st.Applied.IsZero())
	require.NotZero(t, st.RBID)

	err = cluster.RunCommand(ctx, b.Self(), cluster.GetStatusCmd{ReplSetGetStatus: 1}, &st)
	require.NoError(t, err)
	require.Equal(t, cluster.StateSecondary, st.State)

	// A removed member reports REMOVED.
	require.NoError(t, cluster.RunCommand(ctx, a.Self(), cluster.RemoveCmd{ReplSetRemove: b.Self()}, nil))
	err = cluster.RunCommand(ctx, b.Self(), cluster.GetStatusCmd{ReplSetGetStatus: 1}, &st)
	require.NoError(t, err)
	require.Equal(t, cluster.StateRemoved, st.State)
}

func TestCollectionOptions(t *testing.T) {
	a := startMember(t, "rs0")
	formGroup(t, "rs0", a)
	ctx := context.Background()

	// Unknown collection: doesn't exist.
	var opts cluster.CollOptionsReply
	err := cluster.RunCommand(ctx, a.Self(), cluster.CollOptionsCmd{CollOptions: "db.c"}, &opts)
	require.NoError(t, err)
	require.False(t, opts.Exists)

	// Declared capped collection.
	err = cluster.RunCommand(ctx, a.Self(),
		cluster.CreateCollectionCmd{Create: "db.c", Capped: true, Size: 4096}, nil)
	require.NoError(t, err)
	err = cluster.RunCommand(ctx, a.Self(), cluster.CollOptionsCmd{CollOptions: "db.c"}, &opts)
	require.NoError(t, err)
	require.True(t, opts.Exists)
	require.True(t, opts.Capped)
	require.Equal(t, int64(4096), opts.Size)

	// Re-creating with the same options is a no-op; changing them is
	// refused.
	err = cluster.RunCommand(ctx, a.Self(),
		cluster.CreateCollectionCmd{Create: "db.c", Capped: true, Size: 4096}, nil)
	require.NoError(t, err)
	err = cluster.RunCommand(ctx, a.Self(), cluster.CreateCollectionCmd{Create: "db.c"}, nil)
	require.True(t, cluster.IsCode(err, cluster.CodeValidation), "got %v", err)

	// Implicit creation on first insert: exists, default options.
	insertDoc(t, a.Self(), "db.other", `{"_id":"x"}`)
	err = cluster.RunCommand(ctx, a.Self(), cluster.CollOptionsCmd{CollOptions: "db.other"}, &opts)
	require.NoError(t, err)
	require.True(t, opts.Exists)
	require.False(t, opts.Capped)
}

func TestReplayOplogValidation(t *testing.T) {
	a := startMember(t, "rs0")
	ctx := context.Background()

	good := cluster.ReplayOplogCmd{ReplayOplog: cluster.ReplayOplogParams{
		NS:              "db.c",
		StartTime:       oplog.OpTime{Secs: 100, Counter: 1},
		ProposedKey:     json.RawMessage(`{"b":1}`),
		NumChunks:       2,
		Assignments:     []int{0, 1},
		RemovedReplicas: []cluster.Endpoint{"h1:1", "h2:1"},
	}}
	require.NoError(t, cluster.RunCommand(ctx, a.Self(), good, nil))

	tests := []struct {
		name   string
		mutate func(*cluster.ReplayOplogParams)
	}{
		{"missing ns", func(p *cluster.ReplayOplogParams) { p.NS = "" }},
		{"zero start time", func(p *cluster.ReplayOplogParams) { p.StartTime = oplog.OpTime{} }},
		{"empty key", func(p *cluster.ReplayOplogParams) { p.ProposedKey = nil }},
		{"assignment length mismatch", func(p *cluster.ReplayOplogParams) { p.Assignments = []int{0} }},
		{"no removed replicas", func(p *cluster.ReplayOplogParams) { p.RemovedReplicas = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := good
			tt.mutate(&bad.ReplayOplog)
			err := cluster.RunCommand(ctx, a.Self(), bad, nil)
			require.True(t, cluster.IsCode(err, cluster.CodeValidation), "got %v", err)
		})
	}
}

func TestEnsureIndex(t *testing.T) {
	a := startMember(t, "rs0")
	formGroup(t, "rs0", a)
	ctx := context.Background()

	key := catalog.KeyPattern{{Field: "a", Dir: catalog.Ascending}}
	err := cluster.RunCommand(ctx, a.Self(), cluster.EnsureIndexCmd{EnsureIndex: "db.c", Key: key, Unique: true}, nil)
	require.NoError(t, err)
	// Idempotent.
	err = cluster.RunCommand(ctx, a.Self(), cluster.EnsureIndexCmd{EnsureIndex: "db.c", Key: key}, nil)
	require.NoError(t, err)

	var idx cluster.IndexesReply
	err = cluster.RunCommand(ctx, a.Self(), cluster.ListIndexesCmd{ListIndexes: "db.c"}, &idx)
	require.NoError(t, err)
	require.Len(t, idx.Indexes, 1)
	require.True(t, idx.Indexes[0].Unique)
}
