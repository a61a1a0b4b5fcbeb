package coordinator

import (
	"context"
	"encoding/json"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/repl"
	"github.com/mghosh4/morphus/internal/reshard"
	"github.com/mghosh4/morphus/internal/routing"
)

func failReply(err error) *cluster.Status {
	var st cluster.Status
	st.Fail(err)
	return &st
}

// ReshardCommand serves reShardCollection, the online shard-key
// change.
type ReshardCommand struct {
	Coord *reshard.Coordinator
}

func (c *ReshardCommand) Name() string { return "reShardCollection" }

func (c *ReshardCommand) Run(ctx context.Context, body json.RawMessage) any {
	var cmd cluster.ReshardCollectionCmd
	if err := json.Unmarshal(body, &cmd); err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "bad command payload: %v", err))
	}
	if cmd.ReshardCollection == "" {
		return failReply(cluster.E(cluster.CodeValidation, "no ns"))
	}
	if len(cmd.Key) == 0 {
		return failReply(cluster.E(cluster.CodeValidation, "no shard key"))
	}
	newKey, err := catalog.ParseKeyPattern(cmd.Key)
	if err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "%v", err))
	}

	report, err := c.Coord.Reshard(ctx, cmd.ReshardCollection, newKey, cmd.Unique)
	if err != nil {
		return failReply(err)
	}

	versionRaw, _ := json.Marshal(report.Version)
	return &cluster.ReshardReply{
		Status:         cluster.OK(),
		SessionID:      report.SessionID,
		NS:             report.NS,
		NumChunks:      report.NumChunks,
		DomainMin:      report.Domain.Min,
		DomainMax:      report.Domain.Max,
		DomainSlots:    report.Domain.Slots,
		Assignment:     report.Assignment,
		FailedChunks:   report.FailedChunks,
		Replayed:       report.Replayed,
		Unrouted:       report.Unrouted,
		RoutingEpoch:   report.Epoch,
		RoutingVersion: versionRaw,
	}
}

// ShardCollectionCommand serves the initial sharding of a collection,
// which is what makes a later key change possible. It enforces the
// same index preconditions the key change validates against.
type ShardCollectionCommand struct {
	Routing *routing.Manager
	Client  *repl.Client
}

func (c *ShardCollectionCommand) Name() string { return "shardCollection" }

func (c *ShardCollectionCommand) Run(ctx context.Context, body json.RawMessage) any {
	var cmd cluster.ShardCollectionCmd
	if err := json.Unmarshal(body, &cmd); err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "bad command payload: %v", err))
	}
	ns := cmd.ShardCollection
	if ns == "" {
		return failReply(cluster.E(cluster.CodeValidation, "no ns"))
	}
	if err := catalog.ValidateNamespace(ns); err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "%v", err))
	}
	if catalog.IsSystemNamespace(ns) {
		return failReply(cluster.E(cluster.CodeValidation, "can't shard system namespaces"))
	}
	if len(cmd.Key) == 0 {
		return failReply(cluster.E(cluster.CodeValidation, "no shard key"))
	}
	key, err := catalog.ParseKeyPattern(cmd.Key)
	if err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "%v", err))
	}
	if err := key.Validate(); err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "%v", err))
	}
	if key.IsHashed() {
		if cmd.Unique {
			return failReply(cluster.E(cluster.CodeValidation, "hashed shard keys cannot be declared unique"))
		}
		return failReply(cluster.E(cluster.CodeUnsupportedKey,
			"hashed keys are not supported by range partitioning"))
	}

	if _, found, err := c.Routing.Collection(ctx, ns); err != nil {
		return failReply(err)
	} else if found {
		return failReply(cluster.E(cluster.CodeValidation, "already sharded"))
	}

	groups, err := c.Routing.Store().Groups(ctx)
	if err != nil {
		return failReply(err)
	}
	if len(groups) == 0 {
		return failReply(cluster.E(cluster.CodeValidation, "no shard groups registered"))
	}

	// The primary group holds the unsharded collection; its indexes
	// gate the assignment exactly like a key change's VALIDATE.
	primary, err := c.Client.Leader(ctx, groups[0].Seeds)
	if err != nil {
		return failReply(cluster.E(cluster.CodeOf(err), "group %s has no reachable leader: %v", groups[0].Name, err))
	}
	var opts cluster.CollOptionsReply
	if err := cluster.RunCommand(ctx, primary, cluster.CollOptionsCmd{CollOptions: ns}, &opts); err != nil {
		return failReply(err)
	}
	if opts.Capped {
		return failReply(cluster.E(cluster.CodeValidation, "can't shard capped collection"))
	}

	var idx cluster.IndexesReply
	if err := cluster.RunCommand(ctx, primary, cluster.ListIndexesCmd{ListIndexes: ns}, &idx); err != nil {
		return failReply(err)
	}
	hasUseful := false
	for _, spec := range idx.Indexes {
		if !catalog.UniqueIndexCompatible(key, spec) {
			return failReply(cluster.E(cluster.CodeValidation,
				"can't shard collection '%s' with unique index on %s and proposed shard key %s; uniqueness can't be maintained unless shard key is a prefix",
				ns, spec.Key, key))
		}
		if !spec.Sparse && key.IsPrefixOf(spec.Key) {
			hasUseful = true
		}
	}
	if !hasUseful {
		var cnt cluster.CountReply
		if err := cluster.RunCommand(ctx, primary, cluster.CountCmd{Count: ns}, &cnt); err != nil {
			return failReply(err)
		}
		if cnt.N != 0 {
			return failReply(cluster.E(cluster.CodeValidation,
				"please create an index that starts with the shard key before sharding"))
		}
		ensure := cluster.EnsureIndexCmd{EnsureIndex: ns, Key: key, Unique: cmd.Unique}
		if err := cluster.RunCommand(ctx, primary, ensure, nil); err != nil {
			return failReply(cluster.E(cluster.CodeOf(err), "ensureIndex failed to create index on primary shard: %v", err))
		}
	}

	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	var splits []float64
	for i := 1; i < cmd.NumInitialChunks; i++ {
		splits = append(splits, float64(i))
	}
	chunks, err := routing.InitialChunks(ns, splits, names)
	if err != nil {
		return failReply(cluster.E(cluster.CodeInternal, "%v", err))
	}
	coll := catalog.Collection{NS: ns, Key: key, Unique: cmd.Unique, Epoch: chunks[0].Version.Epoch}
	if err := c.Routing.Store().PutCollection(ctx, coll, chunks); err != nil {
		return failReply(err)
	}
	c.Routing.InvalidateRoutingCache(ns)

	st := cluster.OK()
	return &st
}

// ListGroupsCommand reports the group directory with live leader and
// membership views.
type ListGroupsCommand struct {
	Routing *routing.Manager
	Client  *repl.Client
}

func (c *ListGroupsCommand) Name() string { return "listGroups" }

func (c *ListGroupsCommand) Run(ctx context.Context, body json.RawMessage) any {
	groups, err := c.Routing.Store().Groups(ctx)
	if err != nil {
		return failReply(err)
	}
	reply := &cluster.ListGroupsReply{Status: cluster.OK()}
	for _, g := range groups {
		info := cluster.GroupInfo{Name: g.Name, Seeds: g.Seeds}
		if leader, lerr := c.Client.Leader(ctx, g.Seeds); lerr == nil {
			info.Leader = leader
			if im, ierr := c.Client.IsLeader(ctx, leader); ierr == nil {
				info.Members = im.Hosts
			}
		}
		reply.Groups = append(reply.Groups, info)
	}
	return reply
}

// RoutingVersionCommand reports a collection's routing version and
// epoch.
type RoutingVersionCommand struct {
	Routing *routing.Manager
}

func (c *RoutingVersionCommand) Name() string { return "getRoutingVersion" }

func (c *RoutingVersionCommand) Run(ctx context.Context, body json.RawMessage) any {
	var cmd cluster.GetRoutingVersionCmd
	if err := json.Unmarshal(body, &cmd); err != nil {
		return failReply(cluster.E(cluster.CodeValidation, "bad command payload: %v", err))
	}
	ns := cmd.GetRoutingVersion
	if ns == "" {
		return failReply(cluster.E(cluster.CodeValidation, "no ns"))
	}
	coll, found, err := c.Routing.Collection(ctx, ns)
	if err != nil {
		return failReply(err)
	}
	if !found {
		return failReply(cluster.E(cluster.CodeNotFound, "collection %s is not sharded", ns))
	}
	version, err := c.Routing.ReadMaxVersion(ctx, ns)
	if err != nil {
		return failReply(err)
	}
	chunks, err := c.Routing.Store().Chunks(ctx, ns)
	if err != nil {
		return failReply(err)
	}
	return &cluster.RoutingVersionReply{
		Status:  cluster.OK(),
		Epoch:   coll.Epoch,
		Version: version,
		Chunks:  len(chunks),
	}
}

// PingCommand answers liveness probes.
type PingCommand struct{}

func (c *PingCommand) Name() string { return "ping" }

func (c *PingCommand) Run(ctx context.Context, body json.RawMessage) any {
	st := cluster.OK()
	return &st
}
