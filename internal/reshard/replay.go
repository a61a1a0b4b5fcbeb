package reshard

import (
	"context"
	"log"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/oplog"
	"github.com/mghosh4/morphus/internal/routing"
)

// replay re-applies the writes captured since each group's frontier
// through the committed routing, so changes made while the session ran
// land on their now-correct owners.
//
// The tail is addressed to the leader each group had before REJOIN:
// that member's oplog is the one complete record of the session
// window, while a rejoined replica's log stops at its detach point.
// Entries replay in per-group order; ordering across groups is not
// preserved, which the idempotent operation set tolerates.
func (c *Coordinator) replay(ctx context.Context, s *Session, leaders map[string]cluster.Endpoint) error {
	// Route through the committed table, not whatever was cached.
	c.routing.InvalidateRoutingCache(s.NS)
	cm, err := c.routing.GetChunkManager(ctx, s.NS)
	if err != nil {
		return err
	}

	for _, g := range s.Groups {
		cur, err := c.tailer.TailFrom(ctx, g.Leader, g.Frontier)
		if err != nil {
			return cluster.E(cluster.CodeOf(err), "tailing %s from %s: %v", g.Name, g.Leader, err)
		}
		for {
			entry, ok, err := cur.Next(ctx)
			if err != nil {
				return cluster.E(cluster.CodeOf(err), "tailing %s from %s: %v", g.Name, g.Leader, err)
			}
			if !ok {
				break
			}
			applied, err := c.replayEntry(ctx, s, cm, leaders, entry)
			if err != nil {
				return err
			}
			if applied {
				s.Replayed++
			}
		}
	}

	log.Printf("reshard %s: replayed %d operations through the new routing", s.ID, s.Replayed)
	return nil
}

// replayEntry applies one captured operation at the group the new
// routing owns it to. Non-data operations and other namespaces skip.
func (c *Coordinator) replayEntry(ctx context.Context, s *Session, cm *routing.ChunkManager, leaders map[string]cluster.Endpoint, e oplog.Entry) (bool, error) {
	if !e.Op.IsDataOp() || e.NS != s.NS {
		return false, nil
	}

	// The routing key fields come from the payload for inserts and
	// deletes, and from the selector for updates.
	keySource := e.O
	if e.Op == oplog.Update {
		keySource = e.O2
	}
	if e.Op == oplog.Delete && len(e.O2) > 0 {
		keySource = e.O2
	}
	keyDoc, err := catalog.DecodeDoc(keySource)
	if err != nil {
		return false, cluster.E(cluster.CodeInternal, "replay: bad oplog document: %v", err)
	}

	chunk, err := cm.FindChunkForDoc(keyDoc)
	if err != nil {
		// A selector without the new key (a delete by primary key,
		// say) cannot be routed. Skipping would lose the write
		// silently; failing would wreck a committed session. It is
		// counted, logged, and surfaced in the result payload for the
		// operator.
		s.Unrouted++
		log.Printf("reshard %s: cannot route captured %s op at %s: %v", s.ID, e.Op, e.TS, err)
		return false, nil
	}
	leader, ok := leaders[chunk.Group]
	if !ok {
		return false, cluster.E(cluster.CodeRoutingInconsistent,
			"replay: chunk owner %s is not a known group", chunk.Group)
	}

	switch e.Op {
	case oplog.Insert:
		// Duplicate primary keys no-op at the member, which is what
		// makes replay re-runnable.
		var reply cluster.InsertReply
		err = cluster.RunCommand(ctx, leader, cluster.InsertCmd{Insert: s.NS, Doc: e.O}, &reply)
	case oplog.Update:
		var reply cluster.UpdateReply
		err = cluster.RunCommand(ctx, leader, cluster.UpdateCmd{
			Update: s.NS, Query: e.O2, Doc: e.O, Upsert: e.B,
		}, &reply)
	case oplog.Delete:
		sel := e.O2
		if len(sel) == 0 {
			sel = e.O
		}
		var reply cluster.DeleteReply
		err = cluster.RunCommand(ctx, leader, cluster.DeleteCmd{
			Delete: s.NS, Query: sel, JustOne: e.B,
		}, &reply)
	}
	if err != nil {
		return false, cluster.E(cluster.CodeOf(err), "replay: applying %s op at %s on %s: %v", e.Op, e.TS, leader, err)
	}
	return true, nil
}

// resolveLeaders re-resolves each group's current leader. Leadership
// moves during REJOIN (the rejoined replica is promoted), so replay
// must not write through the handles captured at session start.
func (c *Coordinator) resolveLeaders(ctx context.Context, s *Session) (map[string]cluster.Endpoint, error) {
	out := make(map[string]cluster.Endpoint, len(s.Groups))
	for _, g := range s.Groups {
		seeds := append([]cluster.Endpoint{}, g.Seeds...)
		// The pre-session leader always knows the current one.
		seeds = append(seeds, g.Leader)
		leader, err := c.client.Leader(ctx, seeds)
		if err != nil {
			return nil, cluster.E(cluster.CodeOf(err), "resolving leader of %s: %v", g.Name, err)
		}
		out[g.Name] = leader
	}
	return out, nil
}
