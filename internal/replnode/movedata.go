package replnode

import (
	"context"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
)

// cmdReplayOplog validates a replay window document. The coordinator
// drives replay itself during a key change; a member only vets the
// parameters so an operator re-driving a window by hand finds out
// about a malformed one before anything is applied.
func (n *Node) cmdReplayOplog(cmd cluster.ReplayOplogCmd) any {
	p := cmd.ReplayOplog
	if p.NS == "" {
		return failed(cluster.E(cluster.CodeValidation, "no ns"))
	}
	if err := catalog.ValidateNamespace(p.NS); err != nil {
		return failed(cluster.E(cluster.CodeValidation, "%v", err))
	}
	if p.StartTime.IsZero() {
		return failed(cluster.E(cluster.CodeValidation, "no start time"))
	}
	if len(p.ProposedKey) == 0 {
		return failed(cluster.E(cluster.CodeValidation, "no shard key"))
	}
	key, err := catalog.ParseKeyPattern(p.ProposedKey)
	if err != nil {
		return failed(cluster.E(cluster.CodeValidation, "%v", err))
	}
	if err := key.Validate(); err != nil {
		return failed(cluster.E(cluster.CodeValidation, "%v", err))
	}
	if p.NumChunks < 1 {
		return failed(cluster.E(cluster.CodeValidation, "numChunks must be at least 1"))
	}
	if len(p.Assignments) != p.NumChunks {
		return failed(cluster.E(cluster.CodeValidation,
			"assignments has %d entries for %d chunks", len(p.Assignments), p.NumChunks))
	}
	if len(p.RemovedReplicas) == 0 {
		return failed(cluster.E(cluster.CodeValidation, "no removed replicas"))
	}
	n.logf("replayOplog window validated for %s from %s (%d chunks)", p.NS, p.StartTime, p.NumChunks)
	st := cluster.OK()
	return &st
}

// cmdMoveData ships every document in the command's key range from the
// source member to this one: a count-checked copy, then a delete at
// the source. The chunk id makes the whole operation apply-once; a
// duplicate command is answered from the applied-chunk record without
// touching data again.
func (n *Node) cmdMoveData(ctx context.Context, cmd cluster.MoveDataCmd) any {
	if cmd.MoveData == "" || cmd.From == "" || cmd.ShardID == "" {
		return failed(cluster.E(cluster.CodeValidation, "moveData requires ns, from, and shardId"))
	}

	n.mu.Lock()
	if prev, done := n.moved[cmd.ShardID]; done {
		n.mu.Unlock()
		return &cluster.MoveDataReply{
			Status:         cluster.OK(),
			Moved:          prev.Moved,
			Bytes:          prev.Bytes,
			AlreadyApplied: true,
		}
	}
	n.mu.Unlock()

	// Pull the source's documents for the range. The source is a
	// detached replica, so the read must be slaveOk.
	var src cluster.FindReply
	find := cluster.FindCmd{Find: cmd.MoveData, Range: &cmd.Range, SlaveOk: true}
	if err := cluster.RunCommand(ctx, cmd.From, find, &src); err != nil {
		return failed(cluster.E(cluster.CodeOf(err), "moveData query on %s: %v", cmd.From, err))
	}

	var bytes int64
	for _, raw := range src.Docs {
		bytes += int64(len(raw))
	}
	if cmd.MaxBytes > 0 && bytes > cmd.MaxBytes {
		return failed(cluster.E(cluster.CodeChunkTooBig,
			"range holds %d bytes, exceeding the %d byte chunk limit", bytes, cmd.MaxBytes))
	}

	moved := 0
	for _, raw := range src.Docs {
		doc, err := catalog.DecodeDoc(raw)
		if err != nil {
			return failed(cluster.E(cluster.CodeInternal, "moveData decode: %v", err))
		}
		inserted, err := n.applyInsert(cmd.MoveData, doc)
		if err != nil {
			return failed(err)
		}
		if inserted {
			moved++
		}
	}

	// Count-check against the source before deleting anything there.
	var srcCount cluster.CountReply
	count := cluster.CountCmd{Count: cmd.MoveData, Range: &cmd.Range, SlaveOk: true}
	if err := cluster.RunCommand(ctx, cmd.From, count, &srcCount); err != nil {
		return failed(cluster.E(cluster.CodeOf(err), "moveData count on %s: %v", cmd.From, err))
	}
	if srcCount.N != len(src.Docs) {
		return failed(cluster.E(cluster.CodeInternal,
			"source count changed during move: saw %d docs, source now holds %d", len(src.Docs), srcCount.N))
	}

	// Receiver succeeded; the sender deletes the moved range.
	var del cluster.DeleteReply
	delCmd := cluster.DeleteCmd{Delete: cmd.MoveData, Range: &cmd.Range}
	if err := cluster.RunCommand(ctx, cmd.From, delCmd, &del); err != nil {
		return failed(cluster.E(cluster.CodeOf(err), "moveData source delete on %s: %v", cmd.From, err))
	}

	n.mu.Lock()
	n.moved[cmd.ShardID] = movedChunk{Moved: moved, Bytes: bytes}
	n.mu.Unlock()
	n.logf("moveData %s: copied %d docs (%d bytes) from %s", cmd.ShardID, moved, bytes, cmd.From)

	return &cluster.MoveDataReply{Status: cluster.OK(), Moved: moved, Bytes: bytes}
}
