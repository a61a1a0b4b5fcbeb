// Package reshard implements the online shard-key change: the
// coordinator state machine that snapshots oplog frontiers, detaches
// one replica per shard group, redistributes every document under the
// proposed key, atomically swaps the routing metadata, rejoins the
// loaned replicas, and replays the writes captured while all of that
// was happening.
//
// The stages and their ordering:
//
//	INIT → VALIDATE → LOCK → SNAPSHOT → DETACH → SAMPLE → MIGRATE
//	     → COMMIT → REJOIN → REPLAY → DONE
//	                                      │
//	                any stage failure ────┴──→ ABORT → REJOIN → FAIL
//
// COMMIT is the linearization point: before it the cluster routes by
// the old key, after it by the new one, and no reader ever sees a
// mixture. Everything before COMMIT is undoable (abort rejoins the
// detached replicas and leaves routing untouched); everything after
// is roll-forward only.
package reshard
