package reshard

import (
	"context"
	"fmt"
	"log"

	"github.com/mghosh4/morphus/internal/cluster"
)

// defaultMaxChunkBytes guards one chunk transfer, matching the 64 MB
// chunk ceiling the routing layer splits at.
const defaultMaxChunkBytes = 64 << 20

// migrate redistributes documents across the detached replicas to
// match the assignment: for each chunk, every non-owning replica's
// documents in the chunk's range move to the owner's replica via a
// moveData addressed to the destination.
//
// Chunks migrate in index order and a failed chunk does not abort the
// rest; failures accumulate in the session's FailedChunks and surface
// in the result payload as a partial migration.
func (c *Coordinator) migrate(ctx context.Context, s *Session) error {
	maxBytes := c.opts.MaxChunkBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxChunkBytes
	}

	for i := 0; i < s.NumChunks; i++ {
		owner := s.Assignment[i]
		rng := s.ChunkRange(i)
		dest := s.Groups[owner]

		for g, handle := range s.Groups {
			if g == owner {
				continue
			}
			moved, err := c.moveChunkRange(ctx, s, i, rng, handle, dest, maxBytes)
			if err != nil {
				log.Printf("reshard %s: chunk %d from group %s failed: %v", s.ID, i, handle.Name, err)
				s.FailedChunks = appendUnique(s.FailedChunks, i)
				continue
			}
			if moved > 0 {
				log.Printf("reshard %s: chunk %d moved %d docs %s -> %s", s.ID, i, moved, handle.Name, dest.Name)
			}
		}
	}

	if len(s.FailedChunks) > 0 {
		log.Printf("reshard %s: partial migration, %d failed chunks: %v", s.ID, len(s.FailedChunks), s.FailedChunks)
	}
	return nil
}

// moveChunkRange ships one (chunk, source group) slice to the owning
// group's detached replica. Skips the transfer when the source holds
// nothing in the range.
func (c *Coordinator) moveChunkRange(ctx context.Context, s *Session, chunk int, rng cluster.RangeSpec, src, dest *GroupHandle, maxBytes int64) (int, error) {
	var srcCount cluster.CountReply
	count := cluster.CountCmd{Count: s.NS, Range: &rng, SlaveOk: true}
	if err := cluster.RunCommand(ctx, src.Detached, count, &srcCount); err != nil {
		return 0, err
	}
	if srcCount.N == 0 {
		return 0, nil
	}

	move := cluster.MoveDataCmd{
		MoveData:          s.NS,
		From:              src.Detached,
		To:                dest.Detached,
		Range:             rng,
		MaxBytes:          maxBytes,
		ShardID:           chunkShardID(s, chunk, src.Name),
		SecondaryThrottle: true,
	}
	var reply cluster.MoveDataReply
	if err := cluster.RunCommand(ctx, dest.Detached, move, &reply); err != nil {
		return 0, err
	}
	return reply.Moved, nil
}

// chunkShardID names one (session, chunk, source) transfer. The id is
// stable within a session so a retried moveData is applied once, and
// unique across sessions so a later key change is never mistaken for a
// replay of this one.
func chunkShardID(s *Session, chunk int, srcGroup string) string {
	return fmt.Sprintf("%s-%s-chunk%d-from-%s", s.NS, s.ID, chunk, srcGroup)
}

func appendUnique(xs []int, x int) []int {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
