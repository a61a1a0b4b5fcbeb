package reshard

import (
	"context"
	"log"
	"math"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
)

// Sample reads every document from each detached replica, projected to
// the old and new key fields, and estimates the new key's value
// domain: Slots = ceil(max - min + 1), the count of distinct positions
// the leading field can occupy. A non-numeric new-key value anywhere
// fails with UnsupportedKey; the numeric domain is the only supported
// case.
func (c *Coordinator) sample(ctx context.Context, s *Session) error {
	fields := append(append([]string{}, s.OldKey.Fields()...), s.NewKey.Fields()...)
	newField := s.NewKey.First()

	s.Samples = make([][]catalog.Doc, len(s.Groups))
	min, max := math.Inf(1), math.Inf(-1)
	total := 0

	for i, g := range s.Groups {
		var reply cluster.FindReply
		find := cluster.FindCmd{Find: s.NS, Projection: fields, SlaveOk: true}
		if err := cluster.RunCommand(ctx, g.Detached, find, &reply); err != nil {
			return cluster.E(cluster.CodeOf(err), "sampling %s on %s: %v", s.NS, g.Detached, err)
		}
		docs := make([]catalog.Doc, 0, len(reply.Docs))
		for _, raw := range reply.Docs {
			doc, err := catalog.DecodeDoc(raw)
			if err != nil {
				return cluster.E(cluster.CodeInternal, "sampling %s: bad document: %v", s.NS, err)
			}
			v, ok := doc.Num(newField)
			if !ok {
				return cluster.E(cluster.CodeUnsupportedKey,
					"document on %s has non-numeric %q; only numeric new keys are supported", g.Detached, newField)
			}
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			docs = append(docs, doc)
		}
		s.Samples[i] = docs
		total += len(docs)
	}

	if total == 0 {
		// Empty collection: the domain is empty and every chunk range
		// degenerates to a single slot. Migration will be a no-op but
		// the chunk table still gets built.
		s.Domain = Domain{}
	} else {
		s.Domain = Domain{Min: min, Max: max, Slots: int(math.Ceil(max - min + 1))}
	}

	s.RangePer = rangePerChunk(s.Domain.Slots, s.NumChunks)
	log.Printf("reshard %s: sampled %d docs, domain [%g, %g], %d slots, %d per chunk",
		s.ID, total, s.Domain.Min, s.Domain.Max, s.Domain.Slots, s.RangePer)

	s.Assignment = buildAssignment(s.Samples, newField, s.NumChunks, s.RangePer)
	return nil
}

// rangePerChunk is ceil(slots / numChunks), at least 1 so chunk ranges
// never collapse to empty intervals.
func rangePerChunk(slots, numChunks int) int {
	r := int(math.Ceil(float64(slots) / float64(numChunks)))
	if r < 1 {
		r = 1
	}
	return r
}

// chunkIndexFor buckets a new-key value: floor(v / rangePer), clamped
// into [0, numChunks). The first and last chunks absorb everything
// outside [0, numChunks*rangePer) through their open end-caps.
func chunkIndexFor(v float64, rangePer, numChunks int) int {
	i := int(math.Floor(v / float64(rangePer)))
	if i < 0 {
		return 0
	}
	if i >= numChunks {
		return numChunks - 1
	}
	return i
}

// buildAssignment counts, per (chunk, group), the sampled documents
// whose new-key value falls in the chunk's range as seen on that
// group's detached replica, then assigns each chunk to the group
// holding the plurality. Ties break to the lowest group index, which
// also covers chunks no group has documents for. Placing a chunk where
// most of its documents already sit is what minimizes the bytes the
// migration stage moves.
func buildAssignment(samples [][]catalog.Doc, newField string, numChunks, rangePer int) []int {
	counts := make([][]int, numChunks)
	for i := range counts {
		counts[i] = make([]int, len(samples))
	}
	for g, docs := range samples {
		for _, doc := range docs {
			v, ok := doc.Num(newField)
			if !ok {
				continue
			}
			counts[chunkIndexFor(v, rangePer, numChunks)][g]++
		}
	}

	assignment := make([]int, numChunks)
	for i := range counts {
		best, bestCount := 0, 0
		for g, n := range counts[i] {
			if n > bestCount {
				best, bestCount = g, n
			}
		}
		assignment[i] = best
	}
	return assignment
}
