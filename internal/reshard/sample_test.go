package reshard

import (
	"testing"

	"github.com/mghosh4/morphus/internal/catalog"
)

func TestRangePerChunk(t *testing.T) {
	tests := []struct {
		name      string
		slots     int
		numChunks int
		want      int
	}{
		{"exact division", 10, 2, 5},
		{"rounds up", 10, 3, 4},
		{"one chunk", 7, 1, 7},
		{"more chunks than slots", 2, 6, 1},
		{"empty domain degenerates to unit ranges", 0, 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rangePerChunk(tt.slots, tt.numChunks); got != tt.want {
				t.Errorf("rangePerChunk(%d, %d) = %d, want %d", tt.slots, tt.numChunks, got, tt.want)
			}
		})
	}
}

func TestChunkIndexFor(t *testing.T) {
	// Domain of 10 slots over 2 chunks: 5 per chunk.
	tests := []struct {
		v    float64
		want int
	}{
		{0, 0},
		{4.9, 0},
		{5, 1},
		{9, 1},
		{-3, 0},  // below the range: absorbed by chunk 0's -inf cap
		{999, 1}, // above: absorbed by the last chunk's +inf cap
	}
	for _, tt := range tests {
		if got := chunkIndexFor(tt.v, 5, 2); got != tt.want {
			t.Errorf("chunkIndexFor(%g) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func docsWithB(values ...float64) []catalog.Doc {
	out := make([]catalog.Doc, len(values))
	for i, v := range values {
		out[i] = catalog.Doc{"b": v}
	}
	return out
}

func TestBuildAssignmentPlurality(t *testing.T) {
	// Two groups, two chunks of 5 slots. Group 0 holds most of chunk 0,
	// group 1 most of chunk 1.
	samples := [][]catalog.Doc{
		docsWithB(0, 1, 2, 5),
		docsWithB(3, 6, 7, 8),
	}
	got := buildAssignment(samples, "b", 2, 5)
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("assignment = %v, want [0 1]", got)
	}
}

func TestBuildAssignmentTieBreaksLow(t *testing.T) {
	samples := [][]catalog.Doc{
		docsWithB(1, 2),
		docsWithB(3, 4),
	}
	got := buildAssignment(samples, "b", 1, 5)
	if got[0] != 0 {
		t.Errorf("tie must break to the lowest group index, got %v", got)
	}

	// A chunk nobody holds documents for also lands on group 0.
	empty := buildAssignment([][]catalog.Doc{nil, nil}, "b", 3, 5)
	for i, g := range empty {
		if g != 0 {
			t.Errorf("empty chunk %d assigned to %d, want 0", i, g)
		}
	}
}

func TestBuildAssignmentClustered(t *testing.T) {
	// 90% of documents sit on group 0; every chunk covering the
	// cluster must stay there so almost nothing moves.
	var g0 []float64
	for v := 0; v < 90; v++ {
		g0 = append(g0, float64(v))
	}
	samples := [][]catalog.Doc{
		docsWithB(g0...),
		docsWithB(90, 91, 92, 93, 94),
		docsWithB(95, 96, 97, 98, 99),
	}
	// 100 slots over 3 chunks: 34 per chunk.
	got := buildAssignment(samples, "b", 3, 34)
	for i, g := range got {
		if g != 0 {
			t.Errorf("chunk %d assigned to group %d, want 0 (plurality)", i, g)
		}
	}
}

func TestSessionChunkRanges(t *testing.T) {
	s := &Session{
		NewKey:    catalog.KeyPattern{{Field: "b", Dir: catalog.Ascending}},
		NumChunks: 2,
		RangePer:  5,
	}

	r0 := s.ChunkRange(0)
	if r0.GTE != nil {
		t.Error("chunk 0 must be open below")
	}
	if r0.LT == nil || *r0.LT != 5 {
		t.Errorf("chunk 0 upper bound = %v, want 5", r0.LT)
	}

	r1 := s.ChunkRange(1)
	if r1.GTE == nil || *r1.GTE != 5 {
		t.Errorf("chunk 1 lower bound = %v, want 5", r1.GTE)
	}
	if r1.LT != nil {
		t.Error("last chunk must be open above")
	}

	min0, max0 := s.ChunkBounds(0)
	if min0.Kind != catalog.BoundMinKey || max0.Compare(catalog.BoundAt(5)) != 0 {
		t.Errorf("chunk 0 bounds = [%s, %s)", min0, max0)
	}
	min1, max1 := s.ChunkBounds(1)
	if min1.Compare(catalog.BoundAt(5)) != 0 || max1.Kind != catalog.BoundMaxKey {
		t.Errorf("chunk 1 bounds = [%s, %s)", min1, max1)
	}
}
