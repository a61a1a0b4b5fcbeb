package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Epoch is an opaque identifier for one generation of a collection's
// chunk table. A changed epoch tells routers their cached table is
// garbage, not merely stale.
type Epoch string

// NewEpoch mints a fresh epoch.
func NewEpoch() Epoch {
	return Epoch(uuid.NewString())
}

// ChunkVersion orders chunk table states within and across epochs.
// (Major, Minor) pairs are unique within an epoch; comparison across
// epochs is meaningless and callers must compare epochs first.
type ChunkVersion struct {
	Epoch Epoch  `json:"epoch"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// Less orders two versions that share an epoch.
func (v ChunkVersion) Less(o ChunkVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// IsZero reports an unset version.
func (v ChunkVersion) IsZero() bool {
	return v.Epoch == "" && v.Major == 0 && v.Minor == 0
}

func (v ChunkVersion) String() string {
	return fmt.Sprintf("%d|%d|%s", v.Major, v.Minor, v.Epoch)
}

// BoundKind discriminates the three kinds of range bound.
type BoundKind int

const (
	// BoundValue is an ordinary numeric bound.
	BoundValue BoundKind = iota
	// BoundMinKey sorts below every value.
	BoundMinKey
	// BoundMaxKey sorts above every value.
	BoundMaxKey
)

// Bound is one end of a chunk range over the shard key's leading field.
// The wire form is a number, {"$minKey":1}, or {"$maxKey":1}.
type Bound struct {
	Kind  BoundKind
	Value float64
}

// MinKey and MaxKey are the open ends of the key space.
var (
	MinKey = Bound{Kind: BoundMinKey}
	MaxKey = Bound{Kind: BoundMaxKey}
)

// BoundAt wraps a numeric bound.
func BoundAt(v float64) Bound {
	return Bound{Kind: BoundValue, Value: v}
}

// Before reports whether b sorts strictly before v.
func (b Bound) Before(v float64) bool {
	switch b.Kind {
	case BoundMinKey:
		return true
	case BoundMaxKey:
		return false
	default:
		return b.Value < v
	}
}

// AtOrBefore reports whether b sorts at or before v.
func (b Bound) AtOrBefore(v float64) bool {
	switch b.Kind {
	case BoundMinKey:
		return true
	case BoundMaxKey:
		return false
	default:
		return b.Value <= v
	}
}

// Compare orders two bounds: -1, 0, or 1.
func (b Bound) Compare(o Bound) int {
	if b.Kind == o.Kind {
		if b.Kind != BoundValue {
			return 0
		}
		switch {
		case b.Value < o.Value:
			return -1
		case b.Value > o.Value:
			return 1
		default:
			return 0
		}
	}
	rank := func(k BoundKind, v float64) float64 {
		switch k {
		case BoundMinKey:
			return -1
		case BoundMaxKey:
			return 1
		default:
			return 0
		}
	}
	br, or := rank(b.Kind, b.Value), rank(o.Kind, o.Value)
	switch {
	case br < or:
		return -1
	case br > or:
		return 1
	default:
		return 0
	}
}

func (b Bound) String() string {
	switch b.Kind {
	case BoundMinKey:
		return "$minKey"
	case BoundMaxKey:
		return "$maxKey"
	default:
		return fmt.Sprintf("%g", b.Value)
	}
}

func (b Bound) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BoundMinKey:
		return []byte(`{"$minKey":1}`), nil
	case BoundMaxKey:
		return []byte(`{"$maxKey":1}`), nil
	default:
		return json.Marshal(b.Value)
	}
}

func (b *Bound) UnmarshalJSON(raw []byte) error {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		*b = BoundAt(num)
		return nil
	}
	var marker map[string]int
	if err := json.Unmarshal(raw, &marker); err != nil {
		return fmt.Errorf("bad bound %s", raw)
	}
	if _, ok := marker["$minKey"]; ok {
		*b = MinKey
		return nil
	}
	if _, ok := marker["$maxKey"]; ok {
		*b = MaxKey
		return nil
	}
	return fmt.Errorf("bad bound %s", raw)
}

// Chunk is a half-open range [Min, Max) of the shard key's leading
// field, owned by exactly one shard group. This is also the persisted
// routing record shape.
type Chunk struct {
	NS      string       `json:"ns"`
	Min     Bound        `json:"min"`
	Max     Bound        `json:"max"`
	Group   string       `json:"shard"`
	Version ChunkVersion `json:"lastmod"`
}

// Contains reports whether the value falls inside [Min, Max).
func (c Chunk) Contains(v float64) bool {
	return c.Min.AtOrBefore(v) && !c.Max.AtOrBefore(v)
}

// ValidatePartition checks that the chunks partition (-inf, +inf) with
// no gap or overlap, share one epoch, and carry unique (major, minor)
// pairs. The input order does not matter.
func ValidatePartition(chunks []Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks")
	}
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Min.Compare(sorted[j].Min) < 0
	})

	epoch := sorted[0].Version.Epoch
	seen := make(map[[2]uint32]struct{}, len(sorted))
	for i, c := range sorted {
		if c.Version.Epoch != epoch {
			return fmt.Errorf("chunk %d epoch %s differs from %s", i, c.Version.Epoch, epoch)
		}
		mm := [2]uint32{c.Version.Major, c.Version.Minor}
		if _, dup := seen[mm]; dup {
			return fmt.Errorf("duplicate chunk version %d|%d", mm[0], mm[1])
		}
		seen[mm] = struct{}{}
		if c.Min.Compare(c.Max) >= 0 {
			return fmt.Errorf("chunk %d has empty or inverted range [%s, %s)", i, c.Min, c.Max)
		}
	}
	if sorted[0].Min.Kind != BoundMinKey {
		return fmt.Errorf("lowest chunk starts at %s, not $minKey", sorted[0].Min)
	}
	if sorted[len(sorted)-1].Max.Kind != BoundMaxKey {
		return fmt.Errorf("highest chunk ends at %s, not $maxKey", sorted[len(sorted)-1].Max)
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Max.Compare(sorted[i].Min) != 0 {
			return fmt.Errorf("gap or overlap between [%s, %s) and [%s, %s)",
				sorted[i-1].Min, sorted[i-1].Max, sorted[i].Min, sorted[i].Max)
		}
	}
	return nil
}

// MaxChunkVersion returns the highest (major, minor) among the chunks,
// the collection routing version.
func MaxChunkVersion(chunks []Chunk) ChunkVersion {
	var max ChunkVersion
	for _, c := range chunks {
		if max.IsZero() || max.Less(c.Version) {
			max = c.Version
		}
	}
	return max
}
