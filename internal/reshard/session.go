package reshard

import (
	"github.com/google/uuid"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/oplog"
)

// Stage names one state of the coordinator's state machine.
type Stage string

const (
	StageInit     Stage = "INIT"
	StageValidate Stage = "VALIDATE"
	StageLock     Stage = "LOCK"
	StageSnapshot Stage = "SNAPSHOT"
	StageDetach   Stage = "DETACH"
	StageSample   Stage = "SAMPLE"
	StageMigrate  Stage = "MIGRATE"
	StageCommit   Stage = "COMMIT"
	StageRejoin   Stage = "REJOIN"
	StageReplay   Stage = "REPLAY"
	StageDone     Stage = "DONE"
	StageAbort    Stage = "ABORT"
)

// GroupHandle is one shard group's per-session state: the leader the
// session resolved, the frontier snapshotted before detach, and the
// replica loaned to the session.
type GroupHandle struct {
	Name   string
	Seeds  []cluster.Endpoint
	Leader cluster.Endpoint

	Frontier oplog.OpTime
	Detached cluster.Endpoint
}

// Domain is the estimated value domain of the new key's leading field.
type Domain struct {
	Min   float64
	Max   float64
	Slots int // ceil(max - min + 1)
}

// Session is the state of one reShardCollection invocation. The
// session owns every derived artifact (frontiers, detached replicas,
// samples, the assignment) and releases them on success or failure;
// detached replicas in particular are loaned and must go back.
type Session struct {
	ID     string
	NS     string
	OldKey catalog.KeyPattern
	NewKey catalog.KeyPattern
	Unique bool

	Groups []*GroupHandle

	// SAMPLE artifacts.
	Samples   [][]catalog.Doc // per group, projected to old+new key
	Domain    Domain
	NumChunks int
	RangePer  int // ceil(Slots / NumChunks)

	// Assignment maps chunk index to group index.
	Assignment []int

	// COMMIT artifacts.
	MaxVersion catalog.ChunkVersion
	NewEpoch   catalog.Epoch

	// Failure accounting surfaced in the result payload.
	FailedChunks []int
	Replayed     int
	Unrouted     int // captured ops with no routable new-key value
}

// NewSession starts session state for one invocation.
func NewSession(ns string, oldKey, newKey catalog.KeyPattern, unique bool) *Session {
	return &Session{
		ID:     uuid.NewString(),
		NS:     ns,
		OldKey: oldKey,
		NewKey: newKey,
		Unique: unique,
	}
}

// GroupIndex finds the index of a group handle by name, -1 if absent.
func (s *Session) GroupIndex(name string) int {
	for i, g := range s.Groups {
		if g.Name == name {
			return i
		}
	}
	return -1
}

// ChunkRange returns chunk i's half-open range over the new key's
// leading field, with the end-caps on the first and last chunks.
func (s *Session) ChunkRange(i int) cluster.RangeSpec {
	spec := cluster.RangeSpec{Field: s.NewKey.First()}
	if i > 0 {
		gte := float64(i * s.RangePer)
		spec.GTE = &gte
	}
	if i < s.NumChunks-1 {
		lt := float64((i + 1) * s.RangePer)
		spec.LT = &lt
	}
	return spec
}

// ChunkBounds returns chunk i's range as catalog bounds for the
// routing swap.
func (s *Session) ChunkBounds(i int) (catalog.Bound, catalog.Bound) {
	min := catalog.MinKey
	if i > 0 {
		min = catalog.BoundAt(float64(i * s.RangePer))
	}
	max := catalog.MaxKey
	if i < s.NumChunks-1 {
		max = catalog.BoundAt(float64((i + 1) * s.RangePer))
	}
	return min, max
}
