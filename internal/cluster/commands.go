package cluster

import (
	"encoding/json"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/oplog"
)

// MemberCfg is one member of a replica-group config document.
type MemberCfg struct {
	Host     Endpoint `json:"host"`
	ID       int      `json:"_id"`
	Priority float64  `json:"priority,omitempty"`
}

// ReplConfig is a replica-group configuration. Version must strictly
// advance for a reconfig to apply; a config at or below a member's
// current version is a no-op at that member.
type ReplConfig struct {
	Name    string      `json:"_id"`
	Version int         `json:"version"`
	Members []MemberCfg `json:"members"`
}

// HasMember reports whether host appears in the member list.
func (c ReplConfig) HasMember(host Endpoint) bool {
	for _, m := range c.Members {
		if m.Host == host {
			return true
		}
	}
	return false
}

// MaxPriority returns the highest member priority, at least 1.
func (c ReplConfig) MaxPriority() float64 {
	max := 1.0
	for _, m := range c.Members {
		if m.Priority > max {
			max = m.Priority
		}
	}
	return max
}

// MaxMemberID returns the highest member id in the config.
func (c ReplConfig) MaxMemberID() int {
	max := 0
	for _, m := range c.Members {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// RangeSpec is a half-open filter over one numeric field,
// field ∈ [GTE, LT), with nil meaning unbounded on that side.
type RangeSpec struct {
	Field string   `json:"field"`
	GTE   *float64 `json:"gte,omitempty"`
	LT    *float64 `json:"lt,omitempty"`
}

// Matches reports whether the document's field value falls in the range.
// Documents without a numeric value for the field never match.
func (r RangeSpec) Matches(doc catalog.Doc) bool {
	v, ok := doc.Num(r.Field)
	if !ok {
		return false
	}
	if r.GTE != nil && v < *r.GTE {
		return false
	}
	if r.LT != nil && v >= *r.LT {
		return false
	}
	return true
}

// --- replica-group control commands (§6.1) ---

// IsMasterCmd identifies a group's leader and membership.
type IsMasterCmd struct {
	IsMaster int `json:"isMaster"`
}

type IsMasterReply struct {
	Status
	IsMaster      bool       `json:"ismaster"`
	SetName       string     `json:"setName,omitempty"`
	Primary       Endpoint   `json:"primary,omitempty"`
	Hosts         []Endpoint `json:"hosts"`
	ConfigVersion int        `json:"configVersion"`
}

// HeartbeatCmd probes a peer for its config version, applied optime,
// rollback id, and leader view.
type HeartbeatCmd struct {
	Heartbeat int `json:"heartbeat"`
}

type HeartbeatReply struct {
	Status
	Version int          `json:"version"`
	Applied oplog.OpTime `json:"appliedOpTime"`
	RBID    int          `json:"rbid"`
	Leader  Endpoint     `json:"leader,omitempty"`
}

// GetStatusCmd fetches a member's replica-set status: its role in the
// group, applied optime, rollback id, and config version in one probe.
type GetStatusCmd struct {
	ReplSetGetStatus int `json:"replSetGetStatus"`
}

// Member states reported by replSetGetStatus.
const (
	StatePrimary   = "PRIMARY"
	StateSecondary = "SECONDARY"
	StateRemoved   = "REMOVED"
	StateStartup   = "STARTUP"
)

type ReplStatusReply struct {
	Status
	SetName       string       `json:"set,omitempty"`
	Self          Endpoint     `json:"self"`
	State         string       `json:"state"`
	Applied       oplog.OpTime `json:"appliedOpTime"`
	RBID          int          `json:"rbid"`
	ConfigVersion int          `json:"configVersion"`
	Leader        Endpoint     `json:"leader,omitempty"`
}

// GetRBIDCmd fetches the member's rollback generation id.
type GetRBIDCmd struct {
	ReplSetGetRBID int `json:"replSetGetRBID"`
}

type RBIDReply struct {
	Status
	RBID int `json:"rbid"`
}

// GetIdentifierCmd lists a group's hosts with their member ids.
type GetIdentifierCmd struct {
	GetIdentifier int `json:"getIdentifier"`
}

type IdentifierReply struct {
	Status
	Hosts []Endpoint `json:"hosts"`
	IDs   []int      `json:"id"`
}

// ReconfigCmd replaces the group's configuration. Must be addressed to
// the leader unless Force.
type ReconfigCmd struct {
	ReplSetReconfig ReplConfig `json:"replSetReconfig"`
	Force           bool       `json:"force,omitempty"`
}

// StepDownCmd asks the leader to relinquish leadership and not stand
// for re-election for Seconds.
type StepDownCmd struct {
	ReplSetStepDown int  `json:"replSetStepDown"`
	Force           bool `json:"force,omitempty"`
}

type StepDownReply struct {
	Status
	Closest    int64 `json:"closest,omitempty"`
	Difference int64 `json:"difference,omitempty"`
}

// FreezeCmd suppresses the member's candidacy for Seconds; zero
// unfreezes.
type FreezeCmd struct {
	ReplSetFreeze int `json:"replSetFreeze"`
}

// LeaderCmd asks the recipient to assume leadership.
type LeaderCmd struct {
	ReplSetLeader int     `json:"replSetLeader"`
	Priority      float64 `json:"priority,omitempty"`
}

// AddCmd asks the leader to add a host to the group, optionally with a
// priority that makes it the preferred leader.
type AddCmd struct {
	ReplSetAdd Endpoint `json:"replSetAdd"`
	Primary    bool     `json:"primary,omitempty"`
	ID         int      `json:"id"`
}

// RemoveCmd asks the leader to remove a host from the group.
type RemoveCmd struct {
	ReplSetRemove Endpoint `json:"replSetRemove"`
}

// NotifyLeaderCmd is the internal broadcast a newly elected leader
// sends so peers update their leader view without waiting for a
// heartbeat round.
type NotifyLeaderCmd struct {
	ReplSetNotifyLeader Endpoint `json:"replSetNotifyLeader"`
	ConfigVersion       int      `json:"configVersion"`
}

// ReplApplyCmd is the internal replication push from leader to
// follower carrying one oplog entry.
type ReplApplyCmd struct {
	ReplApply oplog.Entry `json:"replApply"`
}

// --- data commands ---

// InsertCmd inserts one document. Only the leader accepts it unless
// the member is detached (standalone).
type InsertCmd struct {
	Insert string          `json:"insert"`
	Doc    json.RawMessage `json:"doc"`
}

type InsertReply struct {
	Status
	N int `json:"n"`
}

// UpdateCmd updates the document matching Query with Doc; Upsert
// inserts when nothing matches.
type UpdateCmd struct {
	Update string          `json:"update"`
	Query  json.RawMessage `json:"query"`
	Doc    json.RawMessage `json:"doc"`
	Upsert bool            `json:"upsert,omitempty"`
}

type UpdateReply struct {
	Status
	N int `json:"n"`
}

// DeleteCmd deletes documents matching Query (or the Range, for bulk
// range deletes after a migration); JustOne stops after the first match.
type DeleteCmd struct {
	Delete  string          `json:"delete"`
	Query   json.RawMessage `json:"query,omitempty"`
	Range   *RangeSpec      `json:"range,omitempty"`
	JustOne bool            `json:"justOne,omitempty"`
}

type DeleteReply struct {
	Status
	N int `json:"n"`
}

// FindCmd reads documents, optionally restricted to a numeric range
// and projected to a field list. SlaveOk permits reads on non-leaders
// and detached members.
type FindCmd struct {
	Find       string     `json:"find"`
	Range      *RangeSpec `json:"range,omitempty"`
	Projection []string   `json:"projection,omitempty"`
	SlaveOk    bool       `json:"slaveOk,omitempty"`
}

type FindReply struct {
	Status
	Docs []json.RawMessage `json:"docs"`
}

// CountCmd counts documents, optionally restricted to a range.
type CountCmd struct {
	Count   string     `json:"count"`
	Range   *RangeSpec `json:"range,omitempty"`
	SlaveOk bool       `json:"slaveOk,omitempty"`
}

type CountReply struct {
	Status
	N int `json:"n"`
}

// CreateCollectionCmd registers a collection and its options on a
// member. Collections also come into being implicitly on first
// insert; an explicit create is how options like capped are declared.
type CreateCollectionCmd struct {
	Create string `json:"create"`
	Capped bool   `json:"capped,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// CollOptionsCmd fetches a collection's options from a member.
type CollOptionsCmd struct {
	CollOptions string `json:"collOptions"`
}

type CollOptionsReply struct {
	Status
	Exists bool  `json:"exists"`
	Capped bool  `json:"capped,omitempty"`
	Size   int64 `json:"size,omitempty"`
}

// EnsureIndexCmd records an index descriptor on the member.
type EnsureIndexCmd struct {
	EnsureIndex string             `json:"ensureIndex"`
	Key         catalog.KeyPattern `json:"key"`
	Unique      bool               `json:"unique,omitempty"`
	Sparse      bool               `json:"sparse,omitempty"`
}

// ListIndexesCmd lists a collection's index descriptors.
type ListIndexesCmd struct {
	ListIndexes string `json:"listIndexes"`
}

type IndexesReply struct {
	Status
	Indexes []catalog.IndexSpec `json:"indexes"`
}

// --- oplog commands ---

// OplogLastCmd returns the most recent optime in the member's oplog.
type OplogLastCmd struct {
	OplogLast int `json:"oplogLast"`
}

type OplogLastReply struct {
	Status
	TS oplog.OpTime `json:"ts"`
}

// OplogTailCmd streams oplog entries with TS >= Since, at most Limit
// per batch. Tip is the newest optime at the time of the call; the
// caller stops once it has consumed past Tip.
type OplogTailCmd struct {
	OplogTail int          `json:"oplogTail"`
	Since     oplog.OpTime `json:"since"`
	Limit     int          `json:"limit,omitempty"`
}

type OplogTailReply struct {
	Status
	Entries []oplog.Entry `json:"entries"`
	Tip     oplog.OpTime  `json:"tip"`
}

// ReplayOplogParams carries everything a member needs to re-apply a
// captured oplog window under a proposed key: the frontier, the key,
// the chunk layout, the chunk→group assignment, and the detached
// replicas the window was sampled against.
type ReplayOplogParams struct {
	NS              string            `json:"ns"`
	StartTime       oplog.OpTime      `json:"startTime"`
	ProposedKey     json.RawMessage   `json:"proposedKey"`
	SplitPoints     []json.RawMessage `json:"splitPoints"`
	NumChunks       int               `json:"numChunks"`
	Assignments     []int             `json:"assignments"`
	RemovedReplicas []Endpoint        `json:"removedReplicas"`
}

// ReplayOplogCmd asks a member to validate (and acknowledge) a replay
// window. The coordinator performs the replay itself; this command is
// the operator-facing hook for re-driving one manually.
type ReplayOplogCmd struct {
	ReplayOplog ReplayOplogParams `json:"replayOplog"`
}

// --- migration ---

// MoveDataCmd ships every document in a key range from a source member
// to the recipient. ShardID identifies the chunk so a re-sent move is
// applied once; MaxBytes bounds the transfer.
type MoveDataCmd struct {
	MoveData          string    `json:"moveData"`
	From              Endpoint  `json:"from"`
	To                Endpoint  `json:"to"`
	Range             RangeSpec `json:"range"`
	MaxBytes          int64     `json:"maxChunkSizeBytes"`
	ShardID           string    `json:"shardId"`
	ConfigDB          string    `json:"configdb,omitempty"`
	SecondaryThrottle bool      `json:"secondaryThrottle,omitempty"`
}

type MoveDataReply struct {
	Status
	Moved          int   `json:"count"`
	Bytes          int64 `json:"bytes"`
	AlreadyApplied bool  `json:"alreadyApplied,omitempty"`
}

// --- admin commands served by the coordinator (§6.3) ---

// ShardCollectionCmd shards a collection for the first time.
type ShardCollectionCmd struct {
	ShardCollection string          `json:"shardCollection"`
	Key             json.RawMessage `json:"key"`
	Unique          bool            `json:"unique,omitempty"`
	NumInitialChunks int            `json:"numInitialChunks,omitempty"`
}

// ReshardCollectionCmd redistributes a sharded collection under a new
// key while it stays online.
type ReshardCollectionCmd struct {
	ReshardCollection string          `json:"reShardCollection"`
	Key               json.RawMessage `json:"key"`
	Unique            bool            `json:"unique,omitempty"`
	NumInitialChunks  int             `json:"numInitialChunks,omitempty"`
}

// ReshardReply is the session report.
type ReshardReply struct {
	Status
	SessionID      string          `json:"sessionId,omitempty"`
	NS             string          `json:"ns,omitempty"`
	NumChunks      int             `json:"numChunks,omitempty"`
	DomainMin      float64         `json:"domainMin,omitempty"`
	DomainMax      float64         `json:"domainMax,omitempty"`
	DomainSlots    int             `json:"domainSlots,omitempty"`
	Assignment     []int           `json:"assignments,omitempty"`
	FailedChunks   []int           `json:"failedChunks,omitempty"`
	Replayed       int             `json:"replayed,omitempty"`
	Unrouted       int             `json:"unrouted,omitempty"`
	RoutingEpoch   catalog.Epoch   `json:"routingEpoch,omitempty"`
	RoutingVersion json.RawMessage `json:"routingVersion,omitempty"`
}

// ListGroupsCmd lists the cluster's shard groups.
type ListGroupsCmd struct {
	ListGroups int `json:"listGroups"`
}

type GroupInfo struct {
	Name    string     `json:"name"`
	Seeds   []Endpoint `json:"seeds"`
	Leader  Endpoint   `json:"leader,omitempty"`
	Members []Endpoint `json:"members,omitempty"`
}

type ListGroupsReply struct {
	Status
	Groups []GroupInfo `json:"groups"`
}

// GetRoutingVersionCmd returns a collection's routing version.
type GetRoutingVersionCmd struct {
	GetRoutingVersion string `json:"getRoutingVersion"`
}

type RoutingVersionReply struct {
	Status
	Epoch   catalog.Epoch        `json:"epoch"`
	Version catalog.ChunkVersion `json:"version"`
	Chunks  int                  `json:"chunks"`
}

// PingCmd is the trivial liveness command.
type PingCmd struct {
	Ping int `json:"ping"`
}
