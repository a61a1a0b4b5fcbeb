package replnode

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/oplog"
	"github.com/mghosh4/morphus/internal/storage"
)

const (
	// defaultStepDownSecs applies when replSetStepDown carries no
	// duration.
	defaultStepDownSecs = 60
	// stepDownFreshness is how far (in oplog seconds) the closest
	// follower may lag before a non-forced step-down refuses.
	stepDownFreshness = 10
	// oplogCap bounds the in-memory oplog; older entries truncate.
	oplogCap = 100000
	// peerCallTimeout bounds internal member-to-member calls.
	peerCallTimeout = 5 * time.Second
)

// movedChunk records one applied moveData so a re-sent chunk id is
// answered from memory instead of copied twice.
type movedChunk struct {
	Moved int
	Bytes int64
}

// collOptions are the declared options of one collection.
type collOptions struct {
	Capped bool
	Size   int64
}

// Node is one replica-group member.
type Node struct {
	setName string
	store   storage.Store
	clock   *oplog.Clock
	oplog   *oplog.Log
	rbid    int

	mu          sync.Mutex
	self        cluster.Endpoint
	config      cluster.ReplConfig
	leader      cluster.Endpoint
	freezeUntil time.Time
	detached    bool
	electing    bool
	indexes     map[string][]catalog.IndexSpec
	collections map[string]collOptions
	moved       map[string]movedChunk
}

// New creates a member for the named group over the given store. The
// member's own endpoint is set later with SetSelf, once the listener
// address is known.
func New(setName string, store storage.Store) *Node {
	return &Node{
		setName: setName,
		store:   store,
		clock:   oplog.NewClock(),
		oplog:   oplog.NewLog(oplogCap),
		rbid:        rand.Int()%100000 + 1,
		indexes:     make(map[string][]catalog.IndexSpec),
		collections: make(map[string]collOptions),
		moved:       make(map[string]movedChunk),
	}
}

// SetSelf records the endpoint this member is reachable at.
func (n *Node) SetSelf(ep cluster.Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.self = ep
}

// Self returns the member's endpoint.
func (n *Node) Self() cluster.Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// IsLeader reports whether this member currently leads its group.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader != "" && n.leader == n.self
}

// Detached reports whether the member has been removed from its group.
func (n *Node) Detached() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.detached
}

// Handler returns the member's HTTP surface: the /command endpoint,
// a /health probe, and an /info page.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", n.handleCommand)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	return mux
}

func (n *Node) handleInfo(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	info := struct {
		Self     cluster.Endpoint   `json:"self"`
		SetName  string             `json:"setName"`
		Version  int                `json:"configVersion"`
		Leader   cluster.Endpoint   `json:"leader,omitempty"`
		Detached bool               `json:"detached"`
		Members  []cluster.MemberCfg `json:"members"`
	}{n.self, n.setName, n.config.Version, n.leader, n.detached, n.config.Members}
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// handleCommand dispatches a command document by its identifying field.
func (n *Node) handleCommand(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeReply(w, failed(cluster.E(cluster.CodeValidation, "bad command document: %v", err)))
		return
	}

	body, _ := json.Marshal(raw)
	reply := n.dispatch(r.Context(), raw, body)
	writeReply(w, reply)
}

func (n *Node) dispatch(ctx context.Context, raw map[string]json.RawMessage, body []byte) any {
	switch {
	case has(raw, "isMaster"):
		return n.cmdIsMaster()
	case has(raw, "heartbeat"):
		return n.cmdHeartbeat()
	case has(raw, "replSetGetStatus"):
		return n.cmdGetStatus()
	case has(raw, "replSetGetRBID"):
		return n.cmdGetRBID()
	case has(raw, "getIdentifier"):
		return n.cmdGetIdentifier()
	case has(raw, "replSetReconfig"):
		return decodeThen(body, func(c cluster.ReconfigCmd) any { return n.cmdReconfig(ctx, c) })
	case has(raw, "replSetStepDown"):
		return decodeThen(body, func(c cluster.StepDownCmd) any { return n.cmdStepDown(ctx, c) })
	case has(raw, "replSetFreeze"):
		return decodeThen(body, func(c cluster.FreezeCmd) any { return n.cmdFreeze(c) })
	case has(raw, "replSetLeader"):
		return decodeThen(body, func(c cluster.LeaderCmd) any { return n.cmdLeader(ctx, c) })
	case has(raw, "replSetAdd"):
		return decodeThen(body, func(c cluster.AddCmd) any { return n.cmdAdd(ctx, c) })
	case has(raw, "replSetRemove"):
		return decodeThen(body, func(c cluster.RemoveCmd) any { return n.cmdRemove(ctx, c) })
	case has(raw, "replSetNotifyLeader"):
		return decodeThen(body, func(c cluster.NotifyLeaderCmd) any { return n.cmdNotifyLeader(c) })
	case has(raw, "replApply"):
		return decodeThen(body, func(c cluster.ReplApplyCmd) any { return n.cmdReplApply(c) })
	case has(raw, "insert"):
		return decodeThen(body, func(c cluster.InsertCmd) any { return n.cmdInsert(ctx, c) })
	case has(raw, "update"):
		return decodeThen(body, func(c cluster.UpdateCmd) any { return n.cmdUpdate(ctx, c) })
	case has(raw, "delete"):
		return decodeThen(body, func(c cluster.DeleteCmd) any { return n.cmdDelete(ctx, c) })
	case has(raw, "find"):
		return decodeThen(body, func(c cluster.FindCmd) any { return n.cmdFind(c) })
	case has(raw, "count"):
		return decodeThen(body, func(c cluster.CountCmd) any { return n.cmdCount(c) })
	case has(raw, "create"):
		return decodeThen(body, func(c cluster.CreateCollectionCmd) any { return n.cmdCreateCollection(c) })
	case has(raw, "collOptions"):
		return decodeThen(body, func(c cluster.CollOptionsCmd) any { return n.cmdCollOptions(c) })
	case has(raw, "ensureIndex"):
		return decodeThen(body, func(c cluster.EnsureIndexCmd) any { return n.cmdEnsureIndex(c) })
	case has(raw, "listIndexes"):
		return decodeThen(body, func(c cluster.ListIndexesCmd) any { return n.cmdListIndexes(c) })
	case has(raw, "oplogLast"):
		return n.cmdOplogLast()
	case has(raw, "oplogTail"):
		return decodeThen(body, func(c cluster.OplogTailCmd) any { return n.cmdOplogTail(c) })
	case has(raw, "moveData"):
		return decodeThen(body, func(c cluster.MoveDataCmd) any { return n.cmdMoveData(ctx, c) })
	case has(raw, "replayOplog"):
		return decodeThen(body, func(c cluster.ReplayOplogCmd) any { return n.cmdReplayOplog(c) })
	case has(raw, "ping"):
		st := cluster.OK()
		return &st
	default:
		return failed(cluster.E(cluster.CodeValidation, "no such command"))
	}
}

func has(raw map[string]json.RawMessage, name string) bool {
	_, ok := raw[name]
	return ok
}

// decodeThen re-decodes the full body into the typed command and runs
// the handler, folding decode failures into the reply envelope.
func decodeThen[T any](body []byte, fn func(T) any) any {
	var cmd T
	if err := json.Unmarshal(body, &cmd); err != nil {
		return failed(cluster.E(cluster.CodeValidation, "bad command payload: %v", err))
	}
	return fn(cmd)
}

func writeReply(w http.ResponseWriter, reply any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func failed(err error) *cluster.Status {
	var st cluster.Status
	st.Fail(err)
	return &st
}

func (n *Node) logf(format string, args ...any) {
	log.Printf("replnode %s [%s]: "+format, append([]any{n.Self(), n.setName}, args...)...)
}
