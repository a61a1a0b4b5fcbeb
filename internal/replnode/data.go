package replnode

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/google/uuid"
	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/oplog"
	"github.com/mghosh4/morphus/internal/storage"
)

// writable reports whether this member may accept the write: the group
// leader does, and so does a detached member, which is standalone and
// written to directly by the migration engine.
func (n *Node) writable() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.detached || n.config.Version == 0 {
		return nil
	}
	if n.leader == "" || n.leader != n.self {
		return cluster.E(cluster.CodeNotLeader, "not master")
	}
	return nil
}

// readable reports whether this member may serve the read.
func (n *Node) readable(slaveOk bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if slaveOk || n.detached || n.config.Version == 0 {
		return nil
	}
	if n.leader == "" || n.leader != n.self {
		return cluster.E(cluster.CodeNotLeader, "not master and slaveOk=false")
	}
	return nil
}

func (n *Node) cmdInsert(ctx context.Context, cmd cluster.InsertCmd) any {
	if err := n.writable(); err != nil {
		return failed(err)
	}
	doc, err := catalog.DecodeDoc(cmd.Doc)
	if err != nil {
		return failed(cluster.E(cluster.CodeValidation, "bad document: %v", err))
	}
	if _, okID := doc.ID(); !okID {
		doc["_id"] = uuid.NewString()
	}
	inserted, err := n.applyInsert(cmd.Insert, doc)
	if err != nil {
		return failed(err)
	}
	reply := &cluster.InsertReply{Status: cluster.OK()}
	if inserted {
		reply.N = 1
		raw, _ := doc.Encode()
		n.record(ctx, oplog.Entry{Op: oplog.Insert, NS: cmd.Insert, O: raw})
	}
	return reply
}

// applyInsert stores the document unless its primary key already
// exists; re-inserting an existing key is a no-op so replicated and
// replayed inserts stay idempotent.
func (n *Node) applyInsert(ns string, doc catalog.Doc) (bool, error) {
	id, _ := doc.IDString()
	if _, err := n.store.Get(ns, id); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, cluster.E(cluster.CodeInternal, "store get: %v", err)
	}
	raw, err := doc.Encode()
	if err != nil {
		return false, cluster.E(cluster.CodeInternal, "encode document: %v", err)
	}
	if err := n.store.Put(ns, id, raw); err != nil {
		return false, cluster.E(cluster.CodeInternal, "store put: %v", err)
	}
	return true, nil
}

func (n *Node) cmdUpdate(ctx context.Context, cmd cluster.UpdateCmd) any {
	if err := n.writable(); err != nil {
		return failed(err)
	}
	query, err := catalog.DecodeDoc(cmd.Query)
	if err != nil {
		return failed(cluster.E(cluster.CodeValidation, "bad query: %v", err))
	}
	replacement, err := catalog.DecodeDoc(cmd.Doc)
	if err != nil {
		return failed(cluster.E(cluster.CodeValidation, "bad document: %v", err))
	}

	nMatched, err := n.applyUpdate(cmd.Update, query, replacement, cmd.Upsert)
	if err != nil {
		return failed(err)
	}
	if nMatched > 0 {
		n.record(ctx, oplog.Entry{Op: oplog.Update, NS: cmd.Update, O: cmd.Doc, O2: cmd.Query, B: cmd.Upsert})
	}
	return &cluster.UpdateReply{Status: cluster.OK(), N: nMatched}
}

// applyUpdate replaces the first document matching query; with upsert
// it inserts the replacement when nothing matches. Replayable: matching
// is by selector, and re-applying the same replacement converges.
func (n *Node) applyUpdate(ns string, query, replacement catalog.Doc, upsert bool) (int, error) {
	matchID, found, err := n.findFirst(ns, query)
	if err != nil {
		return 0, err
	}
	if !found {
		if !upsert {
			return 0, nil
		}
		if _, okID := replacement.ID(); !okID {
			if qid, okQ := query.ID(); okQ {
				replacement["_id"] = qid
			} else {
				replacement["_id"] = uuid.NewString()
			}
		}
		if _, err := n.applyInsert(ns, replacement); err != nil {
			return 0, err
		}
		return 1, nil
	}

	// Keep the matched document's identity unless the replacement
	// names its own.
	existing, err := n.store.Get(ns, matchID)
	if err != nil {
		return 0, cluster.E(cluster.CodeInternal, "store get: %v", err)
	}
	existingDoc, err := catalog.DecodeDoc(existing)
	if err != nil {
		return 0, cluster.E(cluster.CodeInternal, "decode stored document: %v", err)
	}
	if _, okID := replacement.ID(); !okID {
		replacement["_id"] = existingDoc["_id"]
	}
	newID, _ := replacement.IDString()
	raw, err := replacement.Encode()
	if err != nil {
		return 0, cluster.E(cluster.CodeInternal, "encode document: %v", err)
	}
	if newID != matchID {
		if err := n.store.Delete(ns, matchID); err != nil {
			return 0, cluster.E(cluster.CodeInternal, "store delete: %v", err)
		}
	}
	if err := n.store.Put(ns, newID, raw); err != nil {
		return 0, cluster.E(cluster.CodeInternal, "store put: %v", err)
	}
	return 1, nil
}

func (n *Node) cmdDelete(ctx context.Context, cmd cluster.DeleteCmd) any {
	if err := n.writable(); err != nil {
		return failed(err)
	}
	var query catalog.Doc
	if len(cmd.Query) > 0 {
		var err error
		query, err = catalog.DecodeDoc(cmd.Query)
		if err != nil {
			return failed(cluster.E(cluster.CodeValidation, "bad query: %v", err))
		}
	}
	nDeleted, err := n.applyDelete(cmd.Delete, query, cmd.Range, cmd.JustOne)
	if err != nil {
		return failed(err)
	}
	if nDeleted > 0 && len(cmd.Query) > 0 {
		n.record(ctx, oplog.Entry{Op: oplog.Delete, NS: cmd.Delete, O2: cmd.Query, B: cmd.JustOne})
	}
	return &cluster.DeleteReply{Status: cluster.OK(), N: nDeleted}
}

// applyDelete removes documents matching the query or range. Deleting
// nothing is not an error, so replayed deletes are no-ops.
func (n *Node) applyDelete(ns string, query catalog.Doc, rng *cluster.RangeSpec, justOne bool) (int, error) {
	var ids []string
	err := n.store.Scan(ns, func(id string, raw []byte) error {
		if justOne && len(ids) == 1 {
			return nil
		}
		doc, derr := catalog.DecodeDoc(raw)
		if derr != nil {
			return derr
		}
		if query != nil && !matches(doc, query) {
			return nil
		}
		if rng != nil && !rng.Matches(doc) {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, cluster.E(cluster.CodeInternal, "scan: %v", err)
	}
	if justOne && len(ids) > 1 {
		ids = ids[:1]
	}
	for _, id := range ids {
		if err := n.store.Delete(ns, id); err != nil {
			return 0, cluster.E(cluster.CodeInternal, "store delete: %v", err)
		}
	}
	return len(ids), nil
}

func (n *Node) cmdFind(cmd cluster.FindCmd) any {
	if err := n.readable(cmd.SlaveOk); err != nil {
		return failed(err)
	}
	reply := &cluster.FindReply{Status: cluster.OK(), Docs: []json.RawMessage{}}
	err := n.store.Scan(cmd.Find, func(id string, raw []byte) error {
		doc, derr := catalog.DecodeDoc(raw)
		if derr != nil {
			return derr
		}
		if cmd.Range != nil && !cmd.Range.Matches(doc) {
			return nil
		}
		out := doc
		if len(cmd.Projection) > 0 {
			out = doc.Project(cmd.Projection)
		}
		enc, derr := out.Encode()
		if derr != nil {
			return derr
		}
		reply.Docs = append(reply.Docs, enc)
		return nil
	})
	if err != nil {
		return failed(cluster.E(cluster.CodeInternal, "scan: %v", err))
	}
	return reply
}

func (n *Node) cmdCount(cmd cluster.CountCmd) any {
	if err := n.readable(cmd.SlaveOk); err != nil {
		return failed(err)
	}
	if cmd.Range == nil {
		total, err := n.store.Count(cmd.Count)
		if err != nil {
			return failed(cluster.E(cluster.CodeInternal, "count: %v", err))
		}
		return &cluster.CountReply{Status: cluster.OK(), N: total}
	}
	total := 0
	err := n.store.Scan(cmd.Count, func(id string, raw []byte) error {
		doc, derr := catalog.DecodeDoc(raw)
		if derr != nil {
			return derr
		}
		if cmd.Range.Matches(doc) {
			total++
		}
		return nil
	})
	if err != nil {
		return failed(cluster.E(cluster.CodeInternal, "scan: %v", err))
	}
	return &cluster.CountReply{Status: cluster.OK(), N: total}
}

// cmdCreateCollection declares a collection and its options. Repeating
// a create with the same options is a no-op; changing the options of
// an existing collection is refused.
func (n *Node) cmdCreateCollection(cmd cluster.CreateCollectionCmd) any {
	if cmd.Create == "" {
		return failed(cluster.E(cluster.CodeValidation, "no ns"))
	}
	opts := collOptions{Capped: cmd.Capped, Size: cmd.Size}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.collections[cmd.Create]; ok {
		if existing != opts {
			return failed(cluster.E(cluster.CodeValidation, "collection %s already exists", cmd.Create))
		}
		st := cluster.OK()
		return &st
	}
	n.collections[cmd.Create] = opts
	st := cluster.OK()
	return &st
}

// cmdCollOptions reports a collection's declared options. A collection
// never explicitly created but holding documents exists with default
// options.
func (n *Node) cmdCollOptions(cmd cluster.CollOptionsCmd) any {
	n.mu.Lock()
	opts, declared := n.collections[cmd.CollOptions]
	n.mu.Unlock()
	if declared {
		return &cluster.CollOptionsReply{Status: cluster.OK(), Exists: true, Capped: opts.Capped, Size: opts.Size}
	}
	count, err := n.store.Count(cmd.CollOptions)
	if err != nil {
		return failed(cluster.E(cluster.CodeInternal, "count: %v", err))
	}
	return &cluster.CollOptionsReply{Status: cluster.OK(), Exists: count > 0}
}

func (n *Node) cmdEnsureIndex(cmd cluster.EnsureIndexCmd) any {
	if err := cmd.Key.Validate(); err != nil {
		return failed(cluster.E(cluster.CodeValidation, "bad index key: %v", err))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, idx := range n.indexes[cmd.EnsureIndex] {
		if idx.Key.Equal(cmd.Key) {
			st := cluster.OK()
			return &st
		}
	}
	n.indexes[cmd.EnsureIndex] = append(n.indexes[cmd.EnsureIndex], catalog.IndexSpec{
		NS:     cmd.EnsureIndex,
		Key:    cmd.Key,
		Unique: cmd.Unique,
		Sparse: cmd.Sparse,
	})
	st := cluster.OK()
	return &st
}

func (n *Node) cmdListIndexes(cmd cluster.ListIndexesCmd) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &cluster.IndexesReply{
		Status:  cluster.OK(),
		Indexes: append([]catalog.IndexSpec(nil), n.indexes[cmd.ListIndexes]...),
	}
}

func (n *Node) cmdOplogLast() *cluster.OplogLastReply {
	return &cluster.OplogLastReply{Status: cluster.OK(), TS: n.oplog.Last()}
}

func (n *Node) cmdOplogTail(cmd cluster.OplogTailCmd) any {
	entries, err := n.oplog.TailSince(cmd.Since)
	if err != nil {
		return failed(cluster.E(cluster.CodeOplogTruncated, "%v (since %s)", err, cmd.Since))
	}
	tip := n.oplog.Last()
	if cmd.Limit > 0 && len(entries) > cmd.Limit {
		entries = entries[:cmd.Limit]
	}
	return &cluster.OplogTailReply{Status: cluster.OK(), Entries: entries, Tip: tip}
}

// record stamps the entry, appends it to the local oplog, and pushes it
// to every follower. Detached members skip recording entirely: their
// data is a frozen snapshot being rewritten by migration, not a
// replicating collection.
func (n *Node) record(ctx context.Context, e oplog.Entry) {
	n.mu.Lock()
	if n.detached {
		n.mu.Unlock()
		return
	}
	members := append([]cluster.MemberCfg(nil), n.config.Members...)
	self := n.self
	n.mu.Unlock()

	e.TS = n.clock.Next()
	n.oplog.Append(e)

	push := cluster.ReplApplyCmd{ReplApply: e}
	for _, m := range members {
		if m.Host == self {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		if err := cluster.RunCommand(cctx, m.Host, push, nil); err != nil {
			n.logf("replication to %s failed: %v", m.Host, err)
		}
		cancel()
	}
}

// cmdReplApply applies one replicated entry from the leader. Detached
// members refuse; their data must stay frozen at the detach point.
func (n *Node) cmdReplApply(cmd cluster.ReplApplyCmd) any {
	n.mu.Lock()
	if n.detached {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeStaleConfig, "member is not part of the group"))
	}
	n.mu.Unlock()

	e := cmd.ReplApply
	if err := n.applyEntry(e); err != nil {
		return failed(err)
	}
	n.clock.Observe(e.TS)
	n.oplog.Append(e)
	st := cluster.OK()
	return &st
}

// applyEntry applies one oplog entry to the local store.
func (n *Node) applyEntry(e oplog.Entry) error {
	switch e.Op {
	case oplog.Insert:
		doc, err := catalog.DecodeDoc(e.O)
		if err != nil {
			return cluster.E(cluster.CodeInternal, "bad oplog insert: %v", err)
		}
		_, err = n.applyInsert(e.NS, doc)
		return err
	case oplog.Update:
		query, err := catalog.DecodeDoc(e.O2)
		if err != nil {
			return cluster.E(cluster.CodeInternal, "bad oplog update selector: %v", err)
		}
		replacement, err := catalog.DecodeDoc(e.O)
		if err != nil {
			return cluster.E(cluster.CodeInternal, "bad oplog update doc: %v", err)
		}
		_, err = n.applyUpdate(e.NS, query, replacement, e.B)
		return err
	case oplog.Delete:
		sel := e.O2
		if len(sel) == 0 {
			sel = e.O
		}
		query, err := catalog.DecodeDoc(sel)
		if err != nil {
			return cluster.E(cluster.CodeInternal, "bad oplog delete selector: %v", err)
		}
		_, err = n.applyDelete(e.NS, query, nil, e.B)
		return err
	default:
		return nil
	}
}

// findFirst returns the store id of the first document matching the
// query, in id order.
func (n *Node) findFirst(ns string, query catalog.Doc) (string, bool, error) {
	// Point lookup when the query pins the primary key.
	if id, okID := query.ID(); okID && len(query) == 1 {
		key := catalog.CanonicalID(id)
		if _, err := n.store.Get(ns, key); err == nil {
			return key, true, nil
		} else if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		} else {
			return "", false, cluster.E(cluster.CodeInternal, "store get: %v", err)
		}
	}

	found := ""
	err := n.store.Scan(ns, func(id string, raw []byte) error {
		if found != "" {
			return nil
		}
		doc, derr := catalog.DecodeDoc(raw)
		if derr != nil {
			return derr
		}
		if matches(doc, query) {
			found = id
		}
		return nil
	})
	if err != nil {
		return "", false, cluster.E(cluster.CodeInternal, "scan: %v", err)
	}
	return found, found != "", nil
}

// matches implements the query subset the system needs: equality per
// field, plus {$gte, $lt} range operators on numeric fields.
func matches(doc, query catalog.Doc) bool {
	for field, want := range query {
		if cond, isOp := want.(map[string]any); isOp {
			if gte, hasGte := cond["$gte"]; hasGte || cond["$lt"] != nil {
				v, okNum := doc.Num(field)
				if !okNum {
					return false
				}
				if hasGte {
					if bound, okB := toFloat(gte); !okB || v < bound {
						return false
					}
				}
				if lt, hasLt := cond["$lt"]; hasLt {
					if bound, okB := toFloat(lt); !okB || v >= bound {
						return false
					}
				}
				continue
			}
		}
		got, ok := doc[field]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
