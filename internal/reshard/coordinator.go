package reshard

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/configstore"
	"github.com/mghosh4/morphus/internal/repl"
	"github.com/mghosh4/morphus/internal/routing"
)

// Options tune the coordinator's deadlines and retry budget.
type Options struct {
	// StageTimeout bounds each network call in the control stages.
	StageTimeout time.Duration
	// MigrateTimeout bounds each chunk transfer.
	MigrateTimeout time.Duration
	// RetryBudget is how many attempts a transiently failing call gets
	// before the session aborts.
	RetryBudget int
	// RetryBackoff is the pause after NotLeader/RetryLater failures.
	RetryBackoff time.Duration
	// LockRenewEvery is the lease renewal cadence.
	LockRenewEvery time.Duration
	// MaxChunkBytes guards each chunk transfer; zero means the default.
	MaxChunkBytes int64
}

// DefaultOptions are the daemon defaults.
func DefaultOptions() Options {
	return Options{
		StageTimeout:   30 * time.Second,
		MigrateTimeout: 10 * time.Minute,
		RetryBudget:    3,
		RetryBackoff:   500 * time.Millisecond,
		LockRenewEvery: 10 * time.Second,
	}
}

// Report is what a finished session surfaces to the command layer.
type Report struct {
	SessionID    string
	NS           string
	NumChunks    int
	Domain       Domain
	Assignment   []int
	FailedChunks []int
	Replayed     int
	Unrouted     int
	Epoch        catalog.Epoch
	Version      catalog.ChunkVersion
}

// Coordinator drives reShardCollection sessions. One logical thread of
// control per session; stages run in order, fanning out across groups
// inside a stage only.
type Coordinator struct {
	routing  *routing.Manager
	client   *repl.Client
	tailer   *repl.Tailer
	detacher *Detacher
	opts     Options

	// AfterStage, when set, runs after each completed stage. Tests use
	// it to interleave writes with the session and to inject faults;
	// an error from the hook aborts exactly like a stage failure.
	AfterStage func(stage Stage, s *Session) error
}

// NewCoordinator builds a coordinator over the routing manager.
func NewCoordinator(rt *routing.Manager, client *repl.Client, opts Options) *Coordinator {
	return &Coordinator{
		routing:  rt,
		client:   client,
		tailer:   repl.NewTailer(),
		detacher: NewDetacher(client),
		opts:     opts,
	}
}

// Reshard runs one complete shard-key change for ns. On success the
// routing metadata routes by newKey and the report describes what
// moved; on failure routing is untouched (unless the failure was past
// COMMIT, which is roll-forward only) and every loaned replica has
// been returned.
func (c *Coordinator) Reshard(ctx context.Context, ns string, newKey catalog.KeyPattern, unique bool) (*Report, error) {
	s, err := c.validate(ctx, ns, newKey, unique)
	if err != nil {
		return nil, err
	}
	if err := c.hook(StageValidate, s); err != nil {
		return nil, err
	}
	log.Printf("reshard %s: %s from %s to %s across %d groups, %d chunks",
		s.ID, ns, s.OldKey, s.NewKey, len(s.Groups), s.NumChunks)

	// LOCK. The lease is renewed in the background until the session
	// ends; a failed renewal is remembered and checked before COMMIT.
	lease, err := c.routing.AcquireLock(ctx, ns, "reShardCollection")
	if err != nil {
		return nil, err
	}
	var renewLost atomic.Bool
	stopRenew := c.startRenewal(lease, &renewLost)
	defer stopRenew()
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), c.opts.StageTimeout)
		defer cancel()
		_ = c.routing.ReleaseLock(rctx, lease)
	}()
	if err := c.hook(StageLock, s); err != nil {
		return nil, err
	}

	// SNAPSHOT strictly precedes DETACH: the frontier is below every
	// write a detached replica might miss.
	if err := c.snapshot(ctx, s); err != nil {
		return nil, err
	}
	if err := c.hook(StageSnapshot, s); err != nil {
		return nil, err
	}

	if err := c.detacher.DetachAll(ctx, s.Groups); err != nil {
		return nil, err
	}
	abort := func(cause error) (*Report, error) {
		log.Printf("reshard %s: aborting: %v", s.ID, cause)
		rctx, cancel := context.WithTimeout(context.Background(), c.opts.MigrateTimeout)
		defer cancel()
		c.detacher.RejoinAll(rctx, s.Groups, false)
		return nil, cause
	}
	if err := c.hook(StageDetach, s); err != nil {
		return abort(err)
	}

	if err := c.sample(ctx, s); err != nil {
		return abort(err)
	}
	if err := c.hook(StageSample, s); err != nil {
		return abort(err)
	}

	mctx, mcancel := context.WithTimeout(ctx, c.opts.MigrateTimeout)
	err = c.migrate(mctx, s)
	mcancel()
	if err != nil {
		return abort(err)
	}
	if err := c.hook(StageMigrate, s); err != nil {
		return abort(err)
	}

	// COMMIT: the linearization point.
	installed, err := c.commit(ctx, s, lease, &renewLost)
	if err != nil {
		return abort(err)
	}
	s.NewEpoch = installed[0].Version.Epoch
	if err := c.hook(StageCommit, s); err != nil {
		// Too late to roll back; surface but keep going to REJOIN.
		log.Printf("reshard %s: post-commit hook error (continuing): %v", s.ID, err)
	}

	// REJOIN: return the loaned replicas, promoting each (its data is
	// the redistribution result). Failures here are loud but do not
	// undo the committed swap. Replay waits for rejoin because the
	// leaders it writes through are the ones rejoin installs.
	rctx, rcancel := context.WithTimeout(context.Background(), c.opts.MigrateTimeout)
	rejoinErrs := c.detacher.RejoinAll(rctx, s.Groups, true)
	rcancel()
	if err := c.hook(StageRejoin, s); err != nil {
		log.Printf("reshard %s: post-rejoin hook error (continuing): %v", s.ID, err)
	}

	// REPLAY: through the new routing, at the current leaders.
	leaders, err := c.resolveLeaders(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := c.replay(ctx, s, leaders); err != nil {
		return nil, err
	}
	if err := c.hook(StageReplay, s); err != nil {
		log.Printf("reshard %s: post-replay hook error: %v", s.ID, err)
	}

	if len(rejoinErrs) > 0 {
		// The swap is committed and replay ran; a group short one
		// member is an operator problem, not a rollback.
		return nil, rejoinErrs[0]
	}

	// DONE: lock released by the deferred handler; drop cached routing
	// so the next router lookup observes the new epoch.
	c.routing.InvalidateRoutingCache(ns)
	log.Printf("reshard %s: done, epoch %s", s.ID, s.NewEpoch)
	return &Report{
		SessionID:    s.ID,
		NS:           s.NS,
		NumChunks:    s.NumChunks,
		Domain:       s.Domain,
		Assignment:   s.Assignment,
		FailedChunks: s.FailedChunks,
		Replayed:     s.Replayed,
		Unrouted:     s.Unrouted,
		Epoch:        s.NewEpoch,
		Version:      catalog.MaxChunkVersion(installed),
	}, nil
}

func (c *Coordinator) hook(stage Stage, s *Session) error {
	if c.AfterStage == nil {
		return nil
	}
	return c.AfterStage(stage, s)
}

// validate checks every precondition before anything is locked or
// detached: the namespace, the key pattern, that the collection is
// sharded under a different key, and the index constraints an initial
// shard-key assignment would demand.
func (c *Coordinator) validate(ctx context.Context, ns string, newKey catalog.KeyPattern, unique bool) (*Session, error) {
	if err := catalog.ValidateNamespace(ns); err != nil {
		return nil, cluster.E(cluster.CodeValidation, "%v", err)
	}
	if catalog.IsSystemNamespace(ns) {
		return nil, cluster.E(cluster.CodeValidation, "can't shard system namespaces")
	}
	if err := newKey.Validate(); err != nil {
		return nil, cluster.E(cluster.CodeValidation, "%v", err)
	}
	if newKey.IsHashed() {
		if unique {
			return nil, cluster.E(cluster.CodeValidation, "hashed shard keys cannot be declared unique")
		}
		// The assignment algorithm estimates a numeric domain; a
		// hashed key has none.
		return nil, cluster.E(cluster.CodeUnsupportedKey,
			"hashed keys have no numeric domain to redistribute over")
	}

	coll, found, err := c.routing.Collection(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cluster.E(cluster.CodeValidation, "collection %s is not sharded", ns)
	}
	if coll.Key.Equal(newKey) {
		return nil, cluster.E(cluster.CodeValidation, "shard key already in use")
	}

	c.routing.InvalidateRoutingCache(ns)
	cm, err := c.routing.GetChunkManager(ctx, ns)
	if err != nil {
		return nil, err
	}

	s := NewSession(ns, coll.Key, newKey, unique)
	s.NumChunks = cm.NumChunks()
	s.MaxVersion = cm.Version()

	groups, err := c.routing.Store().Groups(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, cluster.E(cluster.CodeValidation, "no shard groups registered")
	}
	for _, g := range groups {
		handle := &GroupHandle{Name: g.Name, Seeds: g.Seeds}
		err := c.withRetry(ctx, func(cctx context.Context) error {
			leader, lerr := c.client.Leader(cctx, handle.Seeds)
			if lerr != nil {
				return lerr
			}
			handle.Leader = leader
			return nil
		})
		if err != nil {
			return nil, cluster.E(cluster.CodeOf(err), "group %s has no reachable leader: %v", g.Name, err)
		}
		s.Groups = append(s.Groups, handle)
	}

	var opts cluster.CollOptionsReply
	if err := cluster.RunCommand(ctx, s.Groups[0].Leader, cluster.CollOptionsCmd{CollOptions: ns}, &opts); err != nil {
		return nil, cluster.E(cluster.CodeOf(err), "reading collection options on %s: %v", s.Groups[0].Leader, err)
	}
	if opts.Capped {
		return nil, cluster.E(cluster.CodeValidation, "can't shard capped collection")
	}

	if err := c.checkIndexes(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// checkIndexes enforces the same index and uniqueness preconditions an
// initial shard-key assignment has, against the first group's leader
// (the database primary):
//
//  1. every unique index must have the proposed key as a prefix
//     (the _id index excepted),
//  2. a useful (non-sparse, key-prefixed) index must exist unless the
//     collection is empty,
//  3. with unique requested, the matching index must itself be unique,
//  4. an empty collection with no useful index gets one created on the
//     primary.
func (c *Coordinator) checkIndexes(ctx context.Context, s *Session) error {
	primary := s.Groups[0].Leader

	var idx cluster.IndexesReply
	if err := cluster.RunCommand(ctx, primary, cluster.ListIndexesCmd{ListIndexes: s.NS}, &idx); err != nil {
		return cluster.E(cluster.CodeOf(err), "listing indexes on %s: %v", primary, err)
	}

	hasUseful := false
	var exact *catalog.IndexSpec
	for i := range idx.Indexes {
		spec := idx.Indexes[i]
		if !catalog.UniqueIndexCompatible(s.NewKey, spec) {
			return cluster.E(cluster.CodeValidation,
				"can't shard collection %s with unique index on %s and proposed shard key %s; uniqueness can't be maintained unless shard key is a prefix",
				s.NS, spec.Key, s.NewKey)
		}
		if !spec.Sparse && s.NewKey.IsPrefixOf(spec.Key) {
			hasUseful = true
		}
		if spec.Key.Equal(s.NewKey) {
			exact = &spec
		}
	}
	if s.Unique && hasUseful {
		if exact == nil || !exact.Unique {
			return cluster.E(cluster.CodeValidation,
				"can't shard collection %s: %s index not unique, and unique index explicitly specified", s.NS, s.NewKey)
		}
	}

	if !hasUseful {
		total := 0
		for _, g := range s.Groups {
			var cnt cluster.CountReply
			if err := cluster.RunCommand(ctx, g.Leader, cluster.CountCmd{Count: s.NS}, &cnt); err != nil {
				return cluster.E(cluster.CodeOf(err), "counting %s on %s: %v", s.NS, g.Leader, err)
			}
			total += cnt.N
		}
		if total != 0 {
			return cluster.E(cluster.CodeValidation,
				"please create an index that starts with the shard key before sharding")
		}
		ensure := cluster.EnsureIndexCmd{EnsureIndex: s.NS, Key: s.NewKey, Unique: s.Unique}
		if err := cluster.RunCommand(ctx, primary, ensure, nil); err != nil {
			return cluster.E(cluster.CodeOf(err), "ensureIndex failed to create index on primary shard: %v", err)
		}
	}
	return nil
}

// snapshot records each group leader's oplog frontier concurrently.
func (c *Coordinator) snapshot(ctx context.Context, s *Session) error {
	var wg sync.WaitGroup
	errs := make([]error, len(s.Groups))
	for i, g := range s.Groups {
		wg.Add(1)
		go func(i int, g *GroupHandle) {
			defer wg.Done()
			errs[i] = c.withRetry(ctx, func(cctx context.Context) error {
				frontier, err := c.tailer.SnapshotFrontier(cctx, g.Leader)
				if err != nil {
					return err
				}
				g.Frontier = frontier
				return nil
			})
		}(i, g)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return cluster.E(cluster.CodeOf(err), "snapshotting frontier of %s: %v", s.Groups[i].Name, err)
		}
	}
	return nil
}

// commit swaps the routing metadata under the lease. When the lease
// renewal failed along the way, the swap may or may not have applied;
// routing is re-read to decide whether to roll forward.
func (c *Coordinator) commit(ctx context.Context, s *Session, lease *configstore.Lease, renewLost *atomic.Bool) ([]catalog.Chunk, error) {
	if renewLost.Load() {
		return c.resolveLostLease(ctx, s)
	}

	maxVersion, err := c.routing.ReadMaxVersion(ctx, s.NS)
	if err != nil {
		return nil, err
	}
	s.MaxVersion = maxVersion

	newChunks := make([]catalog.Chunk, s.NumChunks)
	for i := 0; i < s.NumChunks; i++ {
		min, max := s.ChunkBounds(i)
		newChunks[i] = catalog.Chunk{
			NS:    s.NS,
			Min:   min,
			Max:   max,
			Group: s.Groups[s.Assignment[i]].Name,
		}
	}

	installed, err := c.routing.SwapChunks(ctx, s.NS, s.NewKey, newChunks, lease)
	if err != nil {
		if cluster.IsCode(err, cluster.CodeLeaseLost) {
			return c.resolveLostLease(ctx, s)
		}
		return nil, err
	}
	return installed, nil
}

// resolveLostLease decides what a lost lease means for the commit: the
// swap either landed before the lease died (the collection now carries
// the new key, so roll forward) or it never applied (surface LeaseLost).
func (c *Coordinator) resolveLostLease(ctx context.Context, s *Session) ([]catalog.Chunk, error) {
	coll, found, err := c.routing.Collection(ctx, s.NS)
	if err == nil && found && coll.Key.Equal(s.NewKey) {
		log.Printf("reshard %s: lease lost but swap landed; rolling forward", s.ID)
		chunks, cerr := c.routing.Store().Chunks(ctx, s.NS)
		if cerr != nil {
			return nil, cerr
		}
		return chunks, nil
	}
	return nil, cluster.E(cluster.CodeLeaseLost,
		"lost the metadata lock before commit for %s; routing is unchanged", s.NS)
}

// startRenewal renews the lease on a cadence until stopped, flagging
// the session when a renewal fails.
func (c *Coordinator) startRenewal(lease *configstore.Lease, lost *atomic.Bool) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		every := c.opts.LockRenewEvery
		if every <= 0 {
			every = 10 * time.Second
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rctx, cancel := context.WithTimeout(context.Background(), c.opts.StageTimeout)
				err := c.routing.RenewLock(rctx, lease)
				cancel()
				if err != nil {
					log.Printf("reshard: lease renewal failed: %v", err)
					lost.Store(true)
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// withRetry runs op under the stage timeout, retrying transient
// failures (Unreachable, Timeout) up to the budget and backing off on
// NotLeader/RetryLater/NotReady. Any other failure stops immediately.
func (c *Coordinator) withRetry(ctx context.Context, op func(context.Context) error) error {
	budget := c.opts.RetryBudget
	if budget < 1 {
		budget = 1
	}
	var err error
	for attempt := 0; attempt < budget; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
		err = op(cctx)
		cancel()
		if err == nil {
			return nil
		}
		switch {
		case cluster.IsCode(err, cluster.CodeUnreachable) || cluster.IsCode(err, cluster.CodeTimeout):
			// retry immediately
		case cluster.IsCode(err, cluster.CodeNotLeader) || cluster.IsCode(err, cluster.CodeRetryLater) ||
			cluster.IsCode(err, cluster.CodeNotReady):
			select {
			case <-time.After(c.opts.RetryBackoff):
			case <-ctx.Done():
				return err
			}
		default:
			return err
		}
	}
	return err
}
