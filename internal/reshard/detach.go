package reshard

import (
	"context"
	"log"
	"sync"

	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/repl"
)

// Detacher loans one follower out of each shard group and returns it
// afterwards.
type Detacher struct {
	client *repl.Client
}

// NewDetacher builds a detacher over the replica-group client.
func NewDetacher(client *repl.Client) *Detacher {
	return &Detacher{client: client}
}

// SelectCandidate picks the follower to detach from a group: a healthy
// non-leader whose rollback id is stable across the scan, preferring
// the most lagged applied optime so the freshest followers keep
// serving reads. Fails with NotReady when the group has no follower to
// spare.
func (d *Detacher) SelectCandidate(ctx context.Context, g *GroupHandle) (cluster.Endpoint, error) {
	im, err := d.client.IsLeader(ctx, g.Leader)
	if err != nil {
		return "", err
	}

	type candidate struct {
		ep      cluster.Endpoint
		applied uint64
		rbid    int
	}
	var candidates []candidate
	for _, host := range im.Hosts {
		if host == im.Primary {
			continue
		}
		st, err := d.client.Status(ctx, host)
		if err != nil {
			log.Printf("reshard: detach candidate %s unhealthy: %v", host, err)
			continue
		}
		if st.State != cluster.StateSecondary {
			log.Printf("reshard: detach candidate %s skipped, state %s", host, st.State)
			continue
		}
		candidates = append(candidates, candidate{
			ep:      host,
			applied: uint64(st.Applied.Secs)<<32 | uint64(st.Applied.Counter),
			rbid:    st.RBID,
		})
	}
	if len(candidates) == 0 {
		return "", cluster.E(cluster.CodeNotReady, "group %s has no healthy follower to detach", g.Name)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.applied < best.applied {
			best = c
		}
	}

	// The rollback id must not have moved while we scanned; a rollback
	// mid-selection means the member's data is being rewritten.
	rbid, err := d.client.GetRBID(ctx, best.ep)
	if err != nil {
		return "", err
	}
	if rbid != best.rbid {
		return "", cluster.E(cluster.CodeRetryLater,
			"rollback id on %s changed during candidate scan", best.ep)
	}
	return best.ep, nil
}

// DetachAll removes one follower from every group concurrently. On any
// failure the already-detached replicas are rejoined before the error
// surfaces, so a failed session never leaves a group short a member.
func (d *Detacher) DetachAll(ctx context.Context, groups []*GroupHandle) error {
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *GroupHandle) {
			defer wg.Done()
			errs[i] = d.detachOne(ctx, g)
		}(i, g)
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			continue
		}
		d.RejoinAll(ctx, groups, false)
		return err
	}
	return nil
}

func (d *Detacher) detachOne(ctx context.Context, g *GroupHandle) error {
	candidate, err := d.SelectCandidate(ctx, g)
	if err != nil {
		return err
	}
	if err := d.client.RemoveMember(ctx, g.Leader, candidate); err != nil {
		return err
	}
	g.Detached = candidate
	log.Printf("reshard: detached %s from group %s", candidate, g.Name)
	return nil
}

// RejoinAll returns every loaned replica to its group. With wantPrimary
// the rejoined replica is promoted (its data is the freshest after a
// committed migration) and the member-side add steps the old leader
// down for 120 seconds; without it, membership is restored and the
// leadership left alone, which is what an abort wants.
//
// Rejoin failures are loud but terminal for this path only: completed
// data redistribution is never undone, and an operator can re-add the
// member manually.
func (d *Detacher) RejoinAll(ctx context.Context, groups []*GroupHandle, wantPrimary bool) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		if g.Detached == "" {
			continue
		}
		wg.Add(1)
		go func(i int, g *GroupHandle) {
			defer wg.Done()
			if err := d.client.AddMember(ctx, g.Leader, g.Detached, wantPrimary); err != nil {
				log.Printf("reshard: REJOIN FAILED for %s in group %s: %v (re-add manually)", g.Detached, g.Name, err)
				errs[i] = cluster.E(cluster.CodeOf(err), "rejoin of %s to %s failed: %v", g.Detached, g.Name, err)
				return
			}
			g.Detached = ""
		}(i, g)
	}
	wg.Wait()

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
