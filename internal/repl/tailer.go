package repl

import (
	"context"

	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/oplog"
)

// tailBatch is how many entries one oplogTail round fetches.
const tailBatch = 256

// Tailer captures a leader's oplog: it snapshots the frontier before a
// replica detaches, and later streams everything at or after it.
type Tailer struct{}

// NewTailer builds a tailer.
func NewTailer() *Tailer {
	return &Tailer{}
}

// SnapshotFrontier returns the most recent optime in the leader's
// oplog, the fence below which nothing needs recapturing.
func (t *Tailer) SnapshotFrontier(ctx context.Context, leader cluster.Endpoint) (oplog.OpTime, error) {
	var reply cluster.OplogLastReply
	if err := cluster.RunCommand(ctx, leader, cluster.OplogLastCmd{OplogLast: 1}, &reply); err != nil {
		return oplog.OpTime{}, err
	}
	return reply.TS, nil
}

// TailFrom opens a finite, non-restartable sequence of oplog entries
// with TS >= since, in the member's oplog order, bounded by the oplog
// tip at the time of this call. Fails with OplogTruncated when since
// predates the member's truncation point.
func (t *Tailer) TailFrom(ctx context.Context, leader cluster.Endpoint, since oplog.OpTime) (*Cursor, error) {
	cur := &Cursor{leader: leader, next: since}
	if err := cur.fetch(ctx); err != nil {
		return nil, err
	}
	return cur, nil
}

// Cursor walks a bounded oplog tail batch by batch. Entries are
// delivered in optime order and never skipped: a batch boundary
// resumes immediately after the last delivered entry, and a truncation
// racing the cursor surfaces as OplogTruncated rather than a gap.
type Cursor struct {
	leader cluster.Endpoint
	next   oplog.OpTime
	tip    oplog.OpTime
	tipSet bool
	buf    []oplog.Entry
	pos    int
	done   bool
}

func (c *Cursor) fetch(ctx context.Context) error {
	var reply cluster.OplogTailReply
	cmd := cluster.OplogTailCmd{OplogTail: 1, Since: c.next, Limit: tailBatch}
	if err := cluster.RunCommand(ctx, c.leader, cmd, &reply); err != nil {
		return err
	}
	if !c.tipSet {
		// The tip at open time bounds the whole sequence; entries the
		// member writes afterwards belong to the next capture.
		c.tip = reply.Tip
		c.tipSet = true
	}
	c.buf = c.buf[:0]
	for _, e := range reply.Entries {
		if c.tip.Less(e.TS) {
			c.done = true
			break
		}
		c.buf = append(c.buf, e)
	}
	c.pos = 0
	if len(reply.Entries) < tailBatch {
		c.done = true
	}
	if len(c.buf) > 0 {
		last := c.buf[len(c.buf)-1].TS
		c.next = oplog.OpTime{Secs: last.Secs, Counter: last.Counter + 1}
	}
	return nil
}

// Next returns the next entry, or ok=false when the sequence is
// exhausted. The sequence cannot be restarted once consumed.
func (c *Cursor) Next(ctx context.Context) (oplog.Entry, bool, error) {
	for {
		if c.pos < len(c.buf) {
			e := c.buf[c.pos]
			c.pos++
			return e, true, nil
		}
		if c.done {
			return oplog.Entry{}, false, nil
		}
		if err := c.fetch(ctx); err != nil {
			return oplog.Entry{}, false, err
		}
	}
}

// Drain consumes the rest of the sequence into a slice.
func (c *Cursor) Drain(ctx context.Context) ([]oplog.Entry, error) {
	var out []oplog.Entry
	for {
		e, ok, err := c.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}
