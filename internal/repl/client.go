package repl

import (
	"context"

	"github.com/mghosh4/morphus/internal/cluster"
)

// Client issues control operations to replica-group members.
type Client struct{}

// NewClient builds a replica-group client.
func NewClient() *Client {
	return &Client{}
}

// IsLeader asks a member who leads its group and who the members are.
func (c *Client) IsLeader(ctx context.Context, ep cluster.Endpoint) (cluster.IsMasterReply, error) {
	var reply cluster.IsMasterReply
	err := cluster.RunCommand(ctx, ep, cluster.IsMasterCmd{IsMaster: 1}, &reply)
	return reply, err
}

// Leader resolves the group leader reachable through any seed of the
// group. Fails with NotReady when no seed reports a leader.
func (c *Client) Leader(ctx context.Context, seeds []cluster.Endpoint) (cluster.Endpoint, error) {
	var lastErr error
	for _, ep := range seeds {
		reply, err := c.IsLeader(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Primary != "" {
			return reply.Primary, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", cluster.E(cluster.CodeNotReady, "no member reports a leader")
}

// StepDown asks the leader at ep to relinquish leadership and freeze
// for freezeSeconds. Without force the leader refuses when no follower
// is within its freshness window.
func (c *Client) StepDown(ctx context.Context, ep cluster.Endpoint, freezeSeconds int, force bool) error {
	return cluster.RunCommand(ctx, ep, cluster.StepDownCmd{ReplSetStepDown: freezeSeconds, Force: force}, nil)
}

// RequestLeadership asks the member at ep to become its group's leader.
func (c *Client) RequestLeadership(ctx context.Context, ep cluster.Endpoint, minPriority float64) error {
	return cluster.RunCommand(ctx, ep, cluster.LeaderCmd{ReplSetLeader: 1, Priority: minPriority}, nil)
}

// Reconfig replaces the group's member list. The new config's version
// must advance past every member's; force permits pushing to a
// non-leader.
func (c *Client) Reconfig(ctx context.Context, ep cluster.Endpoint, cfg cluster.ReplConfig, force bool) error {
	return cluster.RunCommand(ctx, ep, cluster.ReconfigCmd{ReplSetReconfig: cfg, Force: force}, nil)
}

// AddMember asks the group leader to add host. With wantPrimary the
// member is added at priority one above the current maximum and ends
// up leading the group. The member id is allocated past the group's
// current maximum.
func (c *Client) AddMember(ctx context.Context, leader cluster.Endpoint, host cluster.Endpoint, wantPrimary bool) error {
	var ident cluster.IdentifierReply
	if err := cluster.RunCommand(ctx, leader, cluster.GetIdentifierCmd{GetIdentifier: 1}, &ident); err != nil {
		return err
	}
	nextID := 1
	for _, id := range ident.IDs {
		if id >= nextID {
			nextID = id + 1
		}
	}
	return cluster.RunCommand(ctx, leader, cluster.AddCmd{ReplSetAdd: host, Primary: wantPrimary, ID: nextID}, nil)
}

// RemoveMember asks the group leader to remove host.
func (c *Client) RemoveMember(ctx context.Context, leader cluster.Endpoint, host cluster.Endpoint) error {
	return cluster.RunCommand(ctx, leader, cluster.RemoveCmd{ReplSetRemove: host}, nil)
}

// Status fetches a member's replica-set status: role, applied optime,
// rollback id, and config version in one probe.
func (c *Client) Status(ctx context.Context, ep cluster.Endpoint) (cluster.ReplStatusReply, error) {
	var reply cluster.ReplStatusReply
	err := cluster.RunCommand(ctx, ep, cluster.GetStatusCmd{ReplSetGetStatus: 1}, &reply)
	return reply, err
}

// Heartbeat probes a member for its config version, applied optime,
// rollback id, and leader view.
func (c *Client) Heartbeat(ctx context.Context, ep cluster.Endpoint) (cluster.HeartbeatReply, error) {
	var reply cluster.HeartbeatReply
	err := cluster.RunCommand(ctx, ep, cluster.HeartbeatCmd{Heartbeat: 1}, &reply)
	return reply, err
}

// GetRBID fetches a member's rollback generation id.
func (c *Client) GetRBID(ctx context.Context, ep cluster.Endpoint) (int, error) {
	var reply cluster.RBIDReply
	if err := cluster.RunCommand(ctx, ep, cluster.GetRBIDCmd{ReplSetGetRBID: 1}, &reply); err != nil {
		return 0, err
	}
	return reply.RBID, nil
}

// Freeze suppresses a member's candidacy for secs; zero unfreezes.
func (c *Client) Freeze(ctx context.Context, ep cluster.Endpoint, secs int) error {
	return cluster.RunCommand(ctx, ep, cluster.FreezeCmd{ReplSetFreeze: secs}, nil)
}
