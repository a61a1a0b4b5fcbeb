package replnode

import (
	"context"
	"time"

	"github.com/mghosh4/morphus/internal/cluster"
)

func (n *Node) cmdIsMaster() *cluster.IsMasterReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	reply := &cluster.IsMasterReply{
		Status:        cluster.OK(),
		IsMaster:      n.leader != "" && n.leader == n.self,
		SetName:       n.setName,
		Primary:       n.leader,
		ConfigVersion: n.config.Version,
	}
	for _, m := range n.config.Members {
		reply.Hosts = append(reply.Hosts, m.Host)
	}
	return reply
}

func (n *Node) cmdHeartbeat() *cluster.HeartbeatReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &cluster.HeartbeatReply{
		Status:  cluster.OK(),
		Version: n.config.Version,
		Applied: n.oplog.Last(),
		RBID:    n.rbid,
		Leader:  n.leader,
	}
}

func (n *Node) cmdGetStatus() *cluster.ReplStatusReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	state := cluster.StateSecondary
	switch {
	case n.detached:
		state = cluster.StateRemoved
	case n.config.Version == 0:
		state = cluster.StateStartup
	case n.leader != "" && n.leader == n.self:
		state = cluster.StatePrimary
	}
	return &cluster.ReplStatusReply{
		Status:        cluster.OK(),
		SetName:       n.setName,
		Self:          n.self,
		State:         state,
		Applied:       n.oplog.Last(),
		RBID:          n.rbid,
		ConfigVersion: n.config.Version,
		Leader:        n.leader,
	}
}

func (n *Node) cmdGetRBID() *cluster.RBIDReply {
	return &cluster.RBIDReply{Status: cluster.OK(), RBID: n.rbid}
}

func (n *Node) cmdGetIdentifier() *cluster.IdentifierReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	reply := &cluster.IdentifierReply{Status: cluster.OK()}
	for _, m := range n.config.Members {
		reply.Hosts = append(reply.Hosts, m.Host)
		reply.IDs = append(reply.IDs, m.ID)
	}
	return reply
}

// cmdReconfig replaces the member's configuration. Idempotent by
// version: a config at or below the current version is acknowledged
// without effect. Without force it must be addressed to the leader,
// which then pushes the new config to every affected member.
func (n *Node) cmdReconfig(ctx context.Context, cmd cluster.ReconfigCmd) any {
	n.mu.Lock()
	if !cmd.Force && !(n.config.Version == 0 || (n.leader != "" && n.leader == n.self)) {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeNotLeader,
			"replSetReconfig command must be sent to the current replica set primary"))
	}
	if cmd.ReplSetReconfig.Version <= n.config.Version {
		n.mu.Unlock()
		st := cluster.OK()
		return &st
	}

	oldMembers := n.config.Members
	wasLeader := n.leader != "" && n.leader == n.self
	n.applyConfigLocked(cmd.ReplSetReconfig)
	propagate := !cmd.Force
	self := n.self
	cfg := n.config
	n.mu.Unlock()

	n.logf("reconfig to version %d with %d members", cfg.Version, len(cfg.Members))

	// A leader that accepted a plain reconfig pushes it (as a forced
	// config) to every member of the union of old and new membership,
	// so removed members learn their removal too.
	if propagate && wasLeader {
		targets := make(map[cluster.Endpoint]struct{})
		for _, m := range oldMembers {
			targets[m.Host] = struct{}{}
		}
		for _, m := range cfg.Members {
			targets[m.Host] = struct{}{}
		}
		delete(targets, self)
		push := cluster.ReconfigCmd{ReplSetReconfig: cfg, Force: true}
		for ep := range targets {
			cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
			if err := cluster.RunCommand(cctx, ep, push, nil); err != nil {
				n.logf("reconfig push to %s failed: %v", ep, err)
			}
			cancel()
		}
	}

	st := cluster.OK()
	return &st
}

// applyConfigLocked installs a config that already passed the version
// check. Removal from the member list detaches this member and freezes
// its data, because the leader stops replicating to non-members.
func (n *Node) applyConfigLocked(cfg cluster.ReplConfig) {
	n.config = cfg
	if !cfg.HasMember(n.self) {
		n.detached = true
		n.leader = ""
		return
	}
	n.detached = false
	if n.leader != "" && !cfg.HasMember(n.leader) {
		n.leader = ""
	}
}

// cmdStepDown relinquishes leadership and freezes this member for the
// requested period. Without force it refuses when no follower's
// applied optime is within the freshness window of the leader's.
func (n *Node) cmdStepDown(ctx context.Context, cmd cluster.StepDownCmd) any {
	n.mu.Lock()
	if n.leader == "" || n.leader != n.self {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeNotLeader, "not primary so can't step down"))
	}
	members := append([]cluster.MemberCfg(nil), n.config.Members...)
	self := n.self
	lastOp := int64(n.oplog.Last().Secs)
	n.mu.Unlock()

	reply := &cluster.StepDownReply{Status: cluster.OK()}
	if !cmd.Force {
		closest := int64(-1)
		for _, m := range members {
			if m.Host == self {
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
			var hb cluster.HeartbeatReply
			err := cluster.RunCommand(cctx, m.Host, cluster.HeartbeatCmd{Heartbeat: 1}, &hb)
			cancel()
			if err != nil {
				continue
			}
			if int64(hb.Applied.Secs) > closest {
				closest = int64(hb.Applied.Secs)
			}
		}
		diff := lastOp - closest
		reply.Closest = closest
		reply.Difference = diff
		if diff < 0 {
			return failed(cluster.E(cluster.CodeUnsafe, "someone is ahead of the primary?"))
		}
		if diff > stepDownFreshness {
			return failed(cluster.E(cluster.CodeUnsafe,
				"no secondaries within %d seconds of my optime", stepDownFreshness))
		}
	}

	secs := cmd.ReplSetStepDown
	if secs == 0 {
		secs = defaultStepDownSecs
	}
	n.stepDownLocal(secs)
	n.broadcastLeader(ctx, "")
	return reply
}

// stepDownLocal drops leadership and freezes candidacy for secs.
func (n *Node) stepDownLocal(secs int) {
	n.mu.Lock()
	if n.leader == n.self {
		n.leader = ""
	}
	n.freezeUntil = time.Now().Add(time.Duration(secs) * time.Second)
	n.mu.Unlock()
	n.logf("stepped down, frozen for %ds", secs)
}

func (n *Node) cmdFreeze(cmd cluster.FreezeCmd) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cmd.ReplSetFreeze == 0 {
		n.freezeUntil = time.Time{}
	} else {
		n.freezeUntil = time.Now().Add(time.Duration(cmd.ReplSetFreeze) * time.Second)
	}
	st := cluster.OK()
	return &st
}

// cmdLeader makes this member the group leader and notifies peers.
// Frozen members refuse; overlapping elections on the same member
// retry later.
func (n *Node) cmdLeader(ctx context.Context, cmd cluster.LeaderCmd) any {
	n.mu.Lock()
	if n.detached || n.config.Version == 0 {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeNotReady, "member has no active configuration"))
	}
	if time.Now().Before(n.freezeUntil) {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeRejected, "member is frozen and cannot seek leadership"))
	}
	if n.electing {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeRetryLater, "an election is already in progress"))
	}
	n.electing = true
	n.leader = n.self
	n.mu.Unlock()

	n.logf("assumed leadership")
	n.broadcastLeader(ctx, n.Self())

	n.mu.Lock()
	n.electing = false
	n.mu.Unlock()
	st := cluster.OK()
	return &st
}

// broadcastLeader tells every other member who the leader now is (empty
// means none). Best effort; heartbeats self-correct stale views.
func (n *Node) broadcastLeader(ctx context.Context, leader cluster.Endpoint) {
	n.mu.Lock()
	members := append([]cluster.MemberCfg(nil), n.config.Members...)
	self := n.self
	version := n.config.Version
	n.mu.Unlock()

	notify := cluster.NotifyLeaderCmd{ReplSetNotifyLeader: leader, ConfigVersion: version}
	for _, m := range members {
		if m.Host == self {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		if err := cluster.RunCommand(cctx, m.Host, notify, nil); err != nil {
			n.logf("leader notify to %s failed: %v", m.Host, err)
		}
		cancel()
	}
}

func (n *Node) cmdNotifyLeader(cmd cluster.NotifyLeaderCmd) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cmd.ConfigVersion >= n.config.Version {
		n.leader = cmd.ReplSetNotifyLeader
	}
	st := cluster.OK()
	return &st
}

// cmdAdd adds a host to the group. The new config version outruns every
// peer's: the leader heartbeats all members, takes the max of their
// versions and its own, and increments. With Primary set, the new
// member gets priority one above the current maximum, the leader steps
// down for 120 seconds, and leadership is requested on the new member.
func (n *Node) cmdAdd(ctx context.Context, cmd cluster.AddCmd) any {
	n.mu.Lock()
	if n.leader == "" || n.leader != n.self {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeNotLeader, "replSetAdd must be sent to the primary"))
	}
	cfg := n.config
	self := n.self
	n.mu.Unlock()

	if cfg.HasMember(cmd.ReplSetAdd) {
		st := cluster.OK()
		return &st
	}

	version := n.outversionPeers(ctx, cfg)
	maxPr := cfg.MaxPriority()

	newCfg := cluster.ReplConfig{Name: cfg.Name, Version: version, Members: append([]cluster.MemberCfg(nil), cfg.Members...)}
	added := cluster.MemberCfg{Host: cmd.ReplSetAdd, ID: cmd.ID}
	if added.ID == 0 {
		added.ID = cfg.MaxMemberID() + 1
	}
	if cmd.Primary {
		added.Priority = maxPr + 1
	}
	newCfg.Members = append(newCfg.Members, added)

	n.mu.Lock()
	n.applyConfigLocked(newCfg)
	n.mu.Unlock()
	n.logf("added member %s (version %d, primary=%v)", cmd.ReplSetAdd, version, cmd.Primary)

	// Push the new config to the old members and to the added host.
	push := cluster.ReconfigCmd{ReplSetReconfig: newCfg, Force: true}
	for _, m := range newCfg.Members {
		if m.Host == self {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		if err := cluster.RunCommand(cctx, m.Host, push, nil); err != nil {
			n.logf("config push to %s failed: %v", m.Host, err)
		}
		cancel()
	}

	if cmd.Primary {
		n.stepDownLocal(120)
		n.broadcastLeader(ctx, "")
		cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		defer cancel()
		lead := cluster.LeaderCmd{ReplSetLeader: 1, Priority: maxPr + 1}
		if err := cluster.RunCommand(cctx, cmd.ReplSetAdd, lead, nil); err != nil {
			return failed(cluster.E(cluster.CodeOf(err),
				"added %s but leadership transfer failed: %v", cmd.ReplSetAdd, err))
		}
	}

	st := cluster.OK()
	return &st
}

// cmdRemove removes a host from the group, out-versioning peers the
// same way cmdAdd does. The removed host receives the new config too,
// which is what tells it to stop accepting replicated writes.
func (n *Node) cmdRemove(ctx context.Context, cmd cluster.RemoveCmd) any {
	n.mu.Lock()
	if n.leader == "" || n.leader != n.self {
		n.mu.Unlock()
		return failed(cluster.E(cluster.CodeNotLeader, "replSetRemove must be sent to the primary"))
	}
	cfg := n.config
	self := n.self
	n.mu.Unlock()

	if cmd.ReplSetRemove == self {
		return failed(cluster.E(cluster.CodeValidation, "cannot remove the primary from its own group"))
	}
	if !cfg.HasMember(cmd.ReplSetRemove) {
		st := cluster.OK()
		return &st
	}

	version := n.outversionPeers(ctx, cfg)
	newCfg := cluster.ReplConfig{Name: cfg.Name, Version: version}
	for _, m := range cfg.Members {
		if m.Host == cmd.ReplSetRemove {
			continue
		}
		newCfg.Members = append(newCfg.Members, m)
	}

	n.mu.Lock()
	n.applyConfigLocked(newCfg)
	n.mu.Unlock()
	n.logf("removed member %s (version %d)", cmd.ReplSetRemove, version)

	push := cluster.ReconfigCmd{ReplSetReconfig: newCfg, Force: true}
	for _, m := range cfg.Members {
		if m.Host == self {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		if err := cluster.RunCommand(cctx, m.Host, push, nil); err != nil {
			n.logf("config push to %s failed: %v", m.Host, err)
		}
		cancel()
	}

	st := cluster.OK()
	return &st
}

// outversionPeers returns a config version greater than this member's
// and every reachable peer's. A peer reporting a higher version than
// ours silently advances the baseline rather than aborting; the
// reconfig stays idempotent by version either way.
func (n *Node) outversionPeers(ctx context.Context, cfg cluster.ReplConfig) int {
	version := cfg.Version
	for _, m := range cfg.Members {
		if m.Host == n.Self() {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		var hb cluster.HeartbeatReply
		err := cluster.RunCommand(cctx, m.Host, cluster.HeartbeatCmd{Heartbeat: 1}, &hb)
		cancel()
		if err != nil {
			n.logf("heartbeat to %s failed: %v", m.Host, err)
			continue
		}
		if hb.Version > version {
			version = hb.Version
		}
	}
	return version + 1
}
