// Package replnode implements a replica-group member: the process that
// stores one group's slice of every sharded collection, replicates
// writes from its leader, and answers the control operations the
// key-change coordinator drives groups with (membership reconfig,
// step-down, leadership requests, oplog tailing, moveData).
//
// Leadership here is administrative rather than elected: a member
// becomes leader when asked via replSetLeader and relinquishes via
// replSetStepDown, which is exactly the level of control the
// coordinator exercises. Replication is a synchronous best-effort push
// from the leader to every config member; a member removed from the
// config stops receiving pushes, which is what freezes a detached
// replica's data.
//
// One Node serves one member. Daemons run it behind cmd/replnode;
// tests mount Node.Handler on httptest servers and form groups with a
// bootstrap reconfig.
package replnode
