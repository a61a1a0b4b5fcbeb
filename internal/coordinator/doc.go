// Package coordinator is the control-plane daemon's command surface: an
// explicit registry of admin commands (reShardCollection,
// shardCollection, listGroups, getRoutingVersion), the HTTP server
// that dispatches them, and the health monitor that watches the
// cluster's replica-group members.
//
// Commands are registered at start-up by the daemon, not implicitly at
// load time; the registry is plain data and owns nothing.
package coordinator
