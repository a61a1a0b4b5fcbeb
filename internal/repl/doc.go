// Package repl is the client side of the replica-group control surface:
// typed wrappers over the member command documents (leadership,
// membership, heartbeats) plus the oplog tailer the key-change
// coordinator captures writes with.
//
// The client is stateless; every call names the member endpoint it is
// addressed to, and error codes from the member surface unchanged so
// callers can classify NotLeader, Unsafe, RetryLater, and friends with
// cluster.IsCode.
package repl
