// Package configstore persists the cluster-wide routing metadata: the
// chunk table per collection, the sharded-collection records, the
// shard-group directory, and the distributed lock that serializes
// metadata mutations.
//
// Two backends implement the Store interface. The in-memory store
// serves tests and single-process clusters. The etcd store keeps chunk
// records under a generation prefix and flips a single marker key
// last, so a reader never observes a half-replaced table even though
// etcd transactions are bounded in size; its lock is an etcd lease
// plus a create-if-absent key, renewed by the lease holder.
package configstore
