package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
)

const etcdPrefix = "morphus/"

// EtcdStore keeps the routing metadata in an etcd cluster.
//
// Layout:
//
//	morphus/locks/<ns>-reShardCollection      lock key, bound to a lease
//	morphus/collections/<ns>                  collection record
//	morphus/chunks/<ns>/current               marker: active generation id
//	morphus/chunks/<ns>/<gen>/<i>             chunk record i of generation
//	morphus/groups/<name>                     group directory record
//
// A swap writes the whole new generation beside the old one and then
// flips the marker in a transaction that also verifies the lock key is
// still bound to the caller's lease, so the flip is the single point a
// reader's view changes and a lost lease can never commit.
type EtcdStore struct {
	cli *clientv3.Client
}

// NewEtcdStore connects to the etcd endpoints.
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdStore{cli: cli}, nil
}

func (s *EtcdStore) lockKeyFor(ns string) string {
	return etcdPrefix + "locks/" + lockKey(ns)
}

func (s *EtcdStore) AcquireLock(ctx context.Context, ns, reason string, ttl time.Duration) (*Lease, error) {
	grant, err := s.cli.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return nil, cluster.E(cluster.CodeUnreachable, "etcd lease grant: %v", err)
	}
	key := s.lockKeyFor(ns)
	val := reason + "/" + uuid.NewString()
	txn, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, val, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		return nil, cluster.E(cluster.CodeUnreachable, "etcd lock txn: %v", err)
	}
	if !txn.Succeeded {
		// Best effort: don't leak the unused lease.
		_, _ = s.cli.Revoke(ctx, grant.ID)
		return nil, cluster.E(cluster.CodeLockBusy, "the collection metadata could not be locked for %s", ns)
	}
	return &Lease{
		ID:      fmt.Sprintf("%x", int64(grant.ID)),
		NS:      ns,
		Reason:  reason,
		TTL:     ttl,
		Expires: time.Now().Add(ttl),
	}, nil
}

func (s *EtcdStore) leaseID(lease *Lease) (clientv3.LeaseID, error) {
	var id int64
	if _, err := fmt.Sscanf(lease.ID, "%x", &id); err != nil {
		return 0, cluster.E(cluster.CodeInternal, "bad lease id %q", lease.ID)
	}
	return clientv3.LeaseID(id), nil
}

func (s *EtcdStore) RenewLock(ctx context.Context, lease *Lease) error {
	id, err := s.leaseID(lease)
	if err != nil {
		return err
	}
	resp, err := s.cli.KeepAliveOnce(ctx, id)
	if err != nil {
		return cluster.E(cluster.CodeLeaseLost, "lease renewal on %s: %v", lease.NS, err)
	}
	lease.Expires = time.Now().Add(time.Duration(resp.TTL) * time.Second)
	return nil
}

func (s *EtcdStore) ReleaseLock(ctx context.Context, lease *Lease) error {
	id, err := s.leaseID(lease)
	if err != nil {
		return err
	}
	// Revoking the lease deletes the lock key with it.
	_, _ = s.cli.Revoke(ctx, id)
	return nil
}

func (s *EtcdStore) currentGen(ctx context.Context, ns string) (string, error) {
	resp, err := s.cli.Get(ctx, etcdPrefix+"chunks/"+ns+"/current")
	if err != nil {
		return "", cluster.E(cluster.CodeUnreachable, "etcd get marker: %v", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (s *EtcdStore) Chunks(ctx context.Context, ns string) ([]catalog.Chunk, error) {
	gen, err := s.currentGen(ctx, ns)
	if err != nil {
		return nil, err
	}
	if gen == "" {
		return nil, nil
	}
	prefix := etcdPrefix + "chunks/" + ns + "/" + gen + "/"
	resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, cluster.E(cluster.CodeUnreachable, "etcd get chunks: %v", err)
	}
	out := make([]catalog.Chunk, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var c catalog.Chunk
		if err := json.Unmarshal(kv.Value, &c); err != nil {
			return nil, cluster.E(cluster.CodeRoutingInconsistent, "bad chunk record %s: %v", kv.Key, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Min.Compare(out[j].Min) < 0 })
	return out, nil
}

func (s *EtcdStore) SwapChunks(ctx context.Context, ns string, coll catalog.Collection, chunks []catalog.Chunk, lease *Lease) error {
	if err := catalog.ValidatePartition(chunks); err != nil {
		return cluster.E(cluster.CodeRoutingInconsistent, "refusing chunk swap: %v", err)
	}
	id, err := s.leaseID(lease)
	if err != nil {
		return err
	}

	// Stage the new generation beside the current one.
	gen := uuid.NewString()
	prefix := etcdPrefix + "chunks/" + ns + "/" + gen + "/"
	for i, c := range chunks {
		raw, err := json.Marshal(c)
		if err != nil {
			return cluster.E(cluster.CodeInternal, "marshal chunk: %v", err)
		}
		if _, err := s.cli.Put(ctx, fmt.Sprintf("%s%06d", prefix, i), string(raw)); err != nil {
			return cluster.E(cluster.CodeUnreachable, "etcd stage chunk: %v", err)
		}
	}
	collRaw, err := json.Marshal(coll)
	if err != nil {
		return cluster.E(cluster.CodeInternal, "marshal collection: %v", err)
	}

	// Flip the marker only while the lock key is still bound to our
	// lease; otherwise the lease was lost and nothing becomes visible.
	lockK := s.lockKeyFor(ns)
	txn, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(lockK), "=", id)).
		Then(
			clientv3.OpPut(etcdPrefix+"chunks/"+ns+"/current", gen),
			clientv3.OpPut(etcdPrefix+"collections/"+ns, string(collRaw)),
		).
		Commit()
	if err != nil {
		return cluster.E(cluster.CodeUnreachable, "etcd swap txn: %v", err)
	}
	if !txn.Succeeded {
		return cluster.E(cluster.CodeLeaseLost, "lease on %s no longer holds the lock at commit", ns)
	}
	return nil
}

func (s *EtcdStore) Collection(ctx context.Context, ns string) (catalog.Collection, bool, error) {
	resp, err := s.cli.Get(ctx, etcdPrefix+"collections/"+ns)
	if err != nil {
		return catalog.Collection{}, false, cluster.E(cluster.CodeUnreachable, "etcd get collection: %v", err)
	}
	if len(resp.Kvs) == 0 {
		return catalog.Collection{}, false, nil
	}
	var coll catalog.Collection
	if err := json.Unmarshal(resp.Kvs[0].Value, &coll); err != nil {
		return catalog.Collection{}, false, cluster.E(cluster.CodeRoutingInconsistent, "bad collection record: %v", err)
	}
	return coll, true, nil
}

func (s *EtcdStore) PutCollection(ctx context.Context, coll catalog.Collection, chunks []catalog.Chunk) error {
	if err := catalog.ValidatePartition(chunks); err != nil {
		return cluster.E(cluster.CodeRoutingInconsistent, "refusing collection create: %v", err)
	}
	gen := uuid.NewString()
	prefix := etcdPrefix + "chunks/" + coll.NS + "/" + gen + "/"
	for i, c := range chunks {
		raw, err := json.Marshal(c)
		if err != nil {
			return cluster.E(cluster.CodeInternal, "marshal chunk: %v", err)
		}
		if _, err := s.cli.Put(ctx, fmt.Sprintf("%s%06d", prefix, i), string(raw)); err != nil {
			return cluster.E(cluster.CodeUnreachable, "etcd stage chunk: %v", err)
		}
	}
	collRaw, err := json.Marshal(coll)
	if err != nil {
		return cluster.E(cluster.CodeInternal, "marshal collection: %v", err)
	}
	ops := []clientv3.Op{
		clientv3.OpPut(etcdPrefix+"chunks/"+coll.NS+"/current", gen),
		clientv3.OpPut(etcdPrefix+"collections/"+coll.NS, string(collRaw)),
	}
	if _, err := s.cli.Txn(ctx).Then(ops...).Commit(); err != nil {
		return cluster.E(cluster.CodeUnreachable, "etcd collection txn: %v", err)
	}
	return nil
}

func (s *EtcdStore) Groups(ctx context.Context) ([]Group, error) {
	resp, err := s.cli.Get(ctx, etcdPrefix+"groups/", clientv3.WithPrefix())
	if err != nil {
		return nil, cluster.E(cluster.CodeUnreachable, "etcd get groups: %v", err)
	}
	out := make([]Group, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var g Group
		if err := json.Unmarshal(kv.Value, &g); err != nil {
			return nil, cluster.E(cluster.CodeInternal, "bad group record %s: %v", kv.Key, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *EtcdStore) AddGroup(ctx context.Context, g Group) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return cluster.E(cluster.CodeInternal, "marshal group: %v", err)
	}
	if _, err := s.cli.Put(ctx, etcdPrefix+"groups/"+g.Name, string(raw)); err != nil {
		return cluster.E(cluster.CodeUnreachable, "etcd put group: %v", err)
	}
	return nil
}

func (s *EtcdStore) Close() error {
	return s.cli.Close()
}
