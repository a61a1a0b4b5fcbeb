package configstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
)

// MemStore is the in-process config store. The chunk table swap
// replaces a whole slice under the mutex, which is trivially atomic
// for readers.
type MemStore struct {
	mu          sync.Mutex
	locks       map[string]*Lease
	chunks      map[string][]catalog.Chunk
	collections map[string]catalog.Collection
	groups      []Group
	now         func() time.Time
}

// NewMemStore creates an empty in-memory config store.
func NewMemStore() *MemStore {
	return &MemStore{
		locks:       make(map[string]*Lease),
		chunks:      make(map[string][]catalog.Chunk),
		collections: make(map[string]catalog.Collection),
		now:         time.Now,
	}
}

func lockKey(ns string) string {
	return ns + "-reShardCollection"
}

func (m *MemStore) AcquireLock(ctx context.Context, ns, reason string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(ns)
	if held, ok := m.locks[key]; ok && m.now().Before(held.Expires) {
		return nil, cluster.E(cluster.CodeLockBusy,
			"the collection metadata could not be locked: held for %q", held.Reason)
	}
	lease := &Lease{
		ID:      uuid.NewString(),
		NS:      ns,
		Reason:  reason,
		TTL:     ttl,
		Expires: m.now().Add(ttl),
	}
	m.locks[key] = lease
	return lease, nil
}

func (m *MemStore) RenewLock(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLeaseLocked(lease); err != nil {
		return err
	}
	held := m.locks[lockKey(lease.NS)]
	held.Expires = m.now().Add(held.TTL)
	lease.Expires = held.Expires
	return nil
}

func (m *MemStore) ReleaseLock(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(lease.NS)
	if held, ok := m.locks[key]; ok && held.ID == lease.ID {
		delete(m.locks, key)
	}
	return nil
}

// checkLeaseLocked verifies the lease still holds the lock.
func (m *MemStore) checkLeaseLocked(lease *Lease) error {
	held, ok := m.locks[lockKey(lease.NS)]
	if !ok || held.ID != lease.ID {
		return cluster.E(cluster.CodeLeaseLost, "lock on %s changed hands", lease.NS)
	}
	if !m.now().Before(held.Expires) {
		return cluster.E(cluster.CodeLeaseLost, "lease on %s expired", lease.NS)
	}
	return nil
}

func (m *MemStore) Chunks(ctx context.Context, ns string) ([]catalog.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]catalog.Chunk(nil), m.chunks[ns]...)
	sortChunks(out)
	return out, nil
}

func (m *MemStore) SwapChunks(ctx context.Context, ns string, coll catalog.Collection, chunks []catalog.Chunk, lease *Lease) error {
	if err := catalog.ValidatePartition(chunks); err != nil {
		return cluster.E(cluster.CodeRoutingInconsistent, "refusing chunk swap: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLeaseLocked(lease); err != nil {
		return err
	}
	m.chunks[ns] = append([]catalog.Chunk(nil), chunks...)
	m.collections[ns] = coll
	return nil
}

func (m *MemStore) Collection(ctx context.Context, ns string) (catalog.Collection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[ns]
	return coll, ok, nil
}

func (m *MemStore) PutCollection(ctx context.Context, coll catalog.Collection, chunks []catalog.Chunk) error {
	if err := catalog.ValidatePartition(chunks); err != nil {
		return cluster.E(cluster.CodeRoutingInconsistent, "refusing collection create: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[coll.NS] = coll
	m.chunks[coll.NS] = append([]catalog.Chunk(nil), chunks...)
	return nil
}

func (m *MemStore) Groups(ctx context.Context) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Group(nil), m.groups...), nil
}

func (m *MemStore) AddGroup(ctx context.Context, g Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.groups, func(existing Group) bool { return existing.Name == g.Name })
	if idx >= 0 {
		m.groups[idx] = g
	} else {
		m.groups = append(m.groups, g)
	}
	return nil
}

func (m *MemStore) Close() error { return nil }

func sortChunks(chunks []catalog.Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Min.Compare(chunks[j].Min) < 0
	})
}
