package routing

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
	"github.com/mghosh4/morphus/internal/configstore"
)

// ChunkManager is an immutable snapshot of one collection's routing: a
// sorted chunk table under a key pattern, tagged by its epoch. Routers
// hold one per collection and replace it wholesale on epoch change.
type ChunkManager struct {
	NS     string
	Key    catalog.KeyPattern
	Epoch  catalog.Epoch
	chunks []catalog.Chunk // sorted by Min
}

// NewChunkManager builds a snapshot over a validated chunk table.
func NewChunkManager(ns string, key catalog.KeyPattern, chunks []catalog.Chunk) (*ChunkManager, error) {
	if err := catalog.ValidatePartition(chunks); err != nil {
		return nil, cluster.E(cluster.CodeRoutingInconsistent, "chunk table for %s: %v", ns, err)
	}
	sorted := append([]catalog.Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min.Compare(sorted[j].Min) < 0 })
	return &ChunkManager{
		NS:     ns,
		Key:    key,
		Epoch:  sorted[0].Version.Epoch,
		chunks: sorted,
	}, nil
}

// Chunks returns the table in range order.
func (cm *ChunkManager) Chunks() []catalog.Chunk {
	return append([]catalog.Chunk(nil), cm.chunks...)
}

// NumChunks returns the table size.
func (cm *ChunkManager) NumChunks() int {
	return len(cm.chunks)
}

// Version returns the collection routing version, the max (major,
// minor) in the table.
func (cm *ChunkManager) Version() catalog.ChunkVersion {
	return catalog.MaxChunkVersion(cm.chunks)
}

// FindChunkForValue locates the chunk whose range contains v. The
// partition invariant guarantees exactly one.
func (cm *ChunkManager) FindChunkForValue(v float64) catalog.Chunk {
	i := sort.Search(len(cm.chunks), func(i int) bool {
		return !cm.chunks[i].Max.AtOrBefore(v)
	})
	if i == len(cm.chunks) {
		// Unreachable on a valid table; return the last chunk rather
		// than invent routing.
		i = len(cm.chunks) - 1
	}
	return cm.chunks[i]
}

// FindChunkForDoc routes a document by the key pattern's leading
// field. Fails when the document carries no numeric value for it.
func (cm *ChunkManager) FindChunkForDoc(doc catalog.Doc) (catalog.Chunk, error) {
	v, ok := doc.Num(cm.Key.First())
	if !ok {
		return catalog.Chunk{}, cluster.E(cluster.CodeUnsupportedKey,
			"document has no numeric %q field to route by", cm.Key.First())
	}
	return cm.FindChunkForValue(v), nil
}

// Manager mediates every read and write of the routing metadata and
// caches chunk managers for the local router.
type Manager struct {
	store configstore.Store

	mu    sync.Mutex
	cache map[string]*ChunkManager
}

// NewManager builds a routing manager over a config store.
func NewManager(store configstore.Store) *Manager {
	return &Manager{
		store: store,
		cache: make(map[string]*ChunkManager),
	}
}

// Store exposes the underlying config store for directory reads.
func (m *Manager) Store() configstore.Store {
	return m.store
}

// AcquireLock takes the cluster-wide metadata lock for ns.
func (m *Manager) AcquireLock(ctx context.Context, ns, reason string) (*configstore.Lease, error) {
	return m.store.AcquireLock(ctx, ns, reason, configstore.DefaultLockTTL)
}

// RenewLock extends a held lease.
func (m *Manager) RenewLock(ctx context.Context, lease *configstore.Lease) error {
	return m.store.RenewLock(ctx, lease)
}

// ReleaseLock gives a lease up.
func (m *Manager) ReleaseLock(ctx context.Context, lease *configstore.Lease) error {
	return m.store.ReleaseLock(ctx, lease)
}

// Collection fetches the sharded-collection record for ns.
func (m *Manager) Collection(ctx context.Context, ns string) (catalog.Collection, bool, error) {
	return m.store.Collection(ctx, ns)
}

// ReadMaxVersion returns the collection's current routing version.
func (m *Manager) ReadMaxVersion(ctx context.Context, ns string) (catalog.ChunkVersion, error) {
	chunks, err := m.store.Chunks(ctx, ns)
	if err != nil {
		return catalog.ChunkVersion{}, err
	}
	return catalog.MaxChunkVersion(chunks), nil
}

// SwapChunks atomically replaces ns's chunk table with newChunks under
// the lease: a fresh epoch, major bumped past the observed maximum,
// and minors counting up in range order. newChunks carry ranges and
// owners; versions are assigned here. Returns the installed table.
func (m *Manager) SwapChunks(ctx context.Context, ns string, newKey catalog.KeyPattern, newChunks []catalog.Chunk, lease *configstore.Lease) ([]catalog.Chunk, error) {
	prev, err := m.ReadMaxVersion(ctx, ns)
	if err != nil {
		return nil, err
	}
	coll, found, err := m.store.Collection(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cluster.E(cluster.CodeValidation, "collection %s is not sharded", ns)
	}

	epoch := catalog.NewEpoch()
	versioned := make([]catalog.Chunk, len(newChunks))
	for i, c := range newChunks {
		c.NS = ns
		c.Version = catalog.ChunkVersion{Epoch: epoch, Major: prev.Major + 1, Minor: uint32(i)}
		versioned[i] = c
	}

	coll.Key = newKey
	coll.Epoch = epoch
	if err := m.store.SwapChunks(ctx, ns, coll, versioned, lease); err != nil {
		return nil, err
	}
	log.Printf("routing: swapped %s to %d chunks under %s, epoch %s",
		ns, len(versioned), newKey, epoch)
	m.InvalidateRoutingCache(ns)
	return versioned, nil
}

// InvalidateRoutingCache drops the cached chunk manager for ns; the
// next lookup refetches from the config store.
func (m *Manager) InvalidateRoutingCache(ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, ns)
}

// GetChunkManager returns the routing snapshot for ns, loading it on a
// cache miss. The cached snapshot is returned as-is; callers that must
// observe a commit call InvalidateRoutingCache first, and routers
// comparing epochs self-correct on the next miss.
func (m *Manager) GetChunkManager(ctx context.Context, ns string) (*ChunkManager, error) {
	m.mu.Lock()
	if cm, ok := m.cache[ns]; ok {
		m.mu.Unlock()
		return cm, nil
	}
	m.mu.Unlock()

	coll, found, err := m.store.Collection(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cluster.E(cluster.CodeValidation, "collection %s is not sharded", ns)
	}
	chunks, err := m.store.Chunks(ctx, ns)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, cluster.E(cluster.CodeRoutingInconsistent, "sharded collection %s has no chunks", ns)
	}
	cm, err := NewChunkManager(ns, coll.Key, chunks)
	if err != nil {
		return nil, err
	}
	if cm.Epoch != coll.Epoch {
		return nil, cluster.E(cluster.CodeRoutingInconsistent,
			"chunk epoch %s does not match collection epoch %s for %s", cm.Epoch, coll.Epoch, ns)
	}

	m.mu.Lock()
	m.cache[ns] = cm
	m.mu.Unlock()
	return cm, nil
}

// InitialChunks builds the chunk table for an initial sharding: n
// ranges splitting [-inf, +inf) at the given points, assigned
// round-robin across the groups, all under one fresh epoch.
func InitialChunks(ns string, splitPoints []float64, groups []string) ([]catalog.Chunk, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no shard groups registered")
	}
	epoch := catalog.NewEpoch()
	bounds := make([]catalog.Bound, 0, len(splitPoints)+2)
	bounds = append(bounds, catalog.MinKey)
	for _, p := range splitPoints {
		bounds = append(bounds, catalog.BoundAt(p))
	}
	bounds = append(bounds, catalog.MaxKey)

	chunks := make([]catalog.Chunk, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		chunks = append(chunks, catalog.Chunk{
			NS:      ns,
			Min:     bounds[i],
			Max:     bounds[i+1],
			Group:   groups[i%len(groups)],
			Version: catalog.ChunkVersion{Epoch: epoch, Major: 1, Minor: uint32(i)},
		})
	}
	return chunks, nil
}
