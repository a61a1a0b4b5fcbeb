package configstore

import (
	"context"
	"time"

	"github.com/mghosh4/morphus/internal/catalog"
	"github.com/mghosh4/morphus/internal/cluster"
)

// DefaultLockTTL is how long a lock lease lives without renewal.
const DefaultLockTTL = 30 * time.Second

// Lease is a held distributed lock. It must be renewed within its TTL
// or the lock is lost and any commit under it fails with LeaseLost.
type Lease struct {
	ID      string
	NS      string
	Reason  string
	TTL     time.Duration
	Expires time.Time
}

// Group is the directory record for one shard group.
type Group struct {
	Name  string             `json:"name"`
	Seeds []cluster.Endpoint `json:"seeds"`
}

// Store is the config-store surface the routing manager builds on.
// Implementations must make SwapChunks observably atomic: a concurrent
// Chunks call sees the old table or the new one, never a mixture.
type Store interface {
	// AcquireLock takes the cluster-wide lock for ns. Fails with
	// LockBusy while another holder's lease is live.
	AcquireLock(ctx context.Context, ns, reason string, ttl time.Duration) (*Lease, error)

	// RenewLock extends the lease. Fails with LeaseLost when the lease
	// already expired or the lock changed hands.
	RenewLock(ctx context.Context, lease *Lease) error

	// ReleaseLock gives the lock up. Releasing a lost lease is a no-op.
	ReleaseLock(ctx context.Context, lease *Lease) error

	// Chunks returns the current chunk table for ns, sorted by range.
	Chunks(ctx context.Context, ns string) ([]catalog.Chunk, error)

	// SwapChunks atomically replaces the chunk table for ns and
	// updates the collection record to newKey/newEpoch. Verifies the
	// lease at commit; fails with LeaseLost otherwise.
	SwapChunks(ctx context.Context, ns string, coll catalog.Collection, chunks []catalog.Chunk, lease *Lease) error

	// Collection fetches the sharded-collection record for ns.
	Collection(ctx context.Context, ns string) (catalog.Collection, bool, error)

	// PutCollection creates or replaces a collection record outside of
	// a swap (initial sharding).
	PutCollection(ctx context.Context, coll catalog.Collection, chunks []catalog.Chunk) error

	// Groups lists the cluster's shard groups in directory order.
	Groups(ctx context.Context) ([]Group, error)

	// AddGroup registers a shard group.
	AddGroup(ctx context.Context, g Group) error

	// Close releases backend resources.
	Close() error
}
