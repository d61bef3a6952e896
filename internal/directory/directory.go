// Package directory keeps the local view of known peers: their role and, for workers, the
// last reported capability stats.
package directory

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

// PeerRecord is a snapshot of what the directory knows about a peer. Records handed out by the
// directory are copies; mutating them has no effect on the directory.
type PeerRecord struct {
	Id       api.PeerId
	Role     api.Role
	Stats    *api.WorkerStats
	JoinedAt time.Time
}

// CanHost reports whether the peer is an active worker with at least size free memory.
func (p *PeerRecord) CanHost(size int64) bool {
	return p.Role == api.RoleWorker &&
		p.Stats != nil &&
		p.Stats.Training &&
		p.Stats.Memory >= size
}

// Directory is an in-memory, threadsafe peer directory. Peers are kept in the order they joined
// so that scans over a snapshot are deterministic.
type Directory struct {
	mu    sync.RWMutex
	order []api.PeerId
	peers map[api.PeerId]*PeerRecord
	// Stats expire so a worker that stops reporting stops being offered work.
	stats *cache.Cache
	clock clock.Clock
}

// NewDirectory creates an empty directory. Worker stats are forgotten statsTTL after they were
// reported; a non-positive statsTTL keeps them forever.
func NewDirectory(statsTTL time.Duration) *Directory {
	return NewDirectoryWithClock(statsTTL, clock.RealClock{})
}

func NewDirectoryWithClock(statsTTL time.Duration, clk clock.Clock) *Directory {
	if statsTTL <= 0 {
		statsTTL = cache.NoExpiration
	}
	return &Directory{
		peers: make(map[api.PeerId]*PeerRecord),
		stats: cache.New(statsTTL, 0),
		clock: clk,
	}
}

// Register adds a peer or updates its role. Returns true if the peer was not known before.
func (d *Directory) Register(id api.PeerId, role api.Role) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.peers[id]; ok {
		existing.Role = role
		return false
	}
	d.peers[id] = &PeerRecord{Id: id, Role: role, JoinedAt: d.clock.Now()}
	d.order = append(d.order, id)
	return true
}

// Remove evicts a peer and its stats.
func (d *Directory) Remove(id api.PeerId) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[id]; !ok {
		return
	}
	delete(d.peers, id)
	d.stats.Delete(string(id))
	for i, peerId := range d.order {
		if peerId == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// UpdateStats records the latest stats reported by a registered peer.
func (d *Directory) UpdateStats(id api.PeerId, stats api.WorkerStats) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.peers[id]; !ok {
		return errors.WithStack(&nodeerrors.ErrNotFound{Type: "peer", Value: string(id)})
	}
	if stats.Reported.IsZero() {
		stats.Reported = d.clock.Now()
	}
	d.stats.Set(string(id), stats, cache.DefaultExpiration)
	return nil
}

// Lookup resolves a peer id to its record.
func (d *Directory) Lookup(id api.PeerId) (*PeerRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peer, ok := d.peers[id]
	if !ok {
		return nil, errors.WithStack(&nodeerrors.ErrNotFound{Type: "peer", Value: string(id)})
	}
	return d.copyOf(peer), nil
}

// Snapshot returns copies of every known peer in join order.
func (d *Directory) Snapshot() []*PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snapshot := make([]*PeerRecord, 0, len(d.order))
	for _, id := range d.order {
		snapshot = append(snapshot, d.copyOf(d.peers[id]))
	}
	return snapshot
}

// PeersWithRole returns the ids of the peers with the given role in join order.
func (d *Directory) PeersWithRole(role api.Role) []api.PeerId {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []api.PeerId
	for _, id := range d.order {
		if d.peers[id].Role == role {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// copyOf must be called with d.mu held.
func (d *Directory) copyOf(peer *PeerRecord) *PeerRecord {
	record := *peer
	if cached, ok := d.stats.Get(string(peer.Id)); ok {
		stats := cached.(api.WorkerStats)
		record.Stats = &stats
	}
	return &record
}
