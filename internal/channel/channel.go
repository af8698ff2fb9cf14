// Package channel implements the Channel: a key-indexed registry of FIFO
// mailboxes (with no limit on queue length) shared between every session
// worker and the single carrier
// worker on a peer. It is the Go rendering of the original's templated
// Channel<Pkg>, generalized from a fixed std::map-under-one-mutex into the
// same three-lock-tier design the device/peer lifecycle code already uses
// for its own keyMap: one lock for the map of mailboxes, one lock per
// mailbox's queue, and one independent non-blocking lock for ownership.
package channel

import (
	"sync"
	"time"

	"github.com/mikewei/cfwxx/internal/wire"
)

// EgressKey is the reserved mailbox key for the shared, ownerless queue the
// carrier worker drains outbound. It is never associated with an ownership
// token.
const EgressKey uint64 = 0

// mailbox is one key's FIFO queue, its own lock, its ownership token, and
// its liveness timestamp.
type mailbox struct {
	mu    sync.Mutex
	queue []*wire.Packet

	own sync.Mutex // TryLock-driven: held for the life of a session

	activeMu   sync.Mutex
	lastActive time.Time
}

func newMailbox() *mailbox {
	return &mailbox{lastActive: time.Now()}
}

func (m *mailbox) touch() {
	m.activeMu.Lock()
	m.lastActive = time.Now()
	m.activeMu.Unlock()
}

func (m *mailbox) idleSince() time.Time {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return m.lastActive
}

// Channel is the full mailbox registry for one peer.
type Channel struct {
	mapMu sync.RWMutex
	boxes map[uint64]*mailbox
}

// New returns an empty Channel.
func New() *Channel {
	return &Channel{boxes: make(map[uint64]*mailbox)}
}

// getOrCreate returns the mailbox for k, creating it if absent. Lookups of
// an existing mailbox refresh last_active as a side effect: an
// actively-polled mailbox counts as alive even if empty.
func (c *Channel) getOrCreate(k uint64) *mailbox {
	c.mapMu.RLock()
	m, ok := c.boxes[k]
	c.mapMu.RUnlock()
	if ok {
		m.touch()
		return m
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	if m, ok = c.boxes[k]; ok {
		m.touch()
		return m
	}
	m = newMailbox()
	c.boxes[k] = m
	return m
}

func (c *Channel) get(k uint64) (*mailbox, bool) {
	c.mapMu.RLock()
	defer c.mapMu.RUnlock()
	m, ok := c.boxes[k]
	if ok {
		m.touch()
	}
	return m, ok
}

// Push appends pkt to mailbox k, creating the mailbox if absent. Never
// blocks beyond the mailbox's own queue lock.
func (c *Channel) Push(k uint64, pkt *wire.Packet) {
	m := c.getOrCreate(k)
	m.mu.Lock()
	m.queue = append(m.queue, pkt)
	m.mu.Unlock()
}

// Pop removes and returns the head of mailbox k, or nil if the mailbox is
// absent or empty.
func (c *Channel) Pop(k uint64) *wire.Packet {
	m, ok := c.get(k)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	pkt := m.queue[0]
	m.queue = m.queue[1:]
	return pkt
}

// Own attempts exclusive, non-blocking acquisition of k's ownership token.
// It creates the mailbox if absent (mirroring the original, where Own also
// calls GetQueue(k, true)). Returns false immediately if already held.
func (c *Channel) Own(k uint64) bool {
	m := c.getOrCreate(k)
	return m.own.TryLock()
}

// Free removes mailbox k entirely, discarding any queued packets and
// releasing its ownership token. Safe to call whether or not Own succeeded
// for this key.
func (c *Channel) Free(k uint64) {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	delete(c.boxes, k)
}

// GarbageCleanup removes every mailbox (other than EgressKey, which is
// never owned and never idle-reaped) whose last_active is older than
// now-maxIdle. Implemented as an explicit two-pass collect-then-erase: the
// original's erase-while-ranging-a-map is a hazard, not a contract worth
// replicating.
func (c *Channel) GarbageCleanup(maxIdle time.Duration) []uint64 {
	cutoff := time.Now().Add(-maxIdle)

	c.mapMu.RLock()
	var expired []uint64
	for k, m := range c.boxes {
		if k == EgressKey {
			continue
		}
		if m.idleSince().Before(cutoff) {
			expired = append(expired, k)
		}
	}
	c.mapMu.RUnlock()

	if len(expired) == 0 {
		return nil
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	reaped := expired[:0]
	for _, k := range expired {
		if m, ok := c.boxes[k]; ok && m.idleSince().Before(cutoff) {
			delete(c.boxes, k)
			reaped = append(reaped, k)
		}
	}
	return reaped
}

// MailboxInfo is one line of a Snapshot: a session key's queue depth and
// idle age, used by the admin and status-UI surfaces.
type MailboxInfo struct {
	Key        uint64  `json:"key"`
	QueueDepth int     `json:"queue_depth"`
	IdleSecs   float64 `json:"idle_secs"`
}

// Snapshot returns a point-in-time view of every live mailbox's metadata.
// It takes the map lock only long enough to copy references, then reads
// each mailbox's own queue length and idle age under that mailbox's own
// lock — never holding the map lock and a mailbox lock at once.
func (c *Channel) Snapshot() []MailboxInfo {
	c.mapMu.RLock()
	refs := make(map[uint64]*mailbox, len(c.boxes))
	for k, m := range c.boxes {
		refs[k] = m
	}
	c.mapMu.RUnlock()

	now := time.Now()
	out := make([]MailboxInfo, 0, len(refs))
	for k, m := range refs {
		m.mu.Lock()
		depth := len(m.queue)
		m.mu.Unlock()
		out = append(out, MailboxInfo{
			Key:        k,
			QueueDepth: depth,
			IdleSecs:   now.Sub(m.idleSince()).Seconds(),
		})
	}
	return out
}
