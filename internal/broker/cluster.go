// Package broker implements the cluster control plane: round-robin
// load-balancing of client requests across app servers, heartbeat-based
// liveness tracking, implicit leader election (highest live id wins), and
// publish/subscribe fan-out of notifications.
package broker

import (
	"sort"
	"sync"
	"time"
)

// ClusterState is the broker's shared mutable state: the server registry,
// the last-heartbeat map, and the id counter. One mutex guards all three;
// the control handler and the liveness sweep are the only writers.
type ClusterState struct {
	mu            sync.Mutex
	nextID        int
	registry      map[int]struct{}
	lastHeartbeat map[int]time.Time
}

func NewClusterState() *ClusterState {
	return &ClusterState{
		nextID:        1,
		registry:      make(map[int]struct{}),
		lastHeartbeat: make(map[int]time.Time),
	}
}

// Register assigns the next server id and inserts it into the registry.
// Ids are strictly increasing and never reused, even after eviction. The
// heartbeat clock starts at registration so a server that never pings is
// still evicted by the sweep.
func (c *ClusterState) Register(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.registry[id] = struct{}{}
	c.lastHeartbeat[id] = now
	return id
}

// Touch records a heartbeat for id. Heartbeats from ids that were already
// evicted are recorded too and cleaned up by the next sweep, matching the
// at-most-once nature of the channel.
func (c *ClusterState) Touch(id int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat[id] = now
}

// Servers returns the currently registered ids in ascending order.
func (c *ClusterState) Servers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.registry))
	for id := range c.registry {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Leader returns the highest live id. The second result is false when the
// registry is empty. Election is implicit in membership; there are no vote
// rounds.
func (c *ClusterState) Leader() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	leader, found := 0, false
	for id := range c.registry {
		if !found || id > leader {
			leader, found = id, true
		}
	}
	return leader, found
}

// Evict removes every server whose last heartbeat is older than timeout
// and returns the evicted ids.
func (c *ClusterState) Evict(now time.Time, timeout time.Duration) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []int
	for id, seen := range c.lastHeartbeat {
		if now.Sub(seen) > timeout {
			delete(c.lastHeartbeat, id)
			delete(c.registry, id)
			evicted = append(evicted, id)
		}
	}
	sort.Ints(evicted)
	return evicted
}
