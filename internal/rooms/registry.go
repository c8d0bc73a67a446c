// Package rooms tracks which live connections belong to which broadcast rooms.
package rooms

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

const defaultShards = 64

// Registry is a sharded many-to-many index between connection ids and rooms.
// Every operation is idempotent set algebra; missing keys are no-ops.
type Registry struct {
	rooms []roomShard
	conns []connShard
}

type roomShard struct {
	mu      sync.RWMutex
	members map[models.RoomKey]map[string]struct{}
}

type connShard struct {
	mu    sync.RWMutex
	rooms map[string]map[models.RoomKey]struct{}
}

// Stats is a point-in-time view of the registry size.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Memberships int `json:"memberships"`
}

// NewRegistry creates a registry with the given shard count (<= 0 uses the default).
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{
		rooms: make([]roomShard, shards),
		conns: make([]connShard, shards),
	}
	for i := range r.rooms {
		r.rooms[i].members = make(map[models.RoomKey]map[string]struct{})
		r.conns[i].rooms = make(map[string]map[models.RoomKey]struct{})
	}
	return r
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) roomShard(room models.RoomKey) *roomShard {
	return &r.rooms[shardIndex(string(room), len(r.rooms))]
}

func (r *Registry) connShard(connID string) *connShard {
	return &r.conns[shardIndex(connID, len(r.conns))]
}

// Join adds connID to room. It reports whether the membership is new.
func (r *Registry) Join(connID string, room models.RoomKey) bool {
	if r == nil || connID == "" || room == "" {
		return false
	}
	cs := r.connShard(connID)
	cs.mu.Lock()
	set := cs.rooms[connID]
	if set == nil {
		set = make(map[models.RoomKey]struct{})
		cs.rooms[connID] = set
	}
	_, existed := set[room]
	set[room] = struct{}{}
	cs.mu.Unlock()

	rs := r.roomShard(room)
	rs.mu.Lock()
	members := rs.members[room]
	if members == nil {
		members = make(map[string]struct{})
		rs.members[room] = members
	}
	members[connID] = struct{}{}
	rs.mu.Unlock()
	return !existed
}

// Leave removes connID from room. It reports whether a membership was removed.
func (r *Registry) Leave(connID string, room models.RoomKey) bool {
	if r == nil || connID == "" || room == "" {
		return false
	}
	cs := r.connShard(connID)
	cs.mu.Lock()
	set := cs.rooms[connID]
	_, existed := set[room]
	if existed {
		delete(set, room)
		if len(set) == 0 {
			delete(cs.rooms, connID)
		}
	}
	cs.mu.Unlock()

	r.removeMember(room, connID)
	return existed
}

func (r *Registry) removeMember(room models.RoomKey, connID string) {
	rs := r.roomShard(room)
	rs.mu.Lock()
	if members := rs.members[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(rs.members, room)
		}
	}
	rs.mu.Unlock()
}

// ConnectionsInRoom returns a sorted snapshot of the room's members.
func (r *Registry) ConnectionsInRoom(room models.RoomKey) []string {
	if r == nil {
		return nil
	}
	rs := r.roomShard(room)
	rs.mu.RLock()
	out := make([]string, 0, len(rs.members[room]))
	for connID := range rs.members[room] {
		out = append(out, connID)
	}
	rs.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RoomsOf returns a sorted snapshot of the rooms connID belongs to.
func (r *Registry) RoomsOf(connID string) []models.RoomKey {
	if r == nil {
		return nil
	}
	cs := r.connShard(connID)
	cs.mu.RLock()
	out := make([]models.RoomKey, 0, len(cs.rooms[connID]))
	for room := range cs.rooms[connID] {
		out = append(out, room)
	}
	cs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropConnection removes connID from every room and returns the rooms it left.
func (r *Registry) DropConnection(connID string) []models.RoomKey {
	if r == nil || connID == "" {
		return nil
	}
	cs := r.connShard(connID)
	cs.mu.Lock()
	set := cs.rooms[connID]
	delete(cs.rooms, connID)
	cs.mu.Unlock()

	left := make([]models.RoomKey, 0, len(set))
	for room := range set {
		r.removeMember(room, connID)
		left = append(left, room)
	}
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// Stats counts rooms, connections and memberships across all shards.
func (r *Registry) Stats() Stats {
	var stats Stats
	if r == nil {
		return stats
	}
	for i := range r.rooms {
		rs := &r.rooms[i]
		rs.mu.RLock()
		stats.Rooms += len(rs.members)
		for _, members := range rs.members {
			stats.Memberships += len(members)
		}
		rs.mu.RUnlock()
	}
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.RLock()
		stats.Connections += len(cs.rooms)
		cs.mu.RUnlock()
	}
	return stats
}
