// Package ring places keys on the current members of a group with
// consistent hashing, so that a membership change moves only the keys owned
// by the members that joined or left.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type Hasher func([]byte) uint64

// XXHash is the default hasher.
func XXHash(b []byte) uint64 { return xxhash.Sum64(b) }

// FNV64a is FNV-1a 64 followed by the murmur3 fmix64 finalizer. Raw
// FNV-1a leaves the high bits nearly unchanged for inputs that differ only
// in their last bytes, which puts every point of a member in one arc.
func FNV64a(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmix64(h.Sum64())
}

func fmix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint64          // sorted
	owners   map[uint64]string // point -> member
	members  map[string]string // member -> address
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = XXHash
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint64]string),
		members:  make(map[string]string),
	}
}

// Add places member on the ring. Adding a member twice keeps the first
// address.
func (r *HashRing) Add(member, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[member]; ok {
		return
	}
	r.members[member] = addr
	r.place(member)
	slices.Sort(r.points)
}

func (r *HashRing) Remove(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[member]; !ok {
		return
	}
	delete(r.members, member)
	r.rebuild()
}

// Sync makes the ring hold exactly members, rebuilding once. It reports
// whether anything changed.
func (r *HashRing) Sync(members map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maps.Equal(r.members, members) {
		return false
	}
	r.members = maps.Clone(members)
	if r.members == nil {
		r.members = make(map[string]string)
	}
	r.rebuild()
	return true
}

// Clear removes every member.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	clear(r.owners)
	r.points = r.points[:0]
}

// rebuild recomputes every point. Caller holds r.mu.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for m := range r.members {
		r.place(m)
	}
	slices.Sort(r.points)
}

func (r *HashRing) place(member string) {
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(member, i))
		r.owners[pt] = member
		r.points = append(r.points, pt)
	}
}

// search returns the index of the first point at or after key's hash.
// Caller holds r.mu and has checked the ring is not empty.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// Lookup returns the member owning key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// LookupN returns up to n distinct members for key, owner first.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		m := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func (r *HashRing) Addr(member string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.members[member]
	return a, ok
}

// Nodes returns a copy of the member -> address table.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.members)
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func pointKey(member string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(member), buf[:]...)
}
