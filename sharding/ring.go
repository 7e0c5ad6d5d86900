// Package sharding partitions the key space across agent nodes with a
// consistent-hash ring (or a hybrid range+hash layout) and computes the
// minimal shard movement on membership changes.
package sharding

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ring is a consistent-hash ring with virtual nodes. Keys and nodes hash into
// the same 32-bit space; a lookup walks clockwise collecting distinct owners.
type ring struct {
	virtualNodes int
	hashes       []uint32
	owners       map[uint32]string
	nodes        map[string]bool
}

func newRing(virtualNodes int) *ring {
	if virtualNodes <= 0 {
		virtualNodes = 16
	}
	return &ring{
		virtualNodes: virtualNodes,
		owners:       make(map[uint32]string),
		nodes:        make(map[string]bool),
	}
}

func hashKey(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

func (r *ring) add(nodeID string) {
	if r.nodes[nodeID] {
		return
	}
	r.nodes[nodeID] = true
	for i := 0; i < r.virtualNodes; i++ {
		h := hashKey(fmt.Sprintf("%s#%d", nodeID, i))
		// Collisions across vnodes are possible in a 32-bit space; first
		// writer keeps the slot.
		if _, taken := r.owners[h]; !taken {
			r.owners[h] = nodeID
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
}

func (r *ring) remove(nodeID string) {
	if !r.nodes[nodeID] {
		return
	}
	delete(r.nodes, nodeID)
	kept := r.hashes[:0]
	for _, h := range r.hashes {
		if r.owners[h] == nodeID {
			delete(r.owners, h)
			continue
		}
		kept = append(kept, h)
	}
	r.hashes = kept
}

func (r *ring) size() int {
	return len(r.nodes)
}

// locate returns up to n distinct node ids owning the hash, walking clockwise
// from the first virtual node at or after h.
func (r *ring) locate(h uint32, n int) []string {
	if len(r.hashes) == 0 || n <= 0 {
		return nil
	}
	start := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	out := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < len(r.hashes) && len(out) < n; i++ {
		owner := r.owners[r.hashes[(start+i)%len(r.hashes)]]
		if !seen[owner] {
			seen[owner] = true
			out = append(out, owner)
		}
	}
	return out
}
