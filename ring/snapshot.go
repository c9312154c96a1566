// Copyright 2025 The keyspace Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ring

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/keyspace-io/keyspace/model"
)

// Entry is one virtual-node position on the ring.
type Entry struct {
	Hash   uint64 `json:"hash"`
	NodeID string `json:"nodeId"`
}

// Snapshot is one immutable, fully-consistent view of the ring.
//
// Entries are sorted by hash, strictly increasing. A key hashing to h
// is owned by the first entry with Hash >= h, wrapping to the first
// entry when h is past the last one.
type Snapshot struct {
	Entries []Entry               `json:"entries"`
	Nodes   map[string]model.Node `json:"nodes"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Nodes: map[string]model.Node{},
	}
}

func (s *Snapshot) Clone() *Snapshot {
	r := &Snapshot{
		Entries: make([]Entry, len(s.Entries)),
		Nodes:   make(map[string]model.Node, len(s.Nodes)),
	}
	copy(r.Entries, s.Entries)
	for id, n := range s.Nodes {
		r.Nodes[id] = n.Clone()
	}
	return r
}

func (s *Snapshot) IsEmpty() bool {
	return len(s.Entries) == 0
}

func (s *Snapshot) ContainsNode(nodeID string) bool {
	_, ok := s.Nodes[nodeID]
	return ok
}

// ownerIdx returns the index of the entry owning the given hash.
func (s *Snapshot) ownerIdx(hash uint64) int {
	idx := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].Hash >= hash
	})
	if idx == len(s.Entries) {
		// Wrap around past the highest entry
		idx = 0
	}
	return idx
}

// Owner returns the node owning the given hash point.
func (s *Snapshot) Owner(hash uint64) (model.Node, bool) {
	if s.IsEmpty() {
		return model.Node{}, false
	}
	return s.Nodes[s.Entries[s.ownerIdx(hash)].NodeID], true
}

// PredecessorHash returns the hash of the entry preceding the one at
// the given index, wrapping to the last entry for index 0.
func (s *Snapshot) PredecessorHash(idx int) uint64 {
	n := len(s.Entries)
	return s.Entries[((idx-1)%n+n)%n].Hash
}

// PredecessorOf returns the hash of the last entry strictly before the
// given position, wrapping past zero.
func (s *Snapshot) PredecessorOf(hash uint64) uint64 {
	n := len(s.Entries)
	if n == 0 {
		return hash - 1
	}
	idx := sort.Search(n, func(i int) bool {
		return s.Entries[i].Hash >= hash
	})
	return s.Entries[((idx-1)%n+n)%n].Hash
}

// EntriesOf returns the virtual-node entries of one node, in ring order.
func (s *Snapshot) EntriesOf(nodeID string) []Entry {
	var res []Entry
	for _, e := range s.Entries {
		if e.NodeID == nodeID {
			res = append(res, e)
		}
	}
	return res
}

func (s *Snapshot) hasHash(hash uint64) bool {
	idx := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].Hash >= hash
	})
	return idx < len(s.Entries) && s.Entries[idx].Hash == hash
}

// WithEntries returns a copy of the snapshot with the given entries
// inserted and the node registered. Entries with hash values already
// present are rejected by the caller having computed them through
// VirtualEntries, so insertion keeps the strictly-increasing invariant.
func (s *Snapshot) WithEntries(node model.Node, entries []Entry) *Snapshot {
	r := s.Clone()
	r.Nodes[node.ID] = node.Clone()
	r.Entries = append(r.Entries, entries...)
	sort.Slice(r.Entries, func(i, j int) bool {
		return r.Entries[i].Hash < r.Entries[j].Hash
	})
	return r
}

// WithoutEntries returns a copy of the snapshot with the given hash
// positions removed. When dropNode is true the node itself is removed
// from the membership map as well.
func (s *Snapshot) WithoutEntries(nodeID string, hashes []uint64, dropNode bool) *Snapshot {
	removed := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		removed[h] = true
	}

	r := s.Clone()
	entries := r.Entries[:0]
	for _, e := range r.Entries {
		if e.NodeID == nodeID && removed[e.Hash] {
			continue
		}
		entries = append(entries, e)
	}
	r.Entries = entries
	if dropNode {
		delete(r.Nodes, nodeID)
	}
	return r
}

// VirtualEntries deterministically derives the ring positions for a
// node: virtualNodesPerNode * weight points, hashed from "<id>:<i>".
// A hash already taken in the snapshot is re-probed with an attempt
// suffix, so the result depends only on the node and the snapshot.
func (s *Snapshot) VirtualEntries(node model.Node, virtualNodesPerNode int) []Entry {
	weight := node.Weight
	if weight < 1 {
		weight = 1
	}
	count := virtualNodesPerNode * int(weight)

	entries := make([]Entry, 0, count)
	taken := make(map[uint64]bool, count)
	for i := 0; i < count; i++ {
		hash := xxh3.HashString(fmt.Sprintf("%s:%d", node.ID, i))
		for attempt := 1; s.hasHash(hash) || taken[hash]; attempt++ {
			hash = xxh3.HashString(fmt.Sprintf("%s:%d#%d", node.ID, i, attempt))
		}
		taken[hash] = true
		entries = append(entries, Entry{Hash: hash, NodeID: node.ID})
	}
	return entries
}

// Serialize encodes the snapshot so it can be handed off across a
// coordinator restart.
func (s *Snapshot) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

func DeserializeSnapshot(data []byte) (*Snapshot, error) {
	s := emptySnapshot()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}
