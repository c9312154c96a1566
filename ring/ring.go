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

// Package ring implements consistent hashing with virtual nodes.
//
// The ring keeps its whole state in an immutable Snapshot published
// through an atomic pointer: lookups never block on mutations, they
// observe either the previous or the next snapshot, never a partially
// updated one.
package ring

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/keyspace-io/keyspace/model"
)

var (
	ErrDuplicateNode = errors.New("keyspace: node is already present in the ring")
	ErrNodeNotFound  = errors.New("keyspace: node not found in the ring")
	ErrEmptyRing     = errors.New("keyspace: ring is empty")
)

const DefaultVirtualNodesPerNode = 16

type Ring struct {
	// Guards mutations. Lookups are lock-free.
	mu sync.Mutex

	current             atomic.Pointer[Snapshot]
	virtualNodesPerNode int

	log *slog.Logger
}

func New(virtualNodesPerNode int) *Ring {
	if virtualNodesPerNode <= 0 {
		virtualNodesPerNode = DefaultVirtualNodesPerNode
	}
	r := &Ring{
		virtualNodesPerNode: virtualNodesPerNode,
		log: slog.With(
			slog.String("component", "hash-ring"),
		),
	}
	r.current.Store(emptySnapshot())
	return r
}

func (r *Ring) VirtualNodesPerNode() int {
	return r.virtualNodesPerNode
}

// Snapshot returns the currently published view of the ring.
// The returned snapshot is shared and must not be modified.
func (r *Ring) Snapshot() *Snapshot {
	return r.current.Load()
}

// Locate returns the node owning the given key in the current snapshot.
// For a fixed snapshot this is a pure function of the key.
func (r *Ring) Locate(key []byte) (model.Node, error) {
	return r.LocateHash(xxh3.Hash(key))
}

func (r *Ring) LocateHash(hash uint64) (model.Node, error) {
	node, ok := r.Snapshot().Owner(hash)
	if !ok {
		return model.Node{}, ErrEmptyRing
	}
	return node, nil
}

// AddNode inserts all the virtual-node positions for the node and
// publishes the new ring in a single swap.
func (r *Ring) AddNode(node model.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	if snap.ContainsNode(node.ID) {
		return errors.Wrap(ErrDuplicateNode, node.ID)
	}

	entries := snap.VirtualEntries(node, r.virtualNodesPerNode)
	r.current.Store(snap.WithEntries(node, entries))

	r.log.Info(
		"Added node to the ring",
		slog.String("node", node.ID),
		slog.Int("virtual-nodes", len(entries)),
	)
	return nil
}

// RemoveNode drops every virtual-node position of the node and
// publishes the new ring in a single swap.
func (r *Ring) RemoveNode(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	if !snap.ContainsNode(nodeID) {
		return errors.Wrap(ErrNodeNotFound, nodeID)
	}

	entries := snap.EntriesOf(nodeID)
	hashes := make([]uint64, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	r.current.Store(snap.WithoutEntries(nodeID, hashes, true))

	r.log.Info(
		"Removed node from the ring",
		slog.String("node", nodeID),
	)
	return nil
}

// Update applies fn to the current snapshot and publishes the result.
// It is the primitive used by the migration coordinator to flip the
// ownership of a single key range at cutover. fn must return a new
// snapshot, never modify the one it receives.
func (r *Ring) Update(fn func(*Snapshot) (*Snapshot, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := fn(r.current.Load())
	if err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

// Restore replaces the whole ring with a previously serialized
// snapshot, for coordinator handoff.
func (r *Ring) Restore(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current.Store(snap.Clone())
}

// HashKey exposes the ring's key hash, so that stores index their
// entries in the same space the ring partitions.
func HashKey(key []byte) uint64 {
	return xxh3.Hash(key)
}
