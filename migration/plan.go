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

package migration

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/ring"
	"github.com/keyspace-io/keyspace/store"
)

var ErrLastNode = errors.New("keyspace: cannot remove the last ring node")

// PlanAdd computes the migration tasks for joining a node: one task per
// virtual-node interval the newcomer takes over. The current owner of
// each interval in the old snapshot is the copy source.
//
// An empty old snapshot needs no data movement: the caller publishes
// the newcomer's entries directly.
func PlanAdd(old *ring.Snapshot, node model.Node, virtualNodesPerNode int) []Task {
	entries := old.VirtualEntries(node, virtualNodesPerNode)
	if old.IsEmpty() {
		return nil
	}

	next := old.WithEntries(node, entries)

	var tasks []Task
	for idx, e := range next.Entries {
		if e.NodeID != node.ID {
			continue
		}

		from, _ := old.Owner(e.Hash)
		r := store.HashRange{
			Start: next.PredecessorHash(idx) + 1,
			End:   e.Hash,
		}

		tasks = append(tasks, Task{
			ID:     uuid.NewString(),
			Range:  r,
			From:   from.ID,
			To:     node.ID,
			ToNode: node,
			Entry:  e,
			State:  TaskStatePlanned,
		})
	}
	return tasks
}

// ReplanTask recomputes a task's range and copy endpoints against the
// given snapshot. A task is planned against the ring as it was, and
// other cutovers can change ownership inside its interval before it
// runs; a retry must copy between the nodes that own the range now.
// The cutover entry itself is the task's identity and never changes.
func ReplanTask(snap *ring.Snapshot, t Task) Task {
	if t.RemoveEntry {
		next := snap.WithoutEntries(t.From, []uint64{t.Entry.Hash}, false)
		if to, ok := next.Owner(t.Entry.Hash); ok {
			t.To = to.ID
		}
		t.Range = store.HashRange{
			Start: snap.PredecessorOf(t.Entry.Hash) + 1,
			End:   t.Entry.Hash,
		}
		return t
	}

	if from, ok := snap.Owner(t.Entry.Hash); ok {
		t.From = from.ID
	}
	next := snap.WithEntries(t.ToNode, []ring.Entry{t.Entry})
	t.Range = store.HashRange{
		Start: next.PredecessorOf(t.Entry.Hash) + 1,
		End:   t.Entry.Hash,
	}
	return t
}

// PlanRemove computes the migration tasks for decommissioning a node:
// one task per virtual-node interval it gives up, targeting whoever
// owns that interval once every entry of the node is gone.
func PlanRemove(old *ring.Snapshot, nodeID string) ([]Task, error) {
	if !old.ContainsNode(nodeID) {
		return nil, errors.Wrap(ring.ErrNodeNotFound, nodeID)
	}

	doomed := old.EntriesOf(nodeID)
	if len(doomed) == len(old.Entries) {
		return nil, ErrLastNode
	}

	hashes := make([]uint64, len(doomed))
	for i, e := range doomed {
		hashes[i] = e.Hash
	}
	next := old.WithoutEntries(nodeID, hashes, true)

	var tasks []Task
	for idx, e := range old.Entries {
		if e.NodeID != nodeID {
			continue
		}

		to, _ := next.Owner(e.Hash)
		r := store.HashRange{
			Start: old.PredecessorHash(idx) + 1,
			End:   e.Hash,
		}

		tasks = append(tasks, Task{
			ID:          uuid.NewString(),
			Range:       r,
			From:        nodeID,
			To:          to.ID,
			Entry:       e,
			RemoveEntry: true,
			State:       TaskStatePlanned,
		})
	}
	return tasks, nil
}
