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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyspace-io/keyspace/model"
)

func node(id string) model.Node {
	return model.Node{
		ID:      id,
		Address: id + ":6648",
		Weight:  1,
		Status:  model.NodeStatusActive,
	}
}

func TestRing_Locate_Deterministic(t *testing.T) {
	r := New(3)
	require.NoError(t, r.AddNode(node("a")))
	require.NoError(t, r.AddNode(node("b")))
	require.NoError(t, r.AddNode(node("c")))

	first, err := r.Locate([]byte("user:42"))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		n, err := r.Locate([]byte("user:42"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, n.ID)
	}

	// A ring built with the same membership maps keys identically
	r2 := New(3)
	require.NoError(t, r2.AddNode(node("a")))
	require.NoError(t, r2.AddNode(node("b")))
	require.NoError(t, r2.AddNode(node("c")))

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("user:%d", i))
		n1, err := r.Locate(key)
		require.NoError(t, err)
		n2, err := r2.Locate(key)
		require.NoError(t, err)
		assert.Equal(t, n1.ID, n2.ID)
	}
}

func TestRing_EmptyRing(t *testing.T) {
	r := New(3)

	_, err := r.Locate([]byte("user:42"))
	assert.ErrorIs(t, err, ErrEmptyRing)
}

func TestRing_DuplicateNode(t *testing.T) {
	r := New(3)
	require.NoError(t, r.AddNode(node("a")))

	err := r.AddNode(node("a"))
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestRing_RemoveNode(t *testing.T) {
	r := New(3)
	require.NoError(t, r.AddNode(node("a")))
	require.NoError(t, r.AddNode(node("b")))

	require.NoError(t, r.RemoveNode("a"))
	assert.Empty(t, r.Snapshot().EntriesOf("a"))

	for i := 0; i < 100; i++ {
		n, err := r.Locate([]byte(fmt.Sprintf("user:%d", i)))
		require.NoError(t, err)
		assert.Equal(t, "b", n.ID)
	}

	err := r.RemoveNode("a")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestRing_Wraparound(t *testing.T) {
	r := New(3)
	r.Restore(&Snapshot{
		Entries: []Entry{
			{Hash: 100, NodeID: "a"},
			{Hash: 200, NodeID: "b"},
		},
		Nodes: map[string]model.Node{
			"a": node("a"),
			"b": node("b"),
		},
	})

	// Past the highest entry wraps to the first one
	n, err := r.LocateHash(500)
	require.NoError(t, err)
	assert.Equal(t, "a", n.ID)

	n, err = r.LocateHash(150)
	require.NoError(t, err)
	assert.Equal(t, "b", n.ID)

	n, err = r.LocateHash(100)
	require.NoError(t, err)
	assert.Equal(t, "a", n.ID)
}

func TestRing_MinimalDisruption(t *testing.T) {
	const samples = 10_000

	r := New(16)
	require.NoError(t, r.AddNode(node("a")))
	require.NoError(t, r.AddNode(node("b")))
	require.NoError(t, r.AddNode(node("c")))

	before := make(map[string]string, samples)
	for i := 0; i < samples; i++ {
		key := fmt.Sprintf("user:%d", i)
		n, err := r.Locate([]byte(key))
		require.NoError(t, err)
		before[key] = n.ID
	}

	require.NoError(t, r.AddNode(node("d")))

	moved := 0
	for key, oldOwner := range before {
		n, err := r.Locate([]byte(key))
		require.NoError(t, err)
		if n.ID != oldOwner {
			// The only legal move is to the new node
			assert.Equal(t, "d", n.ID)
			moved++
		}
	}

	// With 4 equal nodes roughly 1/4 of the keys should move; allow a
	// generous margin for hash variance
	assert.Less(t, moved, samples/2)
	assert.Greater(t, moved, samples/20)
}

func TestRing_WeightScalesVirtualNodes(t *testing.T) {
	r := New(8)
	heavy := node("heavy")
	heavy.Weight = 3
	require.NoError(t, r.AddNode(heavy))
	require.NoError(t, r.AddNode(node("light")))

	assert.Len(t, r.Snapshot().EntriesOf("heavy"), 24)
	assert.Len(t, r.Snapshot().EntriesOf("light"), 8)
}

func TestRing_ConcurrentLookups(t *testing.T) {
	r := New(8)
	require.NoError(t, r.AddNode(node("a")))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Lookups must always see a complete ring
				n, err := r.Locate([]byte("user:42"))
				assert.NoError(t, err)
				assert.NotEmpty(t, n.ID)
			}
		}()
	}

	for i := 0; i < 50; i++ {
		require.NoError(t, r.AddNode(node(fmt.Sprintf("n-%d", i))))
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, r.RemoveNode(fmt.Sprintf("n-%d", i)))
	}

	close(stop)
	wg.Wait()
}
