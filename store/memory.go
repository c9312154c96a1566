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

package store

import (
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/keyspace-io/keyspace/ring"
)

// memoryStore keeps entries in a treemap ordered by key hash, so range
// scans walk the same hash space the ring partitions.
type memoryStore struct {
	sync.RWMutex

	// hash -> (key -> value); keys colliding on the hash share a bucket
	data *treemap.Map
}

func NewMemoryStore() RangeStore {
	return &memoryStore{
		data: treemap.NewWith(utils.UInt64Comparator),
	}
}

func (m *memoryStore) Put(key string, value []byte) {
	m.Lock()
	defer m.Unlock()

	hash := ring.HashKey([]byte(key))
	bucket := m.bucket(hash, true)
	bucket[key] = append([]byte{}, value...)
}

func (m *memoryStore) Get(key string) ([]byte, bool) {
	m.RLock()
	defer m.RUnlock()

	bucket := m.bucket(ring.HashKey([]byte(key)), false)
	if bucket == nil {
		return nil, false
	}
	value, ok := bucket[key]
	return value, ok
}

func (m *memoryStore) bucket(hash uint64, create bool) map[string][]byte {
	if v, ok := m.data.Get(hash); ok {
		return v.(map[string][]byte)
	}
	if !create {
		return nil
	}
	bucket := map[string][]byte{}
	m.data.Put(hash, bucket)
	return bucket
}

func (m *memoryStore) ScanRange(r HashRange) []KV {
	m.RLock()
	defer m.RUnlock()

	var res []KV
	for it := m.data.Iterator(); it.Next(); {
		hash := it.Key().(uint64)
		if !r.Contains(hash) {
			continue
		}
		bucket := it.Value().(map[string][]byte)
		keys := make([]string, 0, len(bucket))
		for k := range bucket {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			res = append(res, KV{Key: k, Value: bucket[k]})
		}
	}
	return res
}

func (m *memoryStore) CountRange(r HashRange) int {
	m.RLock()
	defer m.RUnlock()

	count := 0
	for it := m.data.Iterator(); it.Next(); {
		if r.Contains(it.Key().(uint64)) {
			count += len(it.Value().(map[string][]byte))
		}
	}
	return count
}

func (m *memoryStore) ApplyRange(r HashRange, entries []KV) {
	m.Lock()
	defer m.Unlock()

	m.deleteRange(r)
	for _, kv := range entries {
		hash := ring.HashKey([]byte(kv.Key))
		bucket := m.bucket(hash, true)
		bucket[kv.Key] = append([]byte{}, kv.Value...)
	}
}

func (m *memoryStore) DeleteRange(r HashRange) {
	m.Lock()
	defer m.Unlock()

	m.deleteRange(r)
}

func (m *memoryStore) deleteRange(r HashRange) {
	var doomed []uint64
	for it := m.data.Iterator(); it.Next(); {
		if hash := it.Key().(uint64); r.Contains(hash) {
			doomed = append(doomed, hash)
		}
	}
	for _, hash := range doomed {
		m.data.Remove(hash)
	}
}

// StaticProvider serves a fixed set of in-memory stores, one per node.
type StaticProvider struct {
	sync.Mutex
	stores map[string]RangeStore
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		stores: map[string]RangeStore{},
	}
}

// Register creates the store for a node if it does not exist yet.
func (p *StaticProvider) Register(nodeID string) RangeStore {
	p.Lock()
	defer p.Unlock()

	if s, ok := p.stores[nodeID]; ok {
		return s
	}
	s := NewMemoryStore()
	p.stores[nodeID] = s
	return s
}

func (p *StaticProvider) StoreFor(nodeID string) (RangeStore, error) {
	p.Lock()
	defer p.Unlock()

	if s, ok := p.stores[nodeID]; ok {
		return s, nil
	}
	return nil, ErrStoreNotFound
}
