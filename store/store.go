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

// Package store defines the per-node data surface that migrations copy
// through. The access layer does not own a storage engine: a calling
// service plugs its own RangeStore implementation in, and the in-memory
// implementation here backs tests and the standalone mode.
package store

import (
	"github.com/pkg/errors"
)

var ErrStoreNotFound = errors.New("keyspace: no store for node")

// KV is one stored entry. The hash of the key places it on the ring.
type KV struct {
	Key   string
	Value []byte
}

// HashRange is an inclusive interval of the ring hash space.
// Start > End means the range wraps through the maximum hash.
type HashRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r HashRange) Contains(hash uint64) bool {
	if r.Start <= r.End {
		return hash >= r.Start && hash <= r.End
	}
	return hash >= r.Start || hash <= r.End
}

// Overlaps reports whether two ranges share any hash point.
func (r HashRange) Overlaps(other HashRange) bool {
	return r.Contains(other.Start) || other.Contains(r.Start)
}

// RangeStore gives hash-range level access to one node's data.
//
// ApplyRange must be a full overwrite of the target range: applying the
// same snapshot of entries twice yields the same final state, which is
// what makes a migration copy safe to re-run.
type RangeStore interface {
	Put(key string, value []byte)
	Get(key string) ([]byte, bool)

	ScanRange(r HashRange) []KV
	CountRange(r HashRange) int
	ApplyRange(r HashRange, entries []KV)
	DeleteRange(r HashRange)
}

// Provider resolves the RangeStore serving one node.
type Provider interface {
	StoreFor(nodeID string) (RangeStore, error)
}
