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
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/keyspace-io/keyspace/ring"
)

var (
	ErrMetadataNotInitialized = errors.New("keyspace: metadata not initialized")
	ErrMetadataBadVersion     = errors.New("keyspace: metadata bad version")
)

const MetadataNotExists int64 = -1

// CoordinatorStatus is the state handed off across a coordinator
// restart: the published ring and every non-terminal migration task.
type CoordinatorStatus struct {
	Ring  *ring.Snapshot  `json:"ring"`
	Tasks map[string]Task `json:"tasks"`
}

func NewCoordinatorStatus() *CoordinatorStatus {
	return &CoordinatorStatus{
		Tasks: map[string]Task{},
	}
}

func (cs *CoordinatorStatus) Clone() *CoordinatorStatus {
	r := NewCoordinatorStatus()
	if cs.Ring != nil {
		r.Ring = cs.Ring.Clone()
	}
	for id, t := range cs.Tasks {
		r.Tasks[id] = t.Clone()
	}
	return r
}

// MetadataProvider persists the coordinator status with a compare-and-
// swap on the version, so a stale coordinator cannot clobber a newer
// one's state.
type MetadataProvider interface {
	io.Closer

	Get() (cs *CoordinatorStatus, version int64, err error)

	Store(cs *CoordinatorStatus, expectedVersion int64) (newVersion int64, err error)
}

// metadataProviderMemory keeps the coordinator status in memory.
// Used for unit tests
type metadataProviderMemory struct {
	sync.Mutex

	cs      *CoordinatorStatus
	version int64
}

func NewMetadataProviderMemory() MetadataProvider {
	return &metadataProviderMemory{
		cs:      nil,
		version: MetadataNotExists,
	}
}

func (m *metadataProviderMemory) Close() error {
	return nil
}

func (m *metadataProviderMemory) Get() (cs *CoordinatorStatus, version int64, err error) {
	m.Lock()
	defer m.Unlock()
	return m.cs, m.version, nil
}

func (m *metadataProviderMemory) Store(cs *CoordinatorStatus, expectedVersion int64) (newVersion int64, err error) {
	m.Lock()
	defer m.Unlock()

	if expectedVersion != m.version {
		return MetadataNotExists, ErrMetadataBadVersion
	}

	m.cs = cs.Clone()
	m.version++
	return m.version, nil
}
