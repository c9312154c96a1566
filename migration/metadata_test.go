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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyspace-io/keyspace/store"
)

func TestMetadataProviderMemory(t *testing.T) {
	testMetadataProvider(t, NewMetadataProviderMemory())
}

func TestMetadataProviderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "status.json")
	testMetadataProvider(t, NewMetadataProviderFile(path))
}

func testMetadataProvider(t *testing.T, m MetadataProvider) {
	t.Helper()

	cs, version, err := m.Get()
	require.NoError(t, err)
	assert.Nil(t, cs)
	assert.EqualValues(t, MetadataNotExists, version)

	status := NewCoordinatorStatus()
	status.Tasks["t-1"] = Task{
		ID:    "t-1",
		Range: store.HashRange{Start: 1, End: 100},
		From:  "a",
		To:    "b",
		State: TaskStateCopying,
	}

	// A CAS against the wrong version must not go through
	_, err = m.Store(status, version+1)
	assert.ErrorIs(t, err, ErrMetadataBadVersion)

	v1, err := m.Store(status, version)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v1)

	loaded, version, err := m.Get()
	require.NoError(t, err)
	assert.Equal(t, v1, version)
	require.NotNil(t, loaded)
	assert.Equal(t, status.Tasks["t-1"], loaded.Tasks["t-1"])

	v2, err := m.Store(status, v1)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	// The stale writer lost the race
	_, err = m.Store(status, v1)
	assert.ErrorIs(t, err, ErrMetadataBadVersion)

	assert.NoError(t, m.Close())
}

func TestMetadataProviderFile_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	m := NewMetadataProviderFile(path)
	status := NewCoordinatorStatus()
	status.Tasks["t-1"] = Task{ID: "t-1", From: "a", To: "b", State: TaskStatePlanned}
	v, err := m.Store(status, MetadataNotExists)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened := NewMetadataProviderFile(path)
	loaded, version, err := reopened.Get()
	require.NoError(t, err)
	assert.Equal(t, v, version)
	require.NotNil(t, loaded)
	assert.Equal(t, "t-1", loaded.Tasks["t-1"].ID)
}
