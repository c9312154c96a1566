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
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/juju/fslock"
	"github.com/pkg/errors"
)

// metadataProviderFile keeps the coordinator status in a local file,
// using a lock mechanism to prevent missing updates
type metadataProviderFile struct {
	path     string
	fileLock *fslock.Lock
}

type metadataContainer struct {
	CoordinatorStatus *CoordinatorStatus `json:"coordinatorStatus"`
	Version           int64              `json:"version"`
}

func NewMetadataProviderFile(path string) MetadataProvider {
	return &metadataProviderFile{
		path:     path,
		fileLock: fslock.New(path + ".lock"),
	}
}

func (m *metadataProviderFile) Close() error {
	return nil
}

func (m *metadataProviderFile) Get() (cs *CoordinatorStatus, version int64, err error) {
	content, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, MetadataNotExists, nil
		}
		return nil, MetadataNotExists, err
	}

	if len(content) == 0 {
		return nil, MetadataNotExists, nil
	}

	mc := metadataContainer{}
	if err = json.Unmarshal(content, &mc); err != nil {
		return nil, MetadataNotExists, err
	}

	return mc.CoordinatorStatus, mc.Version, nil
}

func (m *metadataProviderFile) Store(cs *CoordinatorStatus, expectedVersion int64) (newVersion int64, err error) {
	parentDir := filepath.Dir(m.path)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return MetadataNotExists, err
	}

	if err := m.fileLock.Lock(); err != nil {
		return MetadataNotExists, errors.Wrap(err, "failed to acquire file lock")
	}
	defer func() {
		if err := m.fileLock.Unlock(); err != nil {
			slog.Warn(
				"Failed to release file lock on metadata",
				slog.Any("error", err),
			)
		}
	}()

	_, existingVersion, err := m.Get()
	if err != nil {
		return MetadataNotExists, err
	}

	if expectedVersion != existingVersion {
		return MetadataNotExists, ErrMetadataBadVersion
	}

	newVersion = existingVersion + 1
	newContent, err := json.Marshal(metadataContainer{
		CoordinatorStatus: cs,
		Version:           newVersion,
	})
	if err != nil {
		return MetadataNotExists, err
	}

	// Write through a temp file so a crash never leaves a torn status
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, newContent, 0640); err != nil {
		return MetadataNotExists, err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return MetadataNotExists, err
	}

	return newVersion, nil
}
