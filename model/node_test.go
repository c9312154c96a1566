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

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatus_JSON(t *testing.T) {
	data, err := json.Marshal(NodeStatusDraining)
	require.NoError(t, err)
	assert.Equal(t, `"Draining"`, string(data))

	var s NodeStatus
	require.NoError(t, json.Unmarshal([]byte(`"Active"`), &s))
	assert.Equal(t, NodeStatusActive, s)

	require.NoError(t, json.Unmarshal([]byte(`"bogus"`), &s))
	assert.Equal(t, NodeStatusUnknown, s)
}

func TestNode_Validate(t *testing.T) {
	n := Node{ID: "node-a", Address: "node-a:6648", Weight: 1}
	assert.NoError(t, n.Validate())

	assert.Error(t, Node{Address: "x", Weight: 1}.Validate())
	assert.Error(t, Node{ID: "node-a", Weight: 0}.Validate())
}

func TestClusterConfig_Clone(t *testing.T) {
	cc := ClusterConfig{
		VirtualNodesPerNode: 8,
		Nodes:               []Node{{ID: "a", Weight: 1}},
		ReplicationGroups: map[string]ReplicationGroup{
			"a": {
				Primary:   Node{ID: "a", Weight: 1},
				Followers: []Node{{ID: "b", Weight: 1}},
			},
		},
	}

	clone := cc.Clone()
	clone.Nodes[0].ID = "mutated"
	g := clone.ReplicationGroups["a"]
	g.Followers[0].ID = "mutated"
	clone.ReplicationGroups["a"] = g

	assert.Equal(t, "a", cc.Nodes[0].ID)
	assert.Equal(t, "b", cc.ReplicationGroups["a"].Followers[0].ID)
}
