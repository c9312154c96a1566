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

// ReplicationGroup is one shard primary plus the followers that
// replicate it. There is exactly one primary at any time.
type ReplicationGroup struct {
	Primary   Node   `json:"primary" yaml:"primary"`
	Followers []Node `json:"followers" yaml:"followers"`
}

func (g ReplicationGroup) Clone() ReplicationGroup {
	r := ReplicationGroup{
		Primary:   g.Primary.Clone(),
		Followers: make([]Node, len(g.Followers)),
	}
	for i, f := range g.Followers {
		r.Followers[i] = f.Clone()
	}
	return r
}

// ClusterConfig is the operator-provided view of the cluster. It is
// loaded from a config file and can be changed at runtime: the
// coordinator diffs successive versions and turns them into node
// add/remove operations.
type ClusterConfig struct {
	// VirtualNodesPerNode is the base number of ring positions for a
	// node of weight 1.
	VirtualNodesPerNode int `json:"virtualNodesPerNode" yaml:"virtualNodesPerNode"`

	Nodes []Node `json:"nodes" yaml:"nodes"`

	ReplicationGroups map[string]ReplicationGroup `json:"replicationGroups" yaml:"replicationGroups"`
}

func (c ClusterConfig) Clone() ClusterConfig {
	r := ClusterConfig{
		VirtualNodesPerNode: c.VirtualNodesPerNode,
		Nodes:               make([]Node, len(c.Nodes)),
		ReplicationGroups:   make(map[string]ReplicationGroup, len(c.ReplicationGroups)),
	}
	for i, n := range c.Nodes {
		r.Nodes[i] = n.Clone()
	}
	for shard, g := range c.ReplicationGroups {
		r.ReplicationGroups[shard] = g.Clone()
	}
	return r
}
