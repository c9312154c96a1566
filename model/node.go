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
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

type NodeStatus uint16

const (
	NodeStatusUnknown NodeStatus = iota
	NodeStatusActive
	NodeStatusDraining
	NodeStatusDead
)

var nodeStatusToString = map[NodeStatus]string{
	NodeStatusUnknown:  "Unknown",
	NodeStatusActive:   "Active",
	NodeStatusDraining: "Draining",
	NodeStatusDead:     "Dead",
}

var stringToNodeStatus = map[string]NodeStatus{
	"Unknown":  NodeStatusUnknown,
	"Active":   NodeStatusActive,
	"Draining": NodeStatusDraining,
	"Dead":     NodeStatusDead,
}

func (s NodeStatus) String() string {
	return nodeStatusToString[s]
}

// MarshalJSON marshals the enum as a quoted json string
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(nodeStatusToString[s])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted json string to the enum value
func (s *NodeStatus) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	// Unrecognized strings map to the Unknown status value
	*s = stringToNodeStatus[j]
	return nil
}

// Node describes one physical member of the cluster.
//
// A node with weight W is assigned W times the base number of
// virtual-node positions on the hash ring.
type Node struct {
	ID      string     `json:"id" yaml:"id"`
	Address string     `json:"address" yaml:"address"`
	Weight  uint32     `json:"weight" yaml:"weight"`
	Status  NodeStatus `json:"status" yaml:"status"`
}

func (n Node) Clone() Node {
	return Node{
		ID:      n.ID,
		Address: n.Address,
		Weight:  n.Weight,
		Status:  n.Status,
	}
}

func (n Node) Validate() error {
	if n.ID == "" {
		return errors.New("keyspace: node id must not be empty")
	}
	if n.Weight < 1 {
		return errors.Errorf("keyspace: node %s weight must be >= 1", n.ID)
	}
	return nil
}
