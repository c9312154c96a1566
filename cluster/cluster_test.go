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

package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/router"
)

func node(id string) model.Node {
	return model.Node{
		ID:      id,
		Address: id + ":6648",
		Weight:  1,
		Status:  model.NodeStatusActive,
	}
}

// configSource is a mutable stand-in for the operator-provided cluster
// config file.
type configSource struct {
	sync.Mutex
	cc      model.ClusterConfig
	changes chan any
}

func newConfigSource(cc model.ClusterConfig) *configSource {
	return &configSource{cc: cc, changes: make(chan any, 1)}
}

func (s *configSource) provide() (model.ClusterConfig, error) {
	s.Lock()
	defer s.Unlock()
	return s.cc.Clone(), nil
}

func (s *configSource) update(cc model.ClusterConfig) {
	s.Lock()
	s.cc = cc
	s.Unlock()
	s.changes <- nil
}

func testClusterConfig(ids ...string) model.ClusterConfig {
	cc := model.ClusterConfig{VirtualNodesPerNode: 4}
	for _, id := range ids {
		cc.Nodes = append(cc.Nodes, node(id))
	}
	return cc
}

func newTestCluster(t *testing.T, source *configSource) *Cluster {
	t.Helper()

	conf := NewConfig()
	conf.MetricsServiceAddr = ""
	conf.HeartbeatTimeout = time.Second
	conf.ClusterConfigProvider = source.provide
	conf.ClusterConfigChangeNotifications = source.changes

	c, err := New(conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c
}

func TestCluster_InitialMembership(t *testing.T) {
	source := newConfigSource(testClusterConfig("node-a", "node-b"))
	c := newTestCluster(t, source)

	assert.Eventually(t, func() bool {
		snap := c.Ring().Snapshot()
		return snap.ContainsNode("node-a") && snap.ContainsNode("node-b") &&
			len(c.Coordinator().Status().Tasks) == 0
	}, 10*time.Second, 10*time.Millisecond)

	n, err := c.Router().RouteWrite(context.Background(), []byte("user:1"))
	require.NoError(t, err)
	assert.Contains(t, []string{"node-a", "node-b"}, n.ID)
}

func TestCluster_ConfigChangeAddsAndRemovesNodes(t *testing.T) {
	source := newConfigSource(testClusterConfig("node-a", "node-b"))
	c := newTestCluster(t, source)

	require.Eventually(t, func() bool {
		return len(c.Coordinator().Status().Tasks) == 0 &&
			c.Ring().Snapshot().ContainsNode("node-b")
	}, 10*time.Second, 10*time.Millisecond)

	source.update(testClusterConfig("node-a", "node-c"))

	assert.Eventually(t, func() bool {
		snap := c.Ring().Snapshot()
		return snap.ContainsNode("node-c") && !snap.ContainsNode("node-b")
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCluster_ReplicationGroups(t *testing.T) {
	cc := testClusterConfig("node-a")
	cc.ReplicationGroups = map[string]model.ReplicationGroup{
		"node-a": {
			Primary:   node("node-a"),
			Followers: []model.Node{node("follower-1")},
		},
	}
	source := newConfigSource(cc)
	c := newTestCluster(t, source)

	p, ok := c.ReplicaSet().Primary("node-a")
	require.True(t, ok)
	assert.Equal(t, "node-a", p.ID)

	// A heartbeating follower starts serving eventual reads
	c.RecordHeartbeat("node-a", "follower-1", 0, time.Now())

	n, err := c.Router().Route(context.Background(), router.ReadRequest{
		Key:         []byte("user:1"),
		Consistency: router.Eventual(),
	})
	require.NoError(t, err)
	assert.Equal(t, "follower-1", n.ID)
}
