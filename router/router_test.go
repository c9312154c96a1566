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

package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyspace-io/keyspace/common"
	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/replica"
	"github.com/keyspace-io/keyspace/ring"
)

func node(id string) model.Node {
	return model.Node{
		ID:      id,
		Address: id + ":6648",
		Weight:  1,
		Status:  model.NodeStatusActive,
	}
}

// singleOwner builds a one-node ring so every key resolves to the same
// shard, plus a replica set driven by a manual clock.
func singleOwner(t *testing.T) (*ring.Ring, *replica.ReplicaSet, *common.ManualClock) {
	t.Helper()

	r := ring.New(4)
	require.NoError(t, r.AddNode(node("owner")))

	clock := common.NewManualClock(1_000_000)
	return r, replica.NewReplicaSet(10*time.Second, clock), clock
}

func heartbeat(rs *replica.ReplicaSet, clock *common.ManualClock, replicaID string, offset int64) {
	rs.RecordHeartbeat("owner", replicaID, offset, time.UnixMilli(int64(clock.NowMillis())))
}

func TestRouter_StrongGoesToPrimary(t *testing.T) {
	r, rs, clock := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))
	heartbeat(rs, clock, "r1", 0)

	rt := NewRouter(r, rs)

	n, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Strong()})
	require.NoError(t, err)
	assert.Equal(t, "primary", n.ID)
}

func TestRouter_GroupOfOne(t *testing.T) {
	r, rs, _ := singleOwner(t)
	rt := NewRouter(r, rs)

	// No replication group configured: the ring owner serves everything
	n, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Strong()})
	require.NoError(t, err)
	assert.Equal(t, "owner", n.ID)

	n, err = rt.RouteWrite(context.Background(), []byte("user:1"))
	require.NoError(t, err)
	assert.Equal(t, "owner", n.ID)
}

func TestRouter_BoundedPrefersFreshReplica(t *testing.T) {
	r, rs, clock := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))
	rs.RecordPrimaryOffset("owner", 100)
	heartbeat(rs, clock, "r1", 100)
	heartbeat(rs, clock, "r2", 10)

	rt := NewRouter(r, rs)

	n, err := rt.Route(context.Background(), ReadRequest{
		Key:         []byte("user:1"),
		Consistency: Bounded(100 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", n.ID)
}

func TestRouter_BoundedFallsBackToPrimary(t *testing.T) {
	r, rs, clock := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))
	rs.RecordPrimaryOffset("owner", 100)
	heartbeat(rs, clock, "r1", 100)

	// Primary advances and r1 goes quiet longer than the bound
	rs.RecordPrimaryOffset("owner", 200)
	clock.Advance(500 * time.Millisecond)

	rt := NewRouter(r, rs)

	n, err := rt.Route(context.Background(), ReadRequest{
		Key:         []byte("user:1"),
		Consistency: Bounded(100 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", n.ID)
}

func TestRouter_EventualRoundRobin(t *testing.T) {
	r, rs, clock := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))
	heartbeat(rs, clock, "r1", 0)
	heartbeat(rs, clock, "r2", 0)

	rt := NewRouter(r, rs)

	seen := make(map[string]int)
	for i := 0; i < 10; i++ {
		n, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Eventual()})
		require.NoError(t, err)
		seen[n.ID]++
	}

	assert.Equal(t, 5, seen["r1"])
	assert.Equal(t, 5, seen["r2"])
	assert.Zero(t, seen["primary"])
}

func TestRouter_EventualFallsBackToPrimary(t *testing.T) {
	r, rs, _ := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))

	rt := NewRouter(r, rs)

	n, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Eventual()})
	require.NoError(t, err)
	assert.Equal(t, "primary", n.ID)
}

func TestRouter_DeadPrimaryUnavailable(t *testing.T) {
	r, rs, _ := singleOwner(t)
	dead := node("primary")
	dead.Status = model.NodeStatusDead
	rs.SetPrimary("owner", dead)

	rt := NewRouter(r, rs)

	_, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Strong()})
	assert.ErrorIs(t, err, ErrShardUnavailable)

	_, err = rt.RouteWrite(context.Background(), []byte("user:1"))
	assert.ErrorIs(t, err, ErrShardUnavailable)
}

func TestRouter_SuspectPrimaryUnavailable(t *testing.T) {
	r, rs, clock := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))
	heartbeat(rs, clock, "primary", 0)

	rt := NewRouter(r, rs)

	_, err := rt.RouteWrite(context.Background(), []byte("user:1"))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)

	_, err = rt.RouteWrite(context.Background(), []byte("user:1"))
	assert.ErrorIs(t, err, ErrShardUnavailable)
}

func TestRouter_EmptyRing(t *testing.T) {
	r := ring.New(4)
	rs := replica.NewReplicaSet(replica.DefaultHeartbeatTimeout, common.SystemClock())
	rt := NewRouter(r, rs)

	_, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Strong()})
	assert.ErrorIs(t, err, ring.ErrEmptyRing)
}
