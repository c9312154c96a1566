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

func TestRetryRouter_PermanentErrorNotRetried(t *testing.T) {
	r := ring.New(4)
	rs := replica.NewReplicaSet(replica.DefaultHeartbeatTimeout, common.SystemClock())
	rt := NewRetryRouter(NewRouter(r, rs), 10)

	start := time.Now()
	_, err := rt.Route(context.Background(), ReadRequest{Key: []byte("user:1"), Consistency: Strong()})
	assert.ErrorIs(t, err, ring.ErrEmptyRing)
	// An empty ring fails immediately instead of burning the retry budget
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryRouter_RecoversAfterPrimaryReturns(t *testing.T) {
	r, rs, clock := singleOwner(t)
	rs.SetPrimary("owner", node("primary"))
	heartbeat(rs, clock, "primary", 0)
	clock.Advance(30 * time.Second)

	rt := NewRetryRouter(NewRouter(r, rs), 20)

	done := make(chan error, 1)
	go func() {
		n, err := rt.RouteWrite(context.Background(), []byte("user:1"))
		if err == nil {
			assert.Equal(t, "primary", n.ID)
		}
		done <- err
	}()

	// Let the first attempts fail, then bring the primary back
	time.Sleep(150 * time.Millisecond)
	heartbeat(rs, clock, "primary", 0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("routing never recovered")
	}
}

func TestRetryRouter_GivesUpAfterMaxRetries(t *testing.T) {
	r, rs, _ := singleOwner(t)
	dead := node("primary")
	dead.Status = model.NodeStatusDead
	rs.SetPrimary("owner", dead)

	rt := NewRetryRouter(NewRouter(r, rs), 2)

	_, err := rt.RouteWrite(context.Background(), []byte("user:1"))
	assert.ErrorIs(t, err, ErrShardUnavailable)
}

func TestRetryRouter_ContextCancellation(t *testing.T) {
	r, rs, _ := singleOwner(t)
	dead := node("primary")
	dead.Status = model.NodeStatusDead
	rs.SetPrimary("owner", dead)

	ctx, cancel := context.WithCancel(context.Background())
	rt := NewRetryRouter(NewRouter(r, rs), 1000)

	done := make(chan error, 1)
	go func() {
		_, err := rt.RouteWrite(ctx, []byte("user:1"))
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not stop the retry loop")
	}
}
