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

package replica

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/keyspace-io/keyspace/common"
	"github.com/keyspace-io/keyspace/common/metric"
	"github.com/keyspace-io/keyspace/model"
)

const DefaultHeartbeatTimeout = 10 * time.Second

var ErrShardNotFound = errors.New("keyspace: shard not found")

// ReplicaSet tracks, per shard, the primary and the replication state
// of every follower: applied offset, last heartbeat time and load.
//
// Offsets are monotonically non-decreasing; a stale heartbeat is
// dropped. A replica that stays silent longer than the heartbeat
// timeout is suspect and excluded from read routing until it
// re-reports. The per-shard state carries its own lock so that
// heartbeats for different shards never contend.
type ReplicaSet struct {
	mu     sync.RWMutex
	shards map[string]*shardState

	heartbeatTimeout time.Duration
	clock            common.Clock
	log              *slog.Logger

	heartbeatsReceived metric.Counter
	staleHeartbeats    metric.Counter
}

type replicaState struct {
	node model.Node

	offset         int64
	lastSeenMillis uint64
	// caughtUpMillis is the last time the replica reported an offset
	// matching the primary's. The staleness bound for a lagging
	// replica is the time elapsed since then.
	caughtUpMillis uint64
	load           int64
}

type shardState struct {
	mu sync.Mutex

	primary       model.Node
	hasPrimary    bool
	primaryOffset int64
	replicas      map[string]*replicaState

	trackedReplicas metric.Gauge
}

func NewReplicaSet(heartbeatTimeout time.Duration, clock common.Clock) *ReplicaSet {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if clock == nil {
		clock = common.SystemClock()
	}
	return &ReplicaSet{
		shards:           map[string]*shardState{},
		heartbeatTimeout: heartbeatTimeout,
		clock:            clock,
		log: slog.With(
			slog.String("component", "replica-set"),
		),
		heartbeatsReceived: metric.NewCounter("keyspace_replica_heartbeats_total",
			"The number of replica heartbeats ingested", metric.Dimensionless, nil),
		staleHeartbeats: metric.NewCounter("keyspace_replica_heartbeats_stale_total",
			"The number of heartbeats dropped because the offset went backwards", metric.Dimensionless, nil),
	}
}

func (rs *ReplicaSet) shard(shardID string, create bool) *shardState {
	rs.mu.RLock()
	s, ok := rs.shards[shardID]
	rs.mu.RUnlock()
	if ok || !create {
		return s
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if s, ok = rs.shards[shardID]; ok {
		return s
	}
	s = &shardState{
		replicas: map[string]*replicaState{},
	}
	s.trackedReplicas = metric.NewGauge("keyspace_replica_tracked_replicas",
		"The number of replicas tracked for the shard", metric.Dimensionless,
		metric.LabelsForShard(shardID), func() int64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			return int64(len(s.replicas))
		})
	rs.shards[shardID] = s
	return s
}

// SetPrimary installs the shard primary, displacing the previous one.
func (rs *ReplicaSet) SetPrimary(shardID string, node model.Node) {
	s := rs.shard(shardID, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = node
	s.hasPrimary = true
}

func (rs *ReplicaSet) Primary(shardID string) (model.Node, bool) {
	s := rs.shard(shardID, false)
	if s == nil {
		return model.Node{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary, s.hasPrimary
}

func (rs *ReplicaSet) AddReplica(shardID string, node model.Node) {
	s := rs.shard(shardID, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replicas[node.ID]; !ok {
		s.replicas[node.ID] = &replicaState{node: node}
	}
}

func (rs *ReplicaSet) RemoveReplica(shardID string, replicaID string) {
	s := rs.shard(shardID, false)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, replicaID)
}

// RecordPrimaryOffset advances the primary write offset used as the
// baseline to compute replica lag.
func (rs *ReplicaSet) RecordPrimaryOffset(shardID string, offset int64) {
	s := rs.shard(shardID, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.primaryOffset {
		s.primaryOffset = offset
	}
}

// RecordHeartbeat ingests one replica report. Unknown replicas are
// registered on first contact. Offsets never move backwards.
func (rs *ReplicaSet) RecordHeartbeat(shardID string, replicaID string, observedOffset int64, timestamp time.Time) {
	rs.heartbeatsReceived.Inc()

	s := rs.shard(shardID, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[replicaID]
	if !ok {
		r = &replicaState{node: model.Node{ID: replicaID, Status: model.NodeStatusActive}}
		s.replicas[replicaID] = r
	}

	if observedOffset < r.offset {
		rs.staleHeartbeats.Inc()
		rs.log.Warn(
			"Dropping stale heartbeat",
			slog.String("shard", shardID),
			slog.String("replica", replicaID),
			slog.Int64("observed-offset", observedOffset),
			slog.Int64("current-offset", r.offset),
		)
		return
	}

	ts := uint64(timestamp.UnixMilli())
	if now := rs.clock.NowMillis(); ts > now {
		// The reporting subsystem's clock can run ahead of ours; a
		// future timestamp counts as just seen, never as silence
		ts = now
	}
	r.offset = observedOffset
	if ts > r.lastSeenMillis {
		r.lastSeenMillis = ts
	}
	if observedOffset >= s.primaryOffset && ts > r.caughtUpMillis {
		r.caughtUpMillis = ts
	}
}

// ReportLoad updates the load indicator used to break ties between
// equally-lagged replicas.
func (rs *ReplicaSet) ReportLoad(shardID string, replicaID string, load int64) {
	s := rs.shard(shardID, false)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.replicas[replicaID]; ok {
		r.load = load
	}
}

func (s *shardState) lagMillis(r *replicaState, nowMillis uint64) uint64 {
	if r.offset >= s.primaryOffset {
		return 0
	}
	if r.caughtUpMillis == 0 || nowMillis < r.caughtUpMillis {
		// Never proven current: not eligible for any bounded read
		return ^uint64(0)
	}
	return nowMillis - r.caughtUpMillis
}

func (s *shardState) isSuspect(r *replicaState, nowMillis uint64, timeoutMillis uint64) bool {
	return r.lastSeenMillis == 0 || nowMillis-r.lastSeenMillis > timeoutMillis
}

// IsSuspect reports whether the participant went silent past the
// heartbeat timeout. A participant that never reported at all is not
// suspect here: there is no failure evidence against it.
func (rs *ReplicaSet) IsSuspect(shardID string, replicaID string) bool {
	s := rs.shard(shardID, false)
	if s == nil {
		return false
	}

	now := rs.clock.NowMillis()
	timeoutMillis := uint64(rs.heartbeatTimeout.Milliseconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[replicaID]
	if !ok || r.lastSeenMillis == 0 {
		return false
	}
	return now-r.lastSeenMillis > timeoutMillis
}

// EligibleReplicas returns the replicas whose staleness is within
// maxLag, ordered by ascending lag and then ascending load. Suspect
// replicas are excluded. An empty result means the caller must fall
// back to the primary.
func (rs *ReplicaSet) EligibleReplicas(shardID string, maxLag time.Duration) []model.Node {
	return rs.selectReplicas(shardID, uint64(maxLag.Milliseconds()))
}

// NonSuspectReplicas returns every replica currently heartbeating,
// with no bound on staleness.
func (rs *ReplicaSet) NonSuspectReplicas(shardID string) []model.Node {
	return rs.selectReplicas(shardID, ^uint64(0))
}

func (rs *ReplicaSet) selectReplicas(shardID string, maxLagMillis uint64) []model.Node {
	s := rs.shard(shardID, false)
	if s == nil {
		return nil
	}

	now := rs.clock.NowMillis()
	timeoutMillis := uint64(rs.heartbeatTimeout.Milliseconds())

	type candidate struct {
		node model.Node
		lag  uint64
		load int64
	}

	s.mu.Lock()
	candidates := make([]candidate, 0, len(s.replicas))
	for _, r := range s.replicas {
		if s.hasPrimary && r.node.ID == s.primary.ID {
			continue
		}
		if s.isSuspect(r, now, timeoutMillis) {
			continue
		}
		lag := s.lagMillis(r, now)
		if lag > maxLagMillis {
			continue
		}
		candidates = append(candidates, candidate{node: r.node, lag: lag, load: r.load})
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lag != candidates[j].lag {
			return candidates[i].lag < candidates[j].lag
		}
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})

	res := make([]model.Node, len(candidates))
	for i, c := range candidates {
		res[i] = c.node
	}
	return res
}
