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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/keyspace-io/keyspace/common/metric"
	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/replica"
	"github.com/keyspace-io/keyspace/ring"
)

var ErrShardUnavailable = errors.New("keyspace: shard primary is unavailable")

type Level uint8

const (
	LevelStrong Level = iota
	LevelBounded
	LevelEventual
)

func (l Level) String() string {
	switch l {
	case LevelStrong:
		return "strong"
	case LevelBounded:
		return "bounded"
	default:
		return "eventual"
	}
}

// Consistency is a per-request read consistency requirement.
type Consistency struct {
	level  Level
	maxLag time.Duration
}

func Strong() Consistency {
	return Consistency{level: LevelStrong}
}

// Bounded allows reads from replicas whose staleness does not exceed
// maxLag.
func Bounded(maxLag time.Duration) Consistency {
	return Consistency{level: LevelBounded, maxLag: maxLag}
}

func Eventual() Consistency {
	return Consistency{level: LevelEventual}
}

func (c Consistency) Level() Level {
	return c.level
}

func (c Consistency) MaxLag() time.Duration {
	return c.maxLag
}

// ReadRequest is immutable once issued.
type ReadRequest struct {
	Key         []byte
	Consistency Consistency
}

// Router resolves requests to concrete nodes, honoring the requested
// consistency. It holds a read-only view of the ring and never retries:
// retry policy is layered on top (see RetryRouter).
type Router struct {
	ring     *ring.Ring
	replicas *replica.ReplicaSet

	// Round-robin positions for eventual reads, one per shard
	rrCounters sync.Map

	log *slog.Logger

	strongReads     metric.Counter
	boundedReads    metric.Counter
	eventualReads   metric.Counter
	primaryFallback metric.Counter
	routeLatency    metric.LatencyHistogram
}

func NewRouter(r *ring.Ring, replicas *replica.ReplicaSet) *Router {
	return &Router{
		ring:     r,
		replicas: replicas,
		log: slog.With(
			slog.String("component", "router"),
		),
		strongReads: metric.NewCounter("keyspace_router_reads_total",
			"The number of reads routed with strong consistency", metric.Dimensionless,
			map[string]any{"consistency": LevelStrong.String()}),
		boundedReads: metric.NewCounter("keyspace_router_reads_total",
			"The number of reads routed with bounded consistency", metric.Dimensionless,
			map[string]any{"consistency": LevelBounded.String()}),
		eventualReads: metric.NewCounter("keyspace_router_reads_total",
			"The number of reads routed with eventual consistency", metric.Dimensionless,
			map[string]any{"consistency": LevelEventual.String()}),
		primaryFallback: metric.NewCounter("keyspace_router_primary_fallback_total",
			"The number of replica reads that fell back to the primary", metric.Dimensionless, nil),
		routeLatency: metric.NewLatencyHistogram("keyspace_router_route_latency",
			"The latency of routing decisions", nil),
	}
}

// primary resolves the replication-group primary for the shard headed
// by the ring owner. A shard with no explicit group is a group of one:
// the owner itself.
func (r *Router) primary(owner model.Node) (model.Node, error) {
	primary, ok := r.replicas.Primary(owner.ID)
	if !ok {
		primary = owner
	}

	if primary.Status == model.NodeStatusDead {
		return model.Node{}, errors.Wrap(ErrShardUnavailable, primary.ID)
	}
	if r.replicas.IsSuspect(owner.ID, primary.ID) {
		return model.Node{}, errors.Wrap(ErrShardUnavailable, primary.ID)
	}
	return primary, nil
}

// Route resolves a read request to the node that should serve it.
func (r *Router) Route(_ context.Context, req ReadRequest) (model.Node, error) {
	timer := r.routeLatency.Timer()
	defer timer.Done()

	owner, err := r.ring.Locate(req.Key)
	if err != nil {
		return model.Node{}, err
	}

	switch req.Consistency.level {
	case LevelStrong:
		r.strongReads.Inc()
		return r.primary(owner)

	case LevelBounded:
		r.boundedReads.Inc()
		eligible := r.replicas.EligibleReplicas(owner.ID, req.Consistency.maxLag)
		if len(eligible) > 0 {
			return eligible[0], nil
		}
		r.primaryFallback.Inc()
		return r.primary(owner)

	default:
		r.eventualReads.Inc()
		candidates := r.replicas.NonSuspectReplicas(owner.ID)
		if len(candidates) == 0 {
			r.primaryFallback.Inc()
			return r.primary(owner)
		}
		counter, _ := r.rrCounters.LoadOrStore(owner.ID, &atomic.Uint64{})
		idx := counter.(*atomic.Uint64).Add(1) - 1
		return candidates[idx%uint64(len(candidates))], nil
	}
}

// RouteWrite resolves a write to the primary of the owning shard: the
// primary is the single point of ordering for the keys it owns.
func (r *Router) RouteWrite(_ context.Context, key []byte) (model.Node, error) {
	timer := r.routeLatency.Timer()
	defer timer.Done()

	owner, err := r.ring.Locate(key)
	if err != nil {
		return model.Node{}, err
	}
	return r.primary(owner)
}
