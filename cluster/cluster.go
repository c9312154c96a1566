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

// Package cluster assembles the sharded access layer: the hash ring,
// the replica tracker, the router and the migration coordinator, kept
// in sync with an operator-provided cluster config that can change at
// runtime.
package cluster

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/keyspace-io/keyspace/common/metric"
	"github.com/keyspace-io/keyspace/common/process"
	"github.com/keyspace-io/keyspace/migration"
	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/replica"
	"github.com/keyspace-io/keyspace/ring"
	"github.com/keyspace-io/keyspace/router"
	"github.com/keyspace-io/keyspace/store"
)

type Config struct {
	Migration migration.Config

	HeartbeatTimeout time.Duration

	// MetadataPath is where the coordinator persists its status for
	// handoff. Empty keeps it in memory.
	MetadataPath string

	MetricsServiceAddr string

	ClusterConfigProvider            func() (model.ClusterConfig, error)
	ClusterConfigChangeNotifications chan any
}

func NewConfig() Config {
	return Config{
		Migration:          migration.NewConfig(),
		HeartbeatTimeout:   replica.DefaultHeartbeatTimeout,
		MetricsServiceAddr: "0.0.0.0:8080",
	}
}

type Cluster struct {
	sync.Mutex

	conf        Config
	ring        *ring.Ring
	replicas    *replica.ReplicaSet
	router      *router.Router
	coordinator *migration.Coordinator
	stores      *store.StaticProvider

	metrics *metric.PrometheusMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

func New(conf Config) (*Cluster, error) {
	if conf.ClusterConfigProvider == nil {
		return nil, errors.New("keyspace: cluster config provider must be set")
	}

	cc, err := conf.ClusterConfigProvider()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load the initial cluster config")
	}
	if cc.VirtualNodesPerNode > 0 {
		conf.Migration.VirtualNodesPerNode = cc.VirtualNodesPerNode
	}

	c := &Cluster{
		conf:     conf,
		ring:     ring.New(conf.Migration.VirtualNodesPerNode),
		replicas: replica.NewReplicaSet(conf.HeartbeatTimeout, nil),
		stores:   store.NewStaticProvider(),
		log: slog.With(
			slog.String("component", "cluster"),
		),
	}
	c.router = router.NewRouter(c.ring, c.replicas)

	var metadata migration.MetadataProvider
	if conf.MetadataPath != "" {
		metadata = migration.NewMetadataProviderFile(conf.MetadataPath)
	}
	if c.coordinator, err = migration.NewCoordinator(conf.Migration, c.ring, c.stores, metadata); err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err = c.applyClusterConfig(cc); err != nil {
		return nil, err
	}

	if conf.MetricsServiceAddr != "" {
		if c.metrics, err = metric.Start(conf.MetricsServiceAddr); err != nil {
			return nil, err
		}
	}

	if conf.ClusterConfigChangeNotifications != nil {
		c.wg.Add(1)
		go process.DoWithLabels(c.ctx, map[string]string{
			"keyspace": "cluster-config-watch",
		}, c.watchClusterConfig)
	}

	return c, nil
}

func (c *Cluster) Router() *router.Router {
	return c.router
}

func (c *Cluster) Ring() *ring.Ring {
	return c.ring
}

func (c *Cluster) ReplicaSet() *replica.ReplicaSet {
	return c.replicas
}

func (c *Cluster) Coordinator() *migration.Coordinator {
	return c.coordinator
}

// RecordHeartbeat is the ingestion point for the external replication
// subsystem reporting replica progress.
func (c *Cluster) RecordHeartbeat(shardID string, replicaID string, observedOffset int64, timestamp time.Time) {
	c.replicas.RecordHeartbeat(shardID, replicaID, observedOffset, timestamp)
}

func (c *Cluster) watchClusterConfig() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.conf.ClusterConfigChangeNotifications:
		}

		cc, err := c.conf.ClusterConfigProvider()
		if err != nil {
			c.log.Warn(
				"Failed to reload the cluster config",
				slog.Any("error", err),
			)
			continue
		}

		c.log.Info("Detected cluster config change, applying")
		if err = c.applyClusterConfig(cc); err != nil {
			c.log.Error(
				"Failed to apply the new cluster config",
				slog.Any("error", err),
			)
		}
	}
}

// applyClusterConfig diffs the desired membership against the current
// ring and turns the difference into node joins and decommissions.
func (c *Cluster) applyClusterConfig(cc model.ClusterConfig) error {
	c.Lock()
	defer c.Unlock()

	desired := make(map[string]model.Node, len(cc.Nodes))
	for _, n := range cc.Nodes {
		desired[n.ID] = n
	}

	snap := c.ring.Snapshot()

	var err error
	for id, n := range desired {
		if snap.ContainsNode(id) {
			continue
		}
		c.stores.Register(id)
		if addErr := c.coordinator.AddNode(n); addErr != nil {
			err = multierr.Append(err, addErr)
		}
	}

	for id, n := range snap.Nodes {
		if _, ok := desired[id]; ok {
			continue
		}
		if n.Status == model.NodeStatusDraining {
			// Decommission already in flight
			continue
		}
		if rmErr := c.coordinator.RemoveNode(id); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
	}

	for shardID, group := range cc.ReplicationGroups {
		c.replicas.SetPrimary(shardID, group.Primary)
		for _, follower := range group.Followers {
			c.replicas.AddReplica(shardID, follower)
		}
	}

	return err
}

func (c *Cluster) Close() error {
	c.cancel()
	c.wg.Wait()

	err := c.coordinator.Close()
	if c.metrics != nil {
		err = multierr.Append(err, c.metrics.Close())
	}
	return err
}

var _ io.Closer = (*Cluster)(nil)
