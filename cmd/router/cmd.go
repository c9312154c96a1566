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
	"io"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyspace-io/keyspace/cluster"
	"github.com/keyspace-io/keyspace/cmd/flag"
	"github.com/keyspace-io/keyspace/common/process"
	"github.com/keyspace-io/keyspace/model"
)

var (
	conf       = cluster.NewConfig()
	configFile string

	Cmd = &cobra.Command{
		Use:   "router",
		Short: "Start the shard router",
		Long:  `Start the shard router and the migration coordinator, driven by a cluster config file`,
		RunE:  exec,
	}
)

func init() {
	flag.MetricsAddr(Cmd, &conf.MetricsServiceAddr)
	Cmd.Flags().StringVarP(&configFile, "conf", "f", "", "Cluster config file")
	Cmd.Flags().StringVar(&conf.MetadataPath, "coordinator-status-path", "data/coordinator-status.json", "The path where the coordinator status is stored, empty keeps it in memory")
	Cmd.Flags().IntVar(&conf.Migration.MaxConcurrentCopies, "max-concurrent-migrations", conf.Migration.MaxConcurrentCopies, "Maximum number of concurrent range copies")
	Cmd.Flags().IntVar(&conf.Migration.MaxTaskAttempts, "max-migration-attempts", conf.Migration.MaxTaskAttempts, "Attempts before a migration task is escalated")
	Cmd.Flags().IntVar(&conf.Migration.CopyRateLimitBytes, "migration-rate-limit-bytes", 0, "Migration copy throughput cap in bytes per second, 0 is unlimited")
	Cmd.Flags().DurationVar(&conf.HeartbeatTimeout, "heartbeat-timeout", conf.HeartbeatTimeout, "Silence period after which a replica is suspect")
}

func setConfigPath(v *viper.Viper) {
	v.SetConfigType("yaml")

	if configFile == "" {
		v.AddConfigPath("/keyspace/conf")
		v.AddConfigPath(".")
		v.SetConfigName("cluster")
		return
	}

	v.SetConfigFile(configFile)
}

func loadClusterConfig(v *viper.Viper) (model.ClusterConfig, error) {
	cc := model.ClusterConfig{}

	if err := v.ReadInConfig(); err != nil {
		return cc, err
	}

	if err := v.Unmarshal(&cc, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(), // default hook
		mapstructure.StringToSliceHookFunc(","),     // default hook
	))); err != nil {
		return cc, errors.Wrap(err, "failed to load cluster config")
	}

	return cc, nil
}

func exec(*cobra.Command, []string) error {
	v := viper.New()

	conf.ClusterConfigChangeNotifications = make(chan any, 1)
	conf.ClusterConfigProvider = func() (model.ClusterConfig, error) {
		return loadClusterConfig(v)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		select {
		case conf.ClusterConfigChangeNotifications <- nil:
		default:
		}
	})

	setConfigPath(v)

	if _, err := loadClusterConfig(v); err != nil {
		return err
	}
	v.WatchConfig()

	process.RunProcess(func() (io.Closer, error) {
		return cluster.New(conf)
	})
	return nil
}
