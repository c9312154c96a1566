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

// Package migration moves key-range ownership between nodes when the
// cluster membership changes.
//
// Every task copies its range off to the side, verifies it, and then
// flips ownership with a single ring publish. The source keeps serving
// the range until that flip, so there is exactly one authoritative
// node for any range at any instant.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/keyspace-io/keyspace/common"
	"github.com/keyspace-io/keyspace/common/channel"
	"github.com/keyspace-io/keyspace/common/metric"
	"github.com/keyspace-io/keyspace/common/process"
	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/ring"
	"github.com/keyspace-io/keyspace/store"
)

var (
	ErrConcurrentCutover = errors.New("keyspace: concurrent cutover on overlapping range")
	ErrTaskNotFound      = errors.New("keyspace: migration task not found")
	ErrTaskNotCancelable = errors.New("keyspace: migration task is past cutover")
)

const (
	DefaultMaxConcurrentCopies = 4
	DefaultMaxTaskAttempts     = 5
	DefaultStatusBufferSize    = 128

	minCopyBurstBytes = 1 << 20
)

type Config struct {
	VirtualNodesPerNode int
	MaxConcurrentCopies int
	MaxTaskAttempts     int

	// CopyRateLimitBytes caps the aggregate copy throughput in bytes
	// per second. Zero disables the cap.
	CopyRateLimitBytes int

	StatusBufferSize int
}

func NewConfig() Config {
	return Config{
		VirtualNodesPerNode: ring.DefaultVirtualNodesPerNode,
		MaxConcurrentCopies: DefaultMaxConcurrentCopies,
		MaxTaskAttempts:     DefaultMaxTaskAttempts,
		StatusBufferSize:    DefaultStatusBufferSize,
	}
}

type batchKind uint8

const (
	batchAdd batchKind = iota
	batchRemove
)

// batch groups the tasks spawned by one add/remove operation. Source
// ranges are discarded only once the whole batch is done, because two
// virtual nodes of the same physical node can cover adjacent ranges
// while the batch is in flight.
type batch struct {
	kind      batchKind
	nodeID    string
	remaining int
	aborted   bool
	tasks     []string
}

func batchKey(kind batchKind, nodeID string) string {
	if kind == batchAdd {
		return "add:" + nodeID
	}
	return "remove:" + nodeID
}

// Coordinator is the only writer of the ring. It plans migrations from
// membership changes and drives each task through its state machine.
type Coordinator struct {
	sync.Mutex

	conf     Config
	ring     *ring.Ring
	stores   store.Provider
	metadata MetadataProvider

	status  *CoordinatorStatus
	version int64

	batches map[string]*batch
	cancels map[string]context.CancelFunc
	// Ranges currently in CUTOVER, keyed by task id
	activeCutovers map[string]store.HashRange

	sem     chan struct{}
	limiter *rate.Limiter
	events  chan TaskEvent

	activeCopies atomic.Int64
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	log          *slog.Logger

	copiedBytes    metric.Counter
	copySize       metric.Histogram
	copyEntries    metric.Histogram
	tasksCompleted metric.Counter
	tasksFailed    metric.Counter
	copiesGauge    metric.Gauge
}

func NewCoordinator(conf Config, r *ring.Ring, stores store.Provider, metadata MetadataProvider) (*Coordinator, error) {
	if conf.MaxConcurrentCopies <= 0 {
		conf.MaxConcurrentCopies = DefaultMaxConcurrentCopies
	}
	if conf.MaxTaskAttempts <= 0 {
		conf.MaxTaskAttempts = DefaultMaxTaskAttempts
	}
	if conf.StatusBufferSize <= 0 {
		conf.StatusBufferSize = DefaultStatusBufferSize
	}
	if metadata == nil {
		metadata = NewMetadataProviderMemory()
	}

	c := &Coordinator{
		conf:           conf,
		ring:           r,
		stores:         stores,
		metadata:       metadata,
		batches:        map[string]*batch{},
		cancels:        map[string]context.CancelFunc{},
		activeCutovers: map[string]store.HashRange{},
		sem:            make(chan struct{}, conf.MaxConcurrentCopies),
		events:         make(chan TaskEvent, conf.StatusBufferSize),
		log: slog.With(
			slog.String("component", "migration-coordinator"),
		),
		copiedBytes: metric.NewCounter("keyspace_migration_copied_bytes",
			"The amount of data copied by migrations", metric.Bytes, nil),
		copySize: metric.NewBytesHistogram("keyspace_migration_copy_size",
			"The size of each copied key range", nil),
		copyEntries: metric.NewCountHistogram("keyspace_migration_copy_entries",
			"The number of entries in each copied key range", nil),
		tasksCompleted: metric.NewCounter("keyspace_migration_tasks_completed_total",
			"The number of migration tasks that reached Done", metric.Dimensionless, nil),
		tasksFailed: metric.NewCounter("keyspace_migration_tasks_failed_total",
			"The number of migration task attempts that failed", metric.Dimensionless, nil),
	}
	c.copiesGauge = metric.NewGauge("keyspace_migration_active_copies",
		"The number of range copies currently running", metric.Dimensionless, nil,
		c.activeCopies.Load)

	if conf.CopyRateLimitBytes > 0 {
		burst := conf.CopyRateLimitBytes
		if burst < minCopyBurstBytes {
			burst = minCopyBurstBytes
		}
		c.limiter = rate.NewLimiter(rate.Limit(conf.CopyRateLimitBytes), burst)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.recover(); err != nil {
		return nil, err
	}

	return c, nil
}

// recover reloads the persisted status: the ring snapshot is
// re-published and every non-terminal task restarts from Planned.
func (c *Coordinator) recover() error {
	cs, version, err := c.metadata.Get()
	if err != nil {
		return errors.Wrap(err, "failed to load coordinator metadata")
	}

	c.Lock()
	defer c.Unlock()

	c.version = version
	if cs == nil {
		c.status = NewCoordinatorStatus()
		c.status.Ring = c.ring.Snapshot()
		return c.persistLocked()
	}

	c.status = cs.Clone()
	if c.status.Ring != nil {
		c.ring.Restore(c.status.Ring)
	}

	resumed := 0
	for id, t := range c.status.Tasks {
		if t.State.IsTerminal() {
			delete(c.status.Tasks, id)
			continue
		}
		// The persisted ring includes every cutover that completed, so
		// refresh the interrupted task's endpoints against it
		t = ReplanTask(c.ring.Snapshot(), t)
		t.State = TaskStatePlanned
		c.status.Tasks[id] = t
		c.enrollLocked(t)
		resumed++
	}
	if resumed > 0 {
		c.log.Info(
			"Resuming interrupted migration tasks",
			slog.Int("tasks", resumed),
		)
	}
	for _, t := range c.status.Tasks {
		c.spawnLocked(t.ID)
	}
	return c.persistLocked()
}

func (c *Coordinator) Events() <-chan TaskEvent {
	return c.events
}

// Status returns a copy of the current coordinator status.
func (c *Coordinator) Status() *CoordinatorStatus {
	c.Lock()
	defer c.Unlock()
	return c.status.Clone()
}

// AddNode introduces a node into the cluster. The first node is
// published immediately; any later join is staged through migration
// tasks, and each key range flips to the newcomer only at its task's
// cutover.
func (c *Coordinator) AddNode(node model.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	node.Status = model.NodeStatusActive

	c.Lock()
	defer c.Unlock()

	old := c.ring.Snapshot()
	if old.ContainsNode(node.ID) {
		return errors.Wrap(ring.ErrDuplicateNode, node.ID)
	}

	tasks := PlanAdd(old, node, c.conf.VirtualNodesPerNode)

	if len(tasks) == 0 {
		// Empty ring: nothing to move, publish directly
		if err := c.ring.AddNode(node); err != nil {
			return err
		}
		return c.persistLocked()
	}

	c.log.Info(
		"Planned node join",
		slog.String("node", node.ID),
		slog.Int("tasks", len(tasks)),
	)

	for _, t := range tasks {
		c.status.Tasks[t.ID] = t
		c.enrollLocked(t)
	}
	if err := c.persistLocked(); err != nil {
		return err
	}
	for _, t := range tasks {
		c.spawnLocked(t.ID)
	}
	return nil
}

// RemoveNode decommissions a node. It is marked draining right away,
// but keeps serving each of its ranges until that range's cutover; the
// node leaves the ring when its last range is handed off.
func (c *Coordinator) RemoveNode(nodeID string) error {
	c.Lock()
	defer c.Unlock()

	old := c.ring.Snapshot()
	tasks, err := PlanRemove(old, nodeID)
	if err != nil {
		return err
	}

	if err := c.ring.Update(func(s *ring.Snapshot) (*ring.Snapshot, error) {
		next := s.Clone()
		n, ok := next.Nodes[nodeID]
		if !ok {
			return nil, errors.Wrap(ring.ErrNodeNotFound, nodeID)
		}
		n.Status = model.NodeStatusDraining
		next.Nodes[nodeID] = n
		return next, nil
	}); err != nil {
		return err
	}

	c.log.Info(
		"Planned node decommission",
		slog.String("node", nodeID),
		slog.Int("tasks", len(tasks)),
	)

	for _, t := range tasks {
		c.status.Tasks[t.ID] = t
		c.enrollLocked(t)
	}
	if err := c.persistLocked(); err != nil {
		return err
	}
	for _, t := range tasks {
		c.spawnLocked(t.ID)
	}
	return nil
}

// Cancel stops a task that has not yet begun its cutover.
func (c *Coordinator) Cancel(taskID string) error {
	c.Lock()
	defer c.Unlock()

	t, ok := c.status.Tasks[taskID]
	if !ok {
		return errors.Wrap(ErrTaskNotFound, taskID)
	}
	if t.State == TaskStateCutover || t.State.IsTerminal() {
		return errors.Wrap(ErrTaskNotCancelable, taskID)
	}

	if cancel, ok := c.cancels[taskID]; ok {
		cancel()
	}
	return nil
}

func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()

	c.copiesGauge.Unregister()
	close(c.events)
	return multierr.Combine(c.metadata.Close())
}

// ---------------------------------------------------------------------------

// persistLocked writes the status through the metadata provider with a
// version check. Caller must hold the coordinator lock.
func (c *Coordinator) persistLocked() error {
	c.status.Ring = c.ring.Snapshot()
	newVersion, err := c.metadata.Store(c.status, c.version)
	if err != nil {
		return err
	}
	c.version = newVersion
	return nil
}

func (c *Coordinator) enrollLocked(t Task) {
	key := batchKey(batchAdd, t.To)
	if t.RemoveEntry {
		key = batchKey(batchRemove, t.From)
	}

	b, ok := c.batches[key]
	if !ok {
		b = &batch{nodeID: t.To, kind: batchAdd}
		if t.RemoveEntry {
			b.nodeID = t.From
			b.kind = batchRemove
		}
		c.batches[key] = b
	}
	b.remaining++
	b.tasks = append(b.tasks, t.ID)
}

func (c *Coordinator) spawnLocked(taskID string) {
	taskCtx, taskCancel := context.WithCancel(c.ctx)
	c.cancels[taskID] = taskCancel

	c.wg.Add(1)
	go process.DoWithLabels(taskCtx, map[string]string{
		"keyspace": "migration-task",
		"task":     taskID,
	}, func() {
		defer c.wg.Done()
		c.runTask(taskCtx, taskID)
	})
}

func (c *Coordinator) runTask(ctx context.Context, taskID string) {
	b := common.NewBackOff(ctx)

	for {
		err := c.attempt(ctx, taskID)
		if err == nil {
			c.finishTask(taskID)
			return
		}

		if c.ctx.Err() != nil {
			// Coordinator shutdown: leave the persisted state as is, a
			// restarted coordinator resumes the task from Planned
			return
		}
		if ctx.Err() != nil {
			c.cancelTask(taskID)
			return
		}

		c.tasksFailed.Inc()
		attempts := c.transition(taskID, TaskStateFailed, err)
		if attempts >= c.conf.MaxTaskAttempts {
			c.log.Error(
				"Migration task exhausted its attempts",
				slog.String("task", taskID),
				slog.Int("attempts", attempts),
				slog.Any("error", err),
			)
			c.Lock()
			delete(c.cancels, taskID)
			c.Unlock()
			return
		}

		// Copy is idempotent, so the retry re-enters Planned, refreshed
		// against the ring as it is now: a colliding cutover may have
		// moved the range's endpoints since the task was planned
		c.replan(taskID)
		c.transition(taskID, TaskStatePlanned, nil)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if c.ctx.Err() == nil {
				c.cancelTask(taskID)
			}
			return
		}
	}
}

func (c *Coordinator) replan(taskID string) {
	c.Lock()
	defer c.Unlock()

	if t, ok := c.status.Tasks[taskID]; ok {
		c.status.Tasks[taskID] = ReplanTask(c.ring.Snapshot(), t)
	}
}

func (c *Coordinator) task(taskID string) (Task, bool) {
	c.Lock()
	defer c.Unlock()
	t, ok := c.status.Tasks[taskID]
	return t, ok
}

func (c *Coordinator) attempt(ctx context.Context, taskID string) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	t, ok := c.task(taskID)
	if !ok {
		return errors.Wrap(ErrTaskNotFound, taskID)
	}

	c.activeCopies.Add(1)
	defer c.activeCopies.Add(-1)

	c.transition(taskID, TaskStateCopying, nil)

	src, err := c.stores.StoreFor(t.From)
	if err != nil {
		return err
	}
	dst, err := c.stores.StoreFor(t.To)
	if err != nil {
		return err
	}

	entries := src.ScanRange(t.Range)
	copied := 0
	for _, kv := range entries {
		size := len(kv.Key) + len(kv.Value)
		if err := c.waitThroughput(ctx, size); err != nil {
			return err
		}
		copied += size
	}

	// Full overwrite of the target range: re-running a failed copy is
	// safe because it replaces whatever a previous attempt left behind
	dst.ApplyRange(t.Range, entries)
	c.copiedBytes.Add(copied)
	c.copySize.Record(copied)
	c.copyEntries.Record(len(entries))

	c.log.Info(
		"Copied key range",
		slog.String("task", taskID),
		slog.String("from", t.From),
		slog.String("to", t.To),
		slog.Int("entries", len(entries)),
		slog.String("size", humanize.Bytes(uint64(copied))),
	)

	c.transition(taskID, TaskStateVerifying, nil)
	if srcCount, dstCount := src.CountRange(t.Range), dst.CountRange(t.Range); srcCount != dstCount {
		return errors.Errorf("keyspace: range verification failed: source=%d target=%d", srcCount, dstCount)
	}

	// Last cancellation point: from here the task runs to Done or Failed
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.beginCutover(taskID, t.Range); err != nil {
		return err
	}
	defer c.endCutover(taskID)

	c.transition(taskID, TaskStateCutover, nil)

	return c.ring.Update(func(s *ring.Snapshot) (*ring.Snapshot, error) {
		if t.RemoveEntry {
			return s.WithoutEntries(t.From, []uint64{t.Entry.Hash}, false), nil
		}
		return s.WithEntries(t.ToNode, []ring.Entry{t.Entry}), nil
	})
}

func (c *Coordinator) waitThroughput(ctx context.Context, size int) error {
	if c.limiter == nil {
		return nil
	}
	if size > c.limiter.Burst() {
		size = c.limiter.Burst()
	}
	return c.limiter.WaitN(ctx, size)
}

// beginCutover registers the range as being cut over, detecting
// collisions with overlapping in-flight cutovers.
func (c *Coordinator) beginCutover(taskID string, r store.HashRange) error {
	c.Lock()
	defer c.Unlock()

	for other, active := range c.activeCutovers {
		if other != taskID && active.Overlaps(r) {
			return errors.Wrap(ErrConcurrentCutover,
				fmt.Sprintf("task %s collides with %s", taskID, other))
		}
	}
	c.activeCutovers[taskID] = r
	return nil
}

func (c *Coordinator) endCutover(taskID string) {
	c.Lock()
	defer c.Unlock()
	delete(c.activeCutovers, taskID)
}

// transition moves the task to the given state, persists the status and
// emits an event. It returns the attempt count after the transition.
func (c *Coordinator) transition(taskID string, state TaskState, cause error) int {
	c.Lock()
	defer c.Unlock()

	t, ok := c.status.Tasks[taskID]
	if !ok {
		return 0
	}

	t.State = state
	if state == TaskStateFailed {
		t.Attempts++
	}
	c.status.Tasks[taskID] = t

	if err := c.persistLocked(); err != nil {
		c.log.Error(
			"Failed to persist coordinator status",
			slog.Any("error", err),
		)
	}

	event := TaskEvent{
		TaskID: t.ID,
		Range:  t.Range,
		From:   t.From,
		To:     t.To,
		State:  state,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if !channel.PushNoBlock(c.events, event) {
		c.log.Debug(
			"Dropped migration status event",
			slog.String("task", t.ID),
			slog.Any("state", state),
		)
	}

	return t.Attempts
}

func (c *Coordinator) finishTask(taskID string) {
	c.tasksCompleted.Inc()
	c.transition(taskID, TaskStateDone, nil)
	c.settleTask(taskID, false)
}

func (c *Coordinator) cancelTask(taskID string) {
	c.transition(taskID, TaskStateCancelled, nil)
	c.settleTask(taskID, true)
}

// settleTask retires a finished or cancelled task and, when it was the
// last one of its batch, completes the whole migration: the source
// ranges are discarded and a fully drained node leaves the ring.
// A batch with any cancelled task keeps all its source data.
func (c *Coordinator) settleTask(taskID string, aborted bool) {
	c.Lock()
	defer c.Unlock()

	t, ok := c.status.Tasks[taskID]
	if !ok {
		return
	}
	delete(c.cancels, taskID)

	key := batchKey(batchAdd, t.To)
	if t.RemoveEntry {
		key = batchKey(batchRemove, t.From)
	}
	b, ok := c.batches[key]
	if !ok {
		return
	}

	b.remaining--
	b.aborted = b.aborted || aborted
	if b.remaining > 0 {
		return
	}
	delete(c.batches, key)

	if !b.aborted {
		c.completeBatchLocked(b)
	} else {
		c.log.Warn(
			"Migration batch aborted, keeping source data",
			slog.String("node", b.nodeID),
		)
	}

	for _, id := range b.tasks {
		if bt, ok := c.status.Tasks[id]; ok && bt.State.IsTerminal() {
			delete(c.status.Tasks, id)
		}
	}
	if err := c.persistLocked(); err != nil {
		c.log.Error(
			"Failed to persist coordinator status",
			slog.Any("error", err),
		)
	}
}

func (c *Coordinator) completeBatchLocked(b *batch) {
	if b.kind == batchRemove {
		if err := c.ring.Update(func(s *ring.Snapshot) (*ring.Snapshot, error) {
			next := s.Clone()
			if len(next.EntriesOf(b.nodeID)) == 0 {
				delete(next.Nodes, b.nodeID)
			}
			return next, nil
		}); err != nil {
			c.log.Error(
				"Failed to drop drained node from the ring",
				slog.String("node", b.nodeID),
				slog.Any("error", err),
			)
			return
		}
	}

	// Every range in the batch has flipped: the sources can discard
	for _, id := range b.tasks {
		t, ok := c.status.Tasks[id]
		if !ok {
			continue
		}
		src, err := c.stores.StoreFor(t.From)
		if err != nil {
			continue
		}
		src.DeleteRange(t.Range)
	}

	c.log.Info(
		"Migration batch completed",
		slog.String("node", b.nodeID),
		slog.Int("tasks", len(b.tasks)),
	)
}
