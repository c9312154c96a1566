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

package migration

import (
	"bytes"
	"encoding/json"

	"github.com/keyspace-io/keyspace/model"
	"github.com/keyspace-io/keyspace/ring"
	"github.com/keyspace-io/keyspace/store"
)

type TaskState uint16

const (
	TaskStateUnknown TaskState = iota
	TaskStatePlanned
	TaskStateCopying
	TaskStateVerifying
	TaskStateCutover
	TaskStateDone
	TaskStateFailed
	TaskStateCancelled
)

var taskStateToString = map[TaskState]string{
	TaskStateUnknown:   "Unknown",
	TaskStatePlanned:   "Planned",
	TaskStateCopying:   "Copying",
	TaskStateVerifying: "Verifying",
	TaskStateCutover:   "Cutover",
	TaskStateDone:      "Done",
	TaskStateFailed:    "Failed",
	TaskStateCancelled: "Cancelled",
}

var stringToTaskState = map[string]TaskState{
	"Unknown":   TaskStateUnknown,
	"Planned":   TaskStatePlanned,
	"Copying":   TaskStateCopying,
	"Verifying": TaskStateVerifying,
	"Cutover":   TaskStateCutover,
	"Done":      TaskStateDone,
	"Failed":    TaskStateFailed,
	"Cancelled": TaskStateCancelled,
}

func (s TaskState) String() string {
	return taskStateToString[s]
}

// MarshalJSON marshals the enum as a quoted json string
func (s TaskState) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(taskStateToString[s])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted json string to the enum value
func (s *TaskState) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*s = stringToTaskState[j]
	return nil
}

// Terminal states are never left once entered.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateDone || s == TaskStateCancelled
}

// Task moves ownership of one hash range between two nodes.
//
// Entry is the ring position that performs the cutover: inserting it
// (or removing it, for RemoveEntry tasks) is the single instant at
// which the range changes owner.
type Task struct {
	ID    string          `json:"id"`
	Range store.HashRange `json:"range"`
	From  string          `json:"from"`
	To    string          `json:"to"`

	// ToNode carries the full descriptor of a joining node, since it is
	// not yet part of the ring membership when the task is planned.
	ToNode model.Node `json:"toNode"`

	Entry       ring.Entry `json:"entry"`
	RemoveEntry bool       `json:"removeEntry"`

	State    TaskState `json:"state"`
	Attempts int       `json:"attempts"`
}

func (t Task) Clone() Task {
	return t
}

// TaskEvent is the asynchronous status report for one task transition.
type TaskEvent struct {
	TaskID string          `json:"taskId"`
	Range  store.HashRange `json:"range"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	State  TaskState       `json:"state"`
	Error  string          `json:"error,omitempty"`
}
