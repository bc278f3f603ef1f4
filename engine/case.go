// Package engine holds the per-case state machine: it turns commands into
// log records and log records into state. Every state change is first
// expressed as a caselog.Record, so applying a case's log from the start
// always rebuilds the exact state the kernel held, crash or no crash.
package engine

import (
	"fmt"
	"time"

	"github.com/flownet-io/go-flownet/marking"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	StatusRunning   CaseStatus = "running"
	StatusSuspended CaseStatus = "suspended"
	StatusCompleted CaseStatus = "completed"
	StatusCancelled CaseStatus = "cancelled"
	StatusException CaseStatus = "exception"
)

// Terminal reports whether no further work can happen in this status.
// Exception is not terminal: a faulted case waits for a resolution
// (a retried or forced completion, or cancellation).
func (s CaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InstanceState is the lifecycle state of a task instance.
type InstanceState string

const (
	InstanceExecuting InstanceState = "executing"
	InstanceCompleted InstanceState = "completed"
	InstanceCancelled InstanceState = "cancelled"
)

// Instance is one activation of a task within a case. Multiple-instance
// tasks hold several at once; composite instances carry the child case ID.
type Instance struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	State       InstanceState `json:"state"`
	ChildCaseID string        `json:"child_case_id,omitempty"`
	Completion  string        `json:"completion,omitempty"`
	FiredAt     time.Time     `json:"fired_at"`
	DoneAt      time.Time     `json:"done_at,omitzero"`
}

// Case is the in-memory state of one workflow case, rebuilt from its log.
type Case struct {
	ID           string
	SpecID       string
	NetID        string
	ParentCaseID string
	ParentTaskID string

	Status    CaseStatus
	Marking   *marking.Marking
	Data      map[string]any
	Instances map[string]*Instance

	// Seq is the sequence of the last applied record, the expected
	// sequence for the next append.
	Seq int64

	StartedAt time.Time
	EndedAt   time.Time

	// mi tracks the current activation of each multiple-instance task;
	// reset every time the task fires.
	mi map[string]*miProgress
}

type miProgress struct {
	spawned   int
	completed int
}

// Instance returns the instance with the given ID, nil if unknown.
func (c *Case) Instance(id string) *Instance {
	return c.Instances[id]
}

// ActiveInstances returns the executing instances of a task, or of all
// tasks when taskID is empty.
func (c *Case) ActiveInstances(taskID string) []*Instance {
	var out []*Instance
	for _, inst := range c.Instances {
		if inst.State != InstanceExecuting {
			continue
		}
		if taskID != "" && inst.TaskID != taskID {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// CaseStatusError reports a command rejected because of the case's status.
type CaseStatusError struct {
	CaseID string
	Status CaseStatus
	Op     string
}

func (e *CaseStatusError) Error() string {
	return fmt.Sprintf("case %s is %s, cannot %s", e.CaseID, e.Status, e.Op)
}

// UnknownTaskError reports a task ID absent from the case's net.
type UnknownTaskError struct {
	NetID  string
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("net %q has no task %q", e.NetID, e.TaskID)
}

// UnknownInstanceError reports an instance ID the case does not hold.
type UnknownInstanceError struct {
	CaseID     string
	InstanceID string
}

func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("case %s has no instance %s", e.CaseID, e.InstanceID)
}

// NotFireableError reports a fire command for a task whose join is not
// satisfied in the current marking.
type NotFireableError struct {
	CaseID string
	TaskID string
}

func (e *NotFireableError) Error() string {
	return fmt.Sprintf("task %q is not fireable in case %s", e.TaskID, e.CaseID)
}

// InstanceStateError reports a completion or cancellation against an
// instance that is not executing.
type InstanceStateError struct {
	CaseID     string
	InstanceID string
	State      InstanceState
}

func (e *InstanceStateError) Error() string {
	return fmt.Sprintf("instance %s in case %s is %s", e.InstanceID, e.CaseID, e.State)
}
