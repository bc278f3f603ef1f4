// Package caselog provides the durable transaction log for case execution.
//
// Every state change of a case is committed as an ordered record before it
// takes effect in memory, so replaying a case's records from seq 0 rebuilds
// exactly the state the kernel held when each record was written. Records
// for one case are densely numbered; appends carry the expected sequence so
// concurrent writers cannot interleave.
package caselog

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a log record.
type Kind string

const (
	KindCaseLaunched      Kind = "case_launched"
	KindTaskFired         Kind = "task_fired"
	KindTaskCompleted     Kind = "task_completed"
	KindInstanceAdded     Kind = "instance_added"
	KindInstanceCompleted Kind = "instance_completed"
	KindCaseSuspended     Kind = "case_suspended"
	KindCaseResumed       Kind = "case_resumed"
	KindCaseCancelled     Kind = "case_cancelled"
	KindCaseCompleted     Kind = "case_completed"
	KindCaseException     Kind = "case_exception"
)

// Completion kinds recorded on task_completed records.
const (
	CompletionNormal  = "normal"
	CompletionTimeout = "timeout"
	CompletionForced  = "forced"
)

// Record is one entry in a case's transaction log. Only the fields
// relevant to its Kind are populated.
type Record struct {
	CaseID    string    `json:"case_id"`
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Case lifecycle.
	SpecID       string         `json:"spec_id,omitempty"`
	NetID        string         `json:"net_id,omitempty"`
	ParentCaseID string         `json:"parent_case_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Data         map[string]any `json:"data,omitempty"`

	// Task lifecycle.
	TaskID     string            `json:"task_id,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	Instances  []string          `json:"instances,omitempty"`
	ChildCases map[string]string `json:"child_cases,omitempty"`
	Completion string            `json:"completion,omitempty"`

	// Marking deltas, all applied atomically with the record.
	Consumed           map[string]int `json:"consumed,omitempty"`
	Produced           map[string]int `json:"produced,omitempty"`
	ClearedConditions  map[string]int `json:"cleared_conditions,omitempty"`
	CancelledInstances []string       `json:"cancelled_instances,omitempty"`
}

// NewRecord creates a record of the given kind for a case. Seq is
// assigned by the store on append.
func NewRecord(caseID string, kind Kind) *Record {
	return &Record{
		CaseID:    caseID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// NewCaseID returns a fresh case identifier.
func NewCaseID() string {
	return uuid.NewString()
}

// NewInstanceID returns a fresh task-instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}
