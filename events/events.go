// Package events distributes kernel notifications: case lifecycle changes,
// task firings and completions, and work-item availability. Delivery is
// asynchronous and lossy under backpressure; subscribers that must not miss
// anything should read the transaction log instead.
package events

import "time"

// Type identifies a kernel event.
type Type string

const (
	CaseLaunched  Type = "case.launched"
	CaseCompleted Type = "case.completed"
	CaseCancelled Type = "case.cancelled"
	CaseSuspended Type = "case.suspended"
	CaseResumed   Type = "case.resumed"
	CaseException Type = "case.exception"

	TaskFired         Type = "task.fired"
	TaskCompleted     Type = "task.completed"
	InstanceAdded     Type = "instance.added"
	InstanceCompleted Type = "instance.completed"

	// WorkItemEnabled is emitted once per task that became fireable,
	// carrying the task ID and the case data the task will see. The
	// aggregate WorkItemsChanged follows for listeners that re-poll.
	WorkItemEnabled  Type = "workitem.enabled"
	WorkItemsChanged Type = "workitems.changed"
)

// Event is one kernel notification.
type Event struct {
	Type       Type           `json:"type"`
	CaseID     string         `json:"case_id"`
	TaskID     string         `json:"task_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Seq        int64          `json:"seq,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Fields     map[string]any `json:"fields,omitempty"`
}
