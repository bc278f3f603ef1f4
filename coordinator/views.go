package coordinator

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/flownet-io/go-flownet/engine"
)

// CaseSnapshot is a point-in-time JSON view of a case.
type CaseSnapshot struct {
	CaseID       string             `json:"case_id"`
	SpecID       string             `json:"spec_id"`
	NetID        string             `json:"net_id"`
	ParentCaseID string             `json:"parent_case_id,omitempty"`
	Status       engine.CaseStatus  `json:"status"`
	Seq          int64              `json:"seq"`
	Tokens       map[string]int     `json:"tokens"`
	Busy         map[string]int     `json:"busy"`
	Data         map[string]any     `json:"data,omitempty"`
	Instances    []*engine.Instance `json:"instances"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at,omitzero"`
}

// Snapshot returns the current state of a case.
func (co *Coordinator) Snapshot(caseID string) (*CaseSnapshot, error) {
	h, err := co.handle(caseID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.c
	tokens, busy := c.Marking.Snapshot()
	snap := &CaseSnapshot{
		CaseID:       c.ID,
		SpecID:       c.SpecID,
		NetID:        c.NetID,
		ParentCaseID: c.ParentCaseID,
		Status:       c.Status,
		Seq:          c.Seq,
		Tokens:       tokens,
		Busy:         busy,
		Data:         c.Data,
		StartedAt:    c.StartedAt,
		EndedAt:      c.EndedAt,
	}
	for _, inst := range c.Instances {
		cp := *inst
		snap.Instances = append(snap.Instances, &cp)
	}
	sort.Slice(snap.Instances, func(i, j int) bool {
		return snap.Instances[i].ID < snap.Instances[j].ID
	})
	return snap, nil
}

// ExportJSON renders a case snapshot as indented JSON.
func (co *Coordinator) ExportJSON(caseID string) ([]byte, error) {
	snap, err := co.Snapshot(caseID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(snap, "", "  ")
}

// WorkItemState distinguishes offered from executing work items.
type WorkItemState string

const (
	// WorkItemOffered marks a task whose join is satisfied; firing it
	// creates executing instances.
	WorkItemOffered WorkItemState = "offered"
	// WorkItemExecuting marks a live task instance awaiting completion.
	WorkItemExecuting WorkItemState = "executing"
)

// WorkItem is one unit of pending work in a case.
type WorkItem struct {
	CaseID      string        `json:"case_id"`
	TaskID      string        `json:"task_id"`
	InstanceID  string        `json:"instance_id,omitempty"`
	State       WorkItemState `json:"state"`
	ChildCaseID string        `json:"child_case_id,omitempty"`
	FiredAt     time.Time     `json:"fired_at,omitzero"`
}

// WorkItems returns the offered tasks and executing instances of a case.
func (co *Coordinator) WorkItems(caseID string) ([]*WorkItem, error) {
	h, err := co.handle(caseID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.c
	fireable, err := co.engine.FireableTasks(c)
	if err != nil {
		return nil, err
	}

	var items []*WorkItem
	for _, taskID := range fireable {
		items = append(items, &WorkItem{
			CaseID: caseID,
			TaskID: taskID,
			State:  WorkItemOffered,
		})
	}
	for _, inst := range c.ActiveInstances("") {
		items = append(items, &WorkItem{
			CaseID:      caseID,
			TaskID:      inst.TaskID,
			InstanceID:  inst.ID,
			State:       WorkItemExecuting,
			ChildCaseID: inst.ChildCaseID,
			FiredAt:     inst.FiredAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].TaskID != items[j].TaskID {
			return items[i].TaskID < items[j].TaskID
		}
		return items[i].InstanceID < items[j].InstanceID
	})
	return items, nil
}

// Cases lists the IDs of the cases currently held in memory, sorted.
func (co *Coordinator) Cases() []string {
	ids := co.cases.ids()
	sort.Strings(ids)
	return ids
}

// Status returns a case's lifecycle status.
func (co *Coordinator) Status(caseID string) (engine.CaseStatus, error) {
	h, err := co.handle(caseID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.c.Status, nil
}
