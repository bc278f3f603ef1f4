package wfnet

import (
	"fmt"
	"sort"
)

// Net is an immutable workflow net. After Validate succeeds the net is
// safely shared by reference across all concurrent cases; nothing mutates
// it at execution time.
type Net struct {
	ID   string
	Name string

	Conditions map[string]*Condition
	Tasks      map[string]*Task

	StartID string
	EndID   string

	// Derived indexes, built by Validate.
	producers map[string][]string // condition ID -> task IDs with a flow into it
	consumers map[string][]string // condition ID -> task IDs with it as input
	validated bool
}

// NewNet creates an empty net with the given ID and name.
func NewNet(id, name string) *Net {
	return &Net{
		ID:         id,
		Name:       name,
		Conditions: make(map[string]*Condition),
		Tasks:      make(map[string]*Task),
	}
}

// AddCondition adds a condition to the net.
// Returns an error if a condition or task with the same ID already exists.
func (n *Net) AddCondition(c *Condition) error {
	if err := n.checkFreshID(c.ID); err != nil {
		return err
	}
	if c.Start {
		n.StartID = c.ID
	}
	if c.End {
		n.EndID = c.ID
	}
	n.Conditions[c.ID] = c
	n.validated = false
	return nil
}

// AddTask adds a task to the net.
// Returns an error if a condition or task with the same ID already exists.
func (n *Net) AddTask(t *Task) error {
	if err := n.checkFreshID(t.ID); err != nil {
		return err
	}
	n.Tasks[t.ID] = t
	n.validated = false
	return nil
}

func (n *Net) checkFreshID(id string) error {
	if id == "" {
		return fmt.Errorf("net %s: element ID cannot be empty", n.ID)
	}
	if _, ok := n.Conditions[id]; ok {
		return fmt.Errorf("net %s: element %s already exists", n.ID, id)
	}
	if _, ok := n.Tasks[id]; ok {
		return fmt.Errorf("net %s: element %s already exists", n.ID, id)
	}
	return nil
}

// Task returns a task by ID, or nil if absent.
func (n *Net) Task(id string) *Task { return n.Tasks[id] }

// Condition returns a condition by ID, or nil if absent.
func (n *Net) Condition(id string) *Condition { return n.Conditions[id] }

// Producers returns the IDs of tasks with a flow into the condition.
// Only valid after Validate.
func (n *Net) Producers(conditionID string) []string { return n.producers[conditionID] }

// Consumers returns the IDs of tasks that read the condition as an input.
// Only valid after Validate.
func (n *Net) Consumers(conditionID string) []string { return n.consumers[conditionID] }

// TaskIDs returns all task IDs in sorted order.
func (n *Net) TaskIDs() []string {
	ids := make([]string, 0, len(n.Tasks))
	for id := range n.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConditionIDs returns all condition IDs in sorted order.
func (n *Net) ConditionIDs() []string {
	ids := make([]string, 0, len(n.Conditions))
	for id := range n.Conditions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validated reports whether Validate has succeeded since the last mutation.
func (n *Net) Validated() bool { return n.validated }

func (n *Net) buildIndexes() {
	n.producers = make(map[string][]string)
	n.consumers = make(map[string][]string)
	for _, id := range n.TaskIDs() {
		t := n.Tasks[id]
		for _, in := range t.Inputs {
			n.consumers[in] = append(n.consumers[in], id)
		}
		for _, f := range t.Flows {
			n.producers[f.To] = append(n.producers[f.To], id)
		}
	}
}

// String returns a short description for debugging.
func (n *Net) String() string {
	return fmt.Sprintf("Net[%s: %d conditions, %d tasks]", n.ID, len(n.Conditions), len(n.Tasks))
}

// Specification is a validated workflow definition: one root net plus the
// subnets referenced by its composite tasks. Specifications are loaded once
// and cached; all cases of the specification share it by reference.
type Specification struct {
	ID      string
	Version string
	Root    *Net
	Subnets map[string]*Net
}

// Net returns the net with the given ID, searching root and subnets.
func (s *Specification) Net(id string) *Net {
	if s.Root != nil && s.Root.ID == id {
		return s.Root
	}
	return s.Subnets[id]
}

// Validate validates the root net and every subnet, and checks that
// composite tasks reference known subnets. All violations across all nets
// are collected into a single ValidationError.
func (s *Specification) Validate() error {
	var all []Violation
	if s.Root == nil {
		all = append(all, Violation{Code: CodeNoRoot, Message: "specification has no root net"})
	}
	nets := make([]*Net, 0, 1+len(s.Subnets))
	if s.Root != nil {
		nets = append(nets, s.Root)
	}
	for _, id := range sortedNetIDs(s.Subnets) {
		nets = append(nets, s.Subnets[id])
	}
	for _, n := range nets {
		if err := n.Validate(); err != nil {
			if verr, ok := err.(*ValidationError); ok {
				all = append(all, verr.Violations...)
			} else {
				all = append(all, Violation{Code: CodeInternal, Element: n.ID, Message: err.Error()})
			}
		}
		for _, tid := range n.TaskIDs() {
			t := n.Tasks[tid]
			if t.IsComposite() && s.Net(t.SubnetID) == nil {
				all = append(all, Violation{
					Code:    CodeUnknownSubnet,
					Element: elementRef(n.ID, tid),
					Message: fmt.Sprintf("composite task %s references unknown subnet %s", tid, t.SubnetID),
				})
			}
		}
	}
	if len(all) > 0 {
		return &ValidationError{SpecID: s.ID, Violations: all}
	}
	return nil
}

func sortedNetIDs(nets map[string]*Net) []string {
	ids := make([]string, 0, len(nets))
	for id := range nets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func elementRef(netID, id string) string { return netID + "/" + id }
