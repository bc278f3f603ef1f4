// Package wfnet implements the workflow net data model.
// A workflow net is a Petri-net variant: Conditions (places) hold tokens,
// Tasks (transitions) carry AND/XOR/OR join and split decorators, optional
// cancellation regions, multiple-instance descriptors, and composite
// references to nested subnets.
package wfnet

// JoinType controls how a task's input conditions enable it.
type JoinType string

const (
	// JoinAND requires a token on every input condition.
	JoinAND JoinType = "and"
	// JoinXOR requires a token on at least one input condition and
	// consumes from exactly one.
	JoinXOR JoinType = "xor"
	// JoinOR waits until no further token can still reach an unmarked
	// input, then consumes from every marked input.
	JoinOR JoinType = "or"
)

// SplitType controls which output conditions receive tokens after a task
// completes.
type SplitType string

const (
	// SplitAND produces a token on every outgoing flow.
	SplitAND SplitType = "and"
	// SplitXOR produces a token on the first flow whose predicate holds.
	SplitXOR SplitType = "xor"
	// SplitOR produces a token on every flow whose predicate holds.
	SplitOR SplitType = "or"
)

// Condition is a place in the net that holds tokens between tasks.
type Condition struct {
	ID    string
	Name  string
	Start bool // unique entry condition, no producing task
	End   bool // unique exit condition, no consuming task
}

// Flow is a directed edge from a task to an output condition.
// For XOR and OR splits the predicate selects the route; a nil predicate
// always holds. A default flow is taken by an XOR split when no predicate
// matches, and by an OR split when no other flow was selected.
type Flow struct {
	To        string
	Predicate Predicate
	Default   bool
}

// MultiInstance describes a task that spawns several concurrent instances.
type MultiInstance struct {
	// Min instances are spawned when the task fires.
	Min int
	// Max bounds the total instance count, including dynamic additions.
	Max int
	// Threshold is the completed-instance count at which the task itself
	// completes; remaining instances are cancelled.
	Threshold int
	// Dynamic permits adding instances after firing, up to Max, while at
	// least one instance has not completed.
	Dynamic bool
}

// Task is a unit of work with join/split decorators.
type Task struct {
	ID   string
	Name string

	Join  JoinType
	Split SplitType

	// Inputs are the task's input condition IDs in declaration order.
	// XOR joins consume from the first marked input in this order.
	Inputs []string

	// Flows are the outgoing edges in declaration order. XOR splits
	// evaluate predicates in this order.
	Flows []Flow

	// CancelSet lists condition and task IDs whose tokens and active
	// instances are removed atomically when this task completes.
	CancelSet []string

	// Multi is non-nil for multiple-instance tasks.
	Multi *MultiInstance

	// SubnetID is non-empty for composite tasks; it names a subnet in the
	// owning Specification. The task instance completes when a child case
	// running the subnet completes.
	SubnetID string
}

// IsComposite reports whether the task wraps a nested subnet.
func (t *Task) IsComposite() bool { return t.SubnetID != "" }

// IsMultiInstance reports whether the task spawns multiple instances.
func (t *Task) IsMultiInstance() bool { return t.Multi != nil }

// OutputIDs returns the target condition IDs of all flows, in order.
func (t *Task) OutputIDs() []string {
	out := make([]string, len(t.Flows))
	for i, f := range t.Flows {
		out[i] = f.To
	}
	return out
}
