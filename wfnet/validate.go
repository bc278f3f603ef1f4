package wfnet

import (
	"fmt"
	"strings"
)

// Violation codes reported by Validate.
const (
	CodeNoRoot          = "no_root_net"
	CodeNoStart         = "no_start_condition"
	CodeNoEnd           = "no_end_condition"
	CodeDuplicateStart  = "duplicate_start_condition"
	CodeDuplicateEnd    = "duplicate_end_condition"
	CodeStartHasInput   = "start_condition_has_producer"
	CodeEndHasOutput    = "end_condition_has_consumer"
	CodeUnknownInput    = "unknown_input_condition"
	CodeUnknownOutput   = "unknown_output_condition"
	CodeUnknownCancel   = "cancel_set_outside_net"
	CodeUnknownSubnet   = "unknown_subnet"
	CodeBadJoin         = "invalid_join_type"
	CodeBadSplit        = "invalid_split_type"
	CodeNoInputs        = "task_has_no_inputs"
	CodeNoOutputs       = "task_has_no_outputs"
	CodeOrphanCondition = "orphan_condition"
	CodeBadMulti        = "invalid_multi_instance"
	CodeMultiDefault    = "multiple_default_flows"
	CodeInternal        = "internal"
)

// Violation is a single broken structural invariant.
type Violation struct {
	Code    string
	Element string // "netID/elementID" of the offending element, if any
	Message string
}

// ValidationError reports every violated invariant found in a net or
// specification. Loading fails fast: a case never starts on a net that
// carries a validation error.
type ValidationError struct {
	SpecID     string
	NetID      string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	scope := e.NetID
	if scope == "" {
		scope = e.SpecID
	}
	fmt.Fprintf(&b, "workflow validation failed for %s: %d violation(s)", scope, len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("\n  [")
		b.WriteString(v.Code)
		b.WriteString("] ")
		if v.Element != "" {
			b.WriteString(v.Element)
			b.WriteString(": ")
		}
		b.WriteString(v.Message)
	}
	return b.String()
}

// Validate checks the net's structural invariants and builds the derived
// flow indexes used at execution time. All violations are collected; the
// returned error is a *ValidationError listing every one.
func (n *Net) Validate() error {
	n.buildIndexes()
	var vs []Violation

	add := func(code, element, format string, args ...any) {
		vs = append(vs, Violation{Code: code, Element: element, Message: fmt.Sprintf(format, args...)})
	}

	// Exactly one start and one end condition.
	var starts, ends []string
	for _, id := range n.ConditionIDs() {
		c := n.Conditions[id]
		if c.Start {
			starts = append(starts, id)
		}
		if c.End {
			ends = append(ends, id)
		}
	}
	switch {
	case len(starts) == 0:
		add(CodeNoStart, n.ID, "net has no start condition")
	case len(starts) > 1:
		add(CodeDuplicateStart, n.ID, "net has %d start conditions: %s", len(starts), strings.Join(starts, ", "))
	default:
		if len(n.producers[starts[0]]) > 0 {
			add(CodeStartHasInput, elementRef(n.ID, starts[0]),
				"start condition has producing tasks: %s", strings.Join(n.producers[starts[0]], ", "))
		}
	}
	switch {
	case len(ends) == 0:
		add(CodeNoEnd, n.ID, "net has no end condition")
	case len(ends) > 1:
		add(CodeDuplicateEnd, n.ID, "net has %d end conditions: %s", len(ends), strings.Join(ends, ", "))
	default:
		if len(n.consumers[ends[0]]) > 0 {
			add(CodeEndHasOutput, elementRef(n.ID, ends[0]),
				"end condition has consuming tasks: %s", strings.Join(n.consumers[ends[0]], ", "))
		}
	}

	for _, tid := range n.TaskIDs() {
		t := n.Tasks[tid]
		ref := elementRef(n.ID, tid)

		switch t.Join {
		case JoinAND, JoinXOR, JoinOR:
		default:
			add(CodeBadJoin, ref, "unknown join type %q", t.Join)
		}
		switch t.Split {
		case SplitAND, SplitXOR, SplitOR:
		default:
			add(CodeBadSplit, ref, "unknown split type %q", t.Split)
		}

		if len(t.Inputs) == 0 {
			add(CodeNoInputs, ref, "task has no input conditions")
		}
		if len(t.Flows) == 0 {
			add(CodeNoOutputs, ref, "task has no outgoing flows")
		}
		for _, in := range t.Inputs {
			if _, ok := n.Conditions[in]; !ok {
				add(CodeUnknownInput, ref, "input condition %s does not exist", in)
			}
		}
		defaults := 0
		for _, f := range t.Flows {
			if _, ok := n.Conditions[f.To]; !ok {
				add(CodeUnknownOutput, ref, "output condition %s does not exist", f.To)
			}
			if f.Default {
				defaults++
			}
		}
		if defaults > 1 {
			add(CodeMultiDefault, ref, "task declares %d default flows", defaults)
		}
		for _, el := range t.CancelSet {
			_, isCond := n.Conditions[el]
			_, isTask := n.Tasks[el]
			if !isCond && !isTask {
				add(CodeUnknownCancel, ref, "cancellation set element %s is not in this net", el)
			}
		}
		if m := t.Multi; m != nil {
			if m.Min < 1 || m.Max < m.Min {
				add(CodeBadMulti, ref, "instance bounds min=%d max=%d are invalid", m.Min, m.Max)
			}
			if m.Threshold < 1 || m.Threshold > m.Max {
				add(CodeBadMulti, ref, "continuation threshold %d is outside [1, %d]", m.Threshold, m.Max)
			}
			if !m.Dynamic && m.Threshold > m.Min {
				add(CodeBadMulti, ref, "threshold %d is unreachable: a static task spawns exactly %d instances", m.Threshold, m.Min)
			}
		}
	}

	// Orphans: every condition needs a producer (except start) and a
	// consumer (except end).
	for _, cid := range n.ConditionIDs() {
		c := n.Conditions[cid]
		ref := elementRef(n.ID, cid)
		if !c.Start && len(n.producers[cid]) == 0 {
			add(CodeOrphanCondition, ref, "condition has no producing task")
		}
		if !c.End && len(n.consumers[cid]) == 0 {
			add(CodeOrphanCondition, ref, "condition has no consuming task")
		}
	}

	if len(vs) > 0 {
		return &ValidationError{NetID: n.ID, Violations: vs}
	}
	n.validated = true
	return nil
}
