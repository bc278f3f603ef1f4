// Package enablement decides which tasks may fire in a given marking and
// how firing and completion move tokens.
//
// AND-joins and XOR-joins are local checks. OR-joins are non-local: an
// OR-join must wait while any still-active part of the net could deliver a
// token to one of its empty inputs. That question is answered by a bounded
// coverability search over the net with the join removed; see orjoin.go.
package enablement

import (
	"fmt"

	"github.com/flownet-io/go-flownet/marking"
	"github.com/flownet-io/go-flownet/wfnet"
)

// NoRouteSelectedError reports an XOR- or OR-split where no predicate held
// and no default flow was declared.
type NoRouteSelectedError struct {
	TaskID string
}

func (e *NoRouteSelectedError) Error() string {
	return fmt.Sprintf("no outgoing flow selected for task %q", e.TaskID)
}

// PredicateError reports a routing predicate that failed to evaluate,
// e.g. an expression referencing a field the case data does not have.
type PredicateError struct {
	TaskID string
	To     string
	Err    error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("task %q, flow to %q: %v", e.TaskID, e.To, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

// Evaluator answers enablement and routing questions for one net.
// It is safe for concurrent use; the OR-join cache is internally locked.
type Evaluator struct {
	net    *wfnet.Net
	orJoin *orJoinAnalyzer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithStateLimit bounds the OR-join coverability search. When the limit is
// hit the search is treated as inconclusive and the join keeps waiting.
func WithStateLimit(n int) Option {
	return func(e *Evaluator) { e.orJoin.stateLimit = n }
}

// WithCacheSize bounds the OR-join result cache.
func WithCacheSize(n int) Option {
	return func(e *Evaluator) { e.orJoin.cacheLimit = n }
}

// WithSearchObserver reports the state count of every OR-join
// coverability search, e.g. into a histogram.
func WithSearchObserver(fn func(states int)) Option {
	return func(e *Evaluator) { e.orJoin.observe = fn }
}

// New creates an Evaluator for the given validated net.
func New(net *wfnet.Net, opts ...Option) *Evaluator {
	e := &Evaluator{net: net}
	e.orJoin = newOrJoinAnalyzer(net)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fireable reports whether the task's join is satisfied in m.
func (e *Evaluator) Fireable(t *wfnet.Task, m *marking.Marking) (bool, error) {
	switch t.Join {
	case wfnet.JoinAND:
		for _, in := range t.Inputs {
			if m.Tokens(in) == 0 {
				return false, nil
			}
		}
		return true, nil

	case wfnet.JoinXOR:
		for _, in := range t.Inputs {
			if m.Tokens(in) > 0 {
				return true, nil
			}
		}
		return false, nil

	case wfnet.JoinOR:
		marked := false
		for _, in := range t.Inputs {
			if m.Tokens(in) > 0 {
				marked = true
				break
			}
		}
		if !marked {
			return false, nil
		}
		return e.orJoin.enabled(t, m)

	default:
		return false, fmt.Errorf("task %q has join type %q", t.ID, t.Join)
	}
}

// FireableTasks returns the IDs of all tasks whose join is satisfied in m,
// in sorted order.
func (e *Evaluator) FireableTasks(m *marking.Marking) ([]string, error) {
	var out []string
	for _, id := range e.net.TaskIDs() {
		ok, err := e.Fireable(e.net.Task(id), m)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// ConsumeSet returns the tokens the task consumes when it fires in m:
// AND-joins take one token from every input, XOR-joins from the first
// marked input in declaration order, OR-joins from every marked input.
func (e *Evaluator) ConsumeSet(t *wfnet.Task, m *marking.Marking) (map[string]int, error) {
	consumed := make(map[string]int)
	switch t.Join {
	case wfnet.JoinAND:
		for _, in := range t.Inputs {
			if m.Tokens(in) == 0 {
				return nil, &marking.EmptyConditionError{ConditionID: in}
			}
			consumed[in]++
		}

	case wfnet.JoinXOR:
		for _, in := range t.Inputs {
			if m.Tokens(in) > 0 {
				consumed[in]++
				return consumed, nil
			}
		}
		return nil, &marking.EmptyConditionError{ConditionID: t.Inputs[0]}

	case wfnet.JoinOR:
		for _, in := range t.Inputs {
			if m.Tokens(in) > 0 {
				consumed[in]++
			}
		}
		if len(consumed) == 0 {
			return nil, &marking.EmptyConditionError{ConditionID: t.Inputs[0]}
		}

	default:
		return nil, fmt.Errorf("task %q has join type %q", t.ID, t.Join)
	}
	return consumed, nil
}

// Route evaluates the task's split against the case data and returns the
// conditions to produce tokens into: AND-splits take every flow, XOR-splits
// the first flow whose predicate holds (or the default), OR-splits every
// flow whose predicate holds (or the default when none does).
func (e *Evaluator) Route(t *wfnet.Task, data map[string]any) ([]string, error) {
	switch t.Split {
	case wfnet.SplitAND:
		return t.OutputIDs(), nil

	case wfnet.SplitXOR:
		var dflt string
		for _, f := range t.Flows {
			if f.Default {
				dflt = f.To
				continue
			}
			ok, err := evalFlow(t, f, data)
			if err != nil {
				return nil, err
			}
			if ok {
				return []string{f.To}, nil
			}
		}
		if dflt != "" {
			return []string{dflt}, nil
		}
		return nil, &NoRouteSelectedError{TaskID: t.ID}

	case wfnet.SplitOR:
		var out []string
		var dflt string
		for _, f := range t.Flows {
			if f.Default {
				dflt = f.To
				continue
			}
			ok, err := evalFlow(t, f, data)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, f.To)
			}
		}
		if len(out) == 0 {
			if dflt == "" {
				return nil, &NoRouteSelectedError{TaskID: t.ID}
			}
			out = []string{dflt}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("task %q has split type %q", t.ID, t.Split)
	}
}

func evalFlow(t *wfnet.Task, f wfnet.Flow, data map[string]any) (bool, error) {
	if f.Predicate == nil {
		// An unguarded non-default flow on a choice split always holds.
		return true, nil
	}
	ok, err := f.Predicate.Eval(data)
	if err != nil {
		return false, &PredicateError{TaskID: t.ID, To: f.To, Err: err}
	}
	return ok, nil
}
