package wfnet

import (
	"errors"
	"strings"
	"testing"
)

func sequentialNet(t *testing.T) *Net {
	t.Helper()
	return Build("seq", "Sequential").
		Start("start").
		Condition("c1").
		End("end").
		Task("a", JoinXOR, SplitAND, In("start"), Out("c1")).
		Task("b", JoinXOR, SplitAND, In("c1"), Out("end")).
		MustDone()
}

func TestBuilderSequential(t *testing.T) {
	n := sequentialNet(t)
	if n.StartID != "start" || n.EndID != "end" {
		t.Fatalf("start/end = %q/%q", n.StartID, n.EndID)
	}
	if got := n.Consumers("start"); len(got) != 1 || got[0] != "a" {
		t.Errorf("Consumers(start) = %v", got)
	}
	if got := n.Producers("end"); len(got) != 1 || got[0] != "b" {
		t.Errorf("Producers(end) = %v", got)
	}
}

func TestValidateViolations(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Net
		code  string
	}{
		{
			name: "no start condition",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "c1"})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"c1"}, Flows: []Flow{{To: "end"}}})
				n.AddTask(&Task{ID: "u", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"end"}, Flows: []Flow{{To: "c1"}}})
				return n
			},
			code: CodeNoStart,
		},
		{
			name: "unknown input",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"missing"}, Flows: []Flow{{To: "end"}}})
				n.AddTask(&Task{ID: "u", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"start"}, Flows: []Flow{{To: "end"}}})
				return n
			},
			code: CodeUnknownInput,
		},
		{
			name: "bad join type",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: "nor", Split: SplitAND,
					Inputs: []string{"start"}, Flows: []Flow{{To: "end"}}})
				return n
			},
			code: CodeBadJoin,
		},
		{
			name: "two default flows",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "c1"})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitXOR,
					Inputs: []string{"start"},
					Flows:  []Flow{{To: "c1", Default: true}, {To: "end", Default: true}}})
				n.AddTask(&Task{ID: "u", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"c1"}, Flows: []Flow{{To: "end"}}})
				return n
			},
			code: CodeMultiDefault,
		},
		{
			name: "multi-instance bounds",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"start"}, Flows: []Flow{{To: "end"}},
					Multi: &MultiInstance{Min: 3, Max: 2, Threshold: 2}})
				return n
			},
			code: CodeBadMulti,
		},
		{
			name: "static threshold above spawn count",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"start"}, Flows: []Flow{{To: "end"}},
					Multi: &MultiInstance{Min: 1, Max: 3, Threshold: 2}})
				return n
			},
			code: CodeBadMulti,
		},
		{
			name: "orphan condition",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "lonely"})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"start"}, Flows: []Flow{{To: "end"}}})
				return n
			},
			code: CodeOrphanCondition,
		},
		{
			name: "unknown cancellation target",
			build: func() *Net {
				n := NewNet("n", "")
				n.AddCondition(&Condition{ID: "start", Start: true})
				n.AddCondition(&Condition{ID: "end", End: true})
				n.AddTask(&Task{ID: "t", Join: JoinXOR, Split: SplitAND,
					Inputs: []string{"start"}, Flows: []Flow{{To: "end"}},
					CancelSet: []string{"ghost"}})
				return n
			},
			code: CodeUnknownCancel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("unexpected error type: %v", err)
			}
			for _, v := range verr.Violations {
				if v.Code == tt.code {
					return
				}
			}
			t.Errorf("missing violation %s in %v", tt.code, verr.Violations)
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	n := NewNet("n", "")
	n.AddCondition(&Condition{ID: "c1"})
	n.AddTask(&Task{ID: "t", Join: "bogus", Split: "bogus", Inputs: []string{"nope"}})
	err := n.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unexpected error type: %v", err)
	}
	if len(verr.Violations) < 4 {
		t.Errorf("expected several violations, got %d: %v", len(verr.Violations), verr.Violations)
	}
	if !strings.Contains(verr.Error(), "bogus") {
		t.Errorf("error text should mention offending value: %s", verr.Error())
	}
}

func TestDuplicateIDs(t *testing.T) {
	n := NewNet("n", "")
	if err := n.AddCondition(&Condition{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := n.AddCondition(&Condition{ID: "x"}); err == nil {
		t.Error("duplicate condition accepted")
	}
	if err := n.AddTask(&Task{ID: "x", Join: JoinXOR, Split: SplitAND}); err == nil {
		t.Error("task reusing condition ID accepted")
	}
}

func TestSpecificationSubnets(t *testing.T) {
	child := Build("child", "Child").
		Start("start").
		End("end").
		Task("work", JoinXOR, SplitAND, In("start"), Out("end")).
		MustDone()

	root := Build("root", "Root").
		Start("start").
		End("end").
		Task("sub", JoinXOR, SplitAND, In("start"), Out("end"), Subnet("child")).
		MustDone()

	spec := &Specification{ID: "s", Root: root, Subnets: map[string]*Net{"child": child}}
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if spec.Net("child") != child {
		t.Error("subnet lookup failed")
	}

	spec.Subnets = nil
	err := spec.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unexpected error type: %v", err)
	}
	if verr.Violations[0].Code != CodeUnknownSubnet {
		t.Errorf("got %v, want %s", verr.Violations[0], CodeUnknownSubnet)
	}
}

func TestPredicateEval(t *testing.T) {
	t.Run("func", func(t *testing.T) {
		p := FuncPredicate{Name: "big", Fn: func(data map[string]any) bool {
			v, _ := data["amount"].(int)
			return v > 100
		}}
		ok, err := p.Eval(map[string]any{"amount": 250})
		if err != nil || !ok {
			t.Fatalf("Eval = %v, %v", ok, err)
		}
	})

	t.Run("expr", func(t *testing.T) {
		tests := []struct {
			expr string
			data map[string]any
			want bool
		}{
			{"amount > 100", map[string]any{"amount": 250}, true},
			{"amount > 100", map[string]any{"amount": 7}, false},
			{"approved", map[string]any{"approved": true}, true},
			{"approved", map[string]any{"approved": false}, false},
			{`status == "open" && retries <= 3`, map[string]any{"status": "open", "retries": 2}, true},
			{"!urgent", map[string]any{"urgent": false, "note": "low"}, true},
		}
		for _, tt := range tests {
			ok, err := ExprPredicate{Expr: tt.expr}.Eval(tt.data)
			if err != nil {
				t.Errorf("%q: %v", tt.expr, err)
				continue
			}
			if ok != tt.want {
				t.Errorf("%q = %v, want %v", tt.expr, ok, tt.want)
			}
		}
	})

	t.Run("expr error", func(t *testing.T) {
		if _, err := (ExprPredicate{Expr: "amount >"}).Eval(map[string]any{"amount": 1}); err == nil {
			t.Error("expected compile error")
		}
		// A reference to a field absent from the data must error, never
		// silently route.
		if _, err := (ExprPredicate{Expr: "approved"}).Eval(map[string]any{"amount": 1}); err == nil {
			t.Error("expected missing-field error")
		}
	})
}
