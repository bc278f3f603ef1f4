package enablement

import (
	"errors"
	"reflect"
	"testing"

	"github.com/flownet-io/go-flownet/marking"
	"github.com/flownet-io/go-flownet/wfnet"
)

func boolPred(name string, v bool) wfnet.Predicate {
	return wfnet.FuncPredicate{Name: name, Fn: func(map[string]any) bool {
		return v
	}}
}

func dataPred(key string) wfnet.Predicate {
	return wfnet.FuncPredicate{Name: key, Fn: func(data map[string]any) bool {
		v, _ := data[key].(bool)
		return v
	}}
}

// parallelNet fans out with an AND-split and merges with the given join.
func parallelNet(t *testing.T, join wfnet.JoinType) *wfnet.Net {
	t.Helper()
	return wfnet.Build("par", "").
		Start("start").
		Condition("c1").Condition("c2").
		Condition("d1").Condition("d2").
		End("end").
		Task("fork", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("start"), wfnet.Out("c1"), wfnet.Out("c2")).
		Task("t1", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("c1"), wfnet.Out("d1")).
		Task("t2", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("c2"), wfnet.Out("d2")).
		Task("merge", join, wfnet.SplitAND, wfnet.In("d1"), wfnet.In("d2"), wfnet.Out("end")).
		MustDone()
}

// choiceNet fans out with an XOR-split so only one branch ever gets a token.
func choiceNet(t *testing.T) *wfnet.Net {
	t.Helper()
	return wfnet.Build("choice", "").
		Start("start").
		Condition("c1").Condition("c2").
		Condition("d1").Condition("d2").
		End("end").
		Task("choose", wfnet.JoinXOR, wfnet.SplitXOR, wfnet.In("start"),
			wfnet.OutIf("c1", dataPred("left")), wfnet.OutDefault("c2")).
		Task("t1", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("c1"), wfnet.Out("d1")).
		Task("t2", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("c2"), wfnet.Out("d2")).
		Task("merge", wfnet.JoinOR, wfnet.SplitAND, wfnet.In("d1"), wfnet.In("d2"), wfnet.Out("end")).
		MustDone()
}

func mark(pairs map[string]int, busy map[string]int) *marking.Marking {
	return marking.FromSnapshot(pairs, busy)
}

func TestAndJoin(t *testing.T) {
	net := parallelNet(t, wfnet.JoinAND)
	e := New(net)
	merge := net.Task("merge")

	ok, err := e.Fireable(merge, mark(map[string]int{"d1": 1}, nil))
	if err != nil || ok {
		t.Errorf("AND-join with one input = %v, %v", ok, err)
	}
	ok, err = e.Fireable(merge, mark(map[string]int{"d1": 1, "d2": 1}, nil))
	if err != nil || !ok {
		t.Errorf("AND-join with all inputs = %v, %v", ok, err)
	}
}

func TestXorJoin(t *testing.T) {
	net := parallelNet(t, wfnet.JoinXOR)
	e := New(net)
	merge := net.Task("merge")

	ok, err := e.Fireable(merge, mark(map[string]int{"d2": 1}, nil))
	if err != nil || !ok {
		t.Errorf("XOR-join with one input = %v, %v", ok, err)
	}
	ok, err = e.Fireable(merge, mark(nil, nil))
	if err != nil || ok {
		t.Errorf("XOR-join with no input = %v, %v", ok, err)
	}
}

func TestOrJoinWaitsForReachableToken(t *testing.T) {
	net := parallelNet(t, wfnet.JoinOR)
	e := New(net)
	merge := net.Task("merge")

	// The second branch can still deliver into d2: the join must wait.
	tests := []struct {
		name string
		m    *marking.Marking
	}{
		{"token upstream", mark(map[string]int{"d1": 1, "c2": 1}, nil)},
		{"branch executing", mark(map[string]int{"d1": 1}, map[string]int{"t2": 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := e.Fireable(merge, tt.m)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Errorf("OR-join fired while a token can still arrive: %s", tt.m)
			}
		})
	}
}

func TestOrJoinFiresWhenQuiet(t *testing.T) {
	t.Run("all inputs marked", func(t *testing.T) {
		net := parallelNet(t, wfnet.JoinOR)
		e := New(net)
		ok, err := e.Fireable(net.Task("merge"), mark(map[string]int{"d1": 1, "d2": 1}, nil))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("OR-join with every input marked must fire")
		}
	})

	t.Run("dead branch", func(t *testing.T) {
		// After an exclusive choice the other branch can never produce.
		net := choiceNet(t)
		e := New(net)
		ok, err := e.Fireable(net.Task("merge"), mark(map[string]int{"d1": 1}, nil))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("OR-join must fire when the empty input is unreachable")
		}
	})
}

func TestOrJoinInconclusiveWaits(t *testing.T) {
	// More work on the live branch only ever feeds d1, so a full search
	// enables the join; the truncated search must come back conservative.
	net := choiceNet(t)
	m := mark(map[string]int{"d1": 1, "c1": 1}, nil)

	ok, err := New(net).Fireable(net.Task("merge"), m)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("full search should enable the join")
	}

	ok, err = New(net, WithStateLimit(1)).Fireable(net.Task("merge"), m)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("truncated search must not enable the join")
	}
}

func TestFireableTasks(t *testing.T) {
	net := parallelNet(t, wfnet.JoinAND)
	e := New(net)
	got, err := e.FireableTasks(mark(map[string]int{"c1": 1, "c2": 1}, nil))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"t1", "t2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FireableTasks = %v, want %v", got, want)
	}
}

func TestConsumeSet(t *testing.T) {
	andNet := parallelNet(t, wfnet.JoinAND)
	xorNet := parallelNet(t, wfnet.JoinXOR)
	orNet := parallelNet(t, wfnet.JoinOR)

	tests := []struct {
		name string
		net  *wfnet.Net
		m    *marking.Marking
		want map[string]int
	}{
		{"and takes all", andNet, mark(map[string]int{"d1": 1, "d2": 2}, nil),
			map[string]int{"d1": 1, "d2": 1}},
		{"xor takes first marked", xorNet, mark(map[string]int{"d2": 1}, nil),
			map[string]int{"d2": 1}},
		{"or takes all marked", orNet, mark(map[string]int{"d1": 1, "d2": 1}, nil),
			map[string]int{"d1": 1, "d2": 1}},
		{"or skips empty", orNet, mark(map[string]int{"d1": 1}, nil),
			map[string]int{"d1": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.net)
			got, err := e.ConsumeSet(tt.net.Task("merge"), tt.m)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ConsumeSet = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("underflow", func(t *testing.T) {
		e := New(andNet)
		_, err := e.ConsumeSet(andNet.Task("merge"), mark(map[string]int{"d1": 1}, nil))
		var empty *marking.EmptyConditionError
		if !errors.As(err, &empty) {
			t.Errorf("expected EmptyConditionError, got %v", err)
		}
	})
}

func TestRoute(t *testing.T) {
	net := wfnet.Build("route", "").
		Start("start").
		Condition("a").Condition("b").
		End("end").
		Task("and", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("start"), wfnet.Out("a"), wfnet.Out("b")).
		Task("xor", wfnet.JoinXOR, wfnet.SplitXOR, wfnet.In("a"),
			wfnet.OutIf("b", dataPred("go_b")), wfnet.OutDefault("end")).
		Task("or", wfnet.JoinXOR, wfnet.SplitOR, wfnet.In("b"),
			wfnet.OutIf("a", dataPred("go_a")), wfnet.OutIf("end", dataPred("go_end"))).
		Task("drain", wfnet.JoinXOR, wfnet.SplitAND, wfnet.In("a"), wfnet.In("b"), wfnet.Out("end")).
		MustDone()
	e := New(net)

	t.Run("and split", func(t *testing.T) {
		got, err := e.Route(net.Task("and"), nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, []string{"a", "b"}) {
			t.Errorf("Route = %v", got)
		}
	})

	t.Run("xor predicate", func(t *testing.T) {
		got, err := e.Route(net.Task("xor"), map[string]any{"go_b": true})
		if err != nil || !reflect.DeepEqual(got, []string{"b"}) {
			t.Errorf("Route = %v, %v", got, err)
		}
	})

	t.Run("xor default", func(t *testing.T) {
		got, err := e.Route(net.Task("xor"), nil)
		if err != nil || !reflect.DeepEqual(got, []string{"end"}) {
			t.Errorf("Route = %v, %v", got, err)
		}
	})

	t.Run("or multiple", func(t *testing.T) {
		got, err := e.Route(net.Task("or"), map[string]any{"go_a": true, "go_end": true})
		if err != nil || !reflect.DeepEqual(got, []string{"a", "end"}) {
			t.Errorf("Route = %v, %v", got, err)
		}
	})

	t.Run("or no route", func(t *testing.T) {
		_, err := e.Route(net.Task("or"), nil)
		var noRoute *NoRouteSelectedError
		if !errors.As(err, &noRoute) || noRoute.TaskID != "or" {
			t.Errorf("expected NoRouteSelectedError, got %v", err)
		}
	})
}
