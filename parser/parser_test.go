package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/flownet-io/go-flownet/wfnet"
)

const claimsYAML = `
id: claims
version: "1.0"
nets:
  - id: main
    name: Claim handling
    conditions:
      - {id: start, start: true}
      - {id: registered}
      - {id: assessed}
      - {id: end, end: true}
    tasks:
      - id: register
        join: xor
        split: and
        inputs: [start]
        flows:
          - {to: registered}
      - id: assess
        inputs: [registered]
        split: xor
        flows:
          - {to: assessed, predicate: "amount < 1000"}
          - {to: escalated, default: true}
        multi: {min: 1, max: 3, threshold: 2}
      - id: escalate
        inputs: [escalated]
        subnet: review
        flows:
          - {to: assessed}
      - id: settle
        join: xor
        inputs: [assessed]
        flows:
          - {to: end}
    # escalated is only declared through flows below
  - id: review
    conditions:
      - {id: start, start: true}
      - {id: end, end: true}
    tasks:
      - id: inspect
        inputs: [start]
        flows:
          - {to: end}
`

const withEscalated = `
id: claims
nets:
  - id: main
    conditions:
      - {id: start, start: true}
      - {id: registered}
      - {id: escalated}
      - {id: assessed}
      - {id: end, end: true}
    tasks:
      - id: register
        inputs: [start]
        flows: [{to: registered}]
      - id: assess
        split: xor
        inputs: [registered]
        flows:
          - {to: assessed, predicate: "amount < 1000"}
          - {to: escalated, default: true}
      - id: escalate
        inputs: [escalated]
        subnet: review
        flows: [{to: assessed}]
      - id: settle
        inputs: [assessed]
        flows: [{to: end}]
  - id: review
    conditions:
      - {id: start, start: true}
      - {id: end, end: true}
    tasks:
      - id: inspect
        inputs: [start]
        flows: [{to: end}]
`

func TestParse(t *testing.T) {
	spec, err := Parse([]byte(withEscalated))
	if err != nil {
		t.Fatal(err)
	}
	if spec.Root == nil || spec.Root.ID != "main" {
		t.Fatalf("root = %v", spec.Root)
	}
	if spec.Net("review") == nil {
		t.Fatal("subnet review missing")
	}

	assess := spec.Root.Task("assess")
	if assess == nil {
		t.Fatal("task assess missing")
	}
	if assess.Join != wfnet.JoinXOR || assess.Split != wfnet.SplitXOR {
		t.Errorf("assess decorators = %s/%s", assess.Join, assess.Split)
	}
	if assess.Flows[0].Predicate == nil {
		t.Error("guarded flow lost its predicate")
	}
	if !assess.Flows[1].Default {
		t.Error("default flow not marked")
	}

	esc := spec.Root.Task("escalate")
	if !esc.IsComposite() || esc.SubnetID != "review" {
		t.Errorf("escalate = %+v", esc)
	}
}

func TestParseDefaults(t *testing.T) {
	spec, err := Parse([]byte(withEscalated))
	if err != nil {
		t.Fatal(err)
	}
	reg := spec.Root.Task("register")
	if reg.Join != wfnet.JoinXOR {
		t.Errorf("default join = %s, want xor", reg.Join)
	}
	if reg.Split != wfnet.SplitAND {
		t.Errorf("default split = %s, want and", reg.Split)
	}
	if reg.Name != "register" {
		t.Errorf("default name = %q", reg.Name)
	}
}

func TestParseValidates(t *testing.T) {
	_, err := Parse([]byte(claimsYAML))
	if err == nil {
		t.Fatal("flow to undeclared condition accepted")
	}
	var verr *wfnet.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("unexpected error type: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty document", "id: x", "declares no nets"},
		{"bad yaml", ":\n  - ]", "decode specification"},
		{"missing root", "id: x\nroot: nope\nnets:\n  - id: main", "root net"},
		{
			"guarded default flow",
			`nets:
  - id: main
    conditions:
      - {id: start, start: true}
      - {id: end, end: true}
    tasks:
      - id: t
        inputs: [start]
        flows:
          - {to: end, predicate: "ok", default: true}`,
			"both default and guarded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	if _, err := ParseFile(t.TempDir() + "/missing.yaml"); err == nil {
		t.Error("missing file accepted")
	}
}
