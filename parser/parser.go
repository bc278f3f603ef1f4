// Package parser loads workflow specifications from YAML documents.
//
// A document declares one or more nets; the first net (or the one named by
// the top-level "root" field) becomes the root net and the rest are subnets
// addressable from composite tasks. The loaded specification is structurally
// validated before it is returned.
package parser

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flownet-io/go-flownet/wfnet"
)

// Document is the YAML shape of a workflow specification file.
type Document struct {
	ID      string    `yaml:"id" json:"id"`
	Version string    `yaml:"version" json:"version,omitempty"`
	Root    string    `yaml:"root" json:"root,omitempty"`
	Nets    []NetDecl `yaml:"nets" json:"nets"`
}

// NetDecl declares a single net.
type NetDecl struct {
	ID         string          `yaml:"id" json:"id"`
	Name       string          `yaml:"name" json:"name,omitempty"`
	Conditions []ConditionDecl `yaml:"conditions" json:"conditions,omitempty"`
	Tasks      []TaskDecl      `yaml:"tasks" json:"tasks,omitempty"`
}

// ConditionDecl declares a condition.
type ConditionDecl struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name,omitempty"`
	Start bool   `yaml:"start" json:"start,omitempty"`
	End   bool   `yaml:"end" json:"end,omitempty"`
}

// TaskDecl declares a task with its decorators and flows.
type TaskDecl struct {
	ID     string     `yaml:"id" json:"id"`
	Name   string     `yaml:"name" json:"name,omitempty"`
	Join   string     `yaml:"join" json:"join,omitempty"`
	Split  string     `yaml:"split" json:"split,omitempty"`
	Inputs []string   `yaml:"inputs" json:"inputs,omitempty"`
	Flows  []FlowDecl `yaml:"flows" json:"flows,omitempty"`
	Cancel []string   `yaml:"cancel" json:"cancel,omitempty"`
	Multi  *MultiDecl `yaml:"multi" json:"multi,omitempty"`
	Subnet string     `yaml:"subnet" json:"subnet,omitempty"`
}

// FlowDecl declares an outgoing flow. Predicate is a CUE boolean
// expression over case data; default marks the fallback flow.
type FlowDecl struct {
	To        string `yaml:"to" json:"to"`
	Predicate string `yaml:"predicate" json:"predicate,omitempty"`
	Default   bool   `yaml:"default" json:"default,omitempty"`
}

// MultiDecl declares multiple-instance bounds.
type MultiDecl struct {
	Min       int  `yaml:"min" json:"min,omitempty"`
	Max       int  `yaml:"max" json:"max,omitempty"`
	Threshold int  `yaml:"threshold" json:"threshold,omitempty"`
	Dynamic   bool `yaml:"dynamic" json:"dynamic,omitempty"`
}

// ParseFile loads and validates a specification from a YAML file.
func ParseFile(path string) (*wfnet.Specification, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}
	return Parse(raw)
}

// Parse loads and validates a specification from YAML bytes.
func Parse(raw []byte) (*wfnet.Specification, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	return build(&doc)
}

func build(doc *Document) (*wfnet.Specification, error) {
	if len(doc.Nets) == 0 {
		return nil, fmt.Errorf("specification %q declares no nets", doc.ID)
	}

	spec := &wfnet.Specification{
		ID:      doc.ID,
		Version: doc.Version,
		Subnets: make(map[string]*wfnet.Net),
	}

	rootID := doc.Root
	if rootID == "" {
		rootID = doc.Nets[0].ID
	}

	for i := range doc.Nets {
		decl := &doc.Nets[i]
		net, err := buildNet(decl)
		if err != nil {
			return nil, err
		}
		if decl.ID == rootID {
			spec.Root = net
		} else {
			spec.Subnets[decl.ID] = net
		}
	}
	if spec.Root == nil {
		return nil, fmt.Errorf("specification %q: root net %q not declared", doc.ID, rootID)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func buildNet(decl *NetDecl) (*wfnet.Net, error) {
	net := wfnet.NewNet(decl.ID, decl.Name)
	for _, c := range decl.Conditions {
		cond := &wfnet.Condition{ID: c.ID, Name: c.Name, Start: c.Start, End: c.End}
		if err := net.AddCondition(cond); err != nil {
			return nil, fmt.Errorf("net %q: %w", decl.ID, err)
		}
	}
	for _, td := range decl.Tasks {
		task, err := buildTask(&td)
		if err != nil {
			return nil, fmt.Errorf("net %q: %w", decl.ID, err)
		}
		if err := net.AddTask(task); err != nil {
			return nil, fmt.Errorf("net %q: %w", decl.ID, err)
		}
	}
	return net, nil
}

func buildTask(decl *TaskDecl) (*wfnet.Task, error) {
	join, split := decl.Join, decl.Split
	if join == "" {
		join = string(wfnet.JoinXOR)
	}
	if split == "" {
		split = string(wfnet.SplitAND)
	}

	task := &wfnet.Task{
		ID:        decl.ID,
		Name:      decl.Name,
		Join:      wfnet.JoinType(join),
		Split:     wfnet.SplitType(split),
		Inputs:    decl.Inputs,
		CancelSet: decl.Cancel,
		SubnetID:  decl.Subnet,
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	for _, f := range decl.Flows {
		flow := wfnet.Flow{To: f.To, Default: f.Default}
		if f.Predicate != "" {
			if f.Default {
				return nil, fmt.Errorf("task %q: flow to %q is both default and guarded", decl.ID, f.To)
			}
			flow.Predicate = wfnet.ExprPredicate{Expr: f.Predicate}
		}
		task.Flows = append(task.Flows, flow)
	}
	if decl.Multi != nil {
		task.Multi = &wfnet.MultiInstance{
			Min:       decl.Multi.Min,
			Max:       decl.Multi.Max,
			Threshold: decl.Multi.Threshold,
			Dynamic:   decl.Multi.Dynamic,
		}
	}
	return task, nil
}
