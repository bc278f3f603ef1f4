package parser

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flownet-io/go-flownet/wfnet"
)

// JSON field names mirror the YAML tags, so the same Document shape
// round-trips through either format.

// ParseJSON loads and validates a specification from a JSON document.
func ParseJSON(raw []byte) (*wfnet.Specification, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	return build(&doc)
}

// ExportJSON renders a specification back into the document shape as
// indented JSON. Predicates are exported as their expression text, so a
// specification built with Go-function predicates does not round-trip.
func ExportJSON(spec *wfnet.Specification) ([]byte, error) {
	doc := Document{
		ID:      spec.ID,
		Version: spec.Version,
		Root:    spec.Root.ID,
	}
	doc.Nets = append(doc.Nets, netDecl(spec.Root))
	ids := make([]string, 0, len(spec.Subnets))
	for id := range spec.Subnets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc.Nets = append(doc.Nets, netDecl(spec.Subnets[id]))
	}
	return json.MarshalIndent(&doc, "", "  ")
}

func netDecl(net *wfnet.Net) NetDecl {
	decl := NetDecl{ID: net.ID, Name: net.Name}
	for _, id := range net.ConditionIDs() {
		c := net.Condition(id)
		decl.Conditions = append(decl.Conditions, ConditionDecl{
			ID: c.ID, Name: c.Name, Start: c.Start, End: c.End,
		})
	}
	for _, id := range net.TaskIDs() {
		t := net.Task(id)
		td := TaskDecl{
			ID:     t.ID,
			Name:   t.Name,
			Join:   string(t.Join),
			Split:  string(t.Split),
			Inputs: t.Inputs,
			Cancel: t.CancelSet,
			Subnet: t.SubnetID,
		}
		for _, f := range t.Flows {
			fd := FlowDecl{To: f.To, Default: f.Default}
			if f.Predicate != nil {
				fd.Predicate = f.Predicate.String()
			}
			td.Flows = append(td.Flows, fd)
		}
		if t.Multi != nil {
			td.Multi = &MultiDecl{
				Min:       t.Multi.Min,
				Max:       t.Multi.Max,
				Threshold: t.Multi.Threshold,
				Dynamic:   t.Multi.Dynamic,
			}
		}
		decl.Tasks = append(decl.Tasks, td)
	}
	return decl
}
