package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

// The shipped example definitions double as end-to-end fixtures: each one
// must validate and run to completion through the real command path.
func TestExamplesRunToCompletion(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"claims accepted", []string{"run", "../../examples/claims.yaml", "--data", `{"amount": 250}`}},
		{"claims rejected", []string{"run", "../../examples/claims.yaml", "--data", `{"amount": 5000}`}},
		{"fulfillment", []string{"run", "../../examples/fulfillment.yaml"}},
		{"hiring", []string{"run", "../../examples/hiring.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCommand()
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(append(tt.args, "--log-level", "error"))
			if err := cmd.Execute(); err != nil {
				t.Fatalf("%v: %v\n%s", tt.args, err, out.String())
			}

			var snap struct {
				Status string         `json:"status"`
				Tokens map[string]int `json:"tokens"`
			}
			if err := json.Unmarshal(out.Bytes(), &snap); err != nil {
				t.Fatalf("snapshot output: %v\n%s", err, out.String())
			}
			if snap.Status != "completed" {
				t.Errorf("status = %s", snap.Status)
			}
			if snap.Tokens["end"] != 1 {
				t.Errorf("tokens = %v", snap.Tokens)
			}
		})
	}
}

func TestExamplesValidate(t *testing.T) {
	for _, path := range []string{
		"../../examples/claims.yaml",
		"../../examples/fulfillment.yaml",
		"../../examples/hiring.yaml",
	} {
		var out bytes.Buffer
		cmd := newRootCommand()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"validate", path})
		if err := cmd.Execute(); err != nil {
			t.Errorf("validate %s: %v\n%s", path, err, out.String())
		}
	}
}
