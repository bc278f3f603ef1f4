package wfnet

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Predicate is a routing condition evaluated against case data when an XOR
// or OR split selects its outgoing flows.
type Predicate interface {
	Eval(data map[string]any) (bool, error)
	String() string
}

// FuncPredicate wraps a Go function as a routing predicate. The name is
// used in diagnostics and log output only.
type FuncPredicate struct {
	Name string
	Fn   func(data map[string]any) bool
}

// Eval applies the wrapped function.
func (p FuncPredicate) Eval(data map[string]any) (bool, error) {
	if p.Fn == nil {
		return false, fmt.Errorf("predicate %s has no function", p.Name)
	}
	return p.Fn(data), nil
}

func (p FuncPredicate) String() string { return p.Name }

// ExprPredicate evaluates a CUE boolean expression with the case data in
// scope. Fields of the data document are referenced by name, e.g.
// "amount < 1000" or `status == "approved" && retries <= 3`.
type ExprPredicate struct {
	Expr string
}

// Eval compiles the expression against the case data and resolves it to a
// boolean. A reference to a field absent from the data is an evaluation
// error, not a silent false: routing decisions must never be guessed.
//
// The data fields and the expression are compiled as one struct, so bare
// field references ("approved") resolve the same way as compound ones
// ("amount < 1000"): lexically, to the sibling fields holding the data.
func (p ExprPredicate) Eval(data map[string]any) (bool, error) {
	if p.Expr == "" {
		return false, fmt.Errorf("empty predicate expression")
	}
	var src strings.Builder
	src.WriteString("{\n")
	for k, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return false, fmt.Errorf("encoding case data field %q: %w", k, err)
		}
		if bareLabel(k) {
			fmt.Fprintf(&src, "%s: %s\n", k, raw)
		} else {
			fmt.Fprintf(&src, "%q: %s\n", k, raw)
		}
	}
	fmt.Fprintf(&src, "_ok: (%s)\n}", p.Expr)

	cctx := cuecontext.New()
	v := cctx.CompileString(src.String(), cue.InferBuiltins(true))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("predicate %q: %w", p.Expr, err)
	}
	ok := v.LookupPath(cue.MakePath(cue.Hid("_ok", "_")))
	if err := ok.Err(); err != nil {
		return false, fmt.Errorf("predicate %q: %w", p.Expr, err)
	}
	b, err := ok.Bool()
	if err != nil {
		return false, fmt.Errorf("predicate %q is not boolean: %w", p.Expr, err)
	}
	return b, nil
}

// bareLabel reports whether a data key can be written as an unquoted CUE
// field that a predicate identifier will resolve to. Keys starting with an
// underscore must be quoted or CUE would hide them.
func bareLabel(k string) bool {
	if k == "" || strings.HasPrefix(k, "_") || cueKeywords[k] {
		return false
	}
	for i, r := range k {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

var cueKeywords = map[string]bool{
	"if": true, "for": true, "in": true, "let": true,
	"null": true, "true": true, "false": true,
}

func (p ExprPredicate) String() string { return p.Expr }
