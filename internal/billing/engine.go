// Package billing computes per-request cost. The engine resolves billing
// variables through dimension mappings (constant, dimension, matrix,
// tiered), evaluates the rule expression, and returns a result that
// explains the cost. The calculator handles tiered per-token pricing.
package billing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/maypok86/otter/v2"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/expr"
)

// Status reports whether every variable the expression needed was resolved.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
)

// Input is one evaluation request.
type Input struct {
	Expression string
	Variables  map[string]float64 // caller-supplied constants, never overridden by constant mappings
	Dimensions map[string]any
	Mappings   map[string]gateway.DimensionMapping
	Strict     bool
}

// Result explains one evaluation.
type Result struct {
	Status          Status             `json:"status"`
	CostUSD         float64            `json:"cost_usd"`
	Resolved        map[string]float64 `json:"resolved,omitempty"`
	MissingRequired []string           `json:"missing_required,omitempty"`
	ErrorMessage    string             `json:"error,omitempty"`
}

// Engine evaluates billing rules. Compiled expressions are cached, so a
// single engine should be shared process-wide.
type Engine struct {
	programs *otter.Cache[string, *expr.Program]
}

// NewEngine returns a billing engine with a bounded compiled-program cache.
func NewEngine() (*Engine, error) {
	c, err := otter.New[string, *expr.Program](&otter.Options[string, *expr.Program]{
		MaximumSize: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: create program cache: %w", err)
	}
	return &Engine{programs: c}, nil
}

// Evaluate resolves the expression's variables through the mappings and
// computes the cost. A missing required variable returns an error wrapping
// gateway.ErrBillingIncomplete when strict, and an incomplete zero-cost
// result otherwise. Expression failures and negative costs yield incomplete
// results with ErrorMessage set; they never panic or propagate.
func (e *Engine) Evaluate(in Input) (*Result, error) {
	prog, err := e.compile(in.Expression)
	if err != nil {
		return &Result{Status: StatusIncomplete, ErrorMessage: err.Error()}, nil
	}

	resolved := make(map[string]float64, len(in.Variables)+len(in.Mappings))
	for k, v := range in.Variables {
		resolved[k] = v
	}

	var missing []string
	for _, name := range prog.Names() {
		m, ok := in.Mappings[name]
		if !ok {
			continue
		}
		value, state := resolveMapping(name, m, in.Dimensions, resolved)
		switch state {
		case resolvedOK:
			resolved[name] = value
		case resolvedMissing:
			if m.Required {
				missing = append(missing, name)
			}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		if in.Strict {
			return &Result{Status: StatusIncomplete, MissingRequired: missing},
				fmt.Errorf("%w: missing required variables %s", gateway.ErrBillingIncomplete, strings.Join(missing, ", "))
		}
		return &Result{Status: StatusIncomplete, MissingRequired: missing}, nil
	}

	cost, err := prog.Eval(resolved)
	if err != nil {
		return &Result{Status: StatusIncomplete, Resolved: resolved, ErrorMessage: err.Error()}, nil
	}
	if cost < 0 {
		return &Result{Status: StatusIncomplete, Resolved: resolved, ErrorMessage: "negative_cost"}, nil
	}
	return &Result{Status: StatusComplete, CostUSD: cost, Resolved: resolved}, nil
}

func (e *Engine) compile(src string) (*expr.Program, error) {
	if prog, ok := e.programs.GetIfPresent(src); ok {
		return prog, nil
	}
	prog, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	e.programs.Set(src, prog)
	return prog, nil
}

type resolveState int

const (
	resolvedOK resolveState = iota
	resolvedMissing
	resolvedSkip // leave any caller-supplied value in place
)

// resolveMapping produces the value for one variable. Constant mappings
// never override caller-supplied variables; the other sources do.
func resolveMapping(name string, m gateway.DimensionMapping, dims map[string]any, current map[string]float64) (float64, resolveState) {
	switch m.Source {
	case gateway.MapConstant:
		if _, exists := current[name]; exists {
			return 0, resolvedSkip
		}
		if m.Default != nil {
			return *m.Default, resolvedOK
		}
		return 0, resolvedMissing

	case gateway.MapDimension:
		v, ok := numericDimension(dims[m.Key], m.AllowZero)
		if ok {
			return v, resolvedOK
		}
		if m.Default != nil {
			return *m.Default, resolvedOK
		}
		return 0, resolvedMissing

	case gateway.MapMatrix:
		s, ok := stringDimension(dims[m.Key])
		if ok {
			if v, hit := m.Map[s]; hit {
				return v, resolvedOK
			}
		}
		if m.Default != nil {
			return *m.Default, resolvedOK
		}
		return 0, resolvedMissing

	case gateway.MapTiered:
		k, ok := numericDimension(dims[m.TierKey], m.AllowZero)
		if ok {
			for _, tier := range m.Tiers {
				if tier.UpTo == nil || k <= *tier.UpTo {
					return tier.Value, resolvedOK
				}
			}
		}
		if m.Default != nil {
			return *m.Default, resolvedOK
		}
		return 0, resolvedMissing
	}
	return 0, resolvedMissing
}

// numericDimension coerces a dimension value to float64. Numeric strings are
// accepted; empty values are missing; zero is missing unless allowZero.
func numericDimension(v any, allowZero bool) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case string:
		if n == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if f == 0 && !allowZero {
		return 0, false
	}
	return f, true
}

// stringDimension renders a dimension value as a matrix lookup key.
func stringDimension(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		if s == "" {
			return "", false
		}
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case int:
		return strconv.Itoa(s), true
	default:
		return "", false
	}
}
