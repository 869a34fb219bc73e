// Package dimension extracts named billing dimensions from request bodies,
// response bodies, and request metadata, and derives computed dimensions
// from other dimensions via transform expressions. Collection is best
// effort: a failed collector falls through to the next one by priority,
// then to the declared default, then to the type zero. Collect never
// returns an error to the caller.
package dimension

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/expr"
)

// Scope identifies which collectors apply to an exchange.
type Scope struct {
	Family   gateway.APIFamily
	Kind     gateway.EndpointKind
	TaskType string
}

// Inputs are the four value sources for one exchange. Base dimensions
// (token counts and the like) prefill the result and may be overwritten
// by successful collectors.
type Inputs struct {
	Request  []byte
	Response []byte
	Metadata map[string]any
	Base     map[string]any
}

// Store provides enabled collectors for a scope tuple.
type Store interface {
	ListCollectors(ctx context.Context, family gateway.APIFamily, kind gateway.EndpointKind, taskType string) ([]gateway.DimensionCollector, error)
}

// Service resolves dimensions for exchanges.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService returns a dimension collection service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "dimension")}
}

// Collect resolves every dimension configured for the scope. CLI traffic is
// billing-equivalent to chat, so task_type "cli" unions the chat collectors
// with per-dimension precedence for the CLI-scoped ones.
func (s *Service) Collect(ctx context.Context, scope Scope, in Inputs) map[string]any {
	collectors, err := s.store.ListCollectors(ctx, scope.Family, scope.Kind, scope.TaskType)
	if err != nil {
		s.logger.Warn("list collectors failed", "error", err, "scope", scope.TaskType)
		collectors = nil
	}
	if scope.TaskType == "cli" {
		chat, err := s.store.ListCollectors(ctx, scope.Family, scope.Kind, "chat")
		if err != nil {
			s.logger.Warn("list chat collectors failed", "error", err)
		} else {
			collectors = unionWithPrecedence(collectors, chat)
		}
	}
	return s.apply(collectors, in)
}

// unionWithPrecedence merges fallback collectors into primary, dropping any
// fallback whose dimension name already has a primary collector.
func unionWithPrecedence(primary, fallback []gateway.DimensionCollector) []gateway.DimensionCollector {
	have := make(map[string]bool, len(primary))
	for _, c := range primary {
		have[c.Dimension] = true
	}
	out := primary
	for _, c := range fallback {
		if !have[c.Dimension] {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) apply(collectors []gateway.DimensionCollector, in Inputs) map[string]any {
	out := make(map[string]any, len(in.Base)+len(collectors))
	for k, v := range in.Base {
		out[k] = v
	}

	var metaJSON []byte
	if len(in.Metadata) > 0 {
		metaJSON, _ = json.Marshal(in.Metadata)
	}

	groups, order := groupByDimension(collectors)

	// First pass: extracted dimensions in priority order within each group.
	var computed []string
	for _, name := range order {
		group := groups[name]
		if group[0].Source == gateway.SourceComputed {
			computed = append(computed, name)
			continue
		}
		out[name] = s.resolveExtracted(name, group, in, metaJSON)
	}

	// Second pass: computed dimensions in dependency order.
	for _, name := range topoSort(computed, groups, s.logger) {
		out[name] = s.resolveComputed(name, groups[name], out)
	}
	return out
}

// groupByDimension groups collectors by dimension name, each group sorted by
// priority descending, preserving input order on ties. Group order follows
// first appearance.
func groupByDimension(collectors []gateway.DimensionCollector) (map[string][]gateway.DimensionCollector, []string) {
	groups := make(map[string][]gateway.DimensionCollector)
	var order []string
	for _, c := range collectors {
		if !c.Enabled {
			continue
		}
		if _, ok := groups[c.Dimension]; !ok {
			order = append(order, c.Dimension)
		}
		groups[c.Dimension] = append(groups[c.Dimension], c)
	}
	for name, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].Priority > g[j].Priority })
		groups[name] = g
	}
	return groups, order
}

func (s *Service) resolveExtracted(name string, group []gateway.DimensionCollector, in Inputs, metaJSON []byte) any {
	for _, c := range group {
		doc := in.Request
		switch c.Source {
		case gateway.SourceResponse:
			doc = in.Response
		case gateway.SourceMetadata:
			doc = metaJSON
		}
		if len(doc) == 0 || c.Path == "" {
			continue
		}
		raw := gjson.GetBytes(doc, c.Path)
		if !raw.Exists() || raw.Type == gjson.Null {
			continue
		}
		v, ok := s.finishValue(c, raw)
		if !ok {
			continue
		}
		return v
	}
	return groupDefault(group)
}

// finishValue applies the optional transform and casts to the declared type.
func (s *Service) finishValue(c gateway.DimensionCollector, raw gjson.Result) (any, bool) {
	if c.Transform != "" {
		num, ok := numeric(raw)
		if !ok {
			return nil, false
		}
		v, err := expr.Eval(c.Transform, map[string]float64{"value": num})
		if err != nil {
			s.logger.Debug("transform failed", "dimension", c.Dimension, "error", err)
			return nil, false
		}
		return castNumber(v, c.ValueType)
	}
	return castResult(raw, c.ValueType)
}

func (s *Service) resolveComputed(name string, group []gateway.DimensionCollector, acc map[string]any) any {
	for _, c := range group {
		if c.Transform == "" {
			continue
		}
		v, err := expr.Eval(c.Transform, numericView(acc))
		if err != nil {
			s.logger.Debug("computed dimension failed", "dimension", name, "error", err)
			continue
		}
		if out, ok := castNumber(v, c.ValueType); ok {
			return out
		}
	}
	return groupDefault(group)
}

// groupDefault returns the first non-nil default in the group, cast to that
// collector's type, else the type zero of the highest-priority collector.
func groupDefault(group []gateway.DimensionCollector) any {
	for _, c := range group {
		if c.Default == nil {
			continue
		}
		if v, ok := castString(*c.Default, c.ValueType); ok {
			return v
		}
	}
	return typeZero(group[0].ValueType)
}

func typeZero(valueType string) any {
	switch valueType {
	case "int":
		return int64(0)
	case "string":
		return ""
	default:
		return float64(0)
	}
}

// numeric extracts a float64 from a JSON scalar, accepting numeric strings
// and rejecting booleans.
func numeric(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(r.String(), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func castResult(r gjson.Result, valueType string) (any, bool) {
	switch valueType {
	case "int":
		switch r.Type {
		case gjson.Number:
			return int64(r.Float()), true
		case gjson.String:
			n, err := strconv.ParseInt(r.String(), 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		}
		return nil, false
	case "string":
		switch r.Type {
		case gjson.String:
			return r.String(), true
		case gjson.Number:
			return r.Raw, true
		}
		return nil, false
	default: // float
		f, ok := numeric(r)
		if !ok {
			return nil, false
		}
		return f, true
	}
}

func castNumber(v float64, valueType string) (any, bool) {
	switch valueType {
	case "int":
		return int64(v), true
	case "string":
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return v, true
	}
}

func castString(s, valueType string) (any, bool) {
	switch valueType {
	case "int":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case "string":
		return s, true
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	}
}

// numericView projects the numeric entries of the accumulated dimensions
// into expression bindings.
func numericView(acc map[string]any) map[string]float64 {
	vars := make(map[string]float64, len(acc))
	for k, v := range acc {
		switch n := v.(type) {
		case float64:
			vars[k] = n
		case int64:
			vars[k] = float64(n)
		case int:
			vars[k] = float64(n)
		}
	}
	return vars
}

// topoSort orders computed dimensions so that each is evaluated after the
// computed dimensions its expression references. On a cycle the remaining
// names are appended in name order; collection degrades, never blocks.
func topoSort(names []string, groups map[string][]gateway.DimensionCollector, logger *slog.Logger) []string {
	inSet := make(map[string]bool, len(names))
	for _, n := range names {
		inSet[n] = true
	}

	deps := make(map[string][]string, len(names))
	indegree := make(map[string]int, len(names))
	for _, n := range names {
		indegree[n] = 0
	}
	for _, n := range names {
		for _, c := range groups[n] {
			if c.Transform == "" {
				continue
			}
			prog, err := expr.Compile(c.Transform)
			if err != nil {
				continue
			}
			for _, ref := range prog.Names() {
				if ref == "value" || ref == n || !inSet[ref] {
					continue
				}
				deps[ref] = append(deps[ref], n)
				indegree[n]++
			}
			break
		}
	}

	queue := make([]string, 0, len(names))
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	out := make([]string, 0, len(names))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		var released []string
		for _, dep := range deps[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		queue = append(queue, released...)
	}

	if len(out) < len(names) {
		var rest []string
		seen := make(map[string]bool, len(out))
		for _, n := range out {
			seen[n] = true
		}
		for _, n := range names {
			if !seen[n] {
				rest = append(rest, n)
			}
		}
		sort.Strings(rest)
		logger.Warn("computed dimension cycle", "dimensions", rest)
		out = append(out, rest...)
	}
	return out
}
