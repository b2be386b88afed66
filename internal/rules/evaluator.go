package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/avsafe/caseflow/pkg/schema"
)

// Evaluator evaluates condition rule trees against a flattened entity
// context. It is pure and deterministic: no state beyond a compiled-regex
// cache, no I/O. The one evaluation error it can produce is a malformed
// regex pattern, which is a configuration bug and must surface rather than
// silently fail the gate.
// Thread-safe: compiled patterns are cached and reused across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewEvaluator creates a new rule evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*regexp.Regexp)}
}

// Evaluate scores a rule tree against the context. A nil rule is an open
// gate and evaluates to true.
func (e *Evaluator) Evaluate(rule *schema.Rule, context map[string]any) (bool, error) {
	if rule == nil {
		return true, nil
	}
	if rule.IsGroup() {
		return e.evaluateGroup(rule, context)
	}
	return e.evaluateCondition(rule, context)
}

// evaluateGroup combines child results under AND/OR. An AND of zero children
// is true, an OR of zero children is false.
func (e *Evaluator) evaluateGroup(rule *schema.Rule, context map[string]any) (bool, error) {
	logic := rule.Logic
	if logic == "" {
		logic = schema.LogicAnd
	}
	switch logic {
	case schema.LogicAnd:
		for i := range rule.Rules {
			ok, err := e.Evaluate(&rule.Rules[i], context)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case schema.LogicOr:
		for i := range rule.Rules {
			ok, err := e.Evaluate(&rule.Rules[i], context)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeMalformedRule, "unknown group logic %q", logic)
	}
}

func (e *Evaluator) evaluateCondition(rule *schema.Rule, context map[string]any) (bool, error) {
	value, found := ResolvePath(context, rule.Field)

	switch rule.Operator {
	case schema.OpEquals:
		if !found {
			return false, nil
		}
		return equals(value, rule.Value), nil
	case schema.OpNotEquals:
		if !found {
			return true, nil
		}
		return !equals(value, rule.Value), nil
	case schema.OpGreater, schema.OpGreaterEq, schema.OpLess, schema.OpLessEq:
		// Numeric comparisons are undefined (false) for non-numeric values.
		left, lok := toFloat(value)
		right, rok := toFloat(rule.Value)
		if !found || !lok || !rok {
			return false, nil
		}
		switch rule.Operator {
		case schema.OpGreater:
			return left > right, nil
		case schema.OpGreaterEq:
			return left >= right, nil
		case schema.OpLess:
			return left < right, nil
		default:
			return left <= right, nil
		}
	case schema.OpIn:
		if !found {
			return false, nil
		}
		return contains(rule.Value, value), nil
	case schema.OpNotIn:
		if !found {
			return true, nil
		}
		return !contains(rule.Value, value), nil
	case schema.OpExists:
		exists := found && value != nil
		if want, ok := rule.Value.(bool); ok && !want {
			return !exists, nil
		}
		return exists, nil
	case schema.OpMatches:
		pattern, ok := rule.Value.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeMalformedRule,
				"regex pattern for field %q is not a string", rule.Field)
		}
		re, err := e.getOrCompile(pattern)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeMalformedRule,
				"invalid regex %q for field %q: %s", pattern, rule.Field, err.Error()).
				WithCause(err)
		}
		str, ok := value.(string)
		if !found || !ok {
			return false, nil
		}
		return re.MatchString(str), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeMalformedRule,
			"unknown operator %q for field %q", rule.Operator, rule.Field)
	}
}

// getOrCompile returns a cached compiled regex or compiles and caches a new one.
func (e *Evaluator) getOrCompile(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	if re, ok := e.cache[pattern]; ok {
		e.mu.RUnlock()
		return re, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.cache[pattern] = re
	return re, nil
}

// ResolvePath walks a dot-separated path through nested maps. Any missing
// intermediate segment yields (nil, false). The walk is bounded by the path
// length; it never reflects over live domain objects.
func ResolvePath(context map[string]any, path string) (any, bool) {
	if path == "" || context == nil {
		return nil, false
	}
	var current any = context
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Describe renders a rule as a short human-readable label for UI display.
// An explicit Label on the rule wins.
func Describe(rule *schema.Rule) string {
	if rule == nil {
		return ""
	}
	if rule.Label != "" {
		return rule.Label
	}
	if rule.IsGroup() {
		parts := make([]string, 0, len(rule.Rules))
		for i := range rule.Rules {
			parts = append(parts, Describe(&rule.Rules[i]))
		}
		joiner := " and "
		if rule.Logic == schema.LogicOr {
			joiner = " or "
		}
		return strings.Join(parts, joiner)
	}
	switch rule.Operator {
	case schema.OpExists:
		if want, ok := rule.Value.(bool); ok && !want {
			return fmt.Sprintf("%s is absent", rule.Field)
		}
		return fmt.Sprintf("%s is present", rule.Field)
	default:
		return fmt.Sprintf("%s %s %v", rule.Field, rule.Operator, rule.Value)
	}
}

// equals compares two context values: numerically when both sides are
// numeric, structurally otherwise.
func equals(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// contains reports whether list (a JSON array) contains the value. A
// non-list configured value never matches.
func contains(list, value any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equals(item, value) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
