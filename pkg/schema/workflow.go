package schema

import (
	"encoding/json"
	"fmt"
)

// EntityType identifies a kind of tracked case record.
type EntityType string

// Built-in entity types of the peer-review platform. Workflow configurations
// may introduce additional types; the engine treats the value as opaque.
const (
	EntityTypeCAP     EntityType = "CAP"
	EntityTypeFinding EntityType = "FINDING"
)

// WorkflowConfig is the static state-machine definition for one entity type.
// States and transitions are data: the same engine serves every configured
// entity type, and a state with no outgoing transitions is terminal by
// omission.
type WorkflowConfig struct {
	EntityType   EntityType         `json:"entity_type"`
	InitialState string             `json:"initial_state"`
	States       []StateConfig      `json:"states"`
	Transitions  []TransitionConfig `json:"transitions"`
	// ContextFields maps dotted context paths to jq programs evaluated
	// against the entity document by the resolver (derived counts, flags).
	ContextFields map[string]string `json:"context_fields,omitempty"`
}

// StateConfig describes a single named state.
type StateConfig struct {
	Code  string `json:"code"`
	Label string `json:"label,omitempty"`
	// SLATargetDays is the SLA target for time spent in this state.
	// Zero means the state carries no SLA.
	SLATargetDays int `json:"sla_target_days,omitempty"`
}

// TransitionConfig is a conditionally-gated edge between two states.
type TransitionConfig struct {
	Code            string     `json:"code"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Label           string     `json:"label,omitempty"`
	Style           string     `json:"style,omitempty"` // display hint, no behavioral effect
	RequiresComment bool       `json:"requires_comment,omitempty"`
	Roles           []string   `json:"roles,omitempty"` // allowed actor roles; empty means any
	Condition       *Rule      `json:"condition,omitempty"`
	Guard           *GuardExpr `json:"guard,omitempty"`
}

// GuardExpr is a free-form expression gate evaluated in addition to the
// structured condition tree. Both must pass for the transition to be taken.
type GuardExpr struct {
	Engine     string `json:"engine"` // "cel" or "expr"
	Expression string `json:"expression"`
}

// StateFor returns the state config for the given code, or nil.
func (c *WorkflowConfig) StateFor(code string) *StateConfig {
	for i := range c.States {
		if c.States[i].Code == code {
			return &c.States[i]
		}
	}
	return nil
}

// TransitionsFrom returns all transitions whose source matches the state.
func (c *WorkflowConfig) TransitionsFrom(state string) []TransitionConfig {
	var out []TransitionConfig
	for _, t := range c.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// TransitionTo returns the transition from the given state to the target
// state, or nil if no such edge is configured.
func (c *WorkflowConfig) TransitionTo(from, to string) *TransitionConfig {
	for i := range c.Transitions {
		if c.Transitions[i].From == from && c.Transitions[i].To == to {
			return &c.Transitions[i]
		}
	}
	return nil
}

// --- Rule tree ---

// Logic combines the children of a rule group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator compares a resolved context value against a configured value.
type Operator string

const (
	OpEquals    Operator = "eq"
	OpNotEquals Operator = "neq"
	OpGreater   Operator = "gt"
	OpGreaterEq Operator = "gte"
	OpLess      Operator = "lt"
	OpLessEq    Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpExists    Operator = "exists"
	OpMatches   Operator = "matches"
)

// Rule is a recursive condition expression: either a single comparison or a
// group combining child rules under AND/OR logic. The two variants are
// discriminated structurally: an object carrying a "rules" array is a group,
// anything else is a condition.
type Rule struct {
	// Group fields. Logic defaults to AND when unspecified.
	Logic Logic  `json:"logic,omitempty"`
	Rules []Rule `json:"rules,omitempty"`

	// Condition fields. Field is a dot-separated path resolved against the
	// entity context.
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	// Label overrides the generated description shown to callers.
	Label string `json:"label,omitempty"`

	group bool
}

// IsGroup reports whether the rule is a group node.
func (r *Rule) IsGroup() bool {
	return r.group || len(r.Rules) > 0
}

// Group builds a group rule.
func Group(logic Logic, rules ...Rule) *Rule {
	return &Rule{Logic: logic, Rules: rules, group: true}
}

// Cond builds a condition rule.
func Cond(field string, op Operator, value any) Rule {
	return Rule{Field: field, Operator: op, Value: value}
}

// ruleJSON mirrors Rule for unmarshalling without recursion into the
// custom UnmarshalJSON.
type ruleJSON struct {
	Logic    Logic           `json:"logic"`
	Rules    []Rule          `json:"rules"`
	Field    string          `json:"field"`
	Operator Operator        `json:"operator"`
	Value    any             `json:"value"`
	Label    string          `json:"label"`
	RawRules json.RawMessage `json:"-"`
}

// UnmarshalJSON discriminates group vs condition by the presence of "rules".
func (r *Rule) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	var rj ruleJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	r.Label = rj.Label

	if _, isGroup := probe["rules"]; isGroup {
		r.group = true
		r.Logic = rj.Logic
		if r.Logic == "" {
			r.Logic = LogicAnd
		}
		if r.Logic != LogicAnd && r.Logic != LogicOr {
			return fmt.Errorf("unknown rule group logic %q", r.Logic)
		}
		r.Rules = rj.Rules
		return nil
	}

	if rj.Field == "" {
		return fmt.Errorf("condition rule missing field")
	}
	r.Field = rj.Field
	r.Operator = rj.Operator
	r.Value = rj.Value
	return nil
}

// MarshalJSON emits the structural form matching UnmarshalJSON.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.IsGroup() {
		logic := r.Logic
		if logic == "" {
			logic = LogicAnd
		}
		rules := r.Rules
		if rules == nil {
			rules = []Rule{}
		}
		m := map[string]any{
			"logic": logic,
			"rules": rules,
		}
		if r.Label != "" {
			m["label"] = r.Label
		}
		return json.Marshal(m)
	}
	m := map[string]any{
		"field":    r.Field,
		"operator": r.Operator,
	}
	if r.Value != nil {
		m["value"] = r.Value
	}
	if r.Label != "" {
		m["label"] = r.Label
	}
	return json.Marshal(m)
}
