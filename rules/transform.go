package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRule is wrapped by every rule failure: malformed rules and missing fields alike.
var ErrRule = errors.New("rule error")

// Supported transformation ops.
const (
	OpSet      = "set"
	OpCopy     = "copy"
	OpRename   = "rename"
	OpDelete   = "delete"
	OpUpper    = "upper"
	OpLower    = "lower"
	OpTrim     = "trim"
	OpConcat   = "concat"
	OpAdd      = "add"
	OpMultiply = "multiply"
	OpExpr     = "expr"
)

// Rule is a single field-level transformation.
//
//	{"op": "upper", "field": "name", "target": "name_upper"}
//	{"op": "concat", "fields": ["first", "last"], "separator": " ", "target": "full"}
//	{"op": "add", "field": "price", "value": 5}
//	{"op": "expr", "expr": "price * qty", "target": "total"}
type Rule struct {
	Op        string
	Field     string
	Fields    []string
	Target    string
	Value     interface{}
	Separator string
	Expr      string
}

// RuleSet applies rules in declaration order.
type RuleSet struct {
	rules     []Rule
	evaluator Evaluator
}

// ParseRules builds a RuleSet from the loosely typed "rules" input of a step.
func ParseRules(raw interface{}, evaluator Evaluator) (*RuleSet, error) {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	rs := &RuleSet{evaluator: evaluator}
	if raw == nil {
		return rs, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: rules must be a list, got %T", ErrRule, raw)
	}
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: rule %d must be an object, got %T", ErrRule, i, item)
		}
		r, err := parseRule(m)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

func parseRule(m map[string]interface{}) (Rule, error) {
	var r Rule
	var ok bool
	if r.Op, ok = m["op"].(string); !ok || r.Op == "" {
		return r, fmt.Errorf("%w: missing op", ErrRule)
	}
	r.Field, _ = m["field"].(string)
	r.Target, _ = m["target"].(string)
	r.Separator, _ = m["separator"].(string)
	r.Expr, _ = m["expr"].(string)
	r.Value = m["value"]
	if raw, exists := m["fields"]; exists {
		list, ok := raw.([]interface{})
		if !ok {
			return r, fmt.Errorf("%w: fields must be a list", ErrRule)
		}
		for _, f := range list {
			s, ok := f.(string)
			if !ok {
				return r, fmt.Errorf("%w: fields must be strings", ErrRule)
			}
			r.Fields = append(r.Fields, s)
		}
	}

	switch r.Op {
	case OpSet:
		if r.Field == "" {
			return r, fmt.Errorf("%w: %s needs field", ErrRule, r.Op)
		}
	case OpCopy, OpRename:
		if r.Field == "" || r.Target == "" {
			return r, fmt.Errorf("%w: %s needs field and target", ErrRule, r.Op)
		}
	case OpDelete, OpUpper, OpLower, OpTrim:
		if r.Field == "" {
			return r, fmt.Errorf("%w: %s needs field", ErrRule, r.Op)
		}
	case OpAdd, OpMultiply:
		if r.Field == "" {
			return r, fmt.Errorf("%w: %s needs field", ErrRule, r.Op)
		}
		if _, ok := toFloat(r.Value); !ok {
			return r, fmt.Errorf("%w: %s needs a numeric value", ErrRule, r.Op)
		}
	case OpConcat:
		if len(r.Fields) == 0 || r.Target == "" {
			return r, fmt.Errorf("%w: concat needs fields and target", ErrRule)
		}
	case OpExpr:
		if r.Expr == "" || r.Target == "" {
			return r, fmt.Errorf("%w: expr needs expr and target", ErrRule)
		}
	default:
		return r, fmt.Errorf("%w: unknown op %q", ErrRule, r.Op)
	}
	return r, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Apply runs every rule against a copy of record and returns the copy.
func (rs *RuleSet) Apply(record map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = v
	}
	for i, r := range rs.rules {
		if err := rs.apply(r, out); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Op, err)
		}
	}
	return out, nil
}

func (rs *RuleSet) apply(r Rule, rec map[string]interface{}) error {
	target := r.Target
	if target == "" {
		target = r.Field
	}

	switch r.Op {
	case OpSet:
		rec[r.Field] = r.Value
		return nil
	case OpExpr:
		v, err := rs.evaluator.Eval(r.Expr, rec)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRule, err)
		}
		rec[target] = v
		return nil
	case OpConcat:
		parts := make([]string, 0, len(r.Fields))
		for _, f := range r.Fields {
			v, ok := rec[f]
			if !ok {
				return fmt.Errorf("%w: field %q not found", ErrRule, f)
			}
			parts = append(parts, fmt.Sprint(v))
		}
		rec[target] = strings.Join(parts, r.Separator)
		return nil
	}

	v, ok := rec[r.Field]
	if !ok {
		return fmt.Errorf("%w: field %q not found", ErrRule, r.Field)
	}

	switch r.Op {
	case OpCopy:
		rec[target] = v
	case OpRename:
		delete(rec, r.Field)
		rec[target] = v
	case OpDelete:
		delete(rec, r.Field)
	case OpUpper, OpLower, OpTrim:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: field %q is %T, want string", ErrRule, r.Field, v)
		}
		switch r.Op {
		case OpUpper:
			rec[target] = strings.ToUpper(s)
		case OpLower:
			rec[target] = strings.ToLower(s)
		default:
			rec[target] = strings.TrimSpace(s)
		}
	case OpAdd, OpMultiply:
		n, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%w: field %q is %T, want number", ErrRule, r.Field, v)
		}
		operand, _ := toFloat(r.Value)
		if r.Op == OpAdd {
			rec[target] = n + operand
		} else {
			rec[target] = n * operand
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
