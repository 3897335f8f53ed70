// Package rules evaluates workflow activation conditions against an entity
// snapshot. Conditions are plain data (a small AST of all/any/not groups and
// attribute comparisons) interpreted by Matches; nothing is ever compiled or
// executed.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpExists     Operator = "exists"
)

// Condition is one node of a predicate. Exactly one variant is set:
// All, Any, Not, or a comparison (Attribute + Op + Value).
type Condition struct {
	All       []*Condition `json:"all,omitempty"`
	Any       []*Condition `json:"any,omitempty"`
	Not       *Condition   `json:"not,omitempty"`
	Attribute string       `json:"attribute,omitempty"`
	Op        Operator     `json:"op,omitempty"`
	Value     any          `json:"value,omitempty"`
}

// Kind names the variant held by a condition.
type Kind string

const (
	KindAll     Kind = "all"
	KindAny     Kind = "any"
	KindNot     Kind = "not"
	KindCompare Kind = "compare"
	KindInvalid Kind = "invalid"
)

// AllOf matches when every child matches.
func AllOf(children ...*Condition) *Condition { return &Condition{All: children} }

// AnyOf matches when at least one child matches.
func AnyOf(children ...*Condition) *Condition { return &Condition{Any: children} }

// NotOf negates a condition.
func NotOf(child *Condition) *Condition { return &Condition{Not: child} }

// Compare builds an attribute comparison.
func Compare(attribute string, op Operator, value any) *Condition {
	return &Condition{Attribute: attribute, Op: op, Value: value}
}

// Kind reports which variant c holds.
func (c *Condition) Kind() Kind {
	set := 0
	kind := KindInvalid
	if c.All != nil {
		set++
		kind = KindAll
	}
	if c.Any != nil {
		set++
		kind = KindAny
	}
	if c.Not != nil {
		set++
		kind = KindNot
	}
	if c.Attribute != "" || c.Op != "" {
		set++
		kind = KindCompare
	}
	if set != 1 {
		return KindInvalid
	}
	return kind
}

// UnmarshalJSON keeps numeric literals as json.Number so thresholds such as
// 10000.10 are never rounded through float64.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*c = Condition(p)
	return nil
}

// Validate checks the structure of a condition tree. A nil condition is
// valid and matches every snapshot.
func Validate(c *Condition) error {
	if c == nil {
		return nil
	}
	return validate(c, "conditions")
}

func validate(c *Condition, path string) error {
	if c == nil {
		return fmt.Errorf("%s: empty condition", path)
	}

	switch c.Kind() {
	case KindAll, KindAny:
		children, name := c.All, "all"
		if c.Kind() == KindAny {
			children, name = c.Any, "any"
		}
		if len(children) == 0 {
			return fmt.Errorf("%s.%s: requires at least one condition", path, name)
		}
		for i, child := range children {
			if err := validate(child, fmt.Sprintf("%s.%s[%d]", path, name, i)); err != nil {
				return err
			}
		}
		return nil
	case KindNot:
		return validate(c.Not, path+".not")
	case KindCompare:
		return validateCompare(c, path)
	default:
		return fmt.Errorf("%s: exactly one of all, any, not or attribute must be set", path)
	}
}

func validateCompare(c *Condition, path string) error {
	if c.Attribute == "" {
		return fmt.Errorf("%s: attribute is required", path)
	}

	switch c.Op {
	case OpExists:
		return nil
	case OpEq, OpNe:
		if !isScalar(c.Value) {
			return fmt.Errorf("%s: %s requires a string, number or boolean value", path, c.Op)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toDecimal(c.Value); ok {
			return nil
		}
		if s, ok := c.Value.(string); ok {
			if _, err := time.Parse(time.RFC3339, s); err == nil {
				return nil
			}
		}
		return fmt.Errorf("%s: %s requires a numeric or RFC3339 timestamp value", path, c.Op)
	case OpIn, OpNotIn:
		list, ok := toList(c.Value)
		if !ok || len(list) == 0 {
			return fmt.Errorf("%s: %s requires a non-empty list value", path, c.Op)
		}
		for _, v := range list {
			if !isScalar(v) {
				return fmt.Errorf("%s: %s list values must be scalars", path, c.Op)
			}
		}
	case OpContains, OpStartsWith, OpEndsWith:
		if s, ok := c.Value.(string); !ok || s == "" {
			return fmt.Errorf("%s: %s requires a non-empty string value", path, c.Op)
		}
	default:
		return fmt.Errorf("%s: unknown operator %q", path, c.Op)
	}
	return nil
}

// Attributes returns the attribute names referenced by c, in first-seen order.
func Attributes(c *Condition) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(*Condition)
	walk = func(n *Condition) {
		if n == nil {
			return
		}
		for _, ch := range n.All {
			walk(ch)
		}
		for _, ch := range n.Any {
			walk(ch)
		}
		walk(n.Not)
		if n.Attribute != "" && !seen[n.Attribute] {
			seen[n.Attribute] = true
			out = append(out, n.Attribute)
		}
	}
	walk(c)
	return out
}
