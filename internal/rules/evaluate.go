package rules

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Snapshot is the flat attribute map supplied by the submitting caller.
type Snapshot map[string]any

// DecodeSnapshot parses a JSON object, keeping numbers exact.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	return s, nil
}

// truth is a three-valued result. unknown comes from missing attributes or
// incomparable values and is treated as a non-match at the top level, so a
// negation can never turn a missing attribute into a match.
type truth int8

const (
	unknown truth = iota
	isFalse
	isTrue
)

func of(b bool) truth {
	if b {
		return isTrue
	}
	return isFalse
}

// Matches reports whether snapshot satisfies c. A nil condition matches.
// Missing attributes, type mismatches and malformed nodes never match and
// never panic.
func Matches(c *Condition, snapshot Snapshot) bool {
	if c == nil {
		return true
	}
	return eval(c, snapshot) == isTrue
}

func eval(c *Condition, s Snapshot) truth {
	if c == nil {
		return unknown
	}

	switch c.Kind() {
	case KindAll:
		if len(c.All) == 0 {
			return unknown
		}
		result := isTrue
		for _, ch := range c.All {
			switch eval(ch, s) {
			case isFalse:
				return isFalse
			case unknown:
				result = unknown
			}
		}
		return result
	case KindAny:
		if len(c.Any) == 0 {
			return unknown
		}
		result := isFalse
		for _, ch := range c.Any {
			switch eval(ch, s) {
			case isTrue:
				return isTrue
			case unknown:
				result = unknown
			}
		}
		return result
	case KindNot:
		switch eval(c.Not, s) {
		case isTrue:
			return isFalse
		case isFalse:
			return isTrue
		}
		return unknown
	case KindCompare:
		return compare(c, s)
	}
	return unknown
}

func compare(c *Condition, s Snapshot) truth {
	actual, present := s[c.Attribute]
	if c.Op == OpExists {
		return of(present && actual != nil)
	}
	if !present || actual == nil {
		return unknown
	}

	switch c.Op {
	case OpEq:
		return equal(actual, c.Value)
	case OpNe:
		return negate(equal(actual, c.Value))
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := order(actual, c.Value)
		if !ok {
			return unknown
		}
		switch c.Op {
		case OpGt:
			return of(cmp > 0)
		case OpGte:
			return of(cmp >= 0)
		case OpLt:
			return of(cmp < 0)
		default:
			return of(cmp <= 0)
		}
	case OpIn:
		return member(actual, c.Value)
	case OpNotIn:
		return negate(member(actual, c.Value))
	case OpContains, OpStartsWith, OpEndsWith:
		return textMatch(c.Op, actual, c.Value)
	}
	return unknown
}

func negate(t truth) truth {
	switch t {
	case isTrue:
		return isFalse
	case isFalse:
		return isTrue
	}
	return unknown
}

// equal compares numerically when both sides are numbers (or one is a number
// and the other a numeric string), otherwise by exact string or bool value.
func equal(actual, expected any) truth {
	if a, b, ok := numericPair(actual, expected); ok {
		return of(a.Equal(b))
	}
	switch av := actual.(type) {
	case string:
		if ev, ok := expected.(string); ok {
			return of(av == ev)
		}
	case bool:
		if ev, ok := expected.(bool); ok {
			return of(av == ev)
		}
	}
	return unknown
}

// order returns -1, 0 or 1 comparing actual to expected as decimals or as
// RFC3339 timestamps.
func order(actual, expected any) (int, bool) {
	if a, b, ok := numericPair(actual, expected); ok {
		return a.Cmp(b), true
	}
	as, aok := actual.(string)
	es, eok := expected.(string)
	if !aok || !eok {
		return 0, false
	}
	at, err := time.Parse(time.RFC3339, as)
	if err != nil {
		return 0, false
	}
	et, err := time.Parse(time.RFC3339, es)
	if err != nil {
		return 0, false
	}
	return at.Compare(et), true
}

func member(actual, list any) truth {
	items, ok := toList(list)
	if !ok {
		return unknown
	}
	compared := false
	for _, item := range items {
		switch equal(actual, item) {
		case isTrue:
			return isTrue
		case isFalse:
			compared = true
		}
	}
	if compared {
		return isFalse
	}
	return unknown
}

func textMatch(op Operator, actual, expected any) truth {
	needle, ok := expected.(string)
	if !ok {
		return unknown
	}
	needle = strings.ToLower(needle)

	if list, ok := actual.([]any); ok && op == OpContains {
		for _, item := range list {
			if s, ok := item.(string); ok && strings.ToLower(s) == needle {
				return isTrue
			}
		}
		return isFalse
	}

	hay, ok := actual.(string)
	if !ok {
		return unknown
	}
	hay = strings.ToLower(hay)

	switch op {
	case OpStartsWith:
		return of(strings.HasPrefix(hay, needle))
	case OpEndsWith:
		return of(strings.HasSuffix(hay, needle))
	default:
		return of(strings.Contains(hay, needle))
	}
}
