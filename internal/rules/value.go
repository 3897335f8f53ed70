package rules

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"

	"github.com/shopspring/decimal"
)

// toDecimal converts native numeric kinds to a decimal. Strings are not
// numbers here; see numericPair.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return fromUint(uint64(n)), true
	case uint8:
		return fromUint(uint64(n)), true
	case uint16:
		return fromUint(uint64(n)), true
	case uint32:
		return fromUint(uint64(n)), true
	case uint64:
		return fromUint(n), true
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	}
	return decimal.Decimal{}, false
}

// numericPair converts both sides to decimals. A numeric string is accepted
// on one side only when the other side is a real number, so amounts sent as
// "15000.00" still compare against a numeric threshold while two strings
// keep string semantics.
func numericPair(a, b any) (decimal.Decimal, decimal.Decimal, bool) {
	da, aok := toDecimal(a)
	db, bok := toDecimal(b)
	switch {
	case aok && bok:
		return da, db, true
	case aok:
		if s, ok := b.(string); ok {
			if d, err := decimal.NewFromString(s); err == nil {
				return da, d, true
			}
		}
	case bok:
		if s, ok := a.(string); ok {
			if d, err := decimal.NewFromString(s); err == nil {
				return d, db, true
			}
		}
	}
	return decimal.Decimal{}, decimal.Decimal{}, false
}

func fromUint(n uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0)
}

func isScalar(v any) bool {
	if _, ok := toDecimal(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}

// toList accepts any slice, so Go callers can pass []string or []int as
// well as the []any produced by JSON decoding.
func toList(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
