package entity

import (
	"bytes"
	"reflect"
	"slices"
	"time"
)

// Delta maps changed column names to their new values.
type Delta map[string]any

// Empty reports whether nothing changed.
func (d Delta) Empty() bool { return len(d) == 0 }

// Columns returns the changed columns in the order the entity type persists
// them, so statements built from a Delta are deterministic.
func (d Delta) Columns(order []string) []string {
	out := make([]string, 0, len(d))
	for _, c := range order {
		if _, ok := d[c]; ok {
			out = append(out, c)
		}
	}
	for c := range d {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether column changed.
func (d Delta) Has(column string) bool {
	_, ok := d[column]
	return ok
}

// equal compares column values the way the relational store would: numbers of
// different Go types compare by value and references compare by primary key.
func equal(a, b any) bool {
	a, b = refValue(a), refValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Equal(av, bv)
		}
		if bv, ok := b.(string); ok {
			return string(av) == bv
		}
	case string:
		if bv, ok := b.([]byte); ok {
			return av == string(bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Equal(bv)
		}
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if isNumber(ra.Kind()) && isNumber(rb.Kind()) {
		return numericEqual(ra, rb)
	}
	return reflect.DeepEqual(a, b)
}

func refValue(v any) any {
	if e, ok := v.(*Entity); ok {
		if e == nil || e.id == 0 {
			return v
		}
		return e.id
	}
	return v
}

func isNumber(k reflect.Kind) bool {
	return isInt(k) || isUint(k) || k == reflect.Float32 || k == reflect.Float64
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func numericEqual(a, b reflect.Value) bool {
	switch {
	case isInt(a.Kind()) && isInt(b.Kind()):
		return a.Int() == b.Int()
	case isUint(a.Kind()) && isUint(b.Kind()):
		return a.Uint() == b.Uint()
	case isInt(a.Kind()) && isUint(b.Kind()):
		return a.Int() >= 0 && uint64(a.Int()) == b.Uint()
	case isUint(a.Kind()) && isInt(b.Kind()):
		return b.Int() >= 0 && a.Uint() == uint64(b.Int())
	}
	return toFloat(a) == toFloat(b)
}

func toFloat(v reflect.Value) float64 {
	switch {
	case isInt(v.Kind()):
		return float64(v.Int())
	case isUint(v.Kind()):
		return float64(v.Uint())
	}
	return v.Float()
}
