package fact

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind enumerates the literal types an attribute value may take.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt
	ValueFloat
	ValueBool
)

// Value is the literal wrapper around an attribute value. Comparisons must go
// through Equal, which unwraps both sides first; comparing wrapped values with
// == compares the wrapper, not the literal, and silently fails for numerics
// that arrived through different decoders (json float64 vs. native int).
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
}

// ValueOf normalizes an arbitrary literal into a Value. Integral floats are
// folded to integers so that values decoded from JSON compare equal to values
// produced by native arithmetic.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case Value:
		return t
	case string:
		return Value{kind: ValueString, s: t}
	case bool:
		return Value{kind: ValueBool, b: t}
	case int:
		return Value{kind: ValueInt, i: int64(t)}
	case int8:
		return Value{kind: ValueInt, i: int64(t)}
	case int16:
		return Value{kind: ValueInt, i: int64(t)}
	case int32:
		return Value{kind: ValueInt, i: int64(t)}
	case int64:
		return Value{kind: ValueInt, i: t}
	case uint:
		return Value{kind: ValueInt, i: int64(t)}
	case uint8:
		return Value{kind: ValueInt, i: int64(t)}
	case uint16:
		return Value{kind: ValueInt, i: int64(t)}
	case uint32:
		return Value{kind: ValueInt, i: int64(t)}
	case uint64:
		return Value{kind: ValueInt, i: int64(t)}
	case float32:
		return floatValue(float64(t))
	case float64:
		return floatValue(t)
	default:
		return Value{kind: ValueString, s: fmt.Sprint(v)}
	}
}

func floatValue(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < float64(math.MaxInt64) {
		return Value{kind: ValueInt, i: int64(f)}
	}
	return Value{kind: ValueFloat, f: f}
}

func (v Value) Kind() ValueKind { return v.kind }

// Any returns the unwrapped literal.
func (v Value) Any() any {
	switch v.kind {
	case ValueInt:
		return v.i
	case ValueFloat:
		return v.f
	case ValueBool:
		return v.b
	default:
		return v.s
	}
}

// Equal unwraps both values and compares the literals.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		// An int and a float may still denote the same number.
		if (v.kind == ValueInt && o.kind == ValueFloat) || (v.kind == ValueFloat && o.kind == ValueInt) {
			return v.asFloat() == o.asFloat()
		}
		return false
	}
	switch v.kind {
	case ValueInt:
		return v.i == o.i
	case ValueFloat:
		return v.f == o.f
	case ValueBool:
		return v.b == o.b
	default:
		return v.s == o.s
	}
}

func (v Value) asFloat() float64 {
	if v.kind == ValueInt {
		return float64(v.i)
	}
	return v.f
}

// Canonical returns the stable textual form used in storage keys and fact
// renderings. Distinct literals map to distinct strings within a kind.
func (v Value) Canonical() string {
	switch v.kind {
	case ValueInt:
		return "i" + strconv.FormatInt(v.i, 10)
	case ValueFloat:
		return "f" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case ValueBool:
		return "b" + strconv.FormatBool(v.b)
	default:
		return "s" + v.s
	}
}

func (v Value) String() string { return v.Canonical() }

// ParseValue decodes a canonical value string produced by Canonical.
func ParseValue(s string) (Value, error) {
	if s == "" {
		return Value{}, fmt.Errorf("empty value encoding")
	}
	body := s[1:]
	switch s[0] {
	case 'i':
		i, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse int value %q: %w", s, err)
		}
		return Value{kind: ValueInt, i: i}, nil
	case 'f':
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse float value %q: %w", s, err)
		}
		return Value{kind: ValueFloat, f: f}, nil
	case 'b':
		b, err := strconv.ParseBool(body)
		if err != nil {
			return Value{}, fmt.Errorf("parse bool value %q: %w", s, err)
		}
		return Value{kind: ValueBool, b: b}, nil
	case 's':
		return Value{kind: ValueString, s: body}, nil
	default:
		return Value{}, fmt.Errorf("unknown value encoding %q", s)
	}
}
