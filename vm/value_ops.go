package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Equal implements the structural equality contract: ints and floats compare
// by numeric value across kinds, strings by byte content, everything else
// (arrays, maps, instances, functions) by pointer identity.
func (v Value) Equal(other Value) bool {
	if i1, ok := v.AsI32(); ok {
		if i2, ok := other.AsI32(); ok {
			return i1 == i2
		}
		if f2, ok := other.AsF64(); ok {
			return float64(i1) == f2
		}
		return false
	}
	if f1, ok := v.AsF64(); ok {
		if f2, ok := other.AsF64(); ok {
			return f1 == f2
		}
		if i2, ok := other.AsI32(); ok {
			return f1 == float64(i2)
		}
		return false
	}
	if v.IsNull() {
		return other.IsNull()
	}
	if b1, ok := v.AsBool(); ok {
		if b2, ok := other.AsBool(); ok {
			return b1 == b2
		}
		return false
	}
	if o1, ok := v.AsObject(); ok {
		o2, ok := other.AsObject()
		if !ok {
			return false
		}
		if s1, ok := o1.AsString(); ok {
			if s2, ok := o2.AsString(); ok {
				return s1.Value == s2.Value
			}
			return false
		}
		return o1 == o2
	}
	return false
}

// Truthy implements the language's truthiness rule: false and null are
// falsy, everything else (including 0 and "") is truthy. Empty must never
// reach here — it marks an uninitialized slot, not a user-observable value.
func (v Value) Truthy() bool {
	if v.IsEmpty() {
		panic("quill: Empty value observed by Truthy")
	}
	if v.IsFalse() || v.IsNull() {
		return false
	}
	return true
}

func (v Value) TypeName() string {
	switch {
	case v.IsI32():
		return "Int"
	case v.IsF64():
		return "Float"
	case v.IsBool():
		return "Bool"
	case v.IsNull():
		return "Null"
	case v.IsEmpty():
		return "Empty"
	case v.IsObject():
		o, _ := v.AsObject()
		return o.TypeName()
	default:
		return "Unknown"
	}
}

// String renders a printable form. Container kinds recurse with a
// cycle-guard so a self-referential array/map cannot print forever.
func (v Value) String() string {
	var seen map[*Object]bool
	return v.stringWithGuard(seen)
}

func (v Value) stringWithGuard(seen map[*Object]bool) string {
	switch {
	case v.IsI32():
		i, _ := v.AsI32()
		return strconv.FormatInt(int64(i), 10)
	case v.IsF64():
		f, _ := v.AsF64()
		if math.IsInf(f, 1) {
			return "inf"
		}
		if math.IsInf(f, -1) {
			return "-inf"
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case v.IsBool():
		b, _ := v.AsBool()
		if b {
			return "true"
		}
		return "false"
	case v.IsNull():
		return "null"
	case v.IsEmpty():
		return "empty"
	case v.IsObject():
		o, _ := v.AsObject()
		if seen == nil {
			seen = map[*Object]bool{}
		}
		if seen[o] {
			return "[...]"
		}
		seen[o] = true
		s := o.stringWithGuard(seen)
		delete(seen, o)
		return s
	default:
		return "<?>"
	}
}

// Add/Sub/Mul/Div/Mod implement §4.1's numeric widening rules: int op int is
// checked (overflow surfaces as an OverflowError), int/float mixes widen to
// float, anything else is a TypeError.

func arithErrTypeName(v Value) string {
	return v.TypeName()
}

func binaryArith(a, b Value, line int, name string,
	intOp func(int32, int32) (int32, bool),
	floatOp func(float64, float64) float64) (Value, error) {

	if ai, aok := a.AsI32(); aok {
		if bi, bok := b.AsI32(); bok {
			r, ok := intOp(ai, bi)
			if !ok {
				return Value{}, &RuntimeError{Message: fmt.Sprintf("integer overflow in %s", name), Line: line, Kind: ErrOverflow}
			}
			return FromI32(r), nil
		}
		if bf, bok := b.AsF64(); bok {
			return FromF64(floatOp(float64(ai), bf)), nil
		}
	} else if af, aok := a.AsF64(); aok {
		if bf, bok := b.AsF64(); bok {
			return FromF64(floatOp(af, bf)), nil
		}
		if bi, bok := b.AsI32(); bok {
			return FromF64(floatOp(af, float64(bi))), nil
		}
	}
	return Value{}, &RuntimeError{
		Message: fmt.Sprintf("cannot %s %s and %s", name, arithErrTypeName(a), arithErrTypeName(b)),
		Line:    line, Kind: ErrType,
	}
}

func AddValues(a, b Value, line int) (Value, error) {
	return binaryArith(a, b, line, "add",
		func(x, y int32) (int32, bool) {
			r := int64(x) + int64(y)
			if r < math.MinInt32 || r > math.MaxInt32 {
				return 0, false
			}
			return int32(r), true
		},
		func(x, y float64) float64 { return x + y })
}

func SubValues(a, b Value, line int) (Value, error) {
	return binaryArith(a, b, line, "subtract",
		func(x, y int32) (int32, bool) {
			r := int64(x) - int64(y)
			if r < math.MinInt32 || r > math.MaxInt32 {
				return 0, false
			}
			return int32(r), true
		},
		func(x, y float64) float64 { return x - y })
}

func MulValues(a, b Value, line int) (Value, error) {
	return binaryArith(a, b, line, "multiply",
		func(x, y int32) (int32, bool) {
			r := int64(x) * int64(y)
			if r < math.MinInt32 || r > math.MaxInt32 {
				return 0, false
			}
			return int32(r), true
		},
		func(x, y float64) float64 { return x * y })
}

func DivValues(a, b Value, line int) (Value, error) {
	if ai, aok := a.AsI32(); aok {
		if bi, bok := b.AsI32(); bok {
			if bi == 0 || (ai == math.MinInt32 && bi == -1) {
				return Value{}, &RuntimeError{Message: "integer overflow in divide", Line: line, Kind: ErrOverflow}
			}
			return FromI32(ai / bi), nil
		}
	}
	return binaryArith(a, b, line, "divide",
		func(x, y int32) (int32, bool) { return 0, false },
		func(x, y float64) float64 { return x / y })
}

func ModValues(a, b Value, line int) (Value, error) {
	if ai, aok := a.AsI32(); aok {
		if bi, bok := b.AsI32(); bok {
			if bi == 0 {
				return Value{}, &RuntimeError{Message: "integer overflow in modulo", Line: line, Kind: ErrOverflow}
			}
			return FromI32(ai % bi), nil
		}
	}
	return binaryArith(a, b, line, "modulo",
		func(x, y int32) (int32, bool) { return 0, false },
		func(x, y float64) float64 { return math.Mod(x, y) })
}

func NegateValue(a Value, line int) (Value, error) {
	if i, ok := a.AsI32(); ok {
		if i == math.MinInt32 {
			return Value{}, &RuntimeError{Message: "integer overflow in negate", Line: line, Kind: ErrOverflow}
		}
		return FromI32(-i), nil
	}
	if f, ok := a.AsF64(); ok {
		return FromF64(-f), nil
	}
	return Value{}, &RuntimeError{Message: fmt.Sprintf("cannot negate %s", a.TypeName()), Line: line, Kind: ErrType}
}

func ConcatValues(a, b Value) string {
	return a.String() + b.String()
}

func joinStrings(vs []Value, sep string) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, sep)
}
