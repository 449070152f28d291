//go:build !amd64 && !arm64

package vm

// Value is the tagged-union fallback used on architectures where the
// NaN-boxing layout in value_nanbox.go is not assumed safe. Semantics must
// match that file exactly; only the representation differs.
type Value struct {
	kind valueKind
	i32  int32
	f64  float64
	b    bool
	obj  *Object
}

type valueKind uint8

const (
	kindEmpty valueKind = iota
	kindNull
	kindBool
	kindI32
	kindF64
	kindObject
)

func FromI32(i int32) Value   { return Value{kind: kindI32, i32: i} }
func FromF64(f float64) Value { return Value{kind: kindF64, f64: f} }
func FromBool(b bool) Value   { return Value{kind: kindBool, b: b} }
func NullValue() Value        { return Value{kind: kindNull} }
func EmptyValue() Value       { return Value{kind: kindEmpty} }
func TrueValue() Value        { return Value{kind: kindBool, b: true} }
func FalseValue() Value       { return Value{kind: kindBool, b: false} }

func FromObject(o *Object) Value { return Value{kind: kindObject, obj: o} }

func (v Value) IsNumber() bool { return v.kind == kindI32 || v.kind == kindF64 }
func (v Value) IsI32() bool    { return v.kind == kindI32 }

func (v Value) AsI32() (int32, bool) {
	if v.kind == kindI32 {
		return v.i32, true
	}
	return 0, false
}

func (v Value) IsF64() bool { return v.kind == kindF64 }

func (v Value) AsF64() (float64, bool) {
	if v.kind == kindF64 {
		return v.f64, true
	}
	return 0, false
}

func (v Value) IsBool() bool { return v.kind == kindBool }

func (v Value) AsBool() (bool, bool) {
	if v.kind == kindBool {
		return v.b, true
	}
	return false, false
}

func (v Value) IsObject() bool { return v.kind == kindObject }

func (v Value) AsObject() (*Object, bool) {
	if v.kind == kindObject {
		return v.obj, true
	}
	return nil, false
}

func (v Value) IsNull() bool  { return v.kind == kindNull }
func (v Value) IsEmpty() bool { return v.kind == kindEmpty }
func (v Value) IsTrue() bool  { return v.kind == kindBool && v.b }
func (v Value) IsFalse() bool { return v.kind == kindBool && !v.b }
