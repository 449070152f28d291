package vm

import "fmt"

// ObjectKind is the type discriminant carried by every heap object's
// header. It never changes after allocation.
type ObjectKind uint8

const (
	ObjString ObjectKind = iota
	ObjSymbol
	ObjFunction
	ObjClosure
	ObjClass
	ObjInstance
	ObjArray
	ObjMap
	ObjRange
	// ObjBoundMethod is not in the distilled component list — it is
	// restored from original_source/src/value.rs's BoundMethod/
	// BoundNativeMethod variants because CallMethod/SuperCall already need
	// to resolve a bound receiver+method pair as a first-class value
	// (`let m = obj.method`), and nothing else in the object model can
	// hold that shape.
	ObjBoundMethod
	// ObjNative wraps a host-registered function (sync or async) so it can
	// sit in a module's globals and be called through the same OpCall path
	// as any quill-level function.
	ObjNative
)

func (k ObjectKind) String() string {
	switch k {
	case ObjString:
		return "String"
	case ObjSymbol:
		return "Symbol"
	case ObjFunction:
		return "Function"
	case ObjClosure:
		return "Closure"
	case ObjClass:
		return "Class"
	case ObjInstance:
		return "Instance"
	case ObjArray:
		return "Array"
	case ObjMap:
		return "Map"
	case ObjRange:
		return "Range"
	case ObjBoundMethod:
		return "BoundMethod"
	case ObjNative:
		return "Native"
	default:
		return "Unknown"
	}
}

// Object is the common header every heap allocation shares: a type
// discriminant, the mark bit used by the sweep phase, a constant flag for
// permanently-retained allocations, and the intrusive-list link. The
// concrete payload hangs off data, type-asserted by the Kind.
type Object struct {
	Kind     ObjectKind
	marked   bool
	constant bool
	next     *Object
	data     any
}

type StringData struct {
	Value string
}

// SymbolData backs interned symbols. Whether a symbol is Temporary or
// Constant is the owning Object's constant flag; a Constant symbol is never
// swept.
type SymbolData struct {
	Name string
}

type ArrayData struct {
	Elems []Value
}

type mapKey string

func makeMapKey(v Value) (mapKey, bool) {
	switch {
	case v.IsI32():
		i, _ := v.AsI32()
		return mapKey(fmt.Sprintf("i%d", i)), true
	case v.IsF64():
		f, _ := v.AsF64()
		return mapKey(fmt.Sprintf("f%v", f)), true
	case v.IsBool():
		b, _ := v.AsBool()
		return mapKey(fmt.Sprintf("b%v", b)), true
	case v.IsNull():
		return mapKey("n"), true
	case v.IsObject():
		o, _ := v.AsObject()
		if s, ok := o.AsString(); ok {
			return mapKey("s" + s.Value), true
		}
		if sym, ok := o.AsSymbol(); ok {
			return mapKey("y" + sym.Name), true
		}
	}
	return "", false
}

type mapEntry struct {
	key Value
	val Value
}

type MapData struct {
	entries map[mapKey]mapEntry
	order   []mapKey
}

func newMapData() *MapData {
	return &MapData{entries: make(map[mapKey]mapEntry)}
}

func (m *MapData) Set(key, val Value) bool {
	k, ok := makeMapKey(key)
	if !ok {
		return false
	}
	if _, exists := m.entries[k]; !exists {
		m.order = append(m.order, k)
	}
	m.entries[k] = mapEntry{key: key, val: val}
	return true
}

func (m *MapData) Get(key Value) (Value, bool) {
	k, ok := makeMapKey(key)
	if !ok {
		return Value{}, false
	}
	e, ok := m.entries[k]
	return e.val, ok
}

// Keys returns every key currently in the map, in insertion order — the
// backing store for MapIterator's traversal.
func (m *MapData) Keys() []Value {
	keys := make([]Value, len(m.order))
	for i, k := range m.order {
		keys[i] = m.entries[k].key
	}
	return keys
}

// Len reports the number of entries, used by Array/Map's "length" property.
func (m *MapData) Len() int { return len(m.order) }

type RangeData struct {
	Start, End int32
}

// FunctionProto is the "Bytecode Function" of spec.md §3: the immutable
// compiled artifact a compiler produces via the Writer. A FunctionProto that
// captures upvalues becomes a Closure at runtime via MakeFunction.
type FunctionProto struct {
	Name          string
	ModuleID      int
	Arity         int
	MaxRegisters  int
	IsConstructor bool

	Code  []byte
	Lines []LineEntry

	Constants []Value
	constSet  map[constKey]int // not filled by Writer.Finish; deduplication happens in the Writer

	Handlers []ExceptionHandler
	Upvalues []UpvalueDesc
	JumpTables []map[int32]int

	// shrunk is set by Writer.Finish once the code, line and constant
	// buffers have been copied to their exact sizes. Method tables live in
	// ClassData, not here.
	shrunk bool
}

type LineEntry struct {
	Offset int
	Line   int
}

type ExceptionHandler struct {
	TryBegin     int
	TryEnd       int
	ErrReg       int
	HandlerBegin int
}

type UpvalueDesc struct {
	Index   int
	IsLocal bool
}

type ClosureData struct {
	Proto    *FunctionProto
	Upvalues []*Upvalue
}

type ClassData struct {
	Name        string
	Parent      *Object // another ObjClass Object, or nil
	Methods     map[string]*Object
	Constructor *Object
}

func (c *ClassData) Resolve(name string) (*Object, *ClassData) {
	if m, ok := c.Methods[name]; ok {
		return m, c
	}
	if c.Parent != nil {
		if pc, ok := c.Parent.AsClass(); ok {
			return pc.Resolve(name)
		}
	}
	return nil, nil
}

type InstanceData struct {
	Class  *Object
	Fields map[string]Value
}

type BoundMethodData struct {
	Receiver Value
	Method   *Object
}

// NativeFunction is the VM-level shape a registered host function reduces
// to: a raw argument slice in, a Value or error out. The ergonomic
// *Args-based signature host embedders see lives in the root package,
// which closes over a Heap and adapts down to this.
type NativeFunction func(heap *Heap, args []Value) (Value, error)

// AsyncNativeFunction is the async counterpart: it returns immediately
// with a channel the VM's async queue polls for completion rather than
// blocking the calling frame.
type AsyncNativeFunction func(heap *Heap, args []Value) <-chan AsyncResult

type NativeData struct {
	Module string
	Name   string
	Arity  int
	Fn     NativeFunction      // nil if Async is set
	Async  AsyncNativeFunction // nil for a synchronous native
}

// Resolve looks up a method by name reachable from o: for an instance,
// through its class; for a class, through itself and its ancestors. Kinds
// that carry no method table resolve to nothing.
func (o *Object) Resolve(name string) (*Object, *ClassData) {
	switch o.Kind {
	case ObjInstance:
		inst, _ := o.AsInstance()
		return inst.Class.Resolve(name)
	case ObjClass:
		cd, _ := o.AsClass()
		return cd.Resolve(name)
	default:
		return nil, nil
	}
}

// --- typed accessors, one per kind ---

func (o *Object) AsString() (*StringData, bool) {
	if o.Kind == ObjString {
		return o.data.(*StringData), true
	}
	return nil, false
}

func (o *Object) AsSymbol() (*SymbolData, bool) {
	if o.Kind == ObjSymbol {
		return o.data.(*SymbolData), true
	}
	return nil, false
}

func (o *Object) AsArray() (*ArrayData, bool) {
	if o.Kind == ObjArray {
		return o.data.(*ArrayData), true
	}
	return nil, false
}

func (o *Object) AsMap() (*MapData, bool) {
	if o.Kind == ObjMap {
		return o.data.(*MapData), true
	}
	return nil, false
}

func (o *Object) AsRange() (*RangeData, bool) {
	if o.Kind == ObjRange {
		return o.data.(*RangeData), true
	}
	return nil, false
}

func (o *Object) AsFunction() (*FunctionProto, bool) {
	if o.Kind == ObjFunction {
		return o.data.(*FunctionProto), true
	}
	return nil, false
}

func (o *Object) AsClosure() (*ClosureData, bool) {
	if o.Kind == ObjClosure {
		return o.data.(*ClosureData), true
	}
	return nil, false
}

func (o *Object) AsClass() (*ClassData, bool) {
	if o.Kind == ObjClass {
		return o.data.(*ClassData), true
	}
	return nil, false
}

func (o *Object) AsInstance() (*InstanceData, bool) {
	if o.Kind == ObjInstance {
		return o.data.(*InstanceData), true
	}
	return nil, false
}

func (o *Object) AsBoundMethod() (*BoundMethodData, bool) {
	if o.Kind == ObjBoundMethod {
		return o.data.(*BoundMethodData), true
	}
	return nil, false
}

func (o *Object) AsNative() (*NativeData, bool) {
	if o.Kind == ObjNative {
		return o.data.(*NativeData), true
	}
	return nil, false
}

func (o *Object) TypeName() string {
	if c, ok := o.AsInstance(); ok {
		if cd, ok := c.Class.AsClass(); ok {
			return cd.Name
		}
	}
	return o.Kind.String()
}

func (o *Object) stringWithGuard(seen map[*Object]bool) string {
	switch o.Kind {
	case ObjString:
		s, _ := o.AsString()
		return s.Value
	case ObjSymbol:
		s, _ := o.AsSymbol()
		return "#" + s.Name
	case ObjArray:
		a, _ := o.AsArray()
		parts := make([]string, len(a.Elems))
		for i, e := range a.Elems {
			parts[i] = e.stringWithGuard(seen)
		}
		return "[" + joinStringsComma(parts) + "]"
	case ObjMap:
		m, _ := o.AsMap()
		parts := make([]string, 0, len(m.order))
		for _, k := range m.order {
			e := m.entries[k]
			parts = append(parts, e.key.stringWithGuard(seen)+": "+e.val.stringWithGuard(seen))
		}
		return "Map{" + joinStringsComma(parts) + "}"
	case ObjRange:
		r, _ := o.AsRange()
		return fmt.Sprintf("%d..%d", r.Start, r.End)
	case ObjFunction:
		f, _ := o.AsFunction()
		return "<fn " + f.Name + ">"
	case ObjClosure:
		c, _ := o.AsClosure()
		return "<fn " + c.Proto.Name + ">"
	case ObjClass:
		c, _ := o.AsClass()
		return "<class " + c.Name + ">"
	case ObjInstance:
		return "<instance " + o.TypeName() + ">"
	case ObjBoundMethod:
		return "<bound method>"
	case ObjNative:
		n, _ := o.AsNative()
		return "<native fn " + n.Name + ">"
	default:
		return "<object>"
	}
}

func joinStringsComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// children returns every Value this object directly references, used by the
// GC's mark phase to trace the object graph.
func (o *Object) children() []Value {
	switch o.Kind {
	case ObjArray:
		a, _ := o.AsArray()
		return a.Elems
	case ObjMap:
		m, _ := o.AsMap()
		vs := make([]Value, 0, len(m.order)*2)
		for _, k := range m.order {
			e := m.entries[k]
			vs = append(vs, e.key, e.val)
		}
		return vs
	case ObjInstance:
		inst, _ := o.AsInstance()
		vs := make([]Value, 0, len(inst.Fields)+1)
		vs = append(vs, FromObject(inst.Class))
		for _, v := range inst.Fields {
			vs = append(vs, v)
		}
		return vs
	case ObjBoundMethod:
		bm, _ := o.AsBoundMethod()
		return []Value{bm.Receiver, FromObject(bm.Method)}
	case ObjClosure:
		c, _ := o.AsClosure()
		vs := make([]Value, 0, len(c.Upvalues))
		for _, uv := range c.Upvalues {
			vs = append(vs, uv.Get())
		}
		return vs
	case ObjClass:
		c, _ := o.AsClass()
		vs := make([]Value, 0, len(c.Methods)+1)
		if c.Parent != nil {
			vs = append(vs, FromObject(c.Parent))
		}
		for _, m := range c.Methods {
			vs = append(vs, FromObject(m))
		}
		return vs
	default:
		return nil
	}
}
