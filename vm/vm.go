package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultRegisterStackSize = 128 * 1024
	defaultFrameStackSize    = 1024
)

// mustI32/mustF64/mustBool/mustObject unwrap a Value whose kind the caller
// has already established via IsI32/IsF64/IsBool/IsObject — every call site
// below is guarded that way, so the ok result is always true here.
func mustI32(v Value) int32 {
	n, _ := v.AsI32()
	return n
}

func mustF64(v Value) float64 {
	f, _ := v.AsF64()
	return f
}

func mustBool(v Value) bool {
	b, _ := v.AsBool()
	return b
}

func mustObject(v Value) *Object {
	o, _ := v.AsObject()
	return o
}

// VM is a single-threaded register machine: one accumulator, a contiguous
// register stack shared by every frame (each frame owns a window starting
// at its base), and a frame stack bounding call depth. It implements
// RootProvider so the Heap can trace every live Value reachable from
// running code during a collection.
type VM struct {
	id      uuid.UUID
	heap    *Heap
	modules map[int]*Module
	log     *logrus.Entry
	async   *asyncQueue

	acc    Value
	stack  []Value
	frames []*Frame

	maxFrames int

	// arrayIteratorClass/mapIteratorClass back the builtin `.iterator()`
	// method on raw Array/Map values (vm/prelude.go), letting `for x in arr`
	// drive the same hasNext()/next() protocol user classes use.
	arrayIteratorClass *Object
	mapIteratorClass   *Object

	// debug, when set, traces every dispatched instruction at Debug level —
	// the register-VM generalization of the teacher's single-step debugger.
	debug bool
}

// SetDebug toggles per-instruction tracing, the CLI's `--debug` flag.
func (m *VM) SetDebug(on bool) { m.debug = on }

// SetIteratorClasses installs the prelude's ArrayIterator/MapIterator
// classes so Array and Map values can produce an iterator on demand.
func (m *VM) SetIteratorClasses(arrayIter, mapIter *Object) {
	m.arrayIteratorClass = arrayIter
	m.mapIteratorClass = mapIter
}

func NewVM(heap *Heap, log *logrus.Entry) *VM {
	id := uuid.New()
	m := &VM{
		id:        id,
		heap:      heap,
		modules:   make(map[int]*Module),
		log:       log.WithField("vm_id", id),
		async:     newAsyncQueue(),
		stack:     make([]Value, defaultRegisterStackSize),
		maxFrames: defaultFrameStackSize,
	}
	heap.SetRoots(m)
	return m
}

func (m *VM) RegisterModule(mod *Module) { m.modules[mod.ID] = mod }

// GCRoots implements RootProvider: the accumulator, every live register
// slot up to the deepest frame's window, and every module's globals.
func (m *VM) GCRoots() []Value {
	top := 0
	if len(m.frames) > 0 {
		f := m.frames[len(m.frames)-1]
		top = f.base + f.proto.MaxRegisters
	}
	roots := make([]Value, 0, top+1+len(m.modules)*4)
	roots = append(roots, m.acc)
	roots = append(roots, m.stack[:top]...)
	for _, mod := range m.modules {
		roots = append(roots, mod.Globals...)
	}
	return roots
}

// Run executes a closure (a compiled module's top-level body, or a
// host-invoked function) to completion and returns its final value.
func (m *VM) Run(closure *ClosureData, args []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				err = fe
				return
			}
			panic(r)
		}
	}()
	if err := m.drainAsync(); err != nil {
		return Value{}, &UncaughtPanic{Err: err, StackTrace: m.stackTrace()}
	}
	startDepth := len(m.frames)
	if err := m.pushCall(closure, args); err != nil {
		return Value{}, err
	}
	if err := m.dispatch(startDepth); err != nil {
		uncaught := &UncaughtPanic{Err: err, StackTrace: m.stackTrace()}
		m.log.WithField("error", err.Error()).Debug("uncaught runtime error")
		return Value{}, uncaught
	}
	return m.acc, nil
}

func (m *VM) pushCall(closure *ClosureData, args []Value) error {
	if len(m.frames) >= m.maxFrames {
		return &RuntimeError{Message: "stack overflow", Kind: ErrStackOverflow}
	}
	base := 0
	if len(m.frames) > 0 {
		prev := m.frames[len(m.frames)-1]
		base = prev.base + prev.proto.MaxRegisters
	}
	need := base + closure.Proto.MaxRegisters
	if need > len(m.stack) {
		grown := make([]Value, need*2)
		copy(grown, m.stack)
		m.stack = grown
	}
	// args may carry a leading receiver (this) beyond Arity, so the copy is
	// bounded by the callee's register window rather than its parameter count.
	for i, a := range args {
		if i >= closure.Proto.MaxRegisters {
			break
		}
		m.stack[base+i] = a
	}
	f := &Frame{closure: closure, proto: closure.Proto, base: base}
	m.frames = append(m.frames, f)
	return nil
}

func (m *VM) popCall() {
	f := m.frames[len(m.frames)-1]
	f.closeFrom(f.base)
	m.frames = m.frames[:len(m.frames)-1]
}

// dispatch runs the fetch-decode-execute loop until the frame stack drops
// back to startDepth (the call that invoked dispatch has returned).
func (m *VM) dispatch(startDepth int) error {
	for len(m.frames) > startDepth {
		f := m.frames[len(m.frames)-1]
		code := f.proto.Code
		if f.ip >= len(code) {
			m.popCall()
			continue
		}

		wd := widthNarrow
		b := code[f.ip]
		switch Opcode(b) {
		case OpWide:
			wd = widthWide
			f.ip++
			b = code[f.ip]
		case OpExtraWide:
			wd = widthExtraWide
			f.ip++
			b = code[f.ip]
		}
		op := Opcode(b)
		f.ip++

		n := int(operandCounts[op])
		var operands [4]uint32
		for i := 0; i < n; i++ {
			operands[i] = readOperand(code, &f.ip, wd)
		}

		if m.debug {
			m.log.WithFields(logrus.Fields{
				"op":       op,
				"operands": operands[:n],
				"line":     f.proto.LineFor(f.ip),
			}).Debug("step")
		}

		if err := m.execOne(f, op, operands[:n]); err != nil {
			if handled := m.tryHandle(err); handled {
				continue
			}
			return err
		}
	}
	return nil
}

func readOperand(code []byte, ip *int, wd width) uint32 {
	switch wd {
	case widthNarrow:
		v := uint32(code[*ip])
		*ip++
		return v
	case widthWide:
		v := uint32(binary.LittleEndian.Uint16(code[*ip:]))
		*ip += 2
		return v
	default:
		v := binary.LittleEndian.Uint32(code[*ip:])
		*ip += 4
		return v
	}
}

// tryHandle walks the frame stack from the innermost frame outward, checking
// each frame's exception handler table for one whose [TryBegin,TryEnd)
// contains that frame's current instruction; if found it drops the frames
// above, binds
// the error into ErrReg and resumes at HandlerBegin. A FatalError is never
// catchable and always propagates.
func (m *VM) tryHandle(cause error) bool {
	if _, fatal := cause.(*FatalError); fatal {
		return false
	}
	for i := len(m.frames) - 1; i >= 0; i-- {
		f := m.frames[i]
		faultIP := f.ip
		for _, h := range f.proto.Handlers {
			if faultIP > h.TryBegin && faultIP <= h.TryEnd {
				f.closeFrom(f.base + h.ErrReg)
				m.stack[f.base+h.ErrReg] = m.errorValue(cause)
				f.ip = h.HandlerBegin
				m.frames = m.frames[:i+1]
				return true
			}
		}
	}
	return false
}

func (m *VM) errorValue(err error) Value {
	return FromObject(m.heap.NewConstString(err.Error()))
}

func (m *VM) stackTrace() []StackFrameInfo {
	trace := make([]StackFrameInfo, 0, len(m.frames))
	for i := len(m.frames) - 1; i >= 0; i-- {
		f := m.frames[i]
		mod := m.modules[f.proto.ModuleID]
		name := ""
		if mod != nil {
			name = mod.Name
		}
		trace = append(trace, StackFrameInfo{FunctionName: f.proto.Name, ModuleName: name, Line: f.proto.LineFor(f.ip)})
	}
	return trace
}

func (m *VM) execOne(f *Frame, op Opcode, ops []uint32) error {
	if reg, ok := fastLoadRegister(op); ok {
		m.acc = m.stack[f.base+reg]
		return nil
	}
	if reg, ok := fastStoreRegister(op); ok {
		m.stack[f.base+reg] = m.acc
		return nil
	}

	switch op {
	case OpNop:
	case OpLoadRegister:
		m.acc = m.stack[f.base+int(ops[0])]
	case OpStoreRegister:
		m.stack[f.base+int(ops[0])] = m.acc
	case OpMove:
		m.stack[f.base+int(ops[1])] = m.stack[f.base+int(ops[0])]
	case OpLoadConstant:
		m.acc = f.proto.Constants[ops[0]]
	case OpLoadSmallInt:
		m.acc = FromI32(int32(int8(uint8(ops[0]))))
	case OpLoadNull:
		m.acc = NullValue()
	case OpLoadTrue:
		m.acc = TrueValue()
	case OpLoadFalse:
		m.acc = FalseValue()
	case OpLoadModuleVariable:
		mod := m.modules[f.proto.ModuleID]
		m.acc = mod.Globals[ops[0]]
	case OpStoreModuleVariable:
		mod := m.modules[f.proto.ModuleID]
		mod.Globals[ops[0]] = m.acc
	case OpLoadUpvalue:
		m.acc = f.closure.Upvalues[ops[0]].Get()
	case OpStoreUpvalue:
		f.closure.Upvalues[ops[0]].Set(m.acc)
	case OpLoadProperty:
		return m.execLoadProperty(f, ops)
	case OpStoreProperty:
		return m.execStoreProperty(f, ops)
	case OpLoadSubscript:
		return m.execLoadSubscript(f, ops)
	case OpStoreSubscript:
		return m.execStoreSubscript(f, ops)
	case OpStoreArrayUnchecked:
		obj := m.stack[f.base+int(ops[0])]
		arr, _ := mustObject(obj).AsArray()
		arr.Elems[ops[1]] = m.acc

	case OpAddRegister, OpSubRegister, OpMulRegister, OpDivRegister, OpModRegister:
		return m.execArithRegister(f, op, ops)
	case OpAddInt, OpSubInt, OpMulInt, OpDivInt, OpModInt:
		return m.execArithInt(f, op, ops)
	case OpNegate:
		v, err := NegateValue(m.acc, f.proto.LineFor(f.ip))
		if err != nil {
			return err
		}
		m.acc = v
	case OpNot:
		m.acc = FromBool(!m.acc.Truthy())

	case OpEqual:
		m.acc = FromBool(m.stack[f.base+int(ops[0])].Equal(m.acc))
	case OpNotEqual:
		m.acc = FromBool(!m.stack[f.base+int(ops[0])].Equal(m.acc))
	case OpStrictEqual:
		m.acc = FromBool(strictEqual(m.stack[f.base+int(ops[0])], m.acc))
	case OpStrictNotEqual:
		m.acc = FromBool(!strictEqual(m.stack[f.base+int(ops[0])], m.acc))
	case OpGreaterThan, OpLesserThan, OpGreaterThanOrEqual, OpLesserThanOrEqual:
		return m.execCompare(f, op, ops)

	case OpJump:
		f.ip += int(int32(ops[0]))
	case OpJumpBack:
		f.ip -= int(ops[0])
	case OpJumpIfFalseOrNull:
		if !m.acc.IsObject() && (m.acc.IsNull() || !m.acc.Truthy()) {
			f.ip += int(int32(ops[0]))
		}
	case OpJumpIfNotFalseOrNull:
		if m.acc.IsObject() || (!m.acc.IsNull() && m.acc.Truthy()) {
			f.ip += int(int32(ops[0]))
		}
	case OpJumpConstant:
		f.ip = int(mustI32(f.proto.Constants[ops[0]]))
	case OpJumpIfFalseOrNullConstant:
		if !m.acc.IsObject() && (m.acc.IsNull() || !m.acc.Truthy()) {
			f.ip = int(mustI32(f.proto.Constants[ops[0]]))
		}
	case OpJumpIfNotFalseOrNullConstant:
		if m.acc.IsObject() || (!m.acc.IsNull() && m.acc.Truthy()) {
			f.ip = int(mustI32(f.proto.Constants[ops[0]]))
		}
	case OpSwitch:
		return m.execSwitch(f, ops)
	case OpBeginForLoopConstant:
		// entry does not test the bounds and falls through into the loop
		// body, so the body runs at least once; the matching ForLoop tests
		// iter < end (end lives in the register after iter) at the back edge.
	case OpForLoop:
		return m.execForLoop(f, ops)

	case OpMakeFunction:
		return m.execMakeFunction(f, ops)
	case OpMakeClass:
		m.acc = f.proto.Constants[ops[0]]
	case OpCall:
		return m.execCall(f, ops)
	case OpCallMethod:
		return m.execCallMethod(f, ops)
	case OpSuperCall:
		return m.execSuperCall(f, ops)
	case OpConstruct:
		return m.execConstruct(f, ops)
	case OpReturn:
		m.popCall()
	case OpThrow:
		return &RuntimeError{Message: m.acc.String(), Line: f.proto.LineFor(f.ip), Kind: ErrGeneric}
	case OpClose:
		f.closeFrom(f.base + int(ops[0]))

	case OpNewArray:
		return m.execNewArray(f, ops)
	case OpNewMap:
		return m.execNewMap(f, ops)
	case OpNewObject:
		return m.execNewObject(f, ops)
	case OpRange:
		start := m.stack[f.base+int(ops[0])]
		if !start.IsI32() || !m.acc.IsI32() {
			return &RuntimeError{Message: "range bounds must be integers", Line: f.proto.LineFor(f.ip), Kind: ErrType}
		}
		m.acc = FromObject(m.heap.NewRange(mustI32(start), mustI32(m.acc)))
	case OpConcatRegister:
		left := m.stack[f.base+int(ops[0])]
		s := ConcatValues(left, m.acc)
		m.acc = FromObject(m.heap.NewString(s))

	default:
		return &RuntimeError{Message: fmt.Sprintf("unimplemented opcode %d", op), Line: f.proto.LineFor(f.ip), Kind: ErrGeneric}
	}
	return nil
}

func strictEqual(a, b Value) bool {
	if a.IsI32() && b.IsI32() {
		return mustI32(a) == mustI32(b)
	}
	if a.IsF64() && b.IsF64() {
		return mustF64(a) == mustF64(b)
	}
	if a.IsBool() && b.IsBool() {
		return mustBool(a) == mustBool(b)
	}
	if a.IsNull() && b.IsNull() {
		return true
	}
	if a.IsObject() && b.IsObject() {
		return mustObject(a) == mustObject(b)
	}
	return false
}

func (m *VM) execArithRegister(f *Frame, op Opcode, ops []uint32) error {
	left := m.stack[f.base+int(ops[0])]
	line := f.proto.LineFor(f.ip)
	var v Value
	var err error
	switch op {
	case OpAddRegister:
		v, err = AddValues(left, m.acc, line)
	case OpSubRegister:
		v, err = SubValues(left, m.acc, line)
	case OpMulRegister:
		v, err = MulValues(left, m.acc, line)
	case OpDivRegister:
		v, err = DivValues(left, m.acc, line)
	case OpModRegister:
		v, err = ModValues(left, m.acc, line)
	}
	if err != nil {
		return err
	}
	m.acc = v
	return nil
}

func (m *VM) execArithInt(f *Frame, op Opcode, ops []uint32) error {
	imm := FromI32(int32(int8(uint8(ops[0]))))
	line := f.proto.LineFor(f.ip)
	var v Value
	var err error
	switch op {
	case OpAddInt:
		v, err = AddValues(m.acc, imm, line)
	case OpSubInt:
		v, err = SubValues(m.acc, imm, line)
	case OpMulInt:
		v, err = MulValues(m.acc, imm, line)
	case OpDivInt:
		v, err = DivValues(m.acc, imm, line)
	case OpModInt:
		v, err = ModValues(m.acc, imm, line)
	}
	if err != nil {
		return err
	}
	m.acc = v
	return nil
}

func (m *VM) execCompare(f *Frame, op Opcode, ops []uint32) error {
	left := m.stack[f.base+int(ops[0])]
	right := m.acc
	if !left.IsNumber() || !right.IsNumber() {
		return &RuntimeError{Message: "comparison requires numeric operands", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	lf, rf := numericAsFloat(left), numericAsFloat(right)
	var result bool
	switch op {
	case OpGreaterThan:
		result = lf > rf
	case OpLesserThan:
		result = lf < rf
	case OpGreaterThanOrEqual:
		result = lf >= rf
	case OpLesserThanOrEqual:
		result = lf <= rf
	}
	m.acc = FromBool(result)
	return nil
}

func numericAsFloat(v Value) float64 {
	if v.IsI32() {
		return float64(mustI32(v))
	}
	return mustF64(v)
}

func (m *VM) execLoadProperty(f *Frame, ops []uint32) error {
	obj := m.stack[f.base+int(ops[0])]
	sym := f.proto.Constants[ops[1]]
	if !obj.IsObject() {
		return &RuntimeError{Message: "cannot read property of non-object", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	name := mustObject(sym).mustSymbolName()
	o := mustObject(obj)
	switch o.Kind {
	case ObjInstance:
		inst, _ := o.AsInstance()
		if v, ok := inst.Fields[name]; ok {
			m.acc = v
			return nil
		}
		if _, cd := o.Resolve(name); cd != nil {
			if method, ok := cd.Methods[name]; ok {
				m.acc = FromObject(m.heap.NewBoundMethod(&BoundMethodData{Receiver: obj, Method: method}))
				return nil
			}
		}
		m.acc = NullValue()
	case ObjMap:
		md, _ := o.AsMap()
		if name == "length" {
			m.acc = FromI32(int32(md.Len()))
			return nil
		}
		if v, ok := md.Get(sym); ok {
			m.acc = v
			return nil
		}
		m.acc = NullValue()
	case ObjClass:
		cd, _ := o.AsClass()
		if method, ok := cd.Methods[name]; ok {
			m.acc = FromObject(method)
			return nil
		}
		m.acc = NullValue()
	case ObjArray:
		if name == "length" {
			arr, _ := o.AsArray()
			m.acc = FromI32(int32(len(arr.Elems)))
			return nil
		}
		m.acc = NullValue()
	default:
		m.acc = NullValue()
	}
	return nil
}

func (m *VM) execStoreProperty(f *Frame, ops []uint32) error {
	obj := m.stack[f.base+int(ops[0])]
	sym := f.proto.Constants[ops[1]]
	if !obj.IsObject() || mustObject(obj).Kind != ObjInstance {
		return &RuntimeError{Message: "cannot set property of non-instance", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	inst, _ := mustObject(obj).AsInstance()
	inst.Fields[mustObject(sym).mustSymbolName()] = m.acc
	return nil
}

func (m *VM) execLoadSubscript(f *Frame, ops []uint32) error {
	obj := m.stack[f.base+int(ops[0])]
	key := m.acc
	if !obj.IsObject() {
		return &RuntimeError{Message: "cannot index non-object", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	o := mustObject(obj)
	switch o.Kind {
	case ObjArray:
		arr, _ := o.AsArray()
		if !key.IsI32() {
			return &RuntimeError{Message: "array index must be an integer", Line: f.proto.LineFor(f.ip), Kind: ErrType}
		}
		idx := int(mustI32(key))
		if idx < 0 || idx >= len(arr.Elems) {
			return &RuntimeError{Message: "array index out of bounds", Line: f.proto.LineFor(f.ip), Kind: ErrGeneric}
		}
		m.acc = arr.Elems[idx]
	case ObjMap:
		md, _ := o.AsMap()
		if v, ok := md.Get(key); ok {
			m.acc = v
		} else {
			m.acc = NullValue()
		}
	case ObjRange:
		rd, _ := o.AsRange()
		if !key.IsI32() {
			return &RuntimeError{Message: "range index must be an integer", Line: f.proto.LineFor(f.ip), Kind: ErrType}
		}
		m.acc = FromI32(rd.Start + mustI32(key))
	default:
		return &RuntimeError{Message: "value is not subscriptable", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	return nil
}

func (m *VM) execStoreSubscript(f *Frame, ops []uint32) error {
	obj := m.stack[f.base+int(ops[0])]
	key := m.stack[f.base+int(ops[1])]
	if !obj.IsObject() {
		return &RuntimeError{Message: "cannot index non-object", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	o := mustObject(obj)
	switch o.Kind {
	case ObjArray:
		arr, _ := o.AsArray()
		if !key.IsI32() {
			return &RuntimeError{Message: "array index must be an integer", Line: f.proto.LineFor(f.ip), Kind: ErrType}
		}
		idx := int(mustI32(key))
		if idx < 0 || idx >= len(arr.Elems) {
			return &RuntimeError{Message: "array index out of bounds", Line: f.proto.LineFor(f.ip), Kind: ErrGeneric}
		}
		arr.Elems[idx] = m.acc
	case ObjMap:
		md, _ := o.AsMap()
		if !md.Set(key, m.acc) {
			return &RuntimeError{Message: "unhashable map key", Line: f.proto.LineFor(f.ip), Kind: ErrType}
		}
	default:
		return &RuntimeError{Message: "value is not subscriptable", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	return nil
}

func (m *VM) execSwitch(f *Frame, ops []uint32) error {
	if !m.acc.IsI32() {
		return &RuntimeError{Message: "switch subject must be an integer for table dispatch", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	table := f.proto.JumpTables[ops[0]]
	if target, ok := table[mustI32(m.acc)]; ok {
		f.ip = target
	}
	return nil
}

func (m *VM) execForLoop(f *Frame, ops []uint32) error {
	backDist := int(ops[0])
	iterReg := int(ops[1])
	cur := m.stack[f.base+iterReg]
	end := m.stack[f.base+iterReg+1]
	if !cur.IsI32() || !end.IsI32() {
		return &RuntimeError{Message: "range bounds must be integers", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	next := mustI32(cur) + 1
	m.stack[f.base+iterReg] = FromI32(next)
	if next < mustI32(end) {
		f.ip -= backDist
	}
	return nil
}

func (m *VM) execMakeFunction(f *Frame, ops []uint32) error {
	fnVal := f.proto.Constants[ops[0]]
	proto, _ := mustObject(fnVal).AsFunction()
	cd := &ClosureData{Proto: proto}
	for _, uv := range proto.Upvalues {
		if uv.IsLocal {
			cd.Upvalues = append(cd.Upvalues, f.findOrAddOpenUpvalue(&m.stack, f.base+uv.Index))
		} else {
			cd.Upvalues = append(cd.Upvalues, f.closure.Upvalues[uv.Index])
		}
	}
	m.acc = FromObject(m.heap.NewClosure(cd))
	return nil
}

func (m *VM) execCall(f *Frame, ops []uint32) error {
	calleeReg := int(ops[0])
	argc := int(ops[1])
	callee := m.stack[f.base+calleeReg]
	args := make([]Value, argc)
	copy(args, m.stack[f.base+calleeReg+1:f.base+calleeReg+1+argc])
	return m.invoke(callee, args, Value{}, false)
}

func (m *VM) execCallMethod(f *Frame, ops []uint32) error {
	objReg := int(ops[0])
	sym := f.proto.Constants[ops[1]]
	base := int(ops[2])
	argc := int(ops[3])
	recv := m.stack[f.base+objReg]
	args := make([]Value, argc)
	copy(args, m.stack[f.base+base+1:f.base+base+1+argc])
	name := mustObject(sym).mustSymbolName()
	if !recv.IsObject() {
		return &RuntimeError{Message: "cannot call method on non-object", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	o := mustObject(recv)
	if o.Kind == ObjInstance {
		if _, cd := o.Resolve(name); cd != nil {
			if method, ok := cd.Methods[name]; ok {
				return m.invoke(FromObject(method), args, recv, true)
			}
		}
	}
	if name == "iterator" {
		switch o.Kind {
		case ObjInstance:
			// An instance with no iterator() method of its own is assumed to
			// already implement hasNext/next directly (the self-iterator
			// pattern) — `for` drives it unchanged.
			m.acc = recv
			return nil
		case ObjArray:
			if m.arrayIteratorClass == nil {
				break
			}
			inst := m.heap.NewInstance(&InstanceData{
				Class:  m.arrayIteratorClass,
				Fields: map[string]Value{"arr": recv, "idx": FromI32(0)},
			})
			m.acc = FromObject(inst)
			return nil
		case ObjMap:
			if m.mapIteratorClass == nil {
				break
			}
			md, _ := o.AsMap()
			keysArr := m.heap.NewArray(md.Keys())
			inst := m.heap.NewInstance(&InstanceData{
				Class:  m.mapIteratorClass,
				Fields: map[string]Value{"map": recv, "keys": FromObject(keysArr), "idx": FromI32(0)},
			})
			m.acc = FromObject(inst)
			return nil
		}
	}
	return &RuntimeError{Message: fmt.Sprintf("undefined method %q", name), Line: f.proto.LineFor(f.ip), Kind: ErrUndefined}
}

func (m *VM) execSuperCall(f *Frame, ops []uint32) error {
	sym := f.proto.Constants[ops[0]]
	base := int(ops[1])
	argc := int(ops[2])
	this := m.stack[f.base+base]
	args := make([]Value, argc)
	copy(args, m.stack[f.base+base+1:f.base+base+1+argc])
	name := mustObject(sym).mustSymbolName()
	if !this.IsObject() {
		return &RuntimeError{Message: "super used outside a method", Line: f.proto.LineFor(f.ip), Kind: ErrGeneric}
	}
	inst, _ := mustObject(this).AsInstance()
	cd, _ := inst.Class.AsClass()
	if cd.Parent == nil {
		return &RuntimeError{Message: "no parent class for super call", Line: f.proto.LineFor(f.ip), Kind: ErrGeneric}
	}
	_, parentCd := cd.Parent.Resolve(name)
	if parentCd == nil {
		return &RuntimeError{Message: fmt.Sprintf("undefined super method %q", name), Line: f.proto.LineFor(f.ip), Kind: ErrUndefined}
	}
	method := parentCd.Methods[name]
	return m.invoke(FromObject(method), args, this, true)
}

func (m *VM) execConstruct(f *Frame, ops []uint32) error {
	base := int(ops[0])
	argc := int(ops[1])
	classVal := m.acc
	if !classVal.IsObject() || mustObject(classVal).Kind != ObjClass {
		return &RuntimeError{Message: "new target is not a class", Line: f.proto.LineFor(f.ip), Kind: ErrType}
	}
	instObj := m.heap.NewInstance(&InstanceData{Class: mustObject(classVal), Fields: make(map[string]Value)})
	instVal := FromObject(instObj)
	args := make([]Value, argc)
	copy(args, m.stack[f.base+base+1:f.base+base+1+argc])
	if ctor, _ := mustObject(classVal).Resolve("construct"); ctor != nil {
		if err := m.invoke(FromObject(ctor), args, instVal, true); err != nil {
			return err
		}
	}
	m.acc = instVal
	return nil
}

// invoke dispatches a call target (a bare function or a closure) by pushing
// a new frame whose register 0 holds `this` when hasThis is set, per
// spec.md §4.8's "this lives in register 0" convention.
func (m *VM) invoke(callee Value, args []Value, this Value, hasThis bool) error {
	if !callee.IsObject() {
		return &RuntimeError{Message: "value is not callable", Kind: ErrType}
	}
	o := mustObject(callee)
	var cd *ClosureData
	switch o.Kind {
	case ObjClosure:
		cd, _ = o.AsClosure()
	case ObjFunction:
		proto, _ := o.AsFunction()
		cd = &ClosureData{Proto: proto}
	case ObjBoundMethod:
		bm, _ := o.AsBoundMethod()
		return m.invoke(FromObject(bm.Method), args, bm.Receiver, true)
	case ObjNative:
		nd, _ := o.AsNative()
		return m.invokeNative(nd, args)
	default:
		return &RuntimeError{Message: "value is not callable", Kind: ErrType}
	}
	if len(args) > maxCallArgs {
		return &RuntimeError{Message: "too many arguments", Kind: ErrArity}
	}
	callArgs := args
	if hasThis {
		callArgs = append([]Value{this}, args...)
	}
	startDepth := len(m.frames)
	if err := m.pushCall(cd, callArgs); err != nil {
		return err
	}
	return m.dispatch(startDepth)
}

// invokeNative calls a host-registered function. A synchronous native runs
// to completion inline and leaves its result in the accumulator. An async
// native's last argument must be a callable value; the native's goroutine
// is handed the rest of the arguments, the call returns null immediately,
// and the callback fires later from drainAsync once the work completes —
// the script-level half of the "device interrupt" pattern devices.go used
// for the console reader.
func (m *VM) invokeNative(nd *NativeData, args []Value) error {
	if nd.Async != nil {
		if len(args) == 0 || !args[len(args)-1].IsObject() {
			return &RuntimeError{Message: "async host function requires a trailing callback", Kind: ErrArity}
		}
		callback := args[len(args)-1]
		workArgs := args[:len(args)-1]
		result := nd.Async(m.heap, workArgs)
		m.async.register(&pendingAsync{result: result, callback: callback})
		m.acc = NullValue()
		return nil
	}
	v, err := nd.Fn(m.heap, args)
	if err != nil {
		if re, ok := err.(*RuntimeError); ok {
			return re
		}
		return &RuntimeError{Message: err.Error(), Kind: ErrGeneric}
	}
	m.acc = v
	return nil
}

func (m *VM) execNewArray(f *Frame, ops []uint32) error {
	n := int(ops[0])
	base := int(ops[1])
	elems := make([]Value, n)
	copy(elems, m.stack[f.base+base:f.base+base+n])
	m.acc = FromObject(m.heap.NewArray(elems))
	return nil
}

func (m *VM) execNewMap(f *Frame, ops []uint32) error {
	n := int(ops[0])
	base := int(ops[1])
	obj := m.heap.NewMap()
	md, _ := obj.AsMap()
	for i := 0; i < n; i++ {
		k := m.stack[f.base+base+i*2]
		v := m.stack[f.base+base+i*2+1]
		if !md.Set(k, v) {
			return &RuntimeError{Message: "unhashable map key", Line: f.proto.LineFor(f.ip), Kind: ErrType}
		}
	}
	m.acc = FromObject(obj)
	return nil
}

func (m *VM) execNewObject(f *Frame, ops []uint32) error {
	n := int(ops[0])
	base := int(ops[1])
	fields := make(map[string]Value, n)
	for i := 0; i < n; i++ {
		k := m.stack[f.base+base+i*2]
		v := m.stack[f.base+base+i*2+1]
		fields[mustObject(k).mustSymbolName()] = v
	}
	m.acc = FromObject(m.heap.NewInstance(&InstanceData{Fields: fields}))
	return nil
}

func (o *Object) mustSymbolName() string {
	sd, ok := o.AsSymbol()
	if !ok {
		panic(&FatalError{Message: "expected symbol constant"})
	}
	return sd.Name
}
