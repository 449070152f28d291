package vm

import (
	"github.com/sirupsen/logrus"
)

// allocKind marks whether an allocation goes through the permanent
// "constant" path (§3 invariant iii) or the ordinary collectible path.
type allocKind uint8

const (
	allocTemporary allocKind = iota
	allocConstant
)

const (
	defaultThreshold  = 1 << 20 // 1MiB of estimated payload before first GC
	minThreshold      = 1 << 16
	defaultGrowth     = 2.0
)

// HeapStats is the snapshot logged at logrus.DebugLevel after every
// collection and returned to callers that want to assert bounded growth
// (the testable property behind spec.md §9's "long-running allocation
// loops do not grow the heap without bound").
type HeapStats struct {
	BytesAllocated int64
	ObjectCount    int
	Collections    int
}

// Heap owns the intrusive list of every object allocated through it, the
// interned symbol table, and mark/sweep collection. It forbids nested
// collection sessions: starting one while another is live is a FatalError,
// matching spec.md §4.2's "creating a new session while one is live is a
// fatal contract violation."
type Heap struct {
	log *logrus.Entry

	head  *Object // intrusive list head; next chains toward tail
	count int

	bytesAllocated int64
	threshold      int64
	growthFactor   float64

	collecting bool
	collections int

	symbols map[string]*Object // interned string -> Symbol object

	// roots supplies the heap with everything outside itself that must be
	// traced: the VM's accumulator/register stack, module globals, open
	// upvalues. Set once by the owning VM.
	roots RootProvider
}

// RootProvider is implemented by the VM so the heap can trace live roots
// without the heap package needing to know VM internals — here both live in
// the same package, but the interface keeps the mark phase decoupled from
// frame-stack layout.
type RootProvider interface {
	GCRoots() []Value
}

func NewHeap(log *logrus.Entry) *Heap {
	return &Heap{
		log:          log,
		threshold:    defaultThreshold,
		growthFactor: defaultGrowth,
		symbols:      make(map[string]*Object),
	}
}

func (h *Heap) SetRoots(r RootProvider) { h.roots = r }

func (h *Heap) SetThreshold(n int64)      { h.threshold = n }
func (h *Heap) SetGrowthFactor(f float64) { h.growthFactor = f }

func (h *Heap) Stats() HeapStats {
	return HeapStats{BytesAllocated: h.bytesAllocated, ObjectCount: h.count, Collections: h.collections}
}

func estimateSize(data any) int64 {
	switch v := data.(type) {
	case *StringData:
		return int64(len(v.Value)) + 32
	case *ArrayData:
		return int64(len(v.Elems))*8 + 32
	case *MapData:
		return int64(len(v.order))*16 + 32
	default:
		return 48
	}
}

func (h *Heap) alloc(kind ObjectKind, data any, ak allocKind) *Object {
	if h.roots != nil && h.bytesAllocated > h.threshold && ak != allocConstant {
		h.Collect()
	}
	o := &Object{Kind: kind, data: data, constant: ak == allocConstant, next: h.head}
	h.head = o
	h.count++
	h.bytesAllocated += estimateSize(data)
	return o
}

func (h *Heap) NewString(s string) *Object    { return h.alloc(ObjString, &StringData{Value: s}, allocTemporary) }
func (h *Heap) NewConstString(s string) *Object {
	return h.alloc(ObjString, &StringData{Value: s}, allocConstant)
}
func (h *Heap) NewArray(elems []Value) *Object { return h.alloc(ObjArray, &ArrayData{Elems: elems}, allocTemporary) }
func (h *Heap) NewMap() *Object                { return h.alloc(ObjMap, newMapData(), allocTemporary) }
func (h *Heap) NewRange(start, end int32) *Object {
	return h.alloc(ObjRange, &RangeData{Start: start, End: end}, allocTemporary)
}
func (h *Heap) NewFunction(p *FunctionProto) *Object {
	return h.alloc(ObjFunction, p, allocConstant)
}
func (h *Heap) NewClosure(c *ClosureData) *Object { return h.alloc(ObjClosure, c, allocTemporary) }
// classes are declared once at compile time and referenced from a constant
// pool the same way functions are, so they are allocated as constants too.
func (h *Heap) NewClass(c *ClassData) *Object { return h.alloc(ObjClass, c, allocConstant) }
func (h *Heap) NewInstance(i *InstanceData) *Object { return h.alloc(ObjInstance, i, allocTemporary) }
func (h *Heap) NewBoundMethod(b *BoundMethodData) *Object {
	return h.alloc(ObjBoundMethod, b, allocTemporary)
}

// NewNative wraps a host-registered function. Registration happens once
// at host setup, so — like functions and classes — natives are allocated
// as constants.
func (h *Heap) NewNative(n *NativeData) *Object { return h.alloc(ObjNative, n, allocConstant) }

// Intern returns the single Symbol object for text, allocating it on first
// use. Re-requesting with kind==allocConstant upgrades an existing Temporary
// symbol to Constant in place — an idempotent, one-way transition.
func (h *Heap) Intern(text string, kind allocKind) *Object {
	if existing, ok := h.symbols[text]; ok {
		if kind == allocConstant {
			existing.constant = true
		}
		return existing
	}
	o := h.alloc(ObjSymbol, &SymbolData{Name: text}, kind)
	h.symbols[text] = o
	return o
}

// Collect performs a full stop-the-world mark/sweep. It is a fatal contract
// violation to call it (directly or via allocation pressure) while a
// session is already live.
func (h *Heap) Collect() {
	if h.collecting {
		panic(&FatalError{Message: "nested GC session"})
	}
	h.collecting = true
	defer func() { h.collecting = false }()

	before := h.bytesAllocated

	// mark
	var stack []*Object
	markObj := func(o *Object) {
		if o == nil || o.marked {
			return
		}
		o.marked = true
		stack = append(stack, o)
	}
	markValue := func(v Value) {
		if o, ok := v.AsObject(); ok {
			markObj(o)
		}
	}
	if h.roots != nil {
		for _, v := range h.roots.GCRoots() {
			markValue(v)
		}
	}
	for _, sym := range h.symbols {
		if sym.constant {
			markObj(sym)
		}
	}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range o.children() {
			markValue(child)
		}
	}

	// sweep
	var newHead *Object
	var prevTail *Object
	swept := 0
	kept := 0
	h.bytesAllocated = 0
	for o := h.head; o != nil; {
		next := o.next
		if o.marked || o.constant {
			o.marked = false
			o.next = nil
			if prevTail == nil {
				newHead = o
			} else {
				prevTail.next = o
			}
			prevTail = o
			kept++
			h.bytesAllocated += estimateSize(o.data)
		} else {
			swept++
		}
		o = next
	}
	h.head = newHead
	h.count = kept
	h.collections++

	newThreshold := int64(float64(h.bytesAllocated) * h.growthFactor)
	if newThreshold < minThreshold {
		newThreshold = minThreshold
	}
	h.threshold = newThreshold

	if h.log != nil {
		h.log.WithFields(logrus.Fields{
			"freed_bytes":    before - h.bytesAllocated,
			"objects_swept":  swept,
			"objects_kept":   kept,
			"next_threshold": h.threshold,
		}).Debug("gc cycle complete")
	}
}
