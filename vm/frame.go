package vm

// Upvalue is a reference to a variable that outlives the frame that
// declared it. While open it points at a live register slot on the VM's
// register stack; Close copies that value into closed, which is from
// then on what Get/Set operate on.
type Upvalue struct {
	open     bool
	stackIdx int // index into the VM's register stack, while open
	stack    *[]Value
	closed   Value
	nextOpen *Upvalue // sorted-by-stackIdx singly linked list, per frame
}

func newOpenUpvalue(stack *[]Value, idx int) *Upvalue {
	return &Upvalue{open: true, stackIdx: idx, stack: stack}
}

func (u *Upvalue) Get() Value {
	if u.open {
		return (*u.stack)[u.stackIdx]
	}
	return u.closed
}

func (u *Upvalue) Set(v Value) {
	if u.open {
		(*u.stack)[u.stackIdx] = v
		return
	}
	u.closed = v
}

func (u *Upvalue) Close() {
	if u.open {
		u.closed = (*u.stack)[u.stackIdx]
		u.open = false
		u.stack = nil
	}
}

// Frame is the per-call record: an instruction pointer into its closure's
// bytecode, a base register index into the VM's contiguous register stack,
// and the closure whose upvalues/handler table it runs against.
type Frame struct {
	closure    *ClosureData
	proto      *FunctionProto
	ip         int
	base       int
	openUpvals *Upvalue // sorted ascending by stackIdx
	thisVal    Value
	hasThis    bool
}

// findOrAddOpenUpvalue returns the existing open upvalue at idx if one is
// already tracked for this frame, or creates and links one — the mechanism
// behind spec.md §3's "(index, is_local) dedupe to one upvalue slot" at the
// VM level (the compiler dedupes descriptors; the VM dedupes live opens).
func (f *Frame) findOrAddOpenUpvalue(stack *[]Value, idx int) *Upvalue {
	var prev *Upvalue
	cur := f.openUpvals
	for cur != nil && cur.stackIdx < idx {
		prev = cur
		cur = cur.nextOpen
	}
	if cur != nil && cur.stackIdx == idx {
		return cur
	}
	uv := newOpenUpvalue(stack, idx)
	uv.nextOpen = cur
	if prev == nil {
		f.openUpvals = uv
	} else {
		prev.nextOpen = uv
	}
	return uv
}

// closeFrom closes every open upvalue at stackIdx >= first, per the Close
// instruction's contract.
func (f *Frame) closeFrom(first int) {
	var prev *Upvalue
	cur := f.openUpvals
	for cur != nil && cur.stackIdx < first {
		prev = cur
		cur = cur.nextOpen
	}
	for ; cur != nil; cur = cur.nextOpen {
		cur.Close()
	}
	if prev == nil {
		f.openUpvals = nil
	} else {
		prev.nextOpen = nil
	}
}
