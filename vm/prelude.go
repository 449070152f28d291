package vm

import "github.com/sirupsen/logrus"

// preludeModuleID is reserved for the prelude so user modules, numbered
// from 1 upward by the host, never collide with it.
const preludeModuleID = 0

// preludeSource defines the handful of classes spec.md's §4.7 says every
// module implicitly sees: a root Object every user class extends by
// default, and the ArrayIterator/MapIterator adapters that let the
// generic `for x in expr` protocol (hasNext/next) walk a raw Array or Map.
// Grounded on original_source/src/lib.rs's PRELUDE constant, reauthored in
// quill surface syntax since no .np prelude source exists in the pack.
const preludeSource = `
class Object {
    construct() {}
}

class ArrayIterator extends Object {
    construct() {}

    hasNext() {
        return this.idx < this.arr.length
    }

    next() {
        let v = this.arr[this.idx]
        this.idx = this.idx + 1
        return v
    }
}

class MapIterator extends Object {
    construct() {}

    hasNext() {
        return this.idx < this.keys.length
    }

    next() {
        let k = this.keys[this.idx]
        this.idx = this.idx + 1
        return this.map[k]
    }
}
`

// Prelude holds the compiled-once class objects every module is seeded
// with. Compiling it is a one-time cost at Host construction, not a
// per-module cost: spec.md's invariant that classes are compile-time
// constants means these *Object values can be shared by every later
// Compiler and VM without re-compilation.
type Prelude struct {
	Object        *Object
	ArrayIterator *Object
	MapIterator   *Object
}

// Exports returns the name -> Value map a Compiler installs via
// SetPrelude, so ordinary identifier references (`Object`, `extends
// Object`) resolve without needing a module-variable slot.
func (p *Prelude) Exports() map[string]Value {
	return map[string]Value{
		"Object":        FromObject(p.Object),
		"ArrayIterator": FromObject(p.ArrayIterator),
		"MapIterator":   FromObject(p.MapIterator),
	}
}

// CompilePrelude compiles preludeSource once. Class objects are
// constructed at compile time (compileClassDecl calls heap.NewClass
// directly), so running the resulting function isn't needed to recover
// them — the Compiler's classes map already holds everything by the time
// CompileModule returns. The caller still owns registering the returned
// Module with its VM and running proto, since OpStoreModuleVariable needs
// the module present in VM.modules by ID.
func CompilePrelude(heap *Heap, log *logrus.Entry) (*Prelude, *Module, *FunctionProto, error) {
	prog, errs := Parse(preludeSource)
	if len(errs) > 0 {
		return nil, nil, nil, CompileErrors(errs)
	}
	mod := NewModule(preludeModuleID, "prelude")
	c := NewCompiler(heap, mod, log)
	proto, errs := c.CompileModule(prog)
	if len(errs) > 0 {
		return nil, nil, nil, CompileErrors(errs)
	}
	p := &Prelude{
		Object:        c.classes["Object"],
		ArrayIterator: c.classes["ArrayIterator"],
		MapIterator:   c.classes["MapIterator"],
	}
	return p, mod, proto, nil
}
