// Package quill is the host embedding façade: the smallest sufficient
// surface a consumer needs to create a VM, compile scripts into named
// modules, and register host functions those scripts can call.
package quill

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"quill/vm"
)

// Args is what a registered host function receives: positional arguments
// plus heap access for building strings/arrays/maps to return.
type Args struct {
	Heap *vm.Heap
	Vals []vm.Value
}

func (a *Args) Len() int { return len(a.Vals) }

func (a *Args) At(i int) vm.Value {
	if i < 0 || i >= len(a.Vals) {
		return vm.NullValue()
	}
	return a.Vals[i]
}

// HostFunction is a synchronous host-registered function.
type HostFunction func(*Args) (vm.Value, error)

// AsyncHostFunction is the async counterpart: it returns immediately and
// reports its result on the returned channel, which the VM polls between
// top-level Exec/Eval calls (spec.md §5 — never mid-run).
type AsyncHostFunction func(*Args) <-chan vm.AsyncResult

// ModuleLoader resolves and loads script text for a script-initiated
// import. Neither method is part of the language grammar (spec.md has no
// import statement) — this is purely a host-embedding collaborator a
// RegisterHostFunction-registered loader builtin can call into.
type ModuleLoader interface {
	Resolve(caller, name string) (string, bool)
	Load(path string) (string, bool)
}

// fileModuleLoader resolves `name` relative to caller's directory and reads
// it from disk as UTF-8 quill source. It is the default loader a Host is
// constructed with — stdlib os/path/filepath is the right tool here per
// SPEC_FULL.md §4.8: this is out-of-scope host plumbing, not a language or
// ambient-stack concern, so no VFS library is warranted.
type fileModuleLoader struct{}

func (fileModuleLoader) Resolve(caller, name string) (string, bool) {
	if caller == "" {
		return name, true
	}
	return filepath.Join(filepath.Dir(caller), name), true
}

func (fileModuleLoader) Load(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// moduleEntry bundles the persistent per-module compiler state: the same
// *vm.Module and *vm.Compiler are reused across repeated Exec/Eval calls so
// a later script can reference an earlier one's let/fun/class declarations,
// per spec.md §2's "module variables persist across exec calls."
type moduleEntry struct {
	mod      *vm.Module
	compiler *vm.Compiler
}

// Host owns one VM, one Heap, and the registry of named modules and host
// functions built up around it — the embedding surface of spec.md §6.
type Host struct {
	log     *logrus.Entry
	heap    *vm.Heap
	machine *vm.VM
	prelude *vm.Prelude
	loader  ModuleLoader
	modules map[string]*moduleEntry
	nextID  int
	debug   bool
}

// Option configures a Host at construction time.
type Option func(*Host)

// WithLogger installs a logrus entry used for every diagnostic a Host,
// its VM, and its Heap emit. Without one, a Host uses a default
// logrus.New() logger, which writes Info-level and above to stderr.
func WithLogger(log *logrus.Entry) Option {
	return func(h *Host) { h.log = log }
}

// WithModuleLoader installs the ModuleLoader a Host starts with, instead
// of the default filesystem loader.
func WithModuleLoader(loader ModuleLoader) Option {
	return func(h *Host) { h.loader = loader }
}

// WithDebug enables per-instruction tracing on the Host's VM.
func WithDebug(on bool) Option {
	return func(h *Host) { h.debug = on }
}

// New constructs a Host: one Heap, one VM, and the compiled prelude every
// module's classes implicitly see (spec.md §4.7's "Parent defaults to the
// module's Object").
func New(opts ...Option) *Host {
	h := &Host{
		log:     logrus.NewEntry(logrus.New()),
		loader:  fileModuleLoader{},
		modules: make(map[string]*moduleEntry),
		nextID:  1, // 0 is reserved for the prelude module
	}
	for _, opt := range opts {
		opt(h)
	}

	h.heap = vm.NewHeap(h.log)
	h.machine = vm.NewVM(h.heap, h.log)
	h.machine.SetDebug(h.debug)

	prelude, preludeMod, proto, err := vm.CompilePrelude(h.heap, h.log)
	if err != nil {
		// The prelude is fixed source shipped with this package; a
		// failure here is a programming error, not a host/script fault.
		panic(errors.Wrap(err, "quill: prelude failed to compile"))
	}
	h.prelude = prelude
	h.machine.RegisterModule(preludeMod)
	h.machine.SetIteratorClasses(prelude.ArrayIterator, prelude.MapIterator)
	if _, err := h.machine.Run(&vm.ClosureData{Proto: proto}, nil); err != nil {
		panic(errors.Wrap(err, "quill: prelude failed to run"))
	}

	return h
}

// SetModuleLoader replaces the ModuleLoader the Host holds. Neither the
// Host nor the VM calls the loader; the language has no import statement.
func (h *Host) SetModuleLoader(loader ModuleLoader) { h.loader = loader }

// ErrModuleAlreadyExists is returned by CreateModule for a duplicate name.
var ErrModuleAlreadyExists = errors.New("quill: module already exists")

// CreateModule registers a new, empty named module. A module must exist
// before Exec/Eval/RegisterHostFunction can target it.
func (h *Host) CreateModule(name string) error {
	if _, exists := h.modules[name]; exists {
		return ErrModuleAlreadyExists
	}
	id := h.nextID
	h.nextID++
	mod := vm.NewModule(id, name)
	h.machine.RegisterModule(mod)
	c := vm.NewCompiler(h.heap, mod, h.log)
	c.SetObjectClass(h.prelude.Object)
	c.SetPrelude(h.prelude.Exports())
	h.modules[name] = &moduleEntry{mod: mod, compiler: c}
	return nil
}

func (h *Host) entry(name string) (*moduleEntry, error) {
	e, ok := h.modules[name]
	if !ok {
		return nil, fmt.Errorf("quill: unknown module %q", name)
	}
	return e, nil
}

// Exec compiles source as a batch of top-level statements and runs it to
// completion inside module. Declarations persist as that module's globals
// for later Exec/Eval calls, per spec.md §2.
func (h *Host) Exec(module, source string) error {
	e, err := h.entry(module)
	if err != nil {
		return err
	}
	prog, scanErrs := vm.Parse(source)
	if len(scanErrs) > 0 {
		return vm.CompileErrors(scanErrs)
	}
	proto, compErrs := e.compiler.CompileModule(prog)
	if len(compErrs) > 0 {
		return vm.CompileErrors(compErrs)
	}
	_, err = h.machine.Run(&vm.ClosureData{Proto: proto}, nil)
	return err
}

// Eval compiles source in "expression mode": if it is exactly one bare
// expression, its printed value is returned; otherwise Eval behaves like
// Exec and returns nil, per spec.md §6.
func (h *Host) Eval(module, source string) (*string, error) {
	e, err := h.entry(module)
	if err != nil {
		return nil, err
	}
	prog, scanErrs := vm.Parse(source)
	if len(scanErrs) > 0 {
		return nil, vm.CompileErrors(scanErrs)
	}
	proto, isExpr, compErrs := e.compiler.CompileEval(prog)
	if len(compErrs) > 0 {
		return nil, vm.CompileErrors(compErrs)
	}
	result, err := h.machine.Run(&vm.ClosureData{Proto: proto}, nil)
	if err != nil {
		return nil, err
	}
	if !isExpr {
		return nil, nil
	}
	s := result.String()
	return &s, nil
}

// RegisterHostFunction exposes fn to module's scripts as a callable named
// name, reachable the same way any quill-level function is.
func (h *Host) RegisterHostFunction(module, name string, arity int, fn HostFunction) error {
	e, err := h.entry(module)
	if err != nil {
		return err
	}
	nd := &vm.NativeData{
		Module: module,
		Name:   name,
		Arity:  arity,
		Fn: func(heap *vm.Heap, args []vm.Value) (vm.Value, error) {
			return fn(&Args{Heap: heap, Vals: args})
		},
	}
	return h.registerNative(e, name, nd)
}

// RegisterAsyncHostFunction exposes fn as an async host function: calling
// it from quill returns immediately and the trailing callback argument
// fires once fn's channel reports a result, between top-level Exec/Eval
// calls (spec.md §5).
func (h *Host) RegisterAsyncHostFunction(module, name string, arity int, fn AsyncHostFunction) error {
	e, err := h.entry(module)
	if err != nil {
		return err
	}
	nd := &vm.NativeData{
		Module: module,
		Name:   name,
		Arity:  arity,
		Async: func(heap *vm.Heap, args []vm.Value) <-chan vm.AsyncResult {
			return fn(&Args{Heap: heap, Vals: args})
		},
	}
	return h.registerNative(e, name, nd)
}

func (h *Host) registerNative(e *moduleEntry, name string, nd *vm.NativeData) error {
	mv, ok := e.mod.Register(name, false, true)
	if !ok {
		return fmt.Errorf("quill: %q is already declared in module %q", name, e.mod.Name)
	}
	obj := h.heap.NewNative(nd)
	e.mod.Set(mv, vm.FromObject(obj))
	return nil
}
