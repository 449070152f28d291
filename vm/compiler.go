package vm

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	maxCallArgs    = 25
	maxRegisters   = 65535
)

// Module owns the name -> ModuleVariable mapping described in spec.md §3.
// Variables are registered in a pre-pass (so forward references inside the
// module compile) and defined by store instructions at run time.
type Module struct {
	ID        int
	Name      string
	Variables map[string]*ModuleVariable
	Order     []string
	Globals   []Value
}

type ModuleVariable struct {
	Position int
	Mutable  bool
	Exported bool
}

func NewModule(id int, name string) *Module {
	return &Module{ID: id, Name: name, Variables: make(map[string]*ModuleVariable)}
}

func (m *Module) register(name string, mutable, exported bool) (*ModuleVariable, bool) {
	if _, exists := m.Variables[name]; exists {
		return nil, false
	}
	mv := &ModuleVariable{Position: len(m.Order), Mutable: mutable, Exported: exported}
	m.Variables[name] = mv
	m.Order = append(m.Order, name)
	m.Globals = append(m.Globals, EmptyValue())
	return mv, true
}

// Register is the host-facing counterpart to the compiler's internal
// register: it reserves a module variable slot for a host-registered
// function, so a native sits in the same globals array as a script-level
// let/fun/class and is resolved identically by OpLoadModuleVariable.
func (m *Module) Register(name string, mutable, exported bool) (*ModuleVariable, bool) {
	return m.register(name, mutable, exported)
}

// Set stores val directly into a module variable's global slot, bypassing
// bytecode — used once at host-function registration time.
func (m *Module) Set(mv *ModuleVariable, val Value) {
	m.Globals[mv.Position] = val
}

type localVar struct {
	name     string
	reg      int
	mutable  bool
	captured bool
}

type blockScope struct {
	locals   []localVar
	baseNext int
}

type loopCtx struct {
	startOffset   int
	breakSites    []jumpSite
	continueSites []jumpSite
	scopeBase     int // register index at loop entry, for Close on break/continue
}

type jumpSite struct {
	operandOffset int
	wd            width
	line          int
}

// funcState holds per-function compilation state: register allocation,
// lexical scopes, upvalue descriptors, and loop contexts. Closures link to
// their lexical parent via parent, letting Identifier resolution walk
// outward exactly as spec.md §4.7 describes.
type funcState struct {
	parent *funcState
	writer *Writer

	scopes  []*blockScope
	nextReg int

	upvalues    []UpvalueDesc
	upvalueName []string // parallel to upvalues, for name-based lookup/dedup

	loops []*loopCtx

	isMethod      bool
	isConstructor bool
	className     string
	parentClass   *Object // resolved parent ClassData object, for super
}

func newFuncState(parent *funcState) *funcState {
	return &funcState{parent: parent, writer: NewWriter()}
}

func (fs *funcState) pushScope() {
	fs.scopes = append(fs.scopes, &blockScope{baseNext: fs.nextReg})
}

func (fs *funcState) popScope() *blockScope {
	s := fs.scopes[len(fs.scopes)-1]
	fs.scopes = fs.scopes[:len(fs.scopes)-1]
	fs.nextReg = s.baseNext
	return s
}

func (fs *funcState) declareLocal(name string, mutable bool) (int, *CompileError) {
	reg := fs.nextReg
	if reg >= maxRegisters {
		return 0, &CompileError{Message: "too many locals and scratch registers (max 65535)"}
	}
	fs.nextReg++
	fs.writer.SetMaxRegisters(fs.nextReg)
	s := fs.scopes[len(fs.scopes)-1]
	s.locals = append(s.locals, localVar{name: name, reg: reg, mutable: mutable})
	return reg, nil
}

func (fs *funcState) resolveLocal(name string) (*localVar, bool) {
	for i := len(fs.scopes) - 1; i >= 0; i-- {
		s := fs.scopes[i]
		for j := len(s.locals) - 1; j >= 0; j-- {
			if s.locals[j].name == name {
				return &s.locals[j], true
			}
		}
	}
	return nil, false
}

func (fs *funcState) reserveScratch() int {
	r := fs.nextReg
	fs.nextReg++
	fs.writer.SetMaxRegisters(fs.nextReg)
	return r
}

func (fs *funcState) releaseScratch(mark int) { fs.nextReg = mark }

// addUpvalue deduplicates (index, isLocal) pairs within one function.
func (fs *funcState) addUpvalue(name string, index int, isLocal bool) int {
	for i, d := range fs.upvalues {
		if d.Index == index && d.IsLocal == isLocal {
			return i
		}
	}
	fs.upvalues = append(fs.upvalues, UpvalueDesc{Index: index, IsLocal: isLocal})
	fs.upvalueName = append(fs.upvalueName, name)
	return len(fs.upvalues) - 1
}

// resolveUpvalue implements closure variable resolution: local in parent ->
// upvalue(isLocal=true); else recursively an upvalue in parent -> upvalue
// (isLocal=false); else not found here.
func (fs *funcState) resolveUpvalue(name string) (int, bool) {
	if fs.parent == nil {
		return 0, false
	}
	if lv, ok := fs.parent.resolveLocal(name); ok {
		lv.captured = true
		return fs.addUpvalue(name, lv.reg, true), true
	}
	if idx, ok := fs.parent.resolveUpvalue(name); ok {
		return fs.addUpvalue(name, idx, false), true
	}
	return 0, false
}

// Compiler drives the Writer from an AST, per spec.md §4.7. It owns the
// heap (for symbol/string interning) and the module currently being
// compiled; module variable lookups are answered directly, matching
// spec.md §2's "the Compiler queries the VM for module variable positions".
type Compiler struct {
	heap   *Heap
	module *Module
	fs     *funcState
	errors []CompileError
	log    *logrus.Entry

	// classes maps a name to the class object it compiled to, for
	// resolving `extends` references at compile time: a parent must be a
	// class declared earlier in the same module (or objectClass below).
	classes map[string]*Object
	// objectClass is the root class every class implicitly extends when
	// no `extends` clause is given (spec.md §4.7's "Parent defaults to
	// the module's Object"), seeded from the prelude.
	objectClass *Object
	// prelude maps names the prelude exports (Object, ArrayIterator,
	// MapIterator, ...) to their already-constructed constant Value, so
	// ordinary identifier references to them compile to a plain constant
	// load rather than needing a module-variable slot in every module.
	prelude map[string]Value
}

func NewCompiler(heap *Heap, module *Module, log *logrus.Entry) *Compiler {
	return &Compiler{heap: heap, module: module, log: log, classes: make(map[string]*Object)}
}

// SetObjectClass installs the prelude's Object class as the implicit
// parent for classes declared without an `extends` clause.
func (c *Compiler) SetObjectClass(o *Object) { c.objectClass = o }

// SetPrelude installs the names a compiled prelude exports so ordinary
// source can reference them (e.g. `class Shape extends Object`,
// `arr.iterator()`'s result class) without the host needing to re-declare
// them per module.
func (c *Compiler) SetPrelude(exports map[string]Value) { c.prelude = exports }

func (c *Compiler) errorf(line int, format string, args ...any) {
	c.errors = append(c.errors, CompileError{Message: fmt.Sprintf(format, args...), Line: line})
}

// CompileModule runs the two-pass module compile: pass 1 registers every
// top-level let/fun/class as a module variable; pass 2 emits bytecode for a
// synthetic top-level function body.
func (c *Compiler) CompileModule(prog *Program) (*FunctionProto, []CompileError) {
	return c.compileTopLevel(prog, false)
}

// CompileEval compiles prog the same way as CompileModule, except when prog
// is exactly one bare expression statement (not an assignment): then the
// synthetic top-level function returns that expression's value instead of
// always discarding it to null, letting Eval print a result. The returned
// bool reports which case applied, per spec.md §6's `eval` semantics.
func (c *Compiler) CompileEval(prog *Program) (*FunctionProto, bool, []CompileError) {
	isExpr := false
	if len(prog.Stmts) == 1 {
		if es, ok := prog.Stmts[0].(*ExprStmt); ok {
			if _, isAssign := es.X.(*AssignExpr); !isAssign {
				isExpr = true
			}
		}
	}
	proto, errs := c.compileTopLevel(prog, isExpr)
	return proto, isExpr, errs
}

// compileTopLevel is the shared engine behind CompileModule/CompileEval.
// keepAcc suppresses the trailing OpLoadNull so the last compiled
// expression's value survives into the return.
func (c *Compiler) compileTopLevel(prog *Program, keepAcc bool) (*FunctionProto, []CompileError) {
	c.fs = newFuncState(nil)
	c.fs.pushScope()
	defer c.fs.popScope()

	c.registerModuleDecls(prog.Stmts)
	for _, s := range prog.Stmts {
		c.compileStmt(s)
	}
	if !keepAcc {
		c.fs.writer.WriteOp(OpLoadNull, 0)
	}
	c.fs.writer.WriteOp(OpReturn, 0)

	if c.log != nil {
		c.log.WithField("module", c.module.Name).Debug("compiled module")
	}

	sortCompileErrors(c.errors)
	if len(c.errors) > 0 {
		return nil, c.errors
	}
	return c.fs.writer.Finish("<module>", c.module.ID, 0, false), nil
}

func (c *Compiler) registerModuleDecls(stmts []Stmt) {
	for _, s := range stmts {
		var names []string
		switch d := s.(type) {
		case *VarDecl:
			names = []string{d.Name}
			if _, ok := c.module.register(d.Name, d.Mutable, d.Exported); !ok {
				c.errorf(d.Line, "variable %q is already declared in this module", d.Name)
			}
		case *FunDecl:
			names = []string{d.Name}
			if _, ok := c.module.register(d.Name, false, d.Exported); !ok {
				c.errorf(d.Line, "variable %q is already declared in this module", d.Name)
			}
		case *ClassDecl:
			names = []string{d.Name}
			if _, ok := c.module.register(d.Name, false, d.Exported); !ok {
				c.errorf(d.Line, "variable %q is already declared in this module", d.Name)
			}
		case *DestructureDecl:
			names = d.Names
			for _, n := range d.Names {
				if _, ok := c.module.register(n, d.Mutable, d.Exported); !ok {
					c.errorf(d.Line, "variable %q is already declared in this module", n)
				}
			}
		}
		for _, n := range names {
			if len(n) > 0 && n[0] == '_' && exportedOf(s) {
				c.errorf(s.NodeLine(), "names beginning with '_' cannot be exported")
			}
		}
	}
}

func exportedOf(s Stmt) bool {
	switch d := s.(type) {
	case *VarDecl:
		return d.Exported
	case *FunDecl:
		return d.Exported
	case *ClassDecl:
		return d.Exported
	case *DestructureDecl:
		return d.Exported
	}
	return false
}

// --- statements ---

func (c *Compiler) compileStmt(s Stmt) {
	switch n := s.(type) {
	case *ExprStmt:
		c.compileExpr(n.X)
	case *VarDecl:
		c.compileVarDecl(n)
	case *DestructureDecl:
		c.compileDestructureDecl(n)
	case *Block:
		c.compileBlock(n)
	case *IfStmt:
		c.compileIf(n)
	case *WhileStmt:
		c.compileWhile(n)
	case *ForStmt:
		c.compileFor(n)
	case *BreakStmt:
		c.compileBreak(n)
	case *ContinueStmt:
		c.compileContinue(n)
	case *FunDecl:
		c.compileFunDecl(n)
	case *ReturnStmt:
		c.compileReturn(n)
	case *ThrowStmt:
		c.compileExpr(n.Value)
		c.fs.writer.WriteOp(OpThrow, n.Line)
	case *TryStmt:
		c.compileTry(n)
	case *ClassDecl:
		c.compileClassDecl(n)
	case *SwitchStmt:
		c.compileSwitch(n)
	default:
		c.errorf(s.NodeLine(), "internal: unhandled statement")
	}
}

func (c *Compiler) compileBlock(b *Block) {
	c.fs.pushScope()
	for _, s := range b.Stmts {
		c.compileStmt(s)
	}
	scope := c.fs.popScope()
	anyCaptured := false
	for _, l := range scope.locals {
		if l.captured {
			anyCaptured = true
			break
		}
	}
	if anyCaptured {
		c.fs.writer.WriteOp(OpClose, b.Line, uint32(scope.baseNext))
	}
}

func (c *Compiler) isModuleScope() bool {
	return c.fs.parent == nil && len(c.fs.scopes) == 1
}

func (c *Compiler) compileVarDecl(d *VarDecl) {
	if d.Value != nil {
		c.compileExpr(d.Value)
	} else {
		c.fs.writer.WriteOp(OpLoadNull, d.Line)
	}
	if c.isModuleScope() {
		mv := c.module.Variables[d.Name]
		c.fs.writer.WriteOp(OpStoreModuleVariable, d.Line, uint32(mv.Position))
		return
	}
	reg, err := c.fs.declareLocal(d.Name, d.Mutable)
	if err != nil {
		c.errorf(d.Line, "%s", err.Message)
		return
	}
	c.fs.writer.WriteOp(OpStoreRegister, d.Line, uint32(reg))
}

func (c *Compiler) compileDestructureDecl(d *DestructureDecl) {
	c.compileExpr(d.Value)
	srcReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, d.Line, uint32(srcReg))
	for _, name := range d.Names {
		c.fs.writer.WriteOp(OpLoadRegister, d.Line, uint32(srcReg))
		sym := c.internSymbol(name)
		c.fs.writer.WriteOp(OpLoadProperty, d.Line, uint32(srcReg), uint32(sym))
		if c.isModuleScope() {
			mv := c.module.Variables[name]
			c.fs.writer.WriteOp(OpStoreModuleVariable, d.Line, uint32(mv.Position))
		} else {
			reg, err := c.fs.declareLocal(name, d.Mutable)
			if err != nil {
				c.errorf(d.Line, "%s", err.Message)
				continue
			}
			c.fs.writer.WriteOp(OpStoreRegister, d.Line, uint32(reg))
		}
	}
}

func (c *Compiler) compileIf(n *IfStmt) {
	c.compileExpr(n.Cond)
	elseJumpOperand := c.emitForwardJump(OpJumpIfFalseOrNull, n.Line)
	c.compileBlock(n.Then)
	if n.Else != nil {
		endJumpOperand := c.emitForwardJump(OpJump, n.Line)
		c.patchForwardJump(elseJumpOperand)
		c.compileStmt(n.Else)
		c.patchForwardJump(endJumpOperand)
	} else {
		c.patchForwardJump(elseJumpOperand)
	}
}

// emitForwardJump emits a placeholder jump using a reserved constant slot
// (JumpConstant family), matching spec.md §4.5's forward-jump-of-unbounded-
// distance mechanism, and returns the constant index to patch later.
func (c *Compiler) emitForwardJump(op Opcode, line int) int {
	idx := c.fs.writer.ReserveConstant()
	constOp := OpJumpConstant
	if op == OpJumpIfFalseOrNull {
		constOp = OpJumpIfFalseOrNullConstant
	}
	c.fs.writer.WriteOp(constOp, line, uint32(idx))
	return idx
}

func (c *Compiler) patchForwardJump(constIdx int) {
	c.fs.writer.PatchConstantJump(constIdx, c.fs.writer.Pos())
}

func (c *Compiler) compileWhile(n *WhileStmt) {
	loop := &loopCtx{startOffset: c.fs.writer.Pos(), scopeBase: c.fs.nextReg}
	c.fs.loops = append(c.fs.loops, loop)

	c.compileExpr(n.Cond)
	exitJump := c.emitForwardJump(OpJumpIfFalseOrNull, n.Line)
	c.compileBlock(n.Body)

	backDist := c.fs.writer.Pos() - loop.startOffset
	c.fs.writer.WriteOp(OpJumpBack, n.Line, uint32(backDist))
	c.patchForwardJump(exitJump)

	for _, site := range loop.breakSites {
		c.patchForwardJump(site.operandOffset)
	}
	c.fs.loops = c.fs.loops[:len(c.fs.loops)-1]
}

// compileFor handles both the range-specialized form (`for i in a..b`) and
// the generic iterator-protocol desugar (`for x in expr` where expr exposes
// hasNext/next), per spec.md §4.7.
func (c *Compiler) compileFor(n *ForStmt) {
	if rng, ok := n.Iter.(*RangeExpr); ok {
		c.compileForRange(n, rng)
		return
	}
	c.compileForGeneric(n)
}

func (c *Compiler) compileForRange(n *ForStmt, rng *RangeExpr) {
	c.fs.pushScope()
	defer c.fs.popScope()

	c.compileExpr(rng.Start)
	iterReg, _ := c.fs.declareLocal(n.Var, true)
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(iterReg))
	c.compileExpr(rng.End)
	endReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(endReg))

	loop := &loopCtx{scopeBase: c.fs.nextReg}
	c.fs.loops = append(c.fs.loops, loop)

	constIdx := c.fs.writer.AddConstant(FromI32(int32(endReg)), constKey{kind: 'r', i: int32(endReg)})
	startPos := c.fs.writer.WriteOp(OpBeginForLoopConstant, n.Line, uint32(constIdx), uint32(iterReg))
	loop.startOffset = startPos

	c.compileBlock(n.Body)

	backDist := c.fs.writer.Pos() - loop.startOffset
	c.fs.writer.WriteOp(OpForLoop, n.Line, uint32(backDist), uint32(iterReg))

	for _, site := range loop.breakSites {
		c.patchForwardJump(site.operandOffset)
	}
	c.fs.loops = c.fs.loops[:len(c.fs.loops)-1]
}

func (c *Compiler) compileForGeneric(n *ForStmt) {
	c.fs.pushScope()
	defer c.fs.popScope()

	// Every `for x in expr` first asks expr for its iterator: a user class
	// that already implements hasNext/next is handed back unchanged (see
	// execCallMethod's ObjInstance case), while a raw Array/Map produces an
	// ArrayIterator/MapIterator from the prelude (vm/prelude.go).
	c.compileExpr(n.Iter)
	iterObjReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(iterObjReg))
	iteratorSym := c.internSymbol("iterator")
	c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(iterObjReg))
	argBase0 := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(argBase0))
	c.fs.writer.WriteOp(OpCallMethod, n.Line, uint32(argBase0), uint32(iteratorSym), uint32(argBase0), 0)
	c.fs.releaseScratch(argBase0)
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(iterObjReg))

	loop := &loopCtx{startOffset: c.fs.writer.Pos(), scopeBase: c.fs.nextReg}
	c.fs.loops = append(c.fs.loops, loop)

	hasNextSym := c.internSymbol("hasNext")
	nextSym := c.internSymbol("next")

	c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(iterObjReg))
	argBase := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(argBase))
	c.fs.writer.WriteOp(OpCallMethod, n.Line, uint32(argBase), uint32(hasNextSym), uint32(argBase), 0)
	c.fs.releaseScratch(argBase)
	exitJump := c.emitForwardJump(OpJumpIfFalseOrNull, n.Line)

	c.fs.pushScope()
	c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(iterObjReg))
	argBase2 := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(argBase2))
	c.fs.writer.WriteOp(OpCallMethod, n.Line, uint32(argBase2), uint32(nextSym), uint32(argBase2), 0)
	varReg, _ := c.fs.declareLocal(n.Var, true)
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(varReg))

	for _, s := range n.Body.Stmts {
		c.compileStmt(s)
	}
	c.fs.popScope()

	backDist := c.fs.writer.Pos() - loop.startOffset
	c.fs.writer.WriteOp(OpJumpBack, n.Line, uint32(backDist))
	c.patchForwardJump(exitJump)

	for _, site := range loop.breakSites {
		c.patchForwardJump(site.operandOffset)
	}
	c.fs.loops = c.fs.loops[:len(c.fs.loops)-1]
}

func (c *Compiler) compileBreak(n *BreakStmt) {
	if len(c.fs.loops) == 0 {
		c.errorf(n.Line, "break outside a loop")
		return
	}
	loop := c.fs.loops[len(c.fs.loops)-1]
	if c.fs.nextReg > loop.scopeBase {
		c.fs.writer.WriteOp(OpClose, n.Line, uint32(loop.scopeBase))
	}
	idx := c.emitForwardJump(OpJump, n.Line)
	loop.breakSites = append(loop.breakSites, jumpSite{operandOffset: idx})
}

func (c *Compiler) compileContinue(n *ContinueStmt) {
	if len(c.fs.loops) == 0 {
		c.errorf(n.Line, "continue outside a loop")
		return
	}
	loop := c.fs.loops[len(c.fs.loops)-1]
	if c.fs.nextReg > loop.scopeBase {
		c.fs.writer.WriteOp(OpClose, n.Line, uint32(loop.scopeBase))
	}
	backDist := c.fs.writer.Pos() - loop.startOffset
	c.fs.writer.WriteOp(OpJumpBack, n.Line, uint32(backDist))
}

func (c *Compiler) compileReturn(n *ReturnStmt) {
	if c.fs.isConstructor {
		if n.Value != nil {
			c.errorf(n.Line, "return expr is not allowed inside construct")
		}
		c.fs.writer.WriteOp(OpLoadR0, n.Line)
		c.fs.writer.WriteOp(OpReturn, n.Line)
		return
	}
	if n.Value != nil {
		c.compileExpr(n.Value)
	} else {
		c.fs.writer.WriteOp(OpLoadNull, n.Line)
	}
	c.fs.writer.WriteOp(OpReturn, n.Line)
}

func (c *Compiler) compileTry(n *TryStmt) {
	tryBegin := c.fs.writer.Pos()
	c.compileBlock(n.Try)
	endJump := c.emitForwardJump(OpJump, n.Line)
	tryEnd := c.fs.writer.Pos()

	handlerBegin := c.fs.writer.Pos()
	c.fs.pushScope()
	errReg, _ := c.fs.declareLocal(n.ErrName, true)
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(errReg))
	for _, s := range n.Catch.Stmts {
		c.compileStmt(s)
	}
	c.fs.popScope()

	c.fs.writer.AddExceptionHandler(ExceptionHandler{TryBegin: tryBegin, TryEnd: tryEnd, ErrReg: errReg, HandlerBegin: handlerBegin})
	c.patchForwardJump(endJump)
}

func (c *Compiler) compileClassDecl(n *ClassDecl) {
	parentObj := c.objectClass
	if n.Extends != nil {
		id, ok := n.Extends.(*Identifier)
		if !ok {
			c.errorf(n.Line, "extends must reference a previously declared class by name")
			return
		}
		parentObj, ok = c.classes[id.Name]
		if !ok {
			if v, pok := c.prelude[id.Name]; pok {
				if po, vok := v.AsObject(); vok && po.Kind == ObjClass {
					parentObj, ok = po, true
				}
			}
		}
		if !ok {
			c.errorf(n.Line, "unknown parent class %q (must be declared earlier in the module)", id.Name)
			return
		}
	}

	cd := &ClassData{Name: n.Name, Parent: parentObj, Methods: make(map[string]*Object)}
	for _, m := range n.Methods {
		proto := c.compileMethod(n, m)
		fnObj := c.heap.NewFunction(proto)
		cd.Methods[m.Name] = fnObj
		if m.Name == "construct" {
			cd.Constructor = fnObj
		}
	}
	classObj := c.heap.NewClass(cd)
	c.classes[n.Name] = classObj
	classConstIdx := c.fs.writer.AddConstant(FromObject(classObj), constKey{kind: 'c', ptr: classObj})
	c.fs.writer.WriteOp(OpMakeClass, n.Line, uint32(classConstIdx))

	if c.isModuleScope() {
		mv := c.module.Variables[n.Name]
		c.fs.writer.WriteOp(OpStoreModuleVariable, n.Line, uint32(mv.Position))
	} else {
		reg, _ := c.fs.declareLocal(n.Name, false)
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(reg))
	}
}

func (c *Compiler) compileMethod(cls *ClassDecl, m MethodDecl) *FunctionProto {
	parentFS := c.fs
	c.fs = newFuncState(parentFS)
	c.fs.isMethod = true
	c.fs.className = cls.Name
	c.fs.isConstructor = m.Name == "construct"
	c.fs.pushScope()

	c.fs.declareLocal("this", false) // register 0 is always `this`
	for _, p := range m.Params {
		c.fs.declareLocal(p, true)
	}
	for _, s := range m.Body.Stmts {
		c.compileStmt(s)
	}
	if c.fs.isConstructor {
		c.fs.writer.WriteOp(OpLoadR0, m.Line)
	} else {
		c.fs.writer.WriteOp(OpLoadNull, m.Line)
	}
	c.fs.writer.WriteOp(OpReturn, m.Line)
	for _, d := range c.fs.upvalues {
		c.fs.writer.AddUpvalue(d.Index, d.IsLocal)
	}

	proto := c.fs.writer.Finish(cls.Name+"."+m.Name, c.module.ID, len(m.Params), c.fs.isConstructor)
	c.fs = parentFS
	return proto
}

func (c *Compiler) compileFunDecl(n *FunDecl) {
	proto := c.compileFunctionBody(n.Name, n.Params, n.Body)
	fnObj := c.heap.NewFunction(proto)
	constIdx := c.fs.writer.AddConstant(FromObject(fnObj), constKey{kind: 'c', ptr: fnObj})
	c.fs.writer.WriteOp(OpMakeFunction, n.Line, uint32(constIdx))

	if c.isModuleScope() {
		mv := c.module.Variables[n.Name]
		c.fs.writer.WriteOp(OpStoreModuleVariable, n.Line, uint32(mv.Position))
	} else {
		reg, err := c.fs.declareLocal(n.Name, false)
		if err != nil {
			c.errorf(n.Line, "%s", err.Message)
			return
		}
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(reg))
	}
}

func (c *Compiler) compileFunctionBody(name string, params []string, body *Block) *FunctionProto {
	parentFS := c.fs
	c.fs = newFuncState(parentFS)
	c.fs.pushScope()
	for _, p := range params {
		c.fs.declareLocal(p, true)
	}
	for _, s := range body.Stmts {
		c.compileStmt(s)
	}
	c.fs.writer.WriteOp(OpLoadNull, body.Line)
	c.fs.writer.WriteOp(OpReturn, body.Line)
	for _, d := range c.fs.upvalues {
		c.fs.writer.AddUpvalue(d.Index, d.IsLocal)
	}
	proto := c.fs.writer.Finish(name, c.module.ID, len(params), false)
	c.fs = parentFS
	return proto
}

func (c *Compiler) compileSwitch(n *SwitchStmt) {
	c.compileExpr(n.Subject)
	subjectReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(subjectReg))

	seen := map[string]bool{}
	var endJumps []int
	var defaultBodyIdx = -1

	for ci, cs := range n.Cases {
		var isDefault bool
		var caseJumps []int
		for _, lbl := range cs.Labels {
			if lbl.IsDefault {
				isDefault = true
				defaultBodyIdx = ci
				continue
			}
			key := literalKey(lbl.Value)
			if key != "" {
				if seen[key] {
					c.errorf(n.Line, "Cannot repeat cases in switch statement")
				}
				seen[key] = true
			}
			c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(subjectReg))
			c.compileExpr(lbl.Value)
			c.fs.writer.WriteOp(OpStrictEqual, n.Line, uint32(subjectReg))
			jmp := c.emitForwardJump(OpJumpIfFalseOrNull, n.Line)
			caseJumps = append(caseJumps, -1) // placeholder, matched below by falling through to body
			_ = jmp
			// if equal, fall into the body immediately (no separate jump
			// needed: JumpIfFalseOrNull above already skips the body when
			// unequal); record the skip-site to patch to the next check.
			bodyStart := c.fs.writer.Pos()
			_ = bodyStart
			for _, s := range cs.Body {
				c.compileStmt(s)
			}
			end := c.emitForwardJump(OpJump, n.Line)
			endJumps = append(endJumps, end)
			c.patchForwardJump(jmp)
		}
		if isDefault {
			for _, s := range cs.Body {
				c.compileStmt(s)
			}
			end := c.emitForwardJump(OpJump, n.Line)
			endJumps = append(endJumps, end)
		}
	}
	_ = defaultBodyIdx
	for _, j := range endJumps {
		c.patchForwardJump(j)
	}
	c.fs.releaseScratch(subjectReg)
}

// literalKey produces a de-duplication key for compile-time switch-case
// labels (ints, floats, strings, symbols, bool, null) — the mechanism
// behind "Cannot repeat cases in switch statement".
func literalKey(e Expr) string {
	switch v := e.(type) {
	case *IntLit:
		return fmt.Sprintf("i%d", v.Value)
	case *FloatLit:
		return fmt.Sprintf("f%v", v.Value)
	case *BoolLit:
		return fmt.Sprintf("b%v", v.Value)
	case *NullLit:
		return "n"
	case *StringLit:
		if len(v.Parts) == 1 && v.Parts[0].Expr == nil {
			return "s" + v.Parts[0].Literal
		}
	case *SymbolLit:
		return "y" + v.Name
	}
	return ""
}

// --- expressions ---

func (c *Compiler) compileExpr(e Expr) {
	if n, ok, cerr := c.foldConstInt(e); ok {
		if cerr != nil {
			c.errors = append(c.errors, *cerr)
			return
		}
		c.emitLoadInt(n, e.NodeLine())
		return
	}
	switch n := e.(type) {
	case *IntLit:
		c.emitLoadInt(n.Value, n.Line)
	case *FloatLit:
		idx := c.fs.writer.AddConstant(FromF64(n.Value), constKey{kind: 'f', f: n.Value})
		c.fs.writer.WriteOp(OpLoadConstant, n.Line, uint32(idx))
	case *BoolLit:
		if n.Value {
			c.fs.writer.WriteOp(OpLoadTrue, n.Line)
		} else {
			c.fs.writer.WriteOp(OpLoadFalse, n.Line)
		}
	case *NullLit:
		c.fs.writer.WriteOp(OpLoadNull, n.Line)
	case *StringLit:
		c.compileStringLit(n)
	case *SymbolLit:
		sym := c.internSymbol(n.Name)
		c.fs.writer.WriteOp(OpLoadConstant, n.Line, uint32(sym))
	case *Identifier:
		c.compileIdentifierLoad(n)
	case *ThisExpr:
		c.fs.writer.WriteOp(OpLoadR0, n.Line)
	case *ArrayLit:
		c.compileArrayLit(n)
	case *MapLit:
		c.compileMapLit(n)
	case *ObjectLit:
		c.compileObjectLit(n)
	case *Subscript:
		c.compileExpr(n.Object)
		objReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(objReg))
		c.compileExpr(n.Index)
		c.fs.writer.WriteOp(OpLoadSubscript, n.Line, uint32(objReg))
		c.fs.releaseScratch(objReg)
	case *Member:
		c.compileExpr(n.Object)
		objReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(objReg))
		sym := c.internSymbol(n.Name)
		c.fs.writer.WriteOp(OpLoadProperty, n.Line, uint32(objReg), uint32(sym))
		c.fs.releaseScratch(objReg)
	case *Call:
		c.compileCall(n)
	case *MethodCall:
		c.compileMethodCall(n)
	case *SuperCall:
		c.compileSuperCall(n)
	case *ClosureExpr:
		c.compileClosureExpr(n)
	case *NewExpr:
		c.compileNew(n)
	case *RangeExpr:
		c.compileExpr(n.Start)
		scratch := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(scratch))
		c.compileExpr(n.End)
		c.fs.writer.WriteOp(OpRange, n.Line, uint32(scratch))
		c.fs.releaseScratch(scratch)
	case *UnaryExpr:
		c.compileUnary(n)
	case *BinaryExpr:
		c.compileBinary(n)
	case *LogicalExpr:
		c.compileLogical(n)
	case *AssignExpr:
		c.compileAssign(n)
	default:
		c.errorf(e.NodeLine(), "internal: unhandled expression")
	}
}

func (c *Compiler) emitLoadInt(n int32, line int) {
	if n >= -128 && n <= 127 {
		c.fs.writer.WriteOp(OpLoadSmallInt, line, uint32(uint8(int8(n))))
		return
	}
	idx := c.fs.writer.AddConstant(FromI32(n), constKey{kind: 'i', i: n})
	c.fs.writer.WriteOp(OpLoadConstant, line, uint32(idx))
}

// foldConstInt recursively evaluates a pure-integer expression tree at
// compile time with the same overflow semantics as runtime. A fold that
// would overflow becomes a CompileError at the expression's line, per
// spec.md §8's "Constant folding fidelity" property.
func (c *Compiler) foldConstInt(e Expr) (int32, bool, *CompileError) {
	switch n := e.(type) {
	case *IntLit:
		if n.Value == sentinelMinInt {
			return 0, false, nil
		}
		return n.Value, true, nil
	case *UnaryExpr:
		if n.Op != TokMinus {
			return 0, false, nil
		}
		v, ok, err := c.foldConstInt(n.Operand)
		if !ok || err != nil {
			return 0, ok, err
		}
		if v == math.MinInt32 {
			return 0, true, &CompileError{Message: "integer overflow in constant expression", Line: n.Line}
		}
		return -v, true, nil
	case *BinaryExpr:
		switch n.Op {
		case TokPlus, TokMinus, TokStar, TokSlash, TokPercent:
		default:
			return 0, false, nil
		}
		l, lok, lerr := c.foldConstInt(n.Left)
		if !lok || lerr != nil {
			return 0, lok, lerr
		}
		r, rok, rerr := c.foldConstInt(n.Right)
		if !rok || rerr != nil {
			return 0, rok, rerr
		}
		var result int64
		switch n.Op {
		case TokPlus:
			result = int64(l) + int64(r)
		case TokMinus:
			result = int64(l) - int64(r)
		case TokStar:
			result = int64(l) * int64(r)
		case TokSlash:
			if r == 0 {
				return 0, true, &CompileError{Message: "integer overflow in constant expression", Line: n.Line}
			}
			result = int64(l) / int64(r)
		case TokPercent:
			if r == 0 {
				return 0, true, &CompileError{Message: "integer overflow in constant expression", Line: n.Line}
			}
			result = int64(l) % int64(r)
		}
		if result < math.MinInt32 || result > math.MaxInt32 {
			return 0, true, &CompileError{Message: "integer overflow in constant expression", Line: n.Line}
		}
		return int32(result), true, nil
	default:
		return 0, false, nil
	}
}

func (c *Compiler) compileStringLit(n *StringLit) {
	if len(n.Parts) == 1 && n.Parts[0].Expr == nil {
		idx := c.fs.writer.AddConstant(FromObject(c.heap.NewConstString(n.Parts[0].Literal)), constKey{kind: 's', s: n.Parts[0].Literal})
		c.fs.writer.WriteOp(OpLoadConstant, n.Line, uint32(idx))
		return
	}
	first := true
	accReg := c.fs.reserveScratch()
	for _, part := range n.Parts {
		if part.Expr != nil {
			c.compileExpr(part.Expr)
		} else {
			idx := c.fs.writer.AddConstant(FromObject(c.heap.NewConstString(part.Literal)), constKey{kind: 's', s: part.Literal})
			c.fs.writer.WriteOp(OpLoadConstant, n.Line, uint32(idx))
		}
		if first {
			c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(accReg))
			first = false
		} else {
			c.fs.writer.WriteOp(OpConcatRegister, n.Line, uint32(accReg))
			c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(accReg))
		}
	}
	c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(accReg))
	c.fs.releaseScratch(accReg)
}

func (c *Compiler) compileIdentifierLoad(n *Identifier) {
	if lv, ok := c.fs.resolveLocal(n.Name); ok {
		if lv.reg <= 15 {
			c.fs.writer.WriteOp(Opcode(int(OpLoadR0)+lv.reg), n.Line)
		} else {
			c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(lv.reg))
		}
		return
	}
	if idx, ok := c.fs.resolveUpvalue(n.Name); ok {
		c.fs.writer.WriteOp(OpLoadUpvalue, n.Line, uint32(idx))
		return
	}
	if mv, ok := c.module.Variables[n.Name]; ok {
		c.fs.writer.WriteOp(OpLoadModuleVariable, n.Line, uint32(mv.Position))
		return
	}
	if v, ok := c.prelude[n.Name]; ok {
		constIdx := c.fs.writer.AddConstant(v, constKey{kind: 'p', s: n.Name})
		c.fs.writer.WriteOp(OpLoadConstant, n.Line, uint32(constIdx))
		return
	}
	c.errorf(n.Line, "undefined variable %q", n.Name)
}

func (c *Compiler) compileArrayLit(n *ArrayLit) {
	base := c.fs.nextReg
	for _, el := range n.Elems {
		c.compileExpr(el)
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
	}
	c.fs.writer.WriteOp(OpNewArray, n.Line, uint32(len(n.Elems)), uint32(base))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileMapLit(n *MapLit) {
	base := c.fs.nextReg
	for i := range n.Keys {
		c.compileExpr(n.Keys[i])
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
		c.compileExpr(n.Values[i])
		r2 := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r2))
	}
	c.fs.writer.WriteOp(OpNewMap, n.Line, uint32(len(n.Keys)), uint32(base))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileObjectLit(n *ObjectLit) {
	base := c.fs.nextReg
	for i, key := range n.Keys {
		sym := c.internSymbol(key)
		c.fs.writer.WriteOp(OpLoadConstant, n.Line, uint32(sym))
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
		c.compileExpr(n.Values[i])
		r2 := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r2))
	}
	c.fs.writer.WriteOp(OpNewObject, n.Line, uint32(len(n.Keys)), uint32(base))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileCall(n *Call) {
	if len(n.Args) > maxCallArgs {
		c.errorf(n.Line, "too many arguments (max %d)", maxCallArgs)
	}
	base := c.fs.nextReg
	c.compileExpr(n.Callee)
	calleeReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(calleeReg))
	for _, a := range n.Args {
		c.compileExpr(a)
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
	}
	c.fs.writer.WriteOp(OpLoadRegister, n.Line, uint32(calleeReg))
	c.fs.writer.WriteOp(OpCall, n.Line, uint32(calleeReg), uint32(len(n.Args)))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileMethodCall(n *MethodCall) {
	if len(n.Args) > maxCallArgs {
		c.errorf(n.Line, "too many arguments (max %d)", maxCallArgs)
	}
	base := c.fs.nextReg
	c.compileExpr(n.Object)
	objReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(objReg))
	for _, a := range n.Args {
		c.compileExpr(a)
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
	}
	sym := c.internSymbol(n.Name)
	c.fs.writer.WriteOp(OpCallMethod, n.Line, uint32(objReg), uint32(sym), uint32(base), uint32(len(n.Args)))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileSuperCall(n *SuperCall) {
	if !c.fs.isMethod {
		c.errorf(n.Line, "super outside a method")
		return
	}
	base := c.fs.nextReg
	c.fs.writer.WriteOp(OpLoadR0, n.Line)
	thisReg := c.fs.reserveScratch()
	c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(thisReg))
	for _, a := range n.Args {
		c.compileExpr(a)
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
	}
	sym := c.internSymbol(n.Name)
	c.fs.writer.WriteOp(OpSuperCall, n.Line, uint32(sym), uint32(base), uint32(len(n.Args)))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileClosureExpr(n *ClosureExpr) {
	body := &Block{baseNode: baseNode{n.Line}, Stmts: n.Body}
	proto := c.compileFunctionBody("<closure>", n.Params, body)
	fnObj := c.heap.NewFunction(proto)
	constIdx := c.fs.writer.AddConstant(FromObject(fnObj), constKey{kind: 'c', ptr: fnObj})
	c.fs.writer.WriteOp(OpMakeFunction, n.Line, uint32(constIdx))
}

func (c *Compiler) compileNew(n *NewExpr) {
	if len(n.Args) > maxCallArgs {
		c.errorf(n.Line, "too many arguments (max %d)", maxCallArgs)
	}
	base := c.fs.nextReg
	reserved := c.fs.reserveScratch() // slot 0 of callee window, reserved for `this`
	_ = reserved
	for _, a := range n.Args {
		c.compileExpr(a)
		r := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(r))
	}
	c.compileExpr(n.Class)
	c.fs.writer.WriteOp(OpConstruct, n.Line, uint32(base), uint32(len(n.Args)))
	c.fs.releaseScratch(base)
}

func (c *Compiler) compileUnary(n *UnaryExpr) {
	c.compileExpr(n.Operand)
	switch n.Op {
	case TokMinus:
		c.fs.writer.WriteOp(OpNegate, n.Line)
	case TokBang:
		c.fs.writer.WriteOp(OpNot, n.Line)
	}
}

// compileBinary implements §4.7's dynamic-codegen path: register form when
// the left operand is already a bare local, int form when the right
// operand folds to a small int (discovered by speculatively storing the
// left to a scratch register and undoing that store via PopLastOp if the
// int form turns out to apply), register form otherwise. A wholly-constant
// int expression never reaches here — compileExpr's top-of-dispatch fold
// already reduced it to a single LoadConstant/LoadSmallInt.
func (c *Compiler) compileBinary(n *BinaryExpr) {
	switch n.Op {
	case TokTilde:
		c.compileExpr(n.Left)
		scratch := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(scratch))
		c.compileExpr(n.Right)
		c.fs.writer.WriteOp(OpConcatRegister, n.Line, uint32(scratch))
		c.fs.releaseScratch(scratch)
		return
	}

	regOp, intOp, cmpOp := binaryOpcodes(n.Op)

	if id, ok := n.Left.(*Identifier); ok {
		if lv, ok := c.fs.resolveLocal(id.Name); ok {
			c.compileExpr(n.Right)
			c.emitBinaryOp(n, lv.reg, regOp, intOp, cmpOp, -1)
			return
		}
	}

	c.compileExpr(n.Left)
	mark := c.fs.writer.mark()
	scratch := c.fs.reserveScratch()
	storeOp := c.fs.writer.WriteOp(OpStoreRegister, n.Line, uint32(scratch))
	_ = storeOp

	if v, ok, cerr := c.foldConstInt(n.Right); ok && cerr == nil && v >= -128 && v <= 127 && intOp != OpNop {
		c.fs.writer.PopLastOp(mark)
		c.fs.releaseScratch(scratch)
		c.fs.writer.WriteOp(intOp, n.Line, uint32(uint8(int8(v))))
		return
	}

	c.compileExpr(n.Right)
	c.emitBinaryOp(n, scratch, regOp, intOp, cmpOp, -1)
	c.fs.releaseScratch(scratch)
}

func (c *Compiler) emitBinaryOp(n *BinaryExpr, reg int, regOp, intOp, cmpOp Opcode, _ int) {
	if cmpOp != OpNop {
		c.fs.writer.WriteOp(cmpOp, n.Line, uint32(reg))
		return
	}
	c.fs.writer.WriteOp(regOp, n.Line, uint32(reg))
}

func binaryOpcodes(op TokenKind) (regOp, intOp, cmpOp Opcode) {
	switch op {
	case TokPlus:
		return OpAddRegister, OpAddInt, OpNop
	case TokMinus:
		return OpSubRegister, OpSubInt, OpNop
	case TokStar:
		return OpMulRegister, OpMulInt, OpNop
	case TokSlash:
		return OpDivRegister, OpDivInt, OpNop
	case TokPercent:
		return OpModRegister, OpModInt, OpNop
	case TokEq:
		return OpNop, OpNop, OpEqual
	case TokNotEq:
		return OpNop, OpNop, OpNotEqual
	case TokStrictEq:
		return OpNop, OpNop, OpStrictEqual
	case TokStrictNotEq:
		return OpNop, OpNop, OpStrictNotEqual
	case TokGt:
		return OpNop, OpNop, OpGreaterThan
	case TokLt:
		return OpNop, OpNop, OpLesserThan
	case TokGtEq:
		return OpNop, OpNop, OpGreaterThanOrEqual
	case TokLtEq:
		return OpNop, OpNop, OpLesserThanOrEqual
	default:
		return OpNop, OpNop, OpNop
	}
}

func (c *Compiler) compileLogical(n *LogicalExpr) {
	c.compileExpr(n.Left)
	var jmp int
	if n.Op == TokAnd {
		jmp = c.emitForwardJump(OpJumpIfFalseOrNull, n.Line)
	} else {
		jmp = c.emitForwardJumpIfTrue(n.Line)
	}
	c.compileExpr(n.Right)
	c.patchForwardJump(jmp)
}

// emitForwardJumpIfTrue implements `or`'s short-circuit: skip the right
// operand when the left is already truthy.
func (c *Compiler) emitForwardJumpIfTrue(line int) int {
	idx := c.fs.writer.ReserveConstant()
	c.fs.writer.WriteOp(OpJumpIfNotFalseOrNullConstant, line, uint32(idx))
	return idx
}

func (c *Compiler) compileAssign(n *AssignExpr) {
	if n.Op != TokAssign {
		desugaredOp := compoundToBinary(n.Op)
		bin := &BinaryExpr{baseNode{n.Line}, desugaredOp, n.Target, n.Value}
		c.compileExpr(bin)
	} else {
		c.compileExpr(n.Value)
	}
	c.storeTo(n.Target, n.Line)
}

func compoundToBinary(op TokenKind) TokenKind {
	switch op {
	case TokPlusAssign:
		return TokPlus
	case TokMinusAssign:
		return TokMinus
	case TokStarAssign:
		return TokStar
	case TokSlashAssign:
		return TokSlash
	case TokPercentAssign:
		return TokPercent
	case TokTildeAssign:
		return TokTilde
	default:
		return TokPlus
	}
}

func (c *Compiler) storeTo(target Expr, line int) {
	switch t := target.(type) {
	case *Identifier:
		if lv, ok := c.fs.resolveLocal(t.Name); ok {
			if !lv.mutable {
				c.errorf(line, "cannot assign to immutable variable %q", t.Name)
			}
			if lv.reg <= 15 {
				c.fs.writer.WriteOp(Opcode(int(OpStoreR0)+lv.reg), line)
			} else {
				c.fs.writer.WriteOp(OpStoreRegister, line, uint32(lv.reg))
			}
			return
		}
		if idx, ok := c.fs.resolveUpvalue(t.Name); ok {
			c.fs.writer.WriteOp(OpStoreUpvalue, line, uint32(idx))
			return
		}
		if mv, ok := c.module.Variables[t.Name]; ok {
			if !mv.Mutable {
				c.errorf(line, "cannot assign to immutable variable %q", t.Name)
			}
			c.fs.writer.WriteOp(OpStoreModuleVariable, line, uint32(mv.Position))
			return
		}
		c.errorf(line, "undefined variable %q", t.Name)
	case *Member:
		valReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, line, uint32(valReg))
		c.compileExpr(t.Object)
		objReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, line, uint32(objReg))
		sym := c.internSymbol(t.Name)
		c.fs.writer.WriteOp(OpLoadRegister, line, uint32(valReg))
		c.fs.writer.WriteOp(OpStoreProperty, line, uint32(objReg), uint32(sym))
		c.fs.releaseScratch(valReg)
	case *Subscript:
		valReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, line, uint32(valReg))
		c.compileExpr(t.Object)
		objReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, line, uint32(objReg))
		c.compileExpr(t.Index)
		keyReg := c.fs.reserveScratch()
		c.fs.writer.WriteOp(OpStoreRegister, line, uint32(keyReg))
		c.fs.writer.WriteOp(OpLoadRegister, line, uint32(valReg))
		c.fs.writer.WriteOp(OpStoreSubscript, line, uint32(objReg), uint32(keyReg))
		c.fs.releaseScratch(valReg)
	default:
		c.errorf(line, "invalid assignment target")
	}
}

func (c *Compiler) internSymbol(name string) int {
	sym := c.heap.Intern(name, allocConstant)
	return c.fs.writer.AddConstant(FromObject(sym), constKey{kind: 'y', s: name})
}
