package vm

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func runModuleSrc(t *testing.T, src string) (*Module, Value, error) {
	t.Helper()
	prog, scanErrs := Parse(src)
	require.Empty(t, scanErrs)
	log := testLogger()
	heap := NewHeap(log)
	mod := NewModule(1, "test")
	c := NewCompiler(heap, mod, log)
	proto, compErrs := c.CompileModule(prog)
	require.Empty(t, compErrs)
	machine := NewVM(heap, log)
	machine.RegisterModule(mod)
	result, err := machine.Run(&ClosureData{Proto: proto}, nil)
	return mod, result, err
}

func globalString(t *testing.T, mod *Module, name string) string {
	t.Helper()
	mv, ok := mod.Variables[name]
	require.True(t, ok, "no module variable %q", name)
	sd, ok := mod.Globals[mv.Position].AsObject()
	require.True(t, ok)
	s, ok := sd.AsString()
	require.True(t, ok)
	return s.Value
}

// TestExceptionReachAcrossNestedCalls verifies that a throw three call
// frames deep unwinds past the intervening frames (neither of which has
// its own handler) and is caught by the try/catch at the top.
func TestExceptionReachAcrossNestedCalls(t *testing.T) {
	mod, _, err := runModuleSrc(t, `
fun h() {
	throw 'boom'
}
fun g() {
	return h()
}
fun f() {
	return g()
}
let result = 'unset'
try {
	f()
} catch e {
	result = e
}
`)
	require.NoError(t, err)
	require.Equal(t, "boom", globalString(t, mod, "result"))
}

// TestExceptionReachOnlyInnermostHandlerFires ensures that when both an
// inner and an outer try/catch could plausibly catch the same throw, the
// inner one wins and the outer catch body never runs.
func TestExceptionReachOnlyInnermostHandlerFires(t *testing.T) {
	mod, _, err := runModuleSrc(t, `
fun boom() {
	throw 'inner'
}
let outerRan = 'no'
let result = 'unset'
try {
	try {
		boom()
	} catch e {
		result = e
	}
} catch e2 {
	outerRan = 'yes'
}
`)
	require.NoError(t, err)
	require.Equal(t, "inner", globalString(t, mod, "result"))
	require.Equal(t, "no", globalString(t, mod, "outerRan"))
}

// TestUncaughtThrowPropagatesAsRuntimeError exercises the no-handler path:
// a throw with no enclosing try/catch anywhere on the call stack surfaces
// to the caller of Run as an error rather than panicking the host.
func TestUncaughtThrowPropagatesAsRuntimeError(t *testing.T) {
	_, _, err := runModuleSrc(t, `
fun boom() {
	throw 'uncaught'
}
boom()
`)
	require.Error(t, err)
}

func TestClassInheritanceSuperCall(t *testing.T) {
	mod, _, err := runModuleSrc(t, `
class A {
	construct(x) {
		this.x = x
	}
	get() {
		return this.x
	}
}
class B extends A {
	get() {
		return super.get() + 1
	}
}
let result = new B(41).get()
`)
	require.NoError(t, err)
	mv, ok := mod.Variables["result"]
	require.True(t, ok)
	n, ok := mod.Globals[mv.Position].AsI32()
	require.True(t, ok)
	require.Equal(t, int32(42), n)
}
