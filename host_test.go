package quill_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"quill"
	"quill/vm"
)

// newPrintHost builds a Host with a "print" function registered into the
// given module, returning a slice that accumulates one rendered line per
// call — the harness spec.md §8's six end-to-end scenarios are checked
// against.
func newPrintHost(t *testing.T, module string) (*quill.Host, *[]string) {
	t.Helper()
	lines := &[]string{}
	h := quill.New()
	require.NoError(t, h.CreateModule(module))
	err := h.RegisterHostFunction(module, "print", 1, func(a *quill.Args) (vm.Value, error) {
		*lines = append(*lines, a.At(0).String())
		return vm.NullValue(), nil
	})
	require.NoError(t, err)
	return h, lines
}

func TestEndToEndConstantFoldingAndPrint(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", "let x = 1 + 2 * 3; print(x)")
	require.NoError(t, err)
	require.Equal(t, []string{"7"}, *lines)
}

func TestEndToEndRecursiveFibonacci(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", `
fun fib(n) {
	if n < 2 {
		return n
	}
	return fib(n-1) + fib(n-2)
}
print(fib(10))
`)
	require.NoError(t, err)
	require.Equal(t, []string{"55"}, *lines)
}

func TestEndToEndStringConcatLoop(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", `
let s = 'hi'
for i in 0..3 {
	s = s ~ '!'
}
print(s)
`)
	require.NoError(t, err)
	require.Equal(t, []string{"hi!!!"}, *lines)
}

func TestEndToEndThrowCatchPrint(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", `
try {
	throw 'boom'
} catch e {
	print(e)
}
`)
	require.NoError(t, err)
	require.Equal(t, []string{"boom"}, *lines)
}

func TestEndToEndClassInheritanceSuper(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", `
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
print(new B(41).get())
`)
	require.NoError(t, err)
	require.Equal(t, []string{"42"}, *lines)
}

func TestEndToEndClosureCapture(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", `
let f = |x| x*x
print(f(5)+f(6))
`)
	require.NoError(t, err)
	require.Equal(t, []string{"61"}, *lines)
}

// TestEndToEndMinInt32LiteralCompilesAndRuns covers i32::MIN end to end:
// -2147483648 has no positive int32 representation, so the scanner/parser
// must special-case it as the operand of unary minus rather than rejecting
// it outright.
func TestEndToEndMinInt32LiteralCompilesAndRuns(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	err := h.Exec("main", "let x = -2147483648; print(x)")
	require.NoError(t, err)
	require.Equal(t, []string{"-2147483648"}, *lines)
}

// TestEndToEndBareMinInt32SentinelStillErrors ensures the fix for the case
// above didn't loosen the sentinel check for the literal anywhere else: a
// bare 2147483648 with no preceding unary minus must still be rejected.
func TestEndToEndBareMinInt32SentinelStillErrors(t *testing.T) {
	h, _ := newPrintHost(t, "main")
	err := h.Exec("main", "let x = 2147483648")
	require.Error(t, err)
}

// TestEndToEndEvalExpressionMode exercises spec.md §6's eval "expression
// mode": a single bare expression returns its printed value, while a
// statement falls back to exec behavior and returns nothing.
func TestEndToEndEvalExpressionMode(t *testing.T) {
	h := quill.New()
	require.NoError(t, h.CreateModule("repl"))

	result, err := h.Eval("repl", "1 + 2 * 3")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "7", *result)

	result, err = h.Eval("repl", "let x = 5")
	require.NoError(t, err)
	require.Nil(t, result)
}

// TestEndToEndModuleStatePersistsAcrossExec checks that declarations in one
// Exec call are visible to a later Exec/Eval call against the same module.
func TestEndToEndModuleStatePersistsAcrossExec(t *testing.T) {
	h, lines := newPrintHost(t, "main")
	require.NoError(t, h.Exec("main", "let counter = 0"))
	require.NoError(t, h.Exec("main", "counter = counter + 1; print(counter)"))
	require.NoError(t, h.Exec("main", "counter = counter + 1; print(counter)"))
	require.Equal(t, []string{"1", "2"}, *lines)
}
