package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type decodedInstr struct {
	op       Opcode
	operands []uint32
}

// decodeCode walks a compiled instruction stream the same way dispatch does,
// resolving OpWide/OpExtraWide prefixes, so tests can assert on the
// resulting opcode/operand sequence without reimplementing the encoder.
func decodeCode(code []byte) []decodedInstr {
	var out []decodedInstr
	ip := 0
	for ip < len(code) {
		wd := widthNarrow
		b := code[ip]
		switch Opcode(b) {
		case OpWide:
			wd = widthWide
			ip++
			b = code[ip]
		case OpExtraWide:
			wd = widthExtraWide
			ip++
			b = code[ip]
		}
		op := Opcode(b)
		ip++
		n := int(operandCounts[op])
		operands := make([]uint32, n)
		for i := 0; i < n; i++ {
			operands[i] = readOperand(code, &ip, wd)
		}
		out = append(out, decodedInstr{op: op, operands: operands})
	}
	return out
}

func compileModuleSrc(t *testing.T, src string) (*FunctionProto, []CompileError) {
	t.Helper()
	prog, scanErrs := Parse(src)
	require.Empty(t, scanErrs)
	heap := NewHeap(nil)
	mod := NewModule(1, "test")
	c := NewCompiler(heap, mod, nil)
	return c.CompileModule(prog)
}

// findFunctionConstant locates a nested function proto stashed in the
// module-level proto's constant pool by compileFunDecl/OpMakeFunction.
func findFunctionConstant(proto *FunctionProto, name string) *FunctionProto {
	for _, v := range proto.Constants {
		if o, ok := v.AsObject(); ok && o.Kind == ObjFunction {
			if fp, ok := o.AsFunction(); ok && fp.Name == name {
				return fp
			}
		}
	}
	return nil
}

func TestConstantFoldingSingleInstruction(t *testing.T) {
	proto, errs := compileModuleSrc(t, "let x = 1 + 2 * 3")
	require.Empty(t, errs)
	instrs := decodeCode(proto.Code)
	require.NotEmpty(t, instrs)
	// spec example 1: `LoadSmallInt 7; StoreModuleVariable 0; ...`
	require.Equal(t, OpLoadSmallInt, instrs[0].op)
	require.Equal(t, uint32(7), instrs[0].operands[0])
	require.Equal(t, OpStoreModuleVariable, instrs[1].op)
}

func TestConstantFoldingNestedAndNegative(t *testing.T) {
	proto, errs := compileModuleSrc(t, "let x = (1 + 2) * (10 - 4) / 2 - 1")
	require.Empty(t, errs)
	instrs := decodeCode(proto.Code)
	require.Equal(t, OpLoadSmallInt, instrs[0].op)
	require.Equal(t, uint32(uint8(int8(8))), instrs[0].operands[0]) // (3*6)/2-1 == 8
	require.Equal(t, OpStoreModuleVariable, instrs[1].op)
}

func TestConstantFoldingLargeConstantUsesLoadConstant(t *testing.T) {
	proto, errs := compileModuleSrc(t, "let x = 100000 + 1")
	require.Empty(t, errs)
	instrs := decodeCode(proto.Code)
	require.Equal(t, OpLoadConstant, instrs[0].op)
	idx := instrs[0].operands[0]
	n, ok := proto.Constants[idx].AsI32()
	require.True(t, ok)
	require.Equal(t, int32(100001), n)
}

func TestConstantFoldingOverflow(t *testing.T) {
	_, errs := compileModuleSrc(t, "let x = 2147483647 + 1")
	require.NotEmpty(t, errs)
	require.Equal(t, 1, errs[0].Line)
	require.Contains(t, errs[0].Message, "overflow")
}

func TestConstantFoldingDivisionByZero(t *testing.T) {
	_, errs := compileModuleSrc(t, "let x = 1 / 0")
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0].Message, "overflow")
}

func TestRegisterDisciplineCoversEveryLocal(t *testing.T) {
	proto, errs := compileModuleSrc(t, `
fun f() {
	let a = 1
	let b = 2
	let c = 3
	return a + b + c
}
`)
	require.Empty(t, errs)
	fp := findFunctionConstant(proto, "f")
	require.NotNil(t, fp)
	require.GreaterOrEqual(t, fp.MaxRegisters, 3)
}

func TestUpvalueDedupSameVariableOnce(t *testing.T) {
	proto, errs := compileModuleSrc(t, `
fun make() {
	let x = 1
	let f = |y| x + x + y
	return f
}
`)
	require.Empty(t, errs)
	outer := findFunctionConstant(proto, "make")
	require.NotNil(t, outer)
	closure := findFunctionConstant(outer, "<closure>")
	require.NotNil(t, closure)
	require.Len(t, closure.Upvalues, 1)
}

func TestSwitchCaseUniquenessRejectsDuplicateLabel(t *testing.T) {
	_, errs := compileModuleSrc(t, `
fun f(x) {
	switch x {
	case 1:
		return 1
	case 1:
		return 2
	}
	return 0
}
`)
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if e.Message == "Cannot repeat cases in switch statement" {
			found = true
		}
	}
	require.True(t, found)
}

// TestMinInt32LiteralAfterUnaryMinusCompilesCleanly covers i32::MIN: the
// scanner cannot represent 2147483648 as a positive int32, so it hands back
// sentinelMinInt, and parseUnary must recognize that sentinel directly
// after a minus sign and fold it into -2147483648 rather than letting
// parsePrimary reject it.
func TestMinInt32LiteralAfterUnaryMinusCompilesCleanly(t *testing.T) {
	prog, errs := Parse("let x = -2147483648")
	require.Empty(t, errs)
	heap := NewHeap(nil)
	mod := NewModule(1, "test")
	c := NewCompiler(heap, mod, nil)
	proto, compErrs := c.CompileModule(prog)
	require.Empty(t, compErrs)
	instrs := decodeCode(proto.Code)
	require.Equal(t, OpLoadConstant, instrs[0].op)
	n, ok := proto.Constants[instrs[0].operands[0]].AsI32()
	require.True(t, ok)
	require.Equal(t, int32(-2147483648), n)
}

func TestBareSentinelLiteralOutsideUnaryMinusStillErrors(t *testing.T) {
	_, errs := Parse("let x = 2147483648")
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0].Message, "cannot parse integer 2147483648")
}

func TestSwitchAllowsDistinctLabels(t *testing.T) {
	_, errs := compileModuleSrc(t, `
fun f(x) {
	switch x {
	case 1:
		return 1
	case 2:
		return 2
	default:
		return 0
	}
}
`)
	require.Empty(t, errs)
}
