package vm

// Opcode is a single byte in the instruction stream. The instruction set is
// accumulator-centric: the accumulator is both the implicit result of most
// ops and the universal source for stores. Operand width (1/2/4 bytes) is
// selected per-instruction by a preceding OpWide/OpExtraWide prefix byte;
// operandCounts below records how many such operands each opcode expects,
// the same arg-count-metadata-table idiom the teacher used to describe its
// own flat instruction set.
type Opcode uint8

const (
	OpNop Opcode = iota

	// width-change prefixes
	OpWide
	OpExtraWide

	// loads/stores
	OpLoadRegister
	OpStoreRegister
	OpLoadR0
	OpLoadR1
	OpLoadR2
	OpLoadR3
	OpLoadR4
	OpLoadR5
	OpLoadR6
	OpLoadR7
	OpLoadR8
	OpLoadR9
	OpLoadR10
	OpLoadR11
	OpLoadR12
	OpLoadR13
	OpLoadR14
	OpLoadR15
	OpStoreR0
	OpStoreR1
	OpStoreR2
	OpStoreR3
	OpStoreR4
	OpStoreR5
	OpStoreR6
	OpStoreR7
	OpStoreR8
	OpStoreR9
	OpStoreR10
	OpStoreR11
	OpStoreR12
	OpStoreR13
	OpStoreR14
	OpStoreR15
	OpLoadConstant
	OpLoadSmallInt
	OpLoadNull
	OpLoadTrue
	OpLoadFalse
	OpMove
	OpLoadModuleVariable
	OpStoreModuleVariable
	OpLoadUpvalue
	OpStoreUpvalue
	OpLoadProperty
	OpStoreProperty
	OpLoadSubscript
	OpStoreSubscript
	OpStoreArrayUnchecked

	// arithmetic & compare
	OpAddRegister
	OpAddInt
	OpSubRegister
	OpSubInt
	OpMulRegister
	OpMulInt
	OpDivRegister
	OpDivInt
	OpModRegister
	OpModInt
	OpNegate
	OpNot
	OpEqual
	OpNotEqual
	OpStrictEqual
	OpStrictNotEqual
	OpGreaterThan
	OpLesserThan
	OpGreaterThanOrEqual
	OpLesserThanOrEqual

	// control flow
	OpJump
	OpJumpBack
	OpJumpIfFalseOrNull
	OpJumpIfNotFalseOrNull
	OpJumpConstant
	OpJumpIfFalseOrNullConstant
	OpJumpIfNotFalseOrNullConstant
	OpSwitch
	OpBeginForLoopConstant
	OpForLoop

	// functions/classes
	OpMakeFunction
	OpMakeClass
	OpCall
	OpCallMethod
	OpSuperCall
	OpConstruct
	OpReturn
	OpThrow
	OpClose

	// containers
	OpNewArray
	OpNewMap
	OpNewObject
	OpRange
	OpConcatRegister

	opcodeCount
)

// operandCounts gives, per opcode, how many width-sized operands follow the
// opcode byte. The fast-path LoadR0..15/StoreR0..15 opcodes elide the
// register operand entirely (it's encoded in the opcode itself).
var operandCounts = [opcodeCount]uint8{
	OpNop:       0,
	OpWide:      0,
	OpExtraWide: 0,

	OpLoadRegister:  1,
	OpStoreRegister: 1,

	OpLoadConstant:        1,
	OpLoadSmallInt:        1,
	OpLoadNull:            0,
	OpLoadTrue:            0,
	OpLoadFalse:           0,
	OpMove:                2,
	OpLoadModuleVariable:  1,
	OpStoreModuleVariable: 1,
	OpLoadUpvalue:         1,
	OpStoreUpvalue:        1,
	OpLoadProperty:        2,
	OpStoreProperty:       2,
	OpLoadSubscript:       1,
	OpStoreSubscript:      2,
	OpStoreArrayUnchecked: 2,

	OpAddRegister: 1,
	OpAddInt:      1,
	OpSubRegister: 1,
	OpSubInt:      1,
	OpMulRegister: 1,
	OpMulInt:      1,
	OpDivRegister: 1,
	OpDivInt:      1,
	OpModRegister: 1,
	OpModInt:      1,
	OpNegate:      0,
	OpNot:         0,

	OpEqual:             1,
	OpNotEqual:          1,
	OpStrictEqual:       1,
	OpStrictNotEqual:    1,
	OpGreaterThan:       1,
	OpLesserThan:        1,
	OpGreaterThanOrEqual: 1,
	OpLesserThanOrEqual:  1,

	OpJump:                      1,
	OpJumpBack:                  1,
	OpJumpIfFalseOrNull:         1,
	OpJumpIfNotFalseOrNull:      1,
	OpJumpConstant:                 1,
	OpJumpIfFalseOrNullConstant:    1,
	OpJumpIfNotFalseOrNullConstant: 1,
	OpSwitch:                    1,
	OpBeginForLoopConstant:      2,
	OpForLoop:                   2,

	OpMakeFunction: 1,
	OpMakeClass:    1,
	OpCall:         2,
	OpCallMethod:   4,
	OpSuperCall:    3,
	OpConstruct:    2,
	OpReturn:       0,
	OpThrow:        0,
	OpClose:        1,

	OpNewArray:       2,
	OpNewMap:         2,
	OpNewObject:      2,
	OpRange:          1,
	OpConcatRegister: 1,
}

// fastLoadRegister/fastStoreRegister map the LoadR0..15/StoreR0..15 opcodes
// to the register index they implicitly address.
func fastLoadRegister(op Opcode) (int, bool) {
	if op >= OpLoadR0 && op <= OpLoadR15 {
		return int(op - OpLoadR0), true
	}
	return 0, false
}

func fastStoreRegister(op Opcode) (int, bool) {
	if op >= OpStoreR0 && op <= OpStoreR15 {
		return int(op - OpStoreR0), true
	}
	return 0, false
}
