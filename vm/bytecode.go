package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single bytecode instruction. Opcodes are stored as 4-byte
// little-endian words; operands follow in the order listed per opcode.
type Opcode uint32

// Variables and calls
const (
	OpDefVar          Opcode = iota // sym: declare local (or script global outside a scope)
	OpDefGlobVar                    // sym: declare engine global if absent
	OpRet                           // return from function, or end top-level code
	OpRetEvent                      // end an event handler
	OpCall                          // addr: call script function
	OpCallByExp                     // call method; stack: ..., args, argc, object, name
	OpExternalCall                  // sym: call external/builtin function
	OpScope                         // push a new local scope
	OpCorrectStack                  // n: normalise argument count
	OpCreateObject                  // push a new empty object
	OpPopEmpty                      // discard top of stack
	OpPushVar                       // sym: push copy of variable
	OpPushVarRef                    // sym: push reference to variable
	OpPopVar                        // sym: assign top of stack to variable
	OpPushVarThis                   // push current this
	OpPushInt                       // int32
	OpPushBool                      // dword (non-zero = true)
	OpPushFloat                     // float64
	OpPushString                    // NUL-terminated string
	OpPushNull                      //
	OpPushThisFromStack             // this <- reference to top of stack
	OpPushThis                      // sym: this <- reference to variable
	OpPopThis                       // drop current this
	OpPushByExp                     // stack: object, name -> property
	OpPopByExp                      // stack: value, object, name -> object.name = value
	OpJmp                           // addr
	OpJmpFalse                      // addr: pop, jump if false
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpModulo
	OpNot
	OpAnd
	OpOr
	OpCmpEQ
	OpCmpNE
	OpCmpL
	OpCmpG
	OpCmpLE
	OpCmpGE
	OpCmpStrictEQ
	OpCmpStrictNE
	OpDbgLine // line
	OpPopReg1
	OpPushReg1
	OpDefConstVar // sym: declare engine global constant if absent
	OpCmpStrictL
	OpCmpStrictG
	OpCmpStrictLE
	OpCmpStrictGE

	opcodeCount
)

// OperandKind describes one operand of an instruction.
type OperandKind int

const (
	OperandSymbol  OperandKind = iota // dword index into the symbol table
	OperandAddress                    // absolute code offset
	OperandInt                        // signed dword
	OperandDword                      // unsigned dword
	OperandFloat                      // 8-byte float
	OperandString                     // NUL-terminated string
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
}

var opcodeTable = [opcodeCount]OpcodeInfo{
	OpDefVar:            {"DEF_VAR", []OperandKind{OperandSymbol}},
	OpDefGlobVar:        {"DEF_GLOB_VAR", []OperandKind{OperandSymbol}},
	OpRet:               {"RET", nil},
	OpRetEvent:          {"RET_EVENT", nil},
	OpCall:              {"CALL", []OperandKind{OperandAddress}},
	OpCallByExp:         {"CALL_BY_EXP", nil},
	OpExternalCall:      {"EXTERNAL_CALL", []OperandKind{OperandSymbol}},
	OpScope:             {"SCOPE", nil},
	OpCorrectStack:      {"CORRECT_STACK", []OperandKind{OperandDword}},
	OpCreateObject:      {"CREATE_OBJECT", nil},
	OpPopEmpty:          {"POP_EMPTY", nil},
	OpPushVar:           {"PUSH_VAR", []OperandKind{OperandSymbol}},
	OpPushVarRef:        {"PUSH_VAR_REF", []OperandKind{OperandSymbol}},
	OpPopVar:            {"POP_VAR", []OperandKind{OperandSymbol}},
	OpPushVarThis:       {"PUSH_VAR_THIS", nil},
	OpPushInt:           {"PUSH_INT", []OperandKind{OperandInt}},
	OpPushBool:          {"PUSH_BOOL", []OperandKind{OperandDword}},
	OpPushFloat:         {"PUSH_FLOAT", []OperandKind{OperandFloat}},
	OpPushString:        {"PUSH_STRING", []OperandKind{OperandString}},
	OpPushNull:          {"PUSH_NULL", nil},
	OpPushThisFromStack: {"PUSH_THIS_FROM_STACK", nil},
	OpPushThis:          {"PUSH_THIS", []OperandKind{OperandSymbol}},
	OpPopThis:           {"POP_THIS", nil},
	OpPushByExp:         {"PUSH_BY_EXP", nil},
	OpPopByExp:          {"POP_BY_EXP", nil},
	OpJmp:               {"JMP", []OperandKind{OperandAddress}},
	OpJmpFalse:          {"JMP_FALSE", []OperandKind{OperandAddress}},
	OpAdd:               {"ADD", nil},
	OpSub:               {"SUB", nil},
	OpMul:               {"MUL", nil},
	OpDiv:               {"DIV", nil},
	OpModulo:            {"MODULO", nil},
	OpNot:               {"NOT", nil},
	OpAnd:               {"AND", nil},
	OpOr:                {"OR", nil},
	OpCmpEQ:             {"CMP_EQ", nil},
	OpCmpNE:             {"CMP_NE", nil},
	OpCmpL:              {"CMP_L", nil},
	OpCmpG:              {"CMP_G", nil},
	OpCmpLE:             {"CMP_LE", nil},
	OpCmpGE:             {"CMP_GE", nil},
	OpCmpStrictEQ:       {"CMP_STRICT_EQ", nil},
	OpCmpStrictNE:       {"CMP_STRICT_NE", nil},
	OpDbgLine:           {"DBG_LINE", []OperandKind{OperandDword}},
	OpPopReg1:           {"POP_REG1", nil},
	OpPushReg1:          {"PUSH_REG1", nil},
	OpDefConstVar:       {"DEF_CONST_VAR", []OperandKind{OperandSymbol}},
	OpCmpStrictL:        {"CMP_STRICT_L", nil},
	OpCmpStrictG:        {"CMP_STRICT_G", nil},
	OpCmpStrictLE:       {"CMP_STRICT_LE", nil},
	OpCmpStrictGE:       {"CMP_STRICT_GE", nil},
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// Info returns the metadata for op.
func (op Opcode) Info() OpcodeInfo {
	if !op.Valid() {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%d", uint32(op))}
	}
	return opcodeTable[op]
}

// Name returns the mnemonic for op.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// External function declarations
// ---------------------------------------------------------------------------

// CallType is the calling convention declared for an external function.
type CallType uint32

const (
	CallStdcall CallType = iota
	CallCdecl
	CallThiscall
)

// ExternalType is a parameter or return type tag of an external function.
type ExternalType uint32

const (
	ExternalVoid ExternalType = iota
	ExternalBool
	ExternalLong
	ExternalByte
	ExternalString
	ExternalFloat
	ExternalDouble
	ExternalMemBuffer
)

var externalTypeNames = [...]string{"void", "bool", "long", "byte", "string", "float", "double", "membuffer"}

// String implements the Stringer interface.
func (t ExternalType) String() string {
	if int(t) < len(externalTypeNames) {
		return externalTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}
