package vm

// Bytecode identifies an opcode handler, §6.
type Bytecode uint16

const (
	Nop Bytecode = iota
	Add
	And
	Allocdstk
	Arraymake
	Arrayread
	Arraywrite
	Call
	Callsys
	Div
	Eq
	Gt
	Jmp
	Jmpc
	Jmpn
	Lt
	Lc
	Ld
	Mod
	Mul
	Ne
	Not
	Or
	Pop
	Push
	Ret
	Sub
	Sd
)

var opcodeByID = map[uint16]Bytecode{
	0:  Nop,
	1:  Add,
	2:  And,
	3:  Allocdstk,
	4:  Arraymake,
	5:  Arrayread,
	6:  Arraywrite,
	7:  Call,
	8:  Callsys,
	9:  Div,
	10: Eq,
	11: Gt,
	12: Jmp,
	13: Jmpc,
	14: Jmpn,
	15: Lt,
	16: Lc,
	17: Ld,
	18: Mod,
	19: Mul,
	20: Ne,
	21: Not,
	22: Or,
	23: Pop,
	24: Push,
	25: Ret,
	26: Sub,
	27: Sd,
}

var bytecodeNames = map[Bytecode]string{
	Nop: "nop", Add: "add", And: "and", Allocdstk: "allocdstk",
	Arraymake: "arraymake", Arrayread: "arrayread", Arraywrite: "arraywrite",
	Call: "call", Callsys: "callsys", Div: "div", Eq: "eq", Gt: "gt",
	Jmp: "jmp", Jmpc: "jmpc", Jmpn: "jmpn", Lt: "lt", Lc: "lc", Ld: "ld",
	Mod: "mod", Mul: "mul", Ne: "ne", Not: "not", Or: "or", Pop: "pop",
	Push: "push", Ret: "ret", Sub: "sub", Sd: "sd",
}

func (b Bytecode) String() string {
	if s, ok := bytecodeNames[b]; ok {
		return s
	}
	return "?unknown?"
}

// HasTag reports whether this opcode's instruction record carries a tag
// operand in the binary image (§4.4's instruction record: opcode, then a
// 7-bit-encoded tag only if the opcode requires one).
func (b Bytecode) HasTag() bool {
	switch b {
	case Allocdstk, Arrayread, Arraywrite, Call, Callsys, Jmp, Jmpc, Jmpn, Lc, Ld, Sd:
		return true
	default:
		return false
	}
}

// IsJumpTarget reports whether this opcode's tag is an instruction
// address encoded 1-based in the wire format (§6's "Targets use 1-based
// numbering in the encoded form"). The loader subtracts 1 from these tags
// while decoding so the engine always works with direct, 0-based
// instruction indices - the normalization §9 explicitly sanctions
// ("Alternative implementations may normalize to zero-based direct
// targets as long as the encoded file format is preserved").
func (b Bytecode) IsJumpTarget() bool {
	switch b {
	case Call, Jmp, Jmpc, Jmpn:
		return true
	default:
		return false
	}
}

// decodeOpcode maps a raw uint16 from the binary image to a Bytecode,
// failing with FaultBadInstruction (10003) for anything unrecognized.
func decodeOpcode(raw uint16) (Bytecode, error) {
	b, ok := opcodeByID[raw]
	if !ok {
		return 0, newFaultf(FaultBadInstruction, "unknown opcode 0x%04x", raw)
	}
	return b, nil
}

// Instruction is the engine's (handler-id, tag) pair, §3.
type Instruction struct {
	Op  Bytecode
	Tag uint32
}

// host-call tag packing, §4.5: top 10 bits argcount, low 22 bits index.
const (
	hostIndexBits = 22
	hostIndexMask = (1 << hostIndexBits) - 1
	hostArgcMask  = ^uint32(0) &^ hostIndexMask
)

// PackHostCall builds a CALLSYS tag from an argument count and host index.
func PackHostCall(argc, index uint32) uint32 {
	return (argc << hostIndexBits) | (index & hostIndexMask)
}

// UnpackHostCall splits a CALLSYS tag into argument count and host index.
func UnpackHostCall(tag uint32) (argc, index uint32) {
	return tag >> hostIndexBits, tag & hostIndexMask
}
