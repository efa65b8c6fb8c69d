package vm

import (
	"go.uber.org/zap"
)

// CallFrame is the (return-ip, saved-data-stack) pair pushed on CALL and
// popped on RET, §3. The bottom-of-stack sentinel frame carries
// returnIP = len(instructions), so popping it drives the dispatch loop's IP
// past the end of the program and Run() terminates cleanly.
type CallFrame struct {
	returnIP  int
	dataStack []*Value
}

// Config holds the tunables an embedder may override, chiefly so tests can
// shrink generation 0's capacity and exercise collection/promotion without
// driving tens of thousands of allocations (S5).
type Config struct {
	GenCapacities [4]int
	Logger        *zap.Logger

	// CollectionHeadroom overrides the "within N slots of capacity"
	// collection/full-flag trigger margin (§4.3), applied to generation 0's
	// trigger and to every generation's post-promotion full-flag check. 0
	// means "use the package default".
	CollectionHeadroom int

	// RetainCaps overrides the allocator's per-size-class retain caps
	// (§4.1). Ignored if Alloc is set, since the Allocator is already
	// built by then. The zero value means "use the package defaults".
	RetainCaps [numSizeClasses]int

	// Alloc, if set, is the Allocator the GC will use. Pass the same
	// Allocator used for Load so the constant pool and the GC's generations
	// share one set of size-class freelists. A fresh Allocator is built if
	// this is nil, using RetainCaps if set.
	Alloc *Allocator
}

// DefaultConfig returns the standard generation capacities, collection
// headroom, retain caps, and a no-op logger.
func DefaultConfig() Config {
	return Config{
		GenCapacities:      genCapacity,
		Logger:             zap.NewNop(),
		CollectionHeadroom: defaultCollectionHeadroom,
		RetainCaps:         retainCap,
	}
}

// Engine is the instruction-dispatch core, §4.5: calculation stack, the
// current frame's data stack, the call-frame stack, the global table, and
// the host-call scratch buffer, all of which double as GC roots.
type Engine struct {
	alloc *Allocator
	gc    *GC
	log   *zap.Logger
	hosts hostTable

	constants    []*Value
	instructions []Instruction

	calcStack  []*Value
	dataStack  []*Value
	frames     []*CallFrame
	globals    map[string]*Value
	callParams []*Value

	ip int
}

// NewEngine builds an Engine around a loaded Program, ready for Run().
func NewEngine(prog *Program, cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	alloc := cfg.Alloc
	if alloc == nil {
		retainCaps := cfg.RetainCaps
		if retainCaps == ([numSizeClasses]int{}) {
			retainCaps = retainCap
		}
		alloc = NewAllocatorWithRetainCaps(retainCaps)
	}
	caps := cfg.GenCapacities
	if caps == ([4]int{}) {
		caps = genCapacity
	}
	headroom := cfg.CollectionHeadroom
	if headroom == 0 {
		headroom = defaultCollectionHeadroom
	}
	return &Engine{
		alloc:        alloc,
		gc:           NewGCWithHeadroom(alloc, log, caps, headroom),
		log:          log,
		constants:    prog.Constants,
		instructions: prog.Instructions,
		globals:      make(map[string]*Value),
	}
}

// GC exposes the engine's collector so host functions can allocate new
// Values the GC-aware way, per §4.5's host-call boundary contract.
func (e *Engine) GC() *GC { return e.gc }

// RegisterHost adds a host function, returning the index CALLSYS must be
// compiled to reference. Hosts are assigned ascending indices starting at 0.
func (e *Engine) RegisterHost(fn HostFunction) uint32 { return e.hosts.Register(fn) }

// SetGlobal is the WriteGVar(name, value) side of §3's global variable
// table: installs a value, overwriting whatever was there. Exposed so an
// embedder can seed globals before Run(), and so host functions registered
// via RegisterHost can write through the Engine passed to them.
func (e *Engine) SetGlobal(name string, v *Value) { e.globals[name] = v }

// ReadGlobal is the ReadGVar(name) side of §3's global variable table: the
// only other way to observe a value written by SetGlobal/WriteGVar, since
// no opcode in §6 reads or writes the global table directly. ok is false
// if name has never been written.
func (e *Engine) ReadGlobal(name string) (*Value, bool) {
	v, ok := e.globals[name]
	return v, ok
}

// calcStackHeight exposes the calculation stack's current depth so tests can
// assert invariant 6 (height restored across a CALL/RET pair) without
// reaching into unexported engine state directly.
func (e *Engine) calcStackHeight() int { return len(e.calcStack) }

func (e *Engine) push(v *Value) { e.calcStack = append(e.calcStack, v) }

func (e *Engine) pop() *Value {
	n := len(e.calcStack)
	v := e.calcStack[n-1]
	e.calcStack = e.calcStack[:n-1]
	return v
}

// Run executes the loaded program to completion per §4.5's Run():
// sentinel frame pushed, dispatch loop until IP reaches program end, then
// the calculation-stack top coerced to real and truncated to int. A load
// or run-time Fault (§4.6) aborts the loop immediately and is returned
// instead.
func (e *Engine) Run() (int, error) {
	e.frames = append(e.frames, &CallFrame{returnIP: len(e.instructions)})
	e.ip = 0

	for e.ip < len(e.instructions) {
		if e.gc.ShouldCollect() {
			e.gc.Collect(e)
		}
		if err := e.dispatch(e.instructions[e.ip]); err != nil {
			return 0, err
		}
	}

	if len(e.calcStack) == 0 {
		return 0, nil
	}
	return int(e.calcStack[len(e.calcStack)-1].AsReal()), nil
}

// dispatch executes one instruction. e.ip is advanced by exactly one at the
// bottom of this function for every opcode, uniformly, per §4.5 ("the
// handler is invoked with the tag, then the IP is advanced"). Control-flow
// handlers rely on that uniform advancement rather than fighting it: JMP
// and a taken JMPC/JMPN leave e.ip one short of the destination
// (target-1), and CALL leaves e.ip one short of the callee's entry point
// while stashing its own (pre-increment) address as the return IP, so that
// RET's restore plus the same trailing ip++ lands exactly on the
// instruction after the call. Jump targets themselves are normalized to
// direct, zero-based instruction indices at load time (see
// Bytecode.IsJumpTarget) rather than replaying the wire format's 1-based
// encoding here.
func (e *Engine) dispatch(instr Instruction) error {
	switch instr.Op {
	case Nop:
		// no-op

	case Push:
		e.push(falseValue)

	case Pop:
		e.pop()

	case Lc:
		e.push(e.constants[instr.Tag])

	case Ld:
		e.push(e.dataStack[instr.Tag])

	case Sd:
		e.dataStack[instr.Tag] = e.pop()

	case Allocdstk:
		size := int(instr.Tag)
		stack := make([]*Value, size)
		for i := range stack {
			stack[i] = falseValue
		}
		e.dataStack = stack

	case Add:
		b, a := e.pop(), e.pop()
		e.push(e.gc.Add(a, b))
	case Sub:
		b, a := e.pop(), e.pop()
		e.push(e.gc.Sub(a, b))
	case Mul:
		b, a := e.pop(), e.pop()
		e.push(e.gc.Mul(a, b))
	case Div:
		b, a := e.pop(), e.pop()
		e.push(e.gc.Div(a, b))
	case Mod:
		b, a := e.pop(), e.pop()
		e.push(e.gc.Mod(a, b))

	case And:
		b, a := e.pop(), e.pop()
		e.push(logicalAnd(a, b))
	case Or:
		b, a := e.pop(), e.pop()
		e.push(logicalOr(a, b))
	case Not:
		e.push(logicalNot(e.pop()))

	case Eq:
		b, a := e.pop(), e.pop()
		e.push(BoolValue(VEquals(a, b)))
	case Ne:
		b, a := e.pop(), e.pop()
		e.push(BoolValue(!VEquals(a, b)))
	case Gt:
		b, a := e.pop(), e.pop()
		e.push(BoolValue(GT(a, b)))
	case Lt:
		b, a := e.pop(), e.pop()
		e.push(BoolValue(LT(a, b)))

	case Jmp:
		e.ip = int(instr.Tag) - 1

	case Jmpc:
		taken := e.pop().AsBoolean()
		if taken {
			e.ip = int(instr.Tag) - 1
		}

	case Jmpn:
		taken := !e.pop().AsBoolean()
		if taken {
			e.ip = int(instr.Tag) - 1
		}

	case Call:
		e.frames = append(e.frames, &CallFrame{returnIP: e.ip, dataStack: e.dataStack})
		e.ip = int(instr.Tag) - 1

	case Ret:
		n := len(e.frames)
		frame := e.frames[n-1]
		e.frames = e.frames[:n-1]
		e.dataStack = frame.dataStack
		e.ip = frame.returnIP

	case Arraymake:
		fill, cols, rows := e.pop(), e.pop(), e.pop()
		e.push(e.gc.NewArrayValue(int(rows.AsInteger()), int(cols.AsInteger()), fill))

	case Arrayread:
		col, row := e.pop(), e.pop()
		arr := e.dataStack[instr.Tag]
		e.push(arr.GetValue(int(row.AsInteger()), int(col.AsInteger())))

	case Arraywrite:
		val, col, row := e.pop(), e.pop(), e.pop()
		arr := e.dataStack[instr.Tag]
		arr.SetValue(int(row.AsInteger()), int(col.AsInteger()), val, e.gc)

	case Callsys:
		argc, index := UnpackHostCall(instr.Tag)
		fn, ok := e.hosts.lookup(index)
		if !ok {
			e.log.Warn("CALLSYS host index out of range",
				zap.Uint32("index", index), zap.Uint32("argc", argc), zap.Int("ip", e.ip))
			return newFaultf(FaultHostIndexInvalid, "host index %d out of range", index)
		}
		// argv[0] must be the last-pushed, top-of-stack value at the point
		// of CALLSYS (§4.5): since pop already yields stack values in
		// reverse push order, a plain forward fill does exactly that.
		// e.callParams is a reusable scratch buffer (mCallParameters, §9
		// supplemented feature): grown in place rather than reallocated
		// and discarded on every call.
		if cap(e.callParams) < int(argc) {
			e.callParams = make([]*Value, argc)
		} else {
			e.callParams = e.callParams[:argc]
		}
		for i := 0; i < int(argc); i++ {
			e.callParams[i] = e.pop()
		}
		result := fn(e, e.callParams)
		if result == nil {
			result = falseValue
		}
		e.push(result)

	default:
		return newFaultf(FaultBadInstruction, "unhandled opcode %s", instr.Op)
	}

	e.ip++
	return nil
}
