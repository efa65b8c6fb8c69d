package vm

import (
	"strings"

	"go.uber.org/zap"
)

// Generation reserve hints, §4.3 ("16K, 64K, 128K, 512K Value pointers").
const (
	gen0Capacity = 16 * 1024
	gen1Capacity = 64 * 1024
	gen2Capacity = 128 * 1024
	gen3Capacity = 512 * 1024

	// defaultCollectionHeadroom is the "within 32 slots of capacity" trigger
	// margin used both for gen0's collection trigger and for setting a
	// generation's full-flag after promotion. Overridable per-instance via
	// Config.CollectionHeadroom/NewGCWithHeadroom.
	defaultCollectionHeadroom = 32
)

var genCapacity = [4]int{gen0Capacity, gen1Capacity, gen2Capacity, gen3Capacity}

// GC is a 4-generation mark-sweep-promote collector coordinated with the
// Engine's root set (§4.3). New* factory methods both allocate (through
// the Allocator) and register the result in generation 0; the boolean
// singletons and constant-pool values bypass registration entirely and so
// are never swept or promoted. Marking does not distinguish them: when one
// is reachable from a root, markSet sets its mark bit like any other Value.
type GC struct {
	alloc    *Allocator
	gens     [4][]*Value
	full     [4]bool
	log      *zap.Logger
	caps     [4]int
	headroom int

	cycles int
}

// NewGC builds a collector backed by alloc using the default generation
// capacities. log may be nil, in which case zap.NewNop() is substituted
// and collection events are not reported.
func NewGC(alloc *Allocator, log *zap.Logger) *GC {
	return NewGCWithCapacities(alloc, log, genCapacity)
}

// NewGCWithCapacities is NewGC with explicit per-generation capacities,
// letting tests shrink generation 0 to exercise the collection trigger
// and promotion path quickly (S5) without allocating tens of thousands of
// Values. Collection headroom uses the package default; use
// NewGCWithHeadroom to override that too.
func NewGCWithCapacities(alloc *Allocator, log *zap.Logger, caps [4]int) *GC {
	return NewGCWithHeadroom(alloc, log, caps, defaultCollectionHeadroom)
}

// NewGCWithHeadroom is NewGCWithCapacities with an explicit collection
// headroom, the "within N slots of capacity" trigger margin (§4.3),
// exposed so Config can make it an embedder-tunable the same way it
// already exposes per-generation capacities.
func NewGCWithHeadroom(alloc *Allocator, log *zap.Logger, caps [4]int, headroom int) *GC {
	if log == nil {
		log = zap.NewNop()
	}
	return &GC{alloc: alloc, log: log, caps: caps, headroom: headroom}
}

func valuePayloadSize(tag Tag, codeUnits, rows, cols int) int {
	switch tag {
	case TagString:
		return headerBytes + codeUnits*2
	case TagArray:
		return headerBytes + rows*cols*8
	default:
		return headerBytes
	}
}

func (gc *GC) register(v *Value) *Value {
	gc.gens[0] = append(gc.gens[0], v)
	return v
}

// NewIntegerValue allocates and registers a generation-0 Integer Value.
func (gc *GC) NewIntegerValue(i int64) *Value {
	buf := gc.alloc.Alloc(valuePayloadSize(TagInteger, 0, 0, 0))
	return gc.register(&Value{Tag: TagInteger, i: i, buf: buf})
}

// NewRealValue allocates and registers a generation-0 Real Value.
func (gc *GC) NewRealValue(r float64) *Value {
	buf := gc.alloc.Alloc(valuePayloadSize(TagReal, 0, 0, 0))
	return gc.register(&Value{Tag: TagReal, r: r, buf: buf})
}

// NewStringValue allocates and registers a generation-0 String Value.
func (gc *GC) NewStringValue(s string) *Value {
	units := utf16FromString(s)
	buf := gc.alloc.Alloc(valuePayloadSize(TagString, len(units), 0, 0))
	return gc.register(&Value{Tag: TagString, s: units, buf: buf})
}

// NewArrayValue allocates and registers a generation-0 RxC Array Value.
// Every element slot starts out holding fill (or the shared false
// singleton if fill is nil), satisfying the "never null" invariant.
func (gc *GC) NewArrayValue(rows, cols int, fill *Value) *Value {
	if fill == nil {
		fill = falseValue
	}
	buf := gc.alloc.Alloc(valuePayloadSize(TagArray, 0, rows, cols))
	elems := make([]*Value, rows*cols)
	for i := range elems {
		elems[i] = fill
	}
	return gc.register(&Value{Tag: TagArray, rows: rows, cols: cols, elems: elems, buf: buf})
}

// rawIntegerValue/rawStringValue etc. allocate through the Allocator but
// skip GC registration entirely, per §4.3's "raw allocator path is used
// for constants and for the boolean singletons only". Used exclusively by
// the loader to build the Engine-owned constant pool.

func rawIntegerValue(alloc *Allocator, i int64) *Value {
	buf := alloc.Alloc(valuePayloadSize(TagInteger, 0, 0, 0))
	return &Value{Tag: TagInteger, i: i, buf: buf}
}

func rawRealValue(alloc *Allocator, r float64) *Value {
	buf := alloc.Alloc(valuePayloadSize(TagReal, 0, 0, 0))
	return &Value{Tag: TagReal, r: r, buf: buf}
}

func rawStringValue(alloc *Allocator, s string) *Value {
	units := utf16FromString(s)
	buf := alloc.Alloc(valuePayloadSize(TagString, len(units), 0, 0))
	return &Value{Tag: TagString, s: units, buf: buf}
}

func rawArrayValue(alloc *Allocator, rows, cols int, elems []*Value) *Value {
	buf := alloc.Alloc(valuePayloadSize(TagArray, 0, rows, cols))
	return &Value{Tag: TagArray, rows: rows, cols: cols, elems: elems, buf: buf}
}

// markSet sets v's mark bit, recursing into array elements guarded by the
// in-progress bit so that a cycle (e.g. a[0,0] = a) is visited exactly
// once (S6). Boolean singletons may be marked but are never candidates
// for sweeping.
func (gc *GC) markSet(v *Value) {
	if v == nil {
		return
	}
	if IsBooleanSingleton(v) {
		v.gcMark = true
		return
	}
	if v.gcMark {
		return
	}
	v.gcMark = true
	if v.Tag == TagArray {
		if v.gcBusy {
			return
		}
		v.gcBusy = true
		for _, e := range v.elems {
			gc.markSet(e)
		}
		v.gcBusy = false
	}
}

// markRoots implements §4.3's GCMarkRoots: the calculation stack, every
// data stack reachable from every live call frame (including the current
// one), the host-call scratch buffer, and the global variable table.
func (gc *GC) markRoots(e *Engine) {
	for _, v := range e.calcStack {
		gc.markSet(v)
	}
	for _, v := range e.dataStack {
		gc.markSet(v)
	}
	for _, frame := range e.frames {
		for _, v := range frame.dataStack {
			gc.markSet(v)
		}
	}
	for _, v := range e.callParams {
		gc.markSet(v)
	}
	for _, v := range e.globals {
		gc.markSet(v)
	}
}

func clearMarks(gen []*Value) {
	for _, v := range gen {
		v.gcMark = false
		v.gcBusy = false
	}
}

// sweep partitions gen into survivors (marked) and frees the rest back to
// the allocator, returning the survivors. gen's backing array is reused.
func (gc *GC) sweep(gen []*Value) []*Value {
	survivors := gen[:0]
	for _, v := range gen {
		if v.gcMark {
			survivors = append(survivors, v)
		} else {
			gc.alloc.Free(v.buf)
		}
	}
	return survivors
}

// ShouldCollect implements §4.3's trigger: generation 0 within gc.headroom
// slots of its capacity.
func (gc *GC) ShouldCollect() bool {
	return len(gc.gens[0]) >= gc.caps[0]-gc.headroom
}

// Collect runs one collection pass per §4.3's three-step algorithm:
//  1. for each of generations 3, 2, 1, independently: if that generation's
//     own full-flag is set, sweep it, promoting 1's and 2's survivors
//     upward (3 is terminal). A generation whose flag is clear is left
//     untouched even if a neighbor is flagged.
//  2. unconditionally sweep generation 0, promoting survivors into
//     generation 1 and leaving generation 0 empty.
//  3. re-evaluate full-flags for 1, 2, 3 given their post-promotion size.
func (gc *GC) Collect(e *Engine) {
	gc.cycles++

	for g := 3; g >= 1; g-- {
		if !gc.full[g] {
			continue
		}
		clearMarks(gc.gens[g])
		gc.markRoots(e)
		survivors := gc.sweep(gc.gens[g])
		if g == 3 {
			gc.gens[3] = survivors
		} else {
			gc.gens[g+1] = append(gc.gens[g+1], survivors...)
			gc.gens[g] = gc.gens[g][:0]
		}
		gc.full[g] = false
	}

	clearMarks(gc.gens[0])
	gc.markRoots(e)
	survivors0 := gc.sweep(gc.gens[0])
	gc.gens[1] = append(gc.gens[1], survivors0...)
	gc.gens[0] = gc.gens[0][:0]

	for g := 1; g <= 3; g++ {
		if len(gc.gens[g]) >= gc.caps[g]-gc.headroom {
			gc.full[g] = true
		}
	}

	gc.log.Debug("gc cycle",
		zap.Int("cycle", gc.cycles),
		zap.Int("gen0", len(gc.gens[0])),
		zap.Int("gen1", len(gc.gens[1])),
		zap.Int("gen2", len(gc.gens[2])),
		zap.Int("gen3", len(gc.gens[3])),
	)
}

// Counts reports the live population of each generation; used by tests.
func (gc *GC) Counts() [4]int {
	return [4]int{len(gc.gens[0]), len(gc.gens[1]), len(gc.gens[2]), len(gc.gens[3])}
}

// Teardown implements §4.3's Clean: every Value in every generation is
// freed and the allocator's freelists are released.
func (gc *GC) Teardown() {
	for g := 0; g < 4; g++ {
		for _, v := range gc.gens[g] {
			gc.alloc.Free(v.buf)
		}
		gc.gens[g] = nil
	}
	gc.alloc.Teardown()
}

// ---- Value arithmetic, §4.2 ----
//
// These build freshly GC-registered result Values implementing ADD, SUB,
// MUL, DIV, MOD and the logical operators. They are defined here (rather
// than in value.go) because producing a result requires going through the
// GC's factories, never the raw allocator path.

// Add implements §4.2 ADD.
func (gc *GC) Add(a, b *Value) *Value {
	switch {
	case a.Tag == TagInteger && b.Tag == TagInteger:
		return gc.NewIntegerValue(a.i + b.i)
	case a.Tag == TagString && b.Tag == TagString:
		return gc.NewStringValue(a.rawString() + b.rawString())
	case a.Tag == TagString || b.Tag == TagString:
		return gc.NewStringValue(a.AsString() + b.AsString())
	default:
		return gc.NewRealValue(a.AsReal() + b.AsReal())
	}
}

// Sub implements §4.2 SUB, including the mixed-type trim-and-concatenate
// rule when either side is a String.
func (gc *GC) Sub(a, b *Value) *Value {
	switch {
	case a.Tag == TagInteger && b.Tag == TagInteger:
		return gc.NewIntegerValue(a.i - b.i)
	case a.Tag == TagString && b.Tag == TagString:
		return gc.NewStringValue(a.rawString() + b.rawString())
	case a.Tag == TagString || b.Tag == TagString:
		left := strings.TrimRight(a.AsString(), " ")
		right := strings.TrimLeft(b.AsString(), " ")
		return gc.NewStringValue(left + right)
	default:
		return gc.NewRealValue(a.AsReal() - b.AsReal())
	}
}

// Mul implements §4.2 MUL.
func (gc *GC) Mul(a, b *Value) *Value {
	if a.Tag == TagInteger && b.Tag == TagInteger {
		return gc.NewIntegerValue(a.i * b.i)
	}
	return gc.NewRealValue(a.AsReal() * b.AsReal())
}

// Div implements §4.2 DIV. No divide-by-zero guard is performed: integer
// division by zero panics (the engine does not recover it), and float
// division follows IEEE-754 (±Inf/NaN).
func (gc *GC) Div(a, b *Value) *Value {
	if a.Tag == TagInteger && b.Tag == TagInteger {
		return gc.NewIntegerValue(a.i / b.i)
	}
	return gc.NewRealValue(a.AsReal() / b.AsReal())
}

// Mod implements §4.2 MOD: both operands coerced to integer, integer
// remainder.
func (gc *GC) Mod(a, b *Value) *Value {
	return gc.NewIntegerValue(a.AsInteger() % b.AsInteger())
}

// logicalAnd implements §4.2 AND: no short-circuit, both operands already
// evaluated onto the calculation stack. Named in lowercase (rather than
// the exported And/Or/Not one might expect) because those identifiers are
// already taken by the AND/OR/NOT opcode constants in bytecode.go.
func logicalAnd(a, b *Value) *Value { return BoolValue(a.AsBoolean() && b.AsBoolean()) }

// logicalOr implements §4.2 OR.
func logicalOr(a, b *Value) *Value { return BoolValue(a.AsBoolean() || b.AsBoolean()) }

// logicalNot implements §4.2 NOT.
func logicalNot(a *Value) *Value { return BoolValue(!a.AsBoolean()) }
