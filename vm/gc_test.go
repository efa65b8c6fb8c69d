package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// S5: many ephemeral allocations with a deliberately tiny generation-0
// capacity drive repeated collection and promotion without losing anything
// still reachable from the engine's roots.
func TestGCPromotesSurvivorsUnderPressure(t *testing.T) {
	alloc := NewAllocator()
	gc := NewGCWithCapacities(alloc, zap.NewNop(), [4]int{64, 256, 1024, 4096})

	e := &Engine{alloc: alloc, gc: gc, globals: make(map[string]*Value)}
	keeper := gc.NewIntegerValue(1)
	e.globals["keeper"] = keeper

	for i := 0; i < 5000; i++ {
		gc.NewIntegerValue(int64(i)) // ephemeral: nothing roots these
		if gc.ShouldCollect() {
			gc.Collect(e)
		}
	}

	counts := gc.Counts()
	require.Less(t, counts[0]+counts[1]+counts[2]+counts[3], 5000,
		"ephemeral values unreachable from any root should have been swept")
	found := false
	for g := 0; g < 4; g++ {
		for _, v := range gc.gens[g] {
			if v == keeper {
				found = true
			}
		}
	}
	require.True(t, found, "a value reachable from globals must survive every collection")
}

// S6: a self-referential array (a[0,0] = a) must survive a collection cycle
// without the marker recursing forever.
func TestGCHandlesCyclicArrayWithoutInfiniteRecursion(t *testing.T) {
	alloc := NewAllocator()
	gc := NewGCWithCapacities(alloc, zap.NewNop(), genCapacity)

	e := &Engine{alloc: alloc, gc: gc, globals: make(map[string]*Value)}
	arr := gc.NewArrayValue(1, 1, falseValue)
	arr.SetValue(0, 0, arr, gc)
	e.globals["cycle"] = arr

	gc.Collect(e) // would recurse forever without the in-progress bit guard

	require.Same(t, arr, arr.GetValue(0, 0))
	require.False(t, arr.gcBusy, "in-progress bit must be cleared once marking finishes")
}

// Each of generations 3, 2, 1 is swept only if its own full-flag is set
// (original_source/VM/VM.cpp:1010-1034's three independent checks), not
// whenever some higher generation happens to be flagged.
func TestGCCollectSweepsOnlyFlaggedGenerations(t *testing.T) {
	alloc := NewAllocator()
	gc := NewGCWithCapacities(alloc, zap.NewNop(), [4]int{64, 256, 1024, 4096})
	e := &Engine{alloc: alloc, gc: gc, globals: make(map[string]*Value)}

	unrootedGen2 := gc.NewIntegerValue(99)
	gc.gens[2] = append(gc.gens[2], unrootedGen2)
	gc.full[2] = false // gen2's own flag is clear

	unrootedGen1 := gc.NewIntegerValue(1)
	gc.gens[1] = append(gc.gens[1], unrootedGen1)
	gc.full[1] = true // only gen1 is flagged

	gc.Collect(e)

	found2 := false
	for _, v := range gc.gens[2] {
		if v == unrootedGen2 {
			found2 = true
		}
	}
	require.True(t, found2, "gen2 must be left untouched when its own full-flag is clear")
	require.False(t, gc.full[1], "gen1's own flag should have been cleared after its sweep")
}

func TestGCShouldCollectTriggersWithinHeadroom(t *testing.T) {
	alloc := NewAllocator()
	gc := NewGCWithCapacities(alloc, zap.NewNop(), [4]int{40, 256, 1024, 4096})
	require.False(t, gc.ShouldCollect())
	for i := 0; i < 9; i++ {
		gc.NewIntegerValue(int64(i))
	}
	require.True(t, gc.ShouldCollect(), "gen0 within the default 32-slot headroom of its 40-slot cap should trigger")
}

// NewGCWithHeadroom lets an embedder override the default "within 32
// slots" collection trigger margin per-instance (Config.CollectionHeadroom).
func TestGCWithHeadroomOverridesDefaultMargin(t *testing.T) {
	alloc := NewAllocator()
	gc := NewGCWithHeadroom(alloc, zap.NewNop(), [4]int{40, 256, 1024, 4096}, 2)
	for i := 0; i < 9; i++ {
		gc.NewIntegerValue(int64(i))
	}
	require.False(t, gc.ShouldCollect(), "a headroom of 2 should not trigger yet with 9/40 slots used")
}

// Config.RetainCaps threads through to the Allocator NewEngine builds when
// Config.Alloc is left nil, mirroring GenCapacities/CollectionHeadroom.
func TestConfigRetainCapsAppliesToEngineOwnedAllocator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetainCaps[classHeader] = 1
	e := NewEngine(&Program{}, cfg)

	buf1 := e.alloc.Alloc(headerBytes)
	buf2 := e.alloc.Alloc(headerBytes)
	e.alloc.Free(buf1)
	e.alloc.Free(buf2)
	require.Equal(t, 1, e.alloc.Stats()[classHeader], "retain cap of 1 should reject the second freed block")
}

func TestAllocatorRecyclesFreedBlocks(t *testing.T) {
	a := NewAllocator()
	buf := a.Alloc(headerBytes)
	a.Free(buf)
	require.Equal(t, 1, a.Stats()[classHeader])

	buf2 := a.Alloc(headerBytes)
	require.Equal(t, 0, a.Stats()[classHeader], "the recycled block should have been handed back out")
	_ = buf2
}

func TestAllocatorBypassesPoolingAboveLargestClass(t *testing.T) {
	a := NewAllocator()
	big := a.Alloc(classBound[class512] + 1)
	a.Free(big)
	for _, c := range a.Stats() {
		require.Equal(t, 0, c, "an over-class allocation must never land in a pooled freelist")
	}
}
