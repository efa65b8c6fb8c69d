package vm

import "sync"

// Six size classes, chosen by requested byte count. Class 0 fits a bare
// scalar Value header; classes 1-5 grow to cover Strings/Arrays with
// larger trailing payloads. Requests bigger than class 5 bypass pooling
// entirely (direct allocate/free), per §4.1.
const (
	classHeader    = 0
	classFull      = 1
	class32        = 2
	class128       = 3
	class256       = 4
	class512       = 5
	numSizeClasses = 6
)

// classBound[i] is the maximum byte count that size class i accepts.
var classBound = [numSizeClasses]int{
	classHeader: headerBytes,
	classFull:   fullValueBytes,
	class32:     headerBytes + 32,
	class128:    headerBytes + 128,
	class256:    headerBytes + 256,
	class512:    headerBytes + 512,
}

// retainCap[i] is the maximum number of freed blocks class i keeps around
// before releasing the excess back to the system allocator.
var retainCap = [numSizeClasses]int{
	classHeader: 32768,
	classFull:   16384,
	class32:     8192,
	class128:    2048,
	class256:    1024,
	class512:    512,
}

// approximate sizes used only to pick a size class; the allocator does not
// otherwise care about Value's Go-level layout.
const (
	headerBytes    = 16
	fullValueBytes = 40
)

// block is a pooled raw buffer. The allocator hands these out uninitialized
// (aside from zeroing) and never inspects their contents once the caller
// has them - the GC is the sole authority on block liveness.
type block struct {
	bytes []byte
	next  *block
}

// sizeClassPool is a singly-linked freelist for one size class.
type sizeClassPool struct {
	mu      sync.Mutex
	head    *block
	count   int
	cap     int
	blkSize int
}

// Allocator is the size-classed pooled backing store for Value objects.
// It is unaware of liveness: the GC calls Free exactly once per
// unreachable Value per collection cycle, and Allocator just recycles
// bytes into the appropriate freelist (or releases them to the system
// allocator once a class's retain cap is exceeded).
type Allocator struct {
	pools [numSizeClasses]*sizeClassPool
}

// NewAllocator builds an Allocator with the six standard size classes and
// the default per-class retain caps.
func NewAllocator() *Allocator {
	return NewAllocatorWithRetainCaps(retainCap)
}

// NewAllocatorWithRetainCaps is NewAllocator with explicit per-size-class
// retain caps, letting an embedder trade steady-state memory for fewer
// system allocator round-trips (or the reverse) via Config.RetainCaps,
// mirroring NewGCWithCapacities' per-instance generation capacities.
func NewAllocatorWithRetainCaps(caps [numSizeClasses]int) *Allocator {
	a := &Allocator{}
	for i := 0; i < numSizeClasses; i++ {
		a.pools[i] = &sizeClassPool{cap: caps[i], blkSize: classBound[i]}
	}
	return a
}

// classFor returns the smallest size class that fits n bytes, or -1 if n
// exceeds every pooled class (direct allocation path).
func classFor(n int) int {
	for i := 0; i < numSizeClasses; i++ {
		if n <= classBound[i] {
			return i
		}
	}
	return -1
}

// Alloc returns a zeroed byte buffer of at least n bytes, preferring a
// recycled block from the matching size class's freelist.
func (a *Allocator) Alloc(n int) []byte {
	class := classFor(n)
	if class < 0 {
		return make([]byte, n)
	}

	pool := a.pools[class]
	pool.mu.Lock()
	b := pool.head
	if b != nil {
		pool.head = b.next
		pool.count--
	}
	pool.mu.Unlock()

	if b == nil {
		return make([]byte, pool.blkSize)
	}
	for i := range b.bytes {
		b.bytes[i] = 0
	}
	return b.bytes
}

// Free returns buf to its size class's freelist, unless doing so would
// exceed the class's retain cap, in which case the buffer is simply
// dropped for the garbage collector to reclaim.
func (a *Allocator) Free(buf []byte) {
	class := classFor(len(buf))
	if class < 0 {
		return
	}

	pool := a.pools[class]
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.count >= pool.cap {
		return
	}
	pool.head = &block{bytes: buf, next: pool.head}
	pool.count++
}

// Teardown releases every retained block in every size class.
func (a *Allocator) Teardown() {
	for _, pool := range a.pools {
		pool.mu.Lock()
		pool.head = nil
		pool.count = 0
		pool.mu.Unlock()
	}
}

// Stats reports the number of currently-retained blocks per size class;
// used by tests to observe freelist behavior (S5).
func (a *Allocator) Stats() [numSizeClasses]int {
	var out [numSizeClasses]int
	for i, pool := range a.pools {
		pool.mu.Lock()
		out[i] = pool.count
		pool.mu.Unlock()
	}
	return out
}
