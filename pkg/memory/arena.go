package memory

// Arena
//
// The managed heap is one growable slice of words with a parallel slice of
// block states, the same bookkeeping a block-based conservative collector
// keeps in its metadata area:
//
//   free     unused word, available for reuse
//   head     first word of a cell (its refcount word)
//   tail     any other word of a cell
//   root     a root slot owned by the mutator
//   reserved word 0, so that no valid address is ever zero
//
// Freed runs go onto exact-size free lists; new runs are bump allocated at
// the end of the slice. Addresses are word indices times WordSize, so growing
// the slice never moves an address.

type blockState uint8

const (
	blockFree blockState = iota
	blockHead
	blockTail
	blockRoot
	blockReserved
)

func (s blockState) String() string {
	switch s {
	case blockFree:
		return "free"
	case blockHead:
		return "head"
	case blockTail:
		return "tail"
	case blockRoot:
		return "root"
	case blockReserved:
		return "reserved"
	}
	return "invalid"
}

type arena struct {
	words []uint64
	state []blockState
	free  map[int][]int // run length in words -> start indices
	limit int           // maximum number of words, 0 for no limit
}

func newArena(limitWords int) *arena {
	return &arena{
		words: make([]uint64, 1, 1024),
		state: []blockState{blockReserved},
		free:  make(map[int][]int),
		limit: limitWords,
	}
}

// alloc reserves n zeroed words whose first word gets state first.
// It returns false when the arena would exceed its limit.
func (a *arena) alloc(n int, first blockState) (int, bool) {
	var start int
	if list := a.free[n]; len(list) > 0 {
		start = list[len(list)-1]
		a.free[n] = list[:len(list)-1]
	} else {
		if a.limit > 0 && len(a.words)+n > a.limit {
			return 0, false
		}
		start = len(a.words)
		a.words = append(a.words, make([]uint64, n)...)
		a.state = append(a.state, make([]blockState, n)...)
	}
	a.state[start] = first
	for i := start + 1; i < start+n; i++ {
		a.state[i] = blockTail
	}
	return start, true
}

// release zeroes a run and makes it available for reuse.
func (a *arena) release(start, n int) {
	for i := start; i < start+n; i++ {
		a.words[i] = 0
		a.state[i] = blockFree
	}
	a.free[n] = append(a.free[n], start)
}

// wordIndex converts a byte address into a word index, reporting whether it
// falls inside the arena.
func (a *arena) wordIndex(addr uintptr) (int, bool) {
	i := int(addr / WordSize)
	if addr == 0 || i >= len(a.words) {
		return 0, false
	}
	return i, true
}

// findHead returns the cell whose block run contains word i.
func (a *arena) findHead(i int) (cellPtr, bool) {
	switch a.state[i] {
	case blockHead, blockTail:
	default:
		return 0, false
	}
	for i > 0 && a.state[i] == blockTail {
		i--
	}
	if a.state[i] != blockHead {
		return 0, false
	}
	return cellPtr(i), true
}

func (a *arena) isHead(c cellPtr) bool {
	return int(c) > 0 && int(c) < len(a.state) && a.state[c] == blockHead
}

// sizeBytes returns the number of bytes the arena has grown to.
func (a *arena) sizeBytes() int {
	return len(a.words) * WordSize
}
