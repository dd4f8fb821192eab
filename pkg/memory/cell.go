package memory

// Cell Header Layout
//
// Every managed allocation is a run of arena words:
//
//   word 0   refcount  = logical_count*8 | tag
//   word 1   type id   (1-based index into the heap's type table, 0 = free)
//   word 2.. payload   (the user-visible object; Addr points here)
//
// The tag lives in the low three bits of the refcount:
//
//   bits 0-1  color (black, white, gray)
//   bit  2    queued in the zero-count table
//
// Count arithmetic always moves in steps of rcIncrement so the tag bits are
// never disturbed by increments or decrements.

const (
	// WordSize is the size of one arena word in bytes.
	WordSize = 8
	// HeaderWords is the number of words preceding every payload.
	HeaderWords = 2
	// HeaderSize is the byte distance between a cell and its payload.
	HeaderSize = HeaderWords * WordSize
)

const (
	rcIncrement = 0b1000
	rcShift     = 3
	colorMask   = 0b011
	rcZct       = 0b100
	tagMask     = colorMask | rcZct
)

// Color is the trial-deletion state of a cell
type Color uint8

const (
	Black  Color = iota // in use or not a candidate
	White               // proven garbage by trial deletion
	Gray                // tentatively decremented
)

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	case Gray:
		return "gray"
	}
	return "invalid"
}

// Addr is the byte address of a payload in the managed arena. Zero is nil.
type Addr uintptr

// Slot is the byte address of an arena word holding a managed reference:
// either a payload field or a root.
type Slot uintptr

// cellPtr is the word index of a cell header.
type cellPtr int

// cellOf translates a payload address into its cell header.
// This is the only place the header offset is applied; every other piece of
// code goes through it.
func cellOf(a Addr) cellPtr {
	return cellPtr((uintptr(a) - HeaderSize) / WordSize)
}

// payloadOf is the inverse of cellOf.
func payloadOf(c cellPtr) Addr {
	return Addr(uintptr(c)*WordSize + HeaderSize)
}

func (h *HeapManager) refcount(c cellPtr) int64 {
	return int64(h.arena.words[c])
}

func (h *HeapManager) setRefcount(c cellPtr, rc int64) {
	h.arena.words[c] = uint64(rc)
}

// count returns the logical reference count of c.
func (h *HeapManager) count(c cellPtr) int64 {
	return h.refcount(c) >> rcShift
}

func (h *HeapManager) color(c cellPtr) Color {
	return Color(h.refcount(c) & colorMask)
}

func (h *HeapManager) setColor(c cellPtr, col Color) {
	h.setRefcount(c, h.refcount(c)&^colorMask|int64(col))
}

func (h *HeapManager) queued(c cellPtr) bool {
	return h.refcount(c)&rcZct != 0
}

func (h *HeapManager) setQueued(c cellPtr, on bool) {
	rc := h.refcount(c)
	if on {
		rc |= rcZct
	} else {
		rc &^= rcZct
	}
	h.setRefcount(c, rc)
}

// inc adds one logical reference, leaving the tag untouched.
func (h *HeapManager) inc(c cellPtr) {
	h.setRefcount(c, h.refcount(c)+rcIncrement)
}

// dec removes one logical reference and reports the new logical count.
func (h *HeapManager) dec(c cellPtr, phase Phase) int64 {
	rc := h.refcount(c)
	if rc < rcIncrement {
		h.fatalf(phase, "refcount underflow on cell %#x (%s)", payloadOf(c), h.typeOf(c).Name)
	}
	rc -= rcIncrement
	h.setRefcount(c, rc)
	return rc >> rcShift
}

func (h *HeapManager) typeOf(c cellPtr) *TypeDesc {
	id := h.arena.words[c+1]
	if id == 0 || id > uint64(len(h.types)) {
		h.fatalf(PhaseBarrier, "corrupt type id %d in cell %#x", id, payloadOf(c))
		return nil
	}
	return h.types[id-1].desc
}

func (h *HeapManager) layoutOf(c cellPtr) *typeLayout {
	id := h.arena.words[c+1]
	if id == 0 || id > uint64(len(h.types)) {
		h.fatalf(PhaseBarrier, "corrupt type id %d in cell %#x", id, payloadOf(c))
		return nil
	}
	return h.types[id-1]
}

// canBeCycleRoot reports whether c may take part in a reference cycle.
func (h *HeapManager) canBeCycleRoot(c cellPtr) bool {
	return h.typeOf(c).Flags&FlagAcyclic == 0
}

// forEachChild calls fn for every non-nil reference held by c.
func (h *HeapManager) forEachChild(c cellPtr, fn func(child cellPtr)) {
	l := h.layoutOf(c)
	base := int(c) + HeaderWords
	for _, w := range l.refWords {
		v := h.arena.words[base+w]
		if v != 0 {
			fn(cellOf(Addr(v)))
		}
	}
}
