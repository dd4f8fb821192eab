package memory

// Conservative Frame Scan
//
// References the mutator holds in locals are not counted: they were never
// written through the barrier. Such locals live in Frames, plain word
// buffers pushed on the heap's frame stack the way a call stack holds
// spilled registers. Before a collection every frame word is checked: a
// word that points anywhere into the payload of a live cell pins that cell
// (one extra count) until the collection ends. Words that merely look like
// addresses cost at most a delayed reclamation.

// Frame is a block of untyped local words scanned conservatively
type Frame struct {
	h     *HeapManager
	words []uint64
}

// PushFrame pushes a frame of n words. Exceeding Config.MaxStackWords is
// fatal.
func (h *HeapManager) PushFrame(n int) *Frame {
	if n < 0 || h.stackWords+n > h.cfg.MaxStackWords {
		h.fatalf(PhaseStackScan, "frame stack overflow: %d + %d words exceeds %d",
			h.stackWords, n, h.cfg.MaxStackWords)
	}
	f := &Frame{h: h, words: make([]uint64, n)}
	h.frames = append(h.frames, f)
	h.stackWords += n
	return f
}

// PopFrame pops f, which must be the innermost frame.
func (h *HeapManager) PopFrame(f *Frame) {
	if len(h.frames) == 0 || h.frames[len(h.frames)-1] != f {
		h.fatalf(PhaseStackScan, "frame popped out of order")
	}
	h.frames = h.frames[:len(h.frames)-1]
	h.stackWords -= len(f.words)
	f.words = nil
}

// Depth returns the number of pushed frames.
func (h *HeapManager) Depth() int {
	return len(h.frames)
}

// Len returns the number of words in the frame.
func (f *Frame) Len() int {
	return len(f.words)
}

// Set stores a raw local reference. No counting happens.
func (f *Frame) Set(i int, a Addr) {
	f.words[i] = uint64(a)
}

// SetWord stores an arbitrary word, which the scan treats like any other.
func (f *Frame) SetWord(i int, v uint64) {
	f.words[i] = v
}

// Get returns the local at i.
func (f *Frame) Get(i int) Addr {
	return Addr(f.words[i])
}

// Clear zeroes the local at i.
func (f *Frame) Clear(i int) {
	f.words[i] = 0
}

// scanFrames pins every live cell referenced from a frame word.
func (h *HeapManager) scanFrames() {
	h.stats.StackScans++
	if h.stackWords > h.stats.MaxStackSize {
		h.stats.MaxStackSize = h.stackWords
	}
	for _, f := range h.frames {
		for _, w := range f.words {
			if c, ok := h.cellForWord(w); ok {
				h.inc(c)
				h.pinned = append(h.pinned, c)
			}
		}
	}
	if len(h.pinned) > h.stats.MaxStackCells {
		h.stats.MaxStackCells = len(h.pinned)
	}
}

// unpin drops the pins taken by scanFrames. A cell left at zero goes back
// to the zero-count table for the next sweep; any other cyclic cell is
// registered as a candidate again.
func (h *HeapManager) unpin() {
	for _, c := range h.pinned {
		if !h.arena.isHead(c) {
			h.fatalf(PhaseStackScan, "pinned cell %#x was reclaimed", payloadOf(c))
		}
		h.decRef(c, PhaseStackScan)
	}
	h.pinned = h.pinned[:0]
}

// cellForWord resolves a possibly interior pointer to the cell owning it.
func (h *HeapManager) cellForWord(w uint64) (cellPtr, bool) {
	i, ok := h.arena.wordIndex(uintptr(w))
	if !ok {
		return 0, false
	}
	c, ok := h.arena.findHead(i)
	if !ok {
		return 0, false
	}
	start := uint64(payloadOf(c))
	end := start + uint64(h.typeOf(c).Words())*WordSize
	if w < start || w >= end {
		return 0, false
	}
	return c, true
}
