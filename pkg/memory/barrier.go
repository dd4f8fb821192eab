package memory

// Write Barrier
//
// Every store of a managed reference into a field or root goes through
// Assign or AssignNoCycle. The barrier only adjusts counts and queues cells;
// it never frees. Storage is reclaimed later by a ZCT sweep or by trial
// deletion.

// Assign stores src into dest, maintaining reference counts and registering
// possible cycle roots.
func (h *HeapManager) Assign(dest Slot, src Addr) {
	i := h.checkSlot(dest)
	if src != 0 {
		c := h.checkLive(src, PhaseBarrier)
		h.inc(c)
		if h.canBeCycleRoot(c) {
			h.addCycleRoot(c)
		}
	}
	if old := Addr(h.arena.words[i]); old != 0 {
		h.decRef(h.checkLive(old, PhaseBarrier), PhaseBarrier)
	}
	h.arena.words[i] = uint64(src)
}

// AssignNoCycle stores src into dest without touching the cycle candidate
// set. Only valid when no cycle can run through dest; misuse leaks the
// cycle rather than crashing.
func (h *HeapManager) AssignNoCycle(dest Slot, src Addr) {
	i := h.checkSlot(dest)
	if src != 0 {
		h.inc(h.checkLive(src, PhaseBarrier))
	}
	if old := Addr(h.arena.words[i]); old != 0 {
		c := h.checkLive(old, PhaseBarrier)
		if h.dec(c, PhaseBarrier) == 0 {
			h.addZCT(c)
		}
	}
	h.arena.words[i] = uint64(src)
}

// decRef drops one reference to c: a cell reaching zero goes to the ZCT,
// any other cycle-eligible cell becomes a cycle candidate.
func (h *HeapManager) decRef(c cellPtr, phase Phase) {
	if h.dec(c, phase) == 0 {
		h.addZCT(c)
		return
	}
	if h.canBeCycleRoot(c) {
		h.addCycleRoot(c)
	}
}

func (h *HeapManager) addZCT(c cellPtr) {
	if h.queued(c) {
		return
	}
	h.setQueued(c, true)
	h.zct = append(h.zct, c)
}

func (h *HeapManager) addCycleRoot(c cellPtr) {
	h.candidates.add(c)
	if n := h.candidates.len(); n > h.stats.CycleTableSize {
		h.stats.CycleTableSize = n
	}
}
