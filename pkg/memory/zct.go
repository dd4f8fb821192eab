package memory

// Zero-Count Table Sweep
//
// The table is its own worklist: freeing a cell decrements its children and
// children that reach zero are appended to the same table, so a long chain
// of dead cells is reclaimed iteratively, never by recursion.
//
// An entry is skipped when
//   - its storage has been freed since it was queued (stale entry), or
//   - its ZCT bit is clear (a duplicate entry already handled).
// A cell whose count rose again while queued was resurrected and survives.

// SweepZCT pins frame-held cells, drains the zero-count table to a fixed
// point and returns the number of cells reclaimed.
func (h *HeapManager) SweepZCT() int {
	if h.collecting {
		return 0
	}
	swept, _ := h.collect(false)
	return swept
}

func (h *HeapManager) sweepZCT() int {
	h.stats.ZCTSweeps++
	freed := 0
	for len(h.zct) > 0 {
		c := h.zct[len(h.zct)-1]
		h.zct = h.zct[:len(h.zct)-1]

		if !h.arena.isHead(c) || !h.queued(c) {
			continue
		}
		h.setQueued(c, false)
		if h.count(c) > 0 {
			continue
		}

		h.runFinalizer(c, PhaseSweep)
		if h.count(c) > 0 {
			h.fatalf(PhaseSweep, "finalizer of %s resurrected %#x", h.typeOf(c).Name, payloadOf(c))
		}
		h.forEachChild(c, func(child cellPtr) {
			h.decRef(child, PhaseSweep)
		})
		h.free(c)
		freed++
	}
	return freed
}
