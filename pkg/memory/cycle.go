package memory

// Trial Deletion
//
// Cycle candidates are cells whose count dropped (or rose) without reaching
// zero, so they may be kept alive only by a cycle. Collection runs three
// passes over the subgraphs reachable from the candidates:
//
//   mark gray  remove every internal edge's contribution from the counts
//   scan       a gray cell with a count left is referenced from outside;
//              it and everything it reaches turn black and get their
//              counts back. Gray cells with nothing left turn white
//   collect    white cells are garbage. Their outgoing edges are counted
//              again so finalizers see a consistent heap; then all are
//              finalized, checked for resurrection and freed
//
// Cell colors are the only visited markers, so a cell reachable from
// several candidates is processed once per pass. Each pass keeps an
// explicit stack to stay independent of the depth of the graph.

// CollectCycles pins frame-held cells, sweeps the ZCT and runs trial
// deletion over the current candidates. It returns the number of cells
// reclaimed by trial deletion.
func (h *HeapManager) CollectCycles() int {
	if h.collecting {
		return 0
	}
	_, cyc := h.collect(true)
	return cyc
}

func (h *HeapManager) collectCycles() int {
	h.stats.CycleCollections++
	roots := h.candidates.drain()
	if len(roots) == 0 {
		h.adaptCycleThreshold()
		return 0
	}

	h.markGray(roots)
	h.scan(roots)
	garbage := h.collectWhite(roots)
	h.freeGarbage(garbage)
	h.stats.CycleCellsFreed += len(garbage)
	h.adaptCycleThreshold()
	return len(garbage)
}

func (h *HeapManager) markGray(roots []cellPtr) {
	var stack []cellPtr
	for _, r := range roots {
		if h.color(r) == Gray {
			continue
		}
		h.setColor(r, Gray)
		stack = append(stack, r)
		for len(stack) > 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			h.forEachChild(c, func(t cellPtr) {
				h.dec(t, PhaseCycleCollection)
				if h.color(t) != Gray {
					h.setColor(t, Gray)
					stack = append(stack, t)
				}
			})
		}
	}
}

func (h *HeapManager) scan(roots []cellPtr) {
	stack := append([]cellPtr(nil), roots...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.color(c) != Gray {
			continue
		}
		if h.count(c) > 0 {
			h.scanBlack(c)
			continue
		}
		h.setColor(c, White)
		h.forEachChild(c, func(t cellPtr) {
			stack = append(stack, t)
		})
	}
}

// scanBlack turns c and everything gray or white it reaches black,
// restoring the counts removed by markGray.
func (h *HeapManager) scanBlack(c cellPtr) {
	h.setColor(c, Black)
	stack := []cellPtr{c}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h.forEachChild(c, func(t cellPtr) {
			h.inc(t)
			if h.color(t) != Black {
				h.setColor(t, Black)
				stack = append(stack, t)
			}
		})
	}
}

// collectWhite gathers every white cell reachable from the roots, turning
// each black as it is taken so it is gathered once.
func (h *HeapManager) collectWhite(roots []cellPtr) []cellPtr {
	var garbage []cellPtr
	stack := append([]cellPtr(nil), roots...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.color(c) != White {
			continue
		}
		h.setColor(c, Black)
		garbage = append(garbage, c)
		h.forEachChild(c, func(t cellPtr) {
			stack = append(stack, t)
		})
	}
	return garbage
}

// freeGarbage finalizes and frees the white set. Every edge leaving a white
// cell is counted again first, so a finalizer may use the write barrier on
// its own fields. After the finalizers a white cell may only be referenced
// from other white cells; anything more is a resurrection.
func (h *HeapManager) freeGarbage(garbage []cellPtr) {
	white := make(map[cellPtr]bool, len(garbage))
	for _, c := range garbage {
		white[c] = true
	}
	for _, c := range garbage {
		h.forEachChild(c, h.inc)
	}

	for _, c := range garbage {
		h.runFinalizer(c, PhaseCycleCollection)
	}

	internal := make(map[cellPtr]int64, len(garbage))
	for _, c := range garbage {
		h.forEachChild(c, func(t cellPtr) {
			if white[t] {
				internal[t]++
			}
		})
	}
	for _, c := range garbage {
		if h.count(c) > internal[c] {
			h.fatalf(PhaseCycleCollection, "finalizer of %s resurrected %#x", h.typeOf(c).Name, payloadOf(c))
		}
	}

	for _, c := range garbage {
		h.forEachChild(c, func(t cellPtr) {
			if !white[t] {
				h.decRef(t, PhaseCycleCollection)
			}
		})
	}
	for _, c := range garbage {
		h.free(c)
	}
}

// adaptCycleThreshold throttles trial deletion in proportion to the live
// heap after every pass.
func (h *HeapManager) adaptCycleThreshold() {
	t := int(float64(h.stats.LiveCells) * h.cfg.CycleGrowth)
	if t < h.cfg.CycleThreshold {
		t = h.cfg.CycleThreshold
	}
	h.cycleThreshold = t
	if t > h.stats.MaxThreshold {
		h.stats.MaxThreshold = t
	}
}
