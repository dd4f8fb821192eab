package memory

import "time"

// Collector Driver
//
// Two triggers are checked at every allocation safe point:
//   - the ZCT has reached Config.ZCTThreshold: scan frames, sweep
//   - the candidate set has reached the cycle threshold: scan frames,
//     sweep, then trial deletion
// A collection never starts while another is running (an allocation from
// a finalizer just proceeds); the trigger fires again at the next safe
// point instead.

func (h *HeapManager) maybeCollect() {
	if h.collecting {
		return
	}
	cycles := h.candidates.len() >= h.cycleThreshold
	if cycles || len(h.zct) >= h.cfg.ZCTThreshold {
		h.collect(cycles)
	}
}

// CollectNow runs a full collection: frame scan, ZCT sweep and trial
// deletion. It returns the number of cells reclaimed. Calling it while a
// collection is running does nothing.
func (h *HeapManager) CollectNow() int {
	if h.collecting {
		return 0
	}
	swept, cyc := h.collect(true)
	return swept + cyc
}

// Shutdown discards every frame and runs a full collection so the
// finalizers of all garbage run before the process exits. Cells still
// reachable from roots are left alone.
func (h *HeapManager) Shutdown() int {
	h.frames = nil
	h.stackWords = 0
	return h.CollectNow()
}

// collect pins frame-held cells, sweeps the ZCT and optionally runs trial
// deletion, then drops the pins. Every public entry point goes through it.
func (h *HeapManager) collect(cycles bool) (swept, cyc int) {
	h.collecting = true
	defer func() { h.collecting = false }()

	start := time.Now()
	h.scanFrames()
	pinned := len(h.pinned)
	swept = h.sweepZCT()
	if cycles {
		cyc = h.collectCycles()
	}
	h.unpin()
	h.publish()

	h.log.Debug("collection",
		"cycles", cycles,
		"pinned", pinned,
		"swept", swept,
		"cycle_freed", cyc,
		"live", h.stats.LiveCells,
		"duration", time.Since(start))
	return swept, cyc
}
