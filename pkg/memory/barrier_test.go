package memory

import "testing"

func TestAssign_IncrementsAndRegistersCandidate(t *testing.T) {
	h := newTestHeap()
	r := h.NewRoot()
	a := h.Allocate(nodeType)

	h.Assign(r, a)

	if h.RefCount(a) != 1 {
		t.Errorf("Expected count 1, got %d", h.RefCount(a))
	}
	if h.Load(r) != a {
		t.Errorf("Expected root to hold %#x, got %#x", a, h.Load(r))
	}
	if h.CandidateCount() != 1 {
		t.Errorf("Expected 1 candidate, got %d", h.CandidateCount())
	}

	// registration is idempotent
	r2 := h.NewRoot()
	h.Assign(r2, a)
	if h.CandidateCount() != 1 {
		t.Errorf("Expected repeated registration to be a no-op, got %d candidates", h.CandidateCount())
	}
}

func TestAssign_AcyclicTypeNeverCandidate(t *testing.T) {
	h := newTestHeap()
	r := h.NewRoot()
	leaf := h.Allocate(leafType)

	h.Assign(r, leaf)
	h.Assign(r, 0)

	if h.CandidateCount() != 0 {
		t.Errorf("Acyclic cells must not become candidates, got %d", h.CandidateCount())
	}
}

func TestAssign_DecrementToZeroQueues(t *testing.T) {
	h := newTestHeap()
	r := h.NewRoot()
	a := h.Allocate(nodeType)
	h.Assign(r, a)
	h.SweepZCT()
	if h.ZCTLen() != 0 {
		t.Fatalf("Expected empty ZCT after sweep, got %d", h.ZCTLen())
	}

	h.Assign(r, 0)

	if h.RefCount(a) != 0 {
		t.Errorf("Expected count 0, got %d", h.RefCount(a))
	}
	if h.ZCTLen() != 1 {
		t.Errorf("Expected cell queued in ZCT, got %d entries", h.ZCTLen())
	}
	if !h.IsLive(a) {
		t.Error("The barrier must never free")
	}
}

func TestAssign_DecrementAboveZeroRegistersCandidate(t *testing.T) {
	h := newTestHeap()
	r1, r2 := h.NewRoot(), h.NewRoot()
	a := h.Allocate(nodeType)
	h.Assign(r1, a)
	h.Assign(r2, a)
	h.CollectNow()
	if h.CandidateCount() != 0 {
		t.Fatalf("Expected candidates drained, got %d", h.CandidateCount())
	}

	h.Assign(r1, 0)

	if h.RefCount(a) != 1 {
		t.Errorf("Expected count 1, got %d", h.RefCount(a))
	}
	if h.CandidateCount() != 1 {
		t.Errorf("Expected the cell to become a candidate, got %d", h.CandidateCount())
	}
	if h.ZCTLen() != 0 {
		t.Errorf("Expected nothing queued, got %d", h.ZCTLen())
	}
}

func TestAssign_SelfAssignmentKeepsCount(t *testing.T) {
	h := newTestHeap()
	r := h.NewRoot()
	a := h.Allocate(nodeType)
	h.Assign(r, a)
	h.Assign(r, a)
	if h.RefCount(a) != 1 {
		t.Errorf("Expected count 1 after self assignment, got %d", h.RefCount(a))
	}
}

func TestAssign_FieldSlots(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)
	b := h.Allocate(nodeType)

	h.Assign(h.Field(a, 1), b)
	if h.Load(h.Field(a, 1)) != b {
		t.Error("Field should hold the assigned reference")
	}
	if h.RefCount(b) != 1 {
		t.Errorf("Expected count 1, got %d", h.RefCount(b))
	}
}

func TestAssign_DeadAddressIsFatal(t *testing.T) {
	h := newTestHeap()
	r := h.NewRoot()
	expectFatal(t, PhaseBarrier, func() {
		h.Assign(r, Addr(12345*WordSize))
	})
}

func TestAssign_NonSlotIsFatal(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)
	expectFatal(t, PhaseBarrier, func() {
		h.Assign(Slot(uintptr(a)+2*WordSize), 0)
	})
	expectFatal(t, PhaseBarrier, func() {
		h.Assign(Slot(uintptr(a)-WordSize), 0)
	})
}

func TestAssignNoCycle_SkipsCandidates(t *testing.T) {
	h := newTestHeap()
	r1, r2 := h.NewRoot(), h.NewRoot()
	a := h.Allocate(nodeType)

	h.AssignNoCycle(r1, a)
	h.AssignNoCycle(r2, a)
	h.AssignNoCycle(r1, 0)

	if h.RefCount(a) != 1 {
		t.Errorf("Expected count 1, got %d", h.RefCount(a))
	}
	if h.CandidateCount() != 0 {
		t.Errorf("Expected no candidates, got %d", h.CandidateCount())
	}

	h.AssignNoCycle(r2, 0)
	if h.RefCount(a) != 0 {
		t.Errorf("Expected count 0, got %d", h.RefCount(a))
	}
	h.SweepZCT()
	if h.IsLive(a) {
		t.Error("Cell should be reclaimed once its count reaches zero")
	}
}
