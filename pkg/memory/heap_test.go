package memory

import (
	"fmt"
	"testing"
)

var (
	leafType = &TypeDesc{Name: "Leaf", Size: 8, Flags: FlagAcyclic}
	boxType  = &TypeDesc{Name: "Box", Size: 16, Flags: FlagAcyclic, Node: RefFields(0)}
	nodeType = &TypeDesc{Name: "Node", Size: 24, Node: RefFields(0, 1)}
)

// newTestHeap returns a heap that never collects on its own
func newTestHeap() *HeapManager {
	return NewHeapManager(Config{ZCTThreshold: 1 << 30, CycleThreshold: 1 << 30})
}

func expectFatal(t *testing.T, phase Phase, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		fe, ok := r.(*FatalError)
		if !ok {
			t.Fatalf("Expected fatal error during %s, got %v", phase, r)
		}
		if fe.Phase != phase {
			t.Errorf("Expected phase %q, got %q (%v)", phase, fe.Phase, fe)
		}
	}()
	fn()
}

func TestCellHeader_AddressTranslation(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)

	c := cellOf(a)
	if uintptr(c)*WordSize+HeaderSize != uintptr(a) {
		t.Errorf("Expected header %d bytes before %#x, got cell at word %d", HeaderSize, a, c)
	}
	if payloadOf(c) != a {
		t.Errorf("Expected payloadOf(cellOf(a)) == a, got %#x", payloadOf(c))
	}
	if h.arena.state[c] != blockHead {
		t.Errorf("Expected head block at cell, got %s", h.arena.state[c])
	}
	if h.TypeOf(a) != nodeType {
		t.Errorf("Expected type Node, got %s", h.TypeOf(a).Name)
	}
}

func TestCellHeader_ArithmeticPreservesTag(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)
	c := cellOf(a)

	h.setColor(c, Gray)
	h.inc(c)
	h.inc(c)
	if h.color(c) != Gray {
		t.Errorf("Expected gray after increments, got %s", h.color(c))
	}
	if !h.queued(c) {
		t.Error("Increment should not clear the ZCT bit")
	}
	if n := h.dec(c, PhaseBarrier); n != 1 {
		t.Errorf("Expected count 1, got %d", n)
	}
	if h.color(c) != Gray || !h.queued(c) {
		t.Error("Decrement should preserve the tag bits")
	}
	if h.refcount(c) != 1*rcIncrement|int64(Gray)|rcZct {
		t.Errorf("Unexpected packed refcount %#b", h.refcount(c))
	}
}

func TestCellHeader_UnderflowIsFatal(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(leafType)
	expectFatal(t, PhaseSweep, func() {
		h.dec(cellOf(a), PhaseSweep)
	})
}

func TestAllocate_FreshCell(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)

	if !h.IsLive(a) {
		t.Fatal("Fresh allocation should be live")
	}
	if h.RefCount(a) != 0 {
		t.Errorf("Expected count 0, got %d", h.RefCount(a))
	}
	if h.ColorOf(a) != Black {
		t.Errorf("Expected black, got %s", h.ColorOf(a))
	}
	if h.ZCTLen() != 1 {
		t.Errorf("Expected fresh cell queued in ZCT, got %d entries", h.ZCTLen())
	}
	for i := 0; i < nodeType.Words(); i++ {
		if h.LoadWord(a, i) != 0 {
			t.Errorf("Expected zeroed word %d", i)
		}
	}
	s := h.Stats()
	if s.CellsAllocated != 1 || s.LiveCells != 1 {
		t.Errorf("Expected 1 allocated and live, got %+v", s)
	}
	if s.LiveBytes != (HeaderWords+3)*WordSize {
		t.Errorf("Expected %d live bytes, got %d", (HeaderWords+3)*WordSize, s.LiveBytes)
	}
}

func TestAllocate_ReusesFreedStorage(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)
	h.SweepZCT()
	if h.IsLive(a) {
		t.Fatal("Unreferenced cell should be freed")
	}
	b := h.Allocate(nodeType)
	if a != b {
		t.Errorf("Expected freed storage %#x to be reused, got %#x", a, b)
	}
	if h.RefCount(b) != 0 || h.ColorOf(b) != Black {
		t.Error("Reused cell should start clean")
	}
}

func TestAllocate_ZeroSizeType(t *testing.T) {
	h := newTestHeap()
	empty := &TypeDesc{Name: "Empty", Flags: FlagAcyclic}
	a := h.Allocate(empty)
	b := h.Allocate(empty)
	if a == b {
		t.Error("Zero-size objects must have distinct addresses")
	}
}

func TestAllocate_HeapExhaustion(t *testing.T) {
	var seen *FatalError
	h := NewHeapManager(Config{
		ZCTThreshold:   1 << 30,
		CycleThreshold: 1 << 30,
		MaxHeapBytes:   1024,
		OnFatal:        func(fe *FatalError) { seen = fe },
	})
	root := h.NewRoot()

	expectFatal(t, PhaseAllocation, func() {
		for i := 0; i < 1000; i++ {
			n := h.Allocate(nodeType)
			h.Assign(h.Field(n, 0), h.Load(root))
			h.Assign(root, n)
		}
	})
	if seen == nil || seen.Phase != PhaseAllocation {
		t.Errorf("Expected OnFatal to observe the allocation failure, got %v", seen)
	}
}

func TestAllocate_CollectsBeforeExhaustion(t *testing.T) {
	h := NewHeapManager(Config{
		ZCTThreshold:   1 << 30,
		CycleThreshold: 1 << 30,
		MaxHeapBytes:   1024,
	})
	// garbage only, so the emergency collection always makes room
	for i := 0; i < 1000; i++ {
		h.Allocate(nodeType)
	}
	if h.Stats().StackScans == 0 {
		t.Error("Expected at least one emergency collection")
	}
}

func TestAllocate_InvalidTypeIsFatal(t *testing.T) {
	h := newTestHeap()
	bad := &TypeDesc{Name: "Bad", Size: 8, Node: SlotNode(3)}
	expectFatal(t, PhaseAllocation, func() {
		h.Allocate(bad)
	})
}

func TestTypeDesc_Validate(t *testing.T) {
	tests := []struct {
		td      *TypeDesc
		wantErr bool
	}{
		{&TypeDesc{Name: "ok", Size: 16, Node: RefFields(0, 1)}, false},
		{&TypeDesc{Name: "array", Size: 40, Node: ListNode(ArrayNode(8, 4))}, false},
		{&TypeDesc{Name: "misaligned", Size: 16, Node: SlotNode(4)}, true},
		{&TypeDesc{Name: "outside", Size: 16, Node: SlotNode(16)}, true},
		{&TypeDesc{Name: "negative", Size: -1}, true},
		{&TypeDesc{Name: "badarray", Size: 16, Node: ArrayNode(8, 2)}, true},
	}
	for _, tt := range tests {
		err := tt.td.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: expected error=%v, got %v", tt.td.Name, tt.wantErr, err)
		}
	}
}

func TestTypeDesc_CompiledRefWords(t *testing.T) {
	td := &TypeDesc{Name: "Mixed", Size: 48, Node: ListNode(SlotNode(40), ArrayNode(8, 2), SlotNode(8))}
	refs, err := td.compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := []int{1, 2, 5}
	if fmt.Sprint(refs) != fmt.Sprint(want) {
		t.Errorf("Expected ref words %v, got %v", want, refs)
	}
}

func TestFieldAccess_Checks(t *testing.T) {
	h := newTestHeap()
	n := h.Allocate(nodeType)

	h.StoreWord(n, 2, 42)
	if h.LoadWord(n, 2) != 42 {
		t.Errorf("Expected 42, got %d", h.LoadWord(n, 2))
	}
	expectFatal(t, PhaseBarrier, func() { h.StoreWord(n, 0, 1) })
	expectFatal(t, PhaseBarrier, func() { h.Field(n, 2) })
	expectFatal(t, PhaseBarrier, func() { h.Field(n, 3) })
	expectFatal(t, PhaseBarrier, func() { h.LoadWord(n, 3) })
}

func TestRoots_FreeRootReleasesReference(t *testing.T) {
	h := newTestHeap()
	r := h.NewRoot()
	a := h.Allocate(leafType)
	h.Assign(r, a)
	h.FreeRoot(r)

	if h.RefCount(a) != 0 {
		t.Errorf("Expected count 0 after FreeRoot, got %d", h.RefCount(a))
	}
	h.SweepZCT()
	if h.IsLive(a) {
		t.Error("Cell held only by a freed root should be reclaimed")
	}
	expectFatal(t, PhaseBarrier, func() { h.Load(r) })
}

func TestIsLive_RejectsGarbageAddresses(t *testing.T) {
	h := newTestHeap()
	a := h.Allocate(nodeType)
	for _, bad := range []Addr{0, 3, a + 1, a + 8, a - HeaderSize, 1 << 40} {
		if h.IsLive(bad) {
			t.Errorf("Address %#x should not be live", bad)
		}
	}
}
