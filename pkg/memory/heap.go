package memory

import (
	"io"
	"log/slog"
	"sync"
)

// Config holds the tunable parameters of a heap
type Config struct {
	// ZCTThreshold is the zero-count table length that triggers a sweep at
	// the next allocation.
	ZCTThreshold int
	// CycleThreshold is the minimum number of cycle candidates that triggers
	// trial deletion at the next allocation.
	CycleThreshold int
	// CycleGrowth scales the live cell count into the next cycle threshold,
	// throttling trial deletion on large heaps.
	CycleGrowth float64
	// MaxHeapBytes bounds the arena. Zero means unbounded.
	MaxHeapBytes int
	// MaxStackWords bounds the total size of all pushed frames.
	MaxStackWords int
	// Logger receives a debug record per collection. Nil discards them.
	Logger *slog.Logger
	// OnFatal observes fatal errors before the heap panics with them.
	OnFatal func(*FatalError)
}

// DefaultConfig returns the default tuning
func DefaultConfig() Config {
	return Config{
		ZCTThreshold:   500,
		CycleThreshold: 1000,
		CycleGrowth:    0.5,
		MaxHeapBytes:   64 << 20,
		MaxStackWords:  64 << 10,
	}
}

// Stats are the collector statistics
type Stats struct {
	StackScans       int
	ZCTSweeps        int
	CycleCollections int
	CellsAllocated   int
	CellsFreed       int
	CycleCellsFreed  int
	FinalizersRun    int
	LiveCells        int
	LiveBytes        int
	MaxThreshold     int // largest cycle threshold reached
	MaxStackSize     int // largest scanned frame stack, in words
	MaxStackCells    int // most cells pinned by one scan
	CycleTableSize   int // largest candidate set seen
}

// HeapManager owns one managed heap and all of its collector state.
// It is not safe for concurrent use; only Snapshot may be called from
// other goroutines.
type HeapManager struct {
	cfg   Config
	log   *slog.Logger
	arena *arena

	types   []*typeLayout
	typeIDs map[*TypeDesc]*typeLayout

	zct        []cellPtr
	candidates *cellSet
	frames     []*Frame
	stackWords int
	pinned     []cellPtr

	cycleThreshold int
	collecting     bool

	stats    Stats
	snapMu   sync.Mutex
	snapshot Stats
}

// NewHeapManager creates an empty heap. Zero-valued fields of cfg fall back
// to DefaultConfig.
func NewHeapManager(cfg Config) *HeapManager {
	def := DefaultConfig()
	if cfg.ZCTThreshold <= 0 {
		cfg.ZCTThreshold = def.ZCTThreshold
	}
	if cfg.CycleThreshold <= 0 {
		cfg.CycleThreshold = def.CycleThreshold
	}
	if cfg.CycleGrowth <= 0 {
		cfg.CycleGrowth = def.CycleGrowth
	}
	if cfg.MaxStackWords <= 0 {
		cfg.MaxStackWords = def.MaxStackWords
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &HeapManager{
		cfg:            cfg,
		log:            logger,
		arena:          newArena(cfg.MaxHeapBytes / WordSize),
		typeIDs:        make(map[*TypeDesc]*typeLayout),
		candidates:     newCellSet(),
		cycleThreshold: cfg.CycleThreshold,
	}
	h.stats.MaxThreshold = h.cycleThreshold
	h.publish()
	return h
}

// Config returns the configuration in effect
func (h *HeapManager) Config() Config {
	return h.cfg
}

// Allocate returns a zeroed object of type td. The new cell starts with a
// logical count of zero, color black, and is queued in the zero-count table,
// so it is reclaimed by the next sweep unless it is stored somewhere or held
// in a frame. Allocation is a collection safe point.
func (h *HeapManager) Allocate(td *TypeDesc) Addr {
	l := h.layoutFor(td)
	h.maybeCollect()

	n := HeaderWords + td.Words()
	start, ok := h.arena.alloc(n, blockHead)
	if !ok && !h.collecting {
		h.log.Debug("heap limit reached, collecting", "bytes", h.arena.sizeBytes())
		h.collect(true)
		start, ok = h.arena.alloc(n, blockHead)
	}
	if !ok {
		h.fatalf(PhaseAllocation, "heap exhausted allocating %s (%d bytes, limit %d)",
			td.Name, n*WordSize, h.cfg.MaxHeapBytes)
	}

	c := cellPtr(start)
	h.arena.words[c+1] = l.id
	h.setRefcount(c, int64(Black))
	h.addZCT(c)

	h.stats.CellsAllocated++
	h.stats.LiveCells++
	h.stats.LiveBytes += n * WordSize
	return payloadOf(c)
}

// free releases the storage of c. Its finalizer must already have run.
func (h *HeapManager) free(c cellPtr) {
	n := HeaderWords + h.typeOf(c).Words()
	h.candidates.remove(c)
	h.arena.release(int(c), n)
	h.stats.CellsFreed++
	h.stats.LiveCells--
	h.stats.LiveBytes -= n * WordSize
}

// NewRoot allocates a root slot holding nil.
func (h *HeapManager) NewRoot() Slot {
	start, ok := h.arena.alloc(1, blockRoot)
	if !ok {
		h.fatalf(PhaseAllocation, "heap exhausted allocating root slot")
	}
	return Slot(start * WordSize)
}

// FreeRoot clears a root through the barrier and releases it.
func (h *HeapManager) FreeRoot(s Slot) {
	i := h.checkSlot(s)
	if h.arena.state[i] != blockRoot {
		h.fatalf(PhaseBarrier, "slot %#x is not a root", s)
	}
	h.Assign(s, 0)
	h.arena.release(i, 1)
}

// Field returns the slot of the i-th payload word of obj, which must be a
// reference field of its type.
func (h *HeapManager) Field(obj Addr, i int) Slot {
	c := h.checkLive(obj, PhaseBarrier)
	l := h.layoutOf(c)
	if i < 0 || i >= len(l.isRef) || !l.isRef[i] {
		h.fatalf(PhaseBarrier, "field %d of %s is not a reference", i, l.desc.Name)
	}
	return Slot(uintptr(obj) + uintptr(i)*WordSize)
}

// Load reads the reference held in s.
func (h *HeapManager) Load(s Slot) Addr {
	return Addr(h.arena.words[h.checkSlot(s)])
}

// LoadWord reads the i-th payload word of obj.
func (h *HeapManager) LoadWord(obj Addr, i int) uint64 {
	c := h.checkLive(obj, PhaseBarrier)
	if i < 0 || i >= h.typeOf(c).Words() {
		h.fatalf(PhaseBarrier, "word %d outside %s", i, h.typeOf(c).Name)
	}
	return h.arena.words[int(c)+HeaderWords+i]
}

// StoreWord writes a non-reference payload word of obj.
func (h *HeapManager) StoreWord(obj Addr, i int, v uint64) {
	c := h.checkLive(obj, PhaseBarrier)
	l := h.layoutOf(c)
	if i < 0 || i >= len(l.isRef) {
		h.fatalf(PhaseBarrier, "word %d outside %s", i, l.desc.Name)
	}
	if l.isRef[i] {
		h.fatalf(PhaseBarrier, "word %d of %s holds a reference; use Assign", i, l.desc.Name)
	}
	h.arena.words[int(c)+HeaderWords+i] = v
}

// IsLive reports whether a is the payload address of an allocated cell.
func (h *HeapManager) IsLive(a Addr) bool {
	if a == 0 || uintptr(a) < HeaderSize || uintptr(a)%WordSize != 0 {
		return false
	}
	return h.arena.isHead(cellOf(a))
}

// TypeOf returns the descriptor of a live object.
func (h *HeapManager) TypeOf(obj Addr) *TypeDesc {
	return h.typeOf(h.checkLive(obj, PhaseBarrier))
}

// RefCount returns the logical reference count of a live object.
func (h *HeapManager) RefCount(obj Addr) int64 {
	return h.count(h.checkLive(obj, PhaseBarrier))
}

// ColorOf returns the trial-deletion color of a live object.
func (h *HeapManager) ColorOf(obj Addr) Color {
	return h.color(h.checkLive(obj, PhaseBarrier))
}

// LiveObjects returns the payload addresses of all allocated cells in
// address order.
func (h *HeapManager) LiveObjects() []Addr {
	var out []Addr
	for i, st := range h.arena.state {
		if st == blockHead {
			out = append(out, payloadOf(cellPtr(i)))
		}
	}
	return out
}

// ZCTLen returns the number of zero-count table entries.
func (h *HeapManager) ZCTLen() int {
	return len(h.zct)
}

// CandidateCount returns the size of the cycle candidate set.
func (h *HeapManager) CandidateCount() int {
	return h.candidates.len()
}

// Stats returns the current statistics. Mutator thread only.
func (h *HeapManager) Stats() Stats {
	return h.stats
}

// Snapshot returns the statistics published at the last safe point.
// Safe for concurrent use.
func (h *HeapManager) Snapshot() Stats {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	return h.snapshot
}

func (h *HeapManager) publish() {
	h.snapMu.Lock()
	h.snapshot = h.stats
	h.snapMu.Unlock()
}

func (h *HeapManager) checkLive(a Addr, phase Phase) cellPtr {
	if !h.IsLive(a) {
		h.fatalf(phase, "address %#x is not a live object", a)
	}
	return cellOf(a)
}

func (h *HeapManager) checkSlot(s Slot) int {
	i, ok := h.arena.wordIndex(uintptr(s))
	if !ok || uintptr(s)%WordSize != 0 {
		h.fatalf(PhaseBarrier, "slot %#x outside the heap", s)
	}
	switch h.arena.state[i] {
	case blockRoot:
	case blockTail:
		c, _ := h.arena.findHead(i)
		off := i - int(c) - HeaderWords
		if off < 0 || !h.layoutOf(c).isRef[off] {
			h.fatalf(PhaseBarrier, "slot %#x is not a reference field", s)
		}
	default:
		h.fatalf(PhaseBarrier, "slot %#x is %s storage", s, h.arena.state[i])
	}
	return i
}
