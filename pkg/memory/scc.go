package memory

import "sort"

// Leak Diagnostics
//
// Reference counting with trial deletion only finds cycles whose members
// were registered as candidates. Cycles built entirely with AssignNoCycle
// are never registered and stay allocated forever. These helpers trace the
// heap from roots and frames and group the unreachable cells into strongly
// connected components (Tarjan's algorithm, driven by an explicit call
// stack) so such leaks can be reported.

// LeakedCycle is a strongly connected group of live cells that no root or
// frame reaches.
type LeakedCycle struct {
	Members []Addr
}

// Unreachable returns every live cell that cannot be reached from a root
// slot or a frame word, in address order. Right after CollectNow the result
// holds only leaked cells.
func (h *HeapManager) Unreachable() []Addr {
	reached := h.traceFromRoots()
	var out []Addr
	for i, st := range h.arena.state {
		if st == blockHead && !reached[cellPtr(i)] {
			out = append(out, payloadOf(cellPtr(i)))
		}
	}
	return out
}

// LeakedCycles returns the cyclic components among unreachable cells.
func (h *HeapManager) LeakedCycles() []LeakedCycle {
	nodes := h.Unreachable()
	in := make(map[cellPtr]bool, len(nodes))
	for _, a := range nodes {
		in[cellOf(a)] = true
	}

	t := &tarjanState{
		h:     h,
		in:    in,
		index: make(map[cellPtr]int),
		low:   make(map[cellPtr]int),
		on:    make(map[cellPtr]bool),
	}
	for _, a := range nodes {
		if _, seen := t.index[cellOf(a)]; !seen {
			t.strongConnect(cellOf(a))
		}
	}
	return t.cycles
}

func (h *HeapManager) traceFromRoots() map[cellPtr]bool {
	reached := make(map[cellPtr]bool)
	var stack []cellPtr
	push := func(c cellPtr) {
		if !reached[c] {
			reached[c] = true
			stack = append(stack, c)
		}
	}
	for i, st := range h.arena.state {
		if st == blockRoot && h.arena.words[i] != 0 {
			push(cellOf(Addr(h.arena.words[i])))
		}
	}
	for _, f := range h.frames {
		for _, w := range f.words {
			if c, ok := h.cellForWord(w); ok {
				push(c)
			}
		}
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h.forEachChild(c, push)
	}
	return reached
}

type tarjanFrame struct {
	v        cellPtr
	children []cellPtr
	next     int
}

type tarjanState struct {
	h       *HeapManager
	in      map[cellPtr]bool
	index   map[cellPtr]int
	low     map[cellPtr]int
	on      map[cellPtr]bool
	stack   []cellPtr
	calls   []tarjanFrame
	counter int
	cycles  []LeakedCycle
}

func (t *tarjanState) visit(v cellPtr) {
	t.index[v] = t.counter
	t.low[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.on[v] = true

	var children []cellPtr
	t.h.forEachChild(v, func(c cellPtr) {
		if t.in[c] {
			children = append(children, c)
		}
	})
	t.calls = append(t.calls, tarjanFrame{v: v, children: children})
}

func (t *tarjanState) strongConnect(root cellPtr) {
	t.visit(root)
	for len(t.calls) > 0 {
		top := &t.calls[len(t.calls)-1]
		if top.next < len(top.children) {
			w := top.children[top.next]
			top.next++
			if _, seen := t.index[w]; !seen {
				t.visit(w)
			} else if t.on[w] && t.index[w] < t.low[top.v] {
				t.low[top.v] = t.index[w]
			}
			continue
		}

		v := top.v
		selfLoop := false
		for _, c := range top.children {
			if c == v {
				selfLoop = true
			}
		}
		t.calls = t.calls[:len(t.calls)-1]
		if len(t.calls) > 0 {
			parent := &t.calls[len(t.calls)-1]
			if t.low[v] < t.low[parent.v] {
				t.low[parent.v] = t.low[v]
			}
		}
		if t.low[v] != t.index[v] {
			continue
		}

		var members []Addr
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.on[w] = false
			members = append(members, payloadOf(w))
			if w == v {
				break
			}
		}
		if len(members) > 1 || selfLoop {
			sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
			t.cycles = append(t.cycles, LeakedCycle{Members: members})
		}
	}
}
