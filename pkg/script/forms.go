package script

import (
	"fmt"
	"io"
	"strings"

	"drcgc/pkg/ast"
	"drcgc/pkg/memory"
)

type formFn func(in *Interpreter, form *ast.Node) error

var forms map[string]formFn

func init() {
	forms = map[string]formFn{
		"type":            formType,
		"root":            formRoot,
		"new":             formNew,
		"get":             formGet,
		"set":             formSet(false),
		"set-nocycle":     formSet(true),
		"setroot":         formSetRoot(false),
		"setroot-nocycle": formSetRoot(true),
		"word":            formWord,
		"forget":          formForget,
		"frame":           formFrame,
		"repeat":          formRepeat,
		"collect":         formCollect,
		"sweep":           formCollect,
		"cycles":          formCollect,
		"stats":           formStats,
		"leaks":           formLeaks,
		"show":            formShow,
		"assert-live":     formAssertLive(true),
		"assert-freed":    formAssertLive(false),
		"assert-count":    formAssertCount,
		"assert-stat":     formAssertStat,
	}
}

// ============ Declarations ============

// (type Name :size N :refs (i ...) :acyclic :finalizer)
func formType(in *Interpreter, form *ast.Node) error {
	name, err := symArg(form, 0, "a type name")
	if err != nil {
		return err
	}
	if _, ok := in.types[name]; ok {
		return errorAt(form, "type %s already defined", name)
	}
	td := &memory.TypeDesc{Name: name}
	var refs []int

	opts := form.Args()[1:]
	for i := 0; i < len(opts); i++ {
		opt := opts[i]
		if !ast.IsKeyword(opt) {
			return errorAt(opt, "type %s: expected an option, got %s", name, opt)
		}
		switch opt.Str {
		case "size":
			if i+1 >= len(opts) || !ast.IsInt(opts[i+1]) {
				return errorAt(opt, "type %s: :size needs a byte count", name)
			}
			i++
			td.Size = int(opts[i].Int)
		case "refs":
			if i+1 >= len(opts) || !ast.IsList(opts[i+1]) {
				return errorAt(opt, "type %s: :refs needs a list of field indices", name)
			}
			i++
			for _, r := range opts[i].Items {
				if !ast.IsInt(r) {
					return errorAt(r, "type %s: field index must be an integer", name)
				}
				refs = append(refs, int(r.Int))
			}
		case "acyclic":
			td.Flags |= memory.FlagAcyclic
		case "finalizer":
			td.Finalizer = in.traceFinalizer
		default:
			return errorAt(opt, "type %s: unknown option :%s", name, opt.Str)
		}
	}
	if len(refs) > 0 {
		td.Node = memory.RefFields(refs...)
	}
	if err := td.Validate(); err != nil {
		return errorAt(form, "type %s: %v", name, err)
	}

	in.types[name] = td
	set := make(map[int]bool, len(refs))
	for _, r := range refs {
		set[r] = true
	}
	in.refs[td] = set
	return nil
}

func (in *Interpreter) traceFinalizer(h *memory.HeapManager, obj memory.Addr) error {
	fmt.Fprintf(in.out, "finalize %s %s\n", h.TypeOf(obj).Name, in.nameOf(obj))
	return nil
}

// (root r ...)
func formRoot(in *Interpreter, form *ast.Node) error {
	if len(form.Args()) == 0 {
		return errorAt(form, "root: expected at least one name")
	}
	for i := range form.Args() {
		name, err := symArg(form, i, "a root name")
		if err != nil {
			return err
		}
		if _, ok := in.roots[name]; ok {
			return errorAt(form, "root %s already declared", name)
		}
		in.roots[name] = in.heap.NewRoot()
	}
	return nil
}

// ============ Mutation ============

// (new x T)
func formNew(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 2); err != nil {
		return err
	}
	name, err := symArg(form, 0, "a local")
	if err != nil {
		return err
	}
	tname, err := symArg(form, 1, "a type")
	if err != nil {
		return err
	}
	td, ok := in.types[tname]
	if !ok {
		return errorAt(form, "new: unknown type %s", tname)
	}
	_, err = in.bind(form, name, in.heap.Allocate(td), true)
	return err
}

// (get z x i) binds z to the cell held in field i of x
func formGet(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 3); err != nil {
		return err
	}
	name, err := symArg(form, 0, "a local")
	if err != nil {
		return err
	}
	obj, err := in.object(form, 1)
	if err != nil {
		return err
	}
	i, err := intArg(form, 2, "a field index")
	if err != nil {
		return err
	}
	slot, err := in.field(form, obj, i)
	if err != nil {
		return err
	}
	_, err = in.bind(form, name, in.heap.Load(slot), false)
	return err
}

// (set x i y), (set-nocycle x i y)
func formSet(noCycle bool) formFn {
	return func(in *Interpreter, form *ast.Node) error {
		if err := arity(form, 3); err != nil {
			return err
		}
		obj, err := in.object(form, 0)
		if err != nil {
			return err
		}
		i, err := intArg(form, 1, "a field index")
		if err != nil {
			return err
		}
		slot, err := in.field(form, obj, i)
		if err != nil {
			return err
		}
		v, err := in.value(form, 2)
		if err != nil {
			return err
		}
		if noCycle {
			in.heap.AssignNoCycle(slot, v)
		} else {
			in.heap.Assign(slot, v)
		}
		return nil
	}
}

// (setroot r y), (setroot-nocycle r y)
func formSetRoot(noCycle bool) formFn {
	return func(in *Interpreter, form *ast.Node) error {
		if err := arity(form, 2); err != nil {
			return err
		}
		r, err := in.root(form, 0)
		if err != nil {
			return err
		}
		v, err := in.value(form, 1)
		if err != nil {
			return err
		}
		if noCycle {
			in.heap.AssignNoCycle(r, v)
		} else {
			in.heap.Assign(r, v)
		}
		return nil
	}
}

// (word x i n) stores a scalar in a non-reference payload word
func formWord(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 3); err != nil {
		return err
	}
	obj, err := in.object(form, 0)
	if err != nil {
		return err
	}
	i, err := intArg(form, 1, "a word index")
	if err != nil {
		return err
	}
	n, err := intArg(form, 2, "a value")
	if err != nil {
		return err
	}
	td := in.heap.TypeOf(obj.addr)
	if i < 0 || int(i) >= td.Words() || in.refs[td][int(i)] {
		return errorAt(form, "word: %d is not a scalar word of %s", i, td.Name)
	}
	in.heap.StoreWord(obj.addr, int(i), uint64(n))
	return nil
}

// (forget x ...) drops locals from their frame slots
func formForget(in *Interpreter, form *ast.Node) error {
	for i := range form.Args() {
		name, err := symArg(form, i, "a local")
		if err != nil {
			return err
		}
		b, ok := in.lookup(name)
		if !ok {
			return errorAt(form, "forget: unbound local %q", name)
		}
		if b.held {
			b.scope.frame.Clear(b.slot)
			b.held = false
		}
	}
	return nil
}

// ============ Control ============

// (frame body...) runs body with its locals in a fresh frame
func formFrame(in *Interpreter, form *ast.Node) error {
	body := form.Args()
	n := countLocals(body)
	if n == 0 {
		n = 1
	}
	in.pushScope(n)
	err := in.execBody(body)
	in.popScope()
	return err
}

// countLocals bounds the number of slots body can bind
func countLocals(body []*ast.Node) int {
	n := 0
	for _, f := range body {
		switch f.Head() {
		case "new", "get":
			n++
		case "repeat":
			n += countLocals(f.Args())
		}
	}
	return n
}

// (repeat n body...)
func formRepeat(in *Interpreter, form *ast.Node) error {
	n, err := intArg(form, 0, "a count")
	if err != nil {
		return err
	}
	body := form.Args()[1:]
	for i := int64(0); i < n; i++ {
		if err := in.execBody(body); err != nil {
			return err
		}
	}
	return nil
}

// ============ Collector ============

// (collect), (sweep), (cycles)
func formCollect(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 0); err != nil {
		return err
	}
	var freed int
	switch form.Head() {
	case "collect":
		freed = in.heap.CollectNow()
	case "sweep":
		freed = in.heap.SweepZCT()
	case "cycles":
		freed = in.heap.CollectCycles()
	}
	fmt.Fprintf(in.out, "%s: freed %d\n", form.Head(), freed)
	return nil
}

type statField struct {
	name string
	get  func(memory.Stats) int
}

var statFields = []statField{
	{"stack_scans", func(s memory.Stats) int { return s.StackScans }},
	{"zct_sweeps", func(s memory.Stats) int { return s.ZCTSweeps }},
	{"cycle_collections", func(s memory.Stats) int { return s.CycleCollections }},
	{"cells_allocated", func(s memory.Stats) int { return s.CellsAllocated }},
	{"cells_freed", func(s memory.Stats) int { return s.CellsFreed }},
	{"cycle_cells_freed", func(s memory.Stats) int { return s.CycleCellsFreed }},
	{"finalizers_run", func(s memory.Stats) int { return s.FinalizersRun }},
	{"live_cells", func(s memory.Stats) int { return s.LiveCells }},
	{"live_bytes", func(s memory.Stats) int { return s.LiveBytes }},
	{"max_threshold", func(s memory.Stats) int { return s.MaxThreshold }},
	{"max_stack_size", func(s memory.Stats) int { return s.MaxStackSize }},
	{"max_stack_cells", func(s memory.Stats) int { return s.MaxStackCells }},
	{"cycle_table_size", func(s memory.Stats) int { return s.CycleTableSize }},
}

// WriteStats prints every statistic of s, one per line
func WriteStats(w io.Writer, s memory.Stats) {
	for _, f := range statFields {
		fmt.Fprintf(w, "%-18s %d\n", f.name, f.get(s))
	}
}

func formStats(in *Interpreter, form *ast.Node) error {
	WriteStats(in.out, in.heap.Stats())
	return nil
}

// (leaks) reports unreachable cycles the collector cannot see
func formLeaks(in *Interpreter, form *ast.Node) error {
	leaks := in.heap.LeakedCycles()
	if len(leaks) == 0 {
		fmt.Fprintln(in.out, "no leaks")
		return nil
	}
	for _, l := range leaks {
		names := make([]string, len(l.Members))
		for i, m := range l.Members {
			names[i] = in.nameOf(m)
		}
		fmt.Fprintf(in.out, "leak: %s\n", strings.Join(names, " "))
	}
	return nil
}

// (show x)
func formShow(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 1); err != nil {
		return err
	}
	name, err := symArg(form, 0, "a local")
	if err != nil {
		return err
	}
	b, ok := in.lookup(name)
	if !ok {
		return errorAt(form, "show: unbound local %q", name)
	}
	switch {
	case b.addr == 0:
		fmt.Fprintf(in.out, "%s: nil\n", name)
	case in.freed(b):
		fmt.Fprintf(in.out, "%s: freed\n", name)
	default:
		fmt.Fprintf(in.out, "%s: %#x %s rc=%d %s\n", name, uintptr(b.addr),
			in.heap.TypeOf(b.addr).Name, in.heap.RefCount(b.addr), in.heap.ColorOf(b.addr))
	}
	return nil
}

// ============ Assertions ============

// (assert-live x ...), (assert-freed x ...)
func formAssertLive(live bool) formFn {
	return func(in *Interpreter, form *ast.Node) error {
		for i := range form.Args() {
			name, err := symArg(form, i, "a local")
			if err != nil {
				return err
			}
			b, ok := in.lookup(name)
			if !ok {
				return errorAt(form, "%s: unbound local %q", form.Head(), name)
			}
			if b.addr == 0 {
				return errorAt(form, "%s: %s is nil", form.Head(), name)
			}
			if in.freed(b) == live {
				want := "live"
				if !live {
					want = "freed"
				}
				return errorAt(form, "assertion failed: %s is not %s", name, want)
			}
		}
		return nil
	}
}

// (assert-count x n)
func formAssertCount(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 2); err != nil {
		return err
	}
	obj, err := in.object(form, 0)
	if err != nil {
		return err
	}
	want, err := intArg(form, 1, "a count")
	if err != nil {
		return err
	}
	if got := in.heap.RefCount(obj.addr); got != want {
		return errorAt(form, "assertion failed: %s has count %d, expected %d", obj.name, got, want)
	}
	return nil
}

// (assert-stat name n)
func formAssertStat(in *Interpreter, form *ast.Node) error {
	if err := arity(form, 2); err != nil {
		return err
	}
	name, err := symArg(form, 0, "a statistic")
	if err != nil {
		return err
	}
	want, err := intArg(form, 1, "a value")
	if err != nil {
		return err
	}
	s := in.heap.Stats()
	for _, f := range statFields {
		if f.name == name {
			if got := f.get(s); int64(got) != want {
				return errorAt(form, "assertion failed: %s is %d, expected %d", name, got, want)
			}
			return nil
		}
	}
	return errorAt(form, "assert-stat: unknown statistic %q", name)
}
