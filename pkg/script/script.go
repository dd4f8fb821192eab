// Package script runs heap scenario scripts: S-expression programs that
// declare cell types, allocate cells into frame-held locals, mutate
// references through the write barrier, drive the collector and assert on
// the outcome.
package script

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"drcgc/pkg/ast"
	"drcgc/pkg/memory"
	"drcgc/pkg/parser"
)

// TopLevelSlots is the size of the frame holding top-level locals
const TopLevelSlots = 256

// binding is a local name for a cell. Rebinding a name creates a new
// binding, so asserts about an earlier cell keep referring to it even after
// its storage has been reused. origin is the binding created by the
// allocation of the cell.
type binding struct {
	name   string
	addr   memory.Addr
	origin *binding
	scope  *scope
	slot   int
	held   bool // still stored in its frame slot
}

type scope struct {
	frame *memory.Frame
	next  int
	vars  map[string]*binding
}

// Interpreter executes scenario forms against one heap
type Interpreter struct {
	heap   *memory.HeapManager
	out    io.Writer
	types  map[string]*memory.TypeDesc
	refs   map[*memory.TypeDesc]map[int]bool
	roots  map[string]memory.Slot
	scopes []*scope
	gone   map[string]*binding // locals of popped frames
	owner  map[memory.Addr]*binding
	broken error
}

// New creates an interpreter over h that prints to out
func New(h *memory.HeapManager, out io.Writer) *Interpreter {
	in := &Interpreter{
		heap:  h,
		out:   out,
		types: make(map[string]*memory.TypeDesc),
		refs:  make(map[*memory.TypeDesc]map[int]bool),
		roots: make(map[string]memory.Slot),
		gone:  make(map[string]*binding),
		owner: make(map[memory.Addr]*binding),
	}
	in.pushScope(TopLevelSlots)
	return in
}

// Heap returns the heap the interpreter mutates
func (in *Interpreter) Heap() *memory.HeapManager {
	return in.heap
}

// Run parses and executes every form in src
func (in *Interpreter) Run(src string) error {
	forms, err := parser.ParseAllString(src)
	if err != nil {
		return errors.Wrap(err, "parse")
	}
	for _, f := range forms {
		if err := in.Exec(f); err != nil {
			return err
		}
	}
	return nil
}

// Exec executes one form. A fatal heap error is returned as a
// *memory.FatalError and leaves the interpreter unusable.
func (in *Interpreter) Exec(form *ast.Node) (err error) {
	if in.broken != nil {
		return errors.Wrap(in.broken, "heap is unusable after a fatal error")
	}
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*memory.FatalError)
			if !ok {
				panic(r)
			}
			in.broken = fe
			err = fe
		}
	}()
	return in.exec(form)
}

func (in *Interpreter) exec(form *ast.Node) error {
	head := form.Head()
	if head == "" {
		return errorAt(form, "expected a form, got %s", form)
	}
	fn, ok := forms[head]
	if !ok {
		return errorAt(form, "unknown form %q", head)
	}
	return fn(in, form)
}

func (in *Interpreter) execBody(body []*ast.Node) error {
	for _, f := range body {
		if err := in.exec(f); err != nil {
			return err
		}
	}
	return nil
}

func errorAt(n *ast.Node, format string, args ...interface{}) error {
	return errors.Wrapf(errors.Newf(format, args...), "%s", n.Pos)
}

// ============ Scopes ============

func (in *Interpreter) pushScope(n int) *scope {
	s := &scope{
		frame: in.heap.PushFrame(n),
		vars:  make(map[string]*binding),
	}
	in.scopes = append(in.scopes, s)
	return s
}

func (in *Interpreter) popScope() {
	s := in.scopes[len(in.scopes)-1]
	in.scopes = in.scopes[:len(in.scopes)-1]
	for name, b := range s.vars {
		b.held = false
		in.gone[name] = b
	}
	in.heap.PopFrame(s.frame)
}

func (in *Interpreter) current() *scope {
	return in.scopes[len(in.scopes)-1]
}

func (in *Interpreter) lookup(name string) (*binding, bool) {
	for i := len(in.scopes) - 1; i >= 0; i-- {
		if b, ok := in.scopes[i].vars[name]; ok {
			return b, true
		}
	}
	b, ok := in.gone[name]
	return b, ok
}

// bind stores a in a slot of the current frame under name, reusing the
// slot of an earlier binding of the same name in this scope. When alloc is
// set the binding becomes the origin of the cell.
func (in *Interpreter) bind(at *ast.Node, name string, a memory.Addr, alloc bool) (*binding, error) {
	s := in.current()
	var slot int
	if old, ok := s.vars[name]; ok {
		slot = old.slot
		old.held = false
	} else {
		if s.next >= s.frame.Len() {
			return nil, errorAt(at, "too many locals in frame (%d)", s.frame.Len())
		}
		slot = s.next
		s.next++
	}
	b := &binding{name: name, addr: a, scope: s, slot: slot, held: true}
	switch {
	case alloc:
		b.origin = b
		in.owner[a] = b
	case a != 0:
		b.origin = in.owner[a]
	}
	s.frame.Set(slot, a)
	s.vars[name] = b
	return b, nil
}

// freed reports whether the cell bound by b has been reclaimed
func (in *Interpreter) freed(b *binding) bool {
	if b.addr == 0 {
		return false
	}
	return !in.heap.IsLive(b.addr) || in.owner[b.addr] != b.origin
}

func (in *Interpreter) nameOf(a memory.Addr) string {
	if b, ok := in.owner[a]; ok && in.heap.IsLive(a) {
		return b.name
	}
	return fmt.Sprintf("%#x", uintptr(a))
}

// ============ Operands ============

func symArg(form *ast.Node, i int, what string) (string, error) {
	args := form.Args()
	if i >= len(args) || !ast.IsSym(args[i]) {
		return "", errorAt(form, "%s: expected %s as argument %d", form.Head(), what, i+1)
	}
	return args[i].Str, nil
}

func intArg(form *ast.Node, i int, what string) (int64, error) {
	args := form.Args()
	if i >= len(args) || !ast.IsInt(args[i]) {
		return 0, errorAt(form, "%s: expected %s as argument %d", form.Head(), what, i+1)
	}
	return args[i].Int, nil
}

func arity(form *ast.Node, n int) error {
	if len(form.Args()) != n {
		return errorAt(form, "%s: expected %d arguments, got %d", form.Head(), n, len(form.Args()))
	}
	return nil
}

// object resolves a local that must name a live cell
func (in *Interpreter) object(form *ast.Node, i int) (*binding, error) {
	name, err := symArg(form, i, "a local")
	if err != nil {
		return nil, err
	}
	b, ok := in.lookup(name)
	if !ok {
		return nil, errorAt(form, "%s: unbound local %q", form.Head(), name)
	}
	if b.addr == 0 {
		return nil, errorAt(form, "%s: %s is nil", form.Head(), name)
	}
	if in.freed(b) {
		return nil, errorAt(form, "%s: %s was reclaimed", form.Head(), name)
	}
	return b, nil
}

// value resolves a reference operand: nil, a local or a root
func (in *Interpreter) value(form *ast.Node, i int) (memory.Addr, error) {
	name, err := symArg(form, i, "a value")
	if err != nil {
		return 0, err
	}
	if name == "nil" {
		return 0, nil
	}
	if b, ok := in.lookup(name); ok {
		if in.freed(b) {
			return 0, errorAt(form, "%s: %s was reclaimed", form.Head(), name)
		}
		return b.addr, nil
	}
	if r, ok := in.roots[name]; ok {
		return in.heap.Load(r), nil
	}
	return 0, errorAt(form, "%s: unbound name %q", form.Head(), name)
}

func (in *Interpreter) root(form *ast.Node, i int) (memory.Slot, error) {
	name, err := symArg(form, i, "a root")
	if err != nil {
		return 0, err
	}
	r, ok := in.roots[name]
	if !ok {
		return 0, errorAt(form, "%s: unknown root %q", form.Head(), name)
	}
	return r, nil
}

func (in *Interpreter) field(form *ast.Node, obj *binding, i int64) (memory.Slot, error) {
	td := in.heap.TypeOf(obj.addr)
	if !in.refs[td][int(i)] {
		return 0, errorAt(form, "%s: field %d of %s is not a reference", form.Head(), i, td.Name)
	}
	return in.heap.Field(obj.addr, int(i)), nil
}
