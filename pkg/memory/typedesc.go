package memory

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// TypeFlags describe static properties of a managed type
type TypeFlags uint8

const (
	// FlagAcyclic marks types whose instances can never be part of a
	// reference cycle. They are never registered as cycle candidates.
	FlagAcyclic TypeFlags = 1 << iota
)

// Finalizer runs once before a cell's storage is released. The cell's fields
// are still intact when it runs. A returned error is fatal.
type Finalizer func(h *HeapManager, obj Addr) error

// NodeKind selects the shape of a traversal node
type NodeKind uint8

const (
	NodeNone  NodeKind = iota
	NodeSlot           // one reference at Offset
	NodeArray          // Len consecutive references starting at Offset
	NodeList           // a group of Sons
)

// TraversalNode describes which payload words of a type hold managed
// references. Offsets are in bytes from the start of the payload.
type TraversalNode struct {
	Kind   NodeKind
	Offset int
	Len    int
	Sons   []*TraversalNode
}

// SlotNode describes a single reference field
func SlotNode(offset int) *TraversalNode {
	return &TraversalNode{Kind: NodeSlot, Offset: offset}
}

// ArrayNode describes n consecutive reference fields
func ArrayNode(offset, n int) *TraversalNode {
	return &TraversalNode{Kind: NodeArray, Offset: offset, Len: n}
}

// ListNode groups several nodes
func ListNode(sons ...*TraversalNode) *TraversalNode {
	return &TraversalNode{Kind: NodeList, Sons: sons}
}

// RefFields is a shorthand for a list of single-word reference fields given
// by field index rather than byte offset.
func RefFields(fields ...int) *TraversalNode {
	sons := make([]*TraversalNode, len(fields))
	for i, f := range fields {
		sons[i] = SlotNode(f * WordSize)
	}
	return ListNode(sons...)
}

// TypeDesc is the static, process-wide descriptor of a managed type
type TypeDesc struct {
	Name      string
	Size      int // payload size in bytes
	Flags     TypeFlags
	Node      *TraversalNode
	Finalizer Finalizer
}

// Words returns the number of payload words an instance occupies.
// Every cell has at least one payload word so payload addresses stay unique.
func (td *TypeDesc) Words() int {
	n := (td.Size + WordSize - 1) / WordSize
	if n == 0 {
		n = 1
	}
	return n
}

// Validate checks that every reference described by the traversal node is
// word aligned and inside the payload.
func (td *TypeDesc) Validate() error {
	_, err := td.compile()
	return err
}

// compile flattens the traversal tree into sorted payload word indices.
func (td *TypeDesc) compile() ([]int, error) {
	if td.Size < 0 {
		return nil, errors.Newf("type %s: negative size %d", td.Name, td.Size)
	}
	words := td.Words()
	seen := make(map[int]bool)
	var refs []int

	add := func(offset int) error {
		if offset%WordSize != 0 {
			return errors.Newf("type %s: reference offset %d is not word aligned", td.Name, offset)
		}
		if offset < 0 || offset/WordSize >= words {
			return errors.Newf("type %s: reference offset %d outside %d-byte payload", td.Name, offset, td.Size)
		}
		if !seen[offset/WordSize] {
			seen[offset/WordSize] = true
			refs = append(refs, offset/WordSize)
		}
		return nil
	}

	stack := []*TraversalNode{td.Node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		switch n.Kind {
		case NodeNone:
		case NodeSlot:
			if err := add(n.Offset); err != nil {
				return nil, err
			}
		case NodeArray:
			if n.Len < 0 {
				return nil, errors.Newf("type %s: negative array length %d", td.Name, n.Len)
			}
			for i := 0; i < n.Len; i++ {
				if err := add(n.Offset + i*WordSize); err != nil {
					return nil, err
				}
			}
		case NodeList:
			stack = append(stack, n.Sons...)
		default:
			return nil, errors.Newf("type %s: unknown traversal node kind %d", td.Name, n.Kind)
		}
	}
	sort.Ints(refs)
	return refs, nil
}

// typeLayout is a registered descriptor with its compiled reference map
type typeLayout struct {
	id       uint64
	desc     *TypeDesc
	refWords []int
	isRef    []bool
}

// layoutFor returns the registered layout of td, registering it on first use.
func (h *HeapManager) layoutFor(td *TypeDesc) *typeLayout {
	if l, ok := h.typeIDs[td]; ok {
		return l
	}
	if td == nil {
		h.fatalf(PhaseAllocation, "allocation with nil type descriptor")
		return nil
	}
	refs, err := td.compile()
	if err != nil {
		h.fatal(PhaseAllocation, err)
		return nil
	}
	isRef := make([]bool, td.Words())
	for _, w := range refs {
		isRef[w] = true
	}
	l := &typeLayout{
		id:       uint64(len(h.types) + 1),
		desc:     td,
		refWords: refs,
		isRef:    isRef,
	}
	h.types = append(h.types, l)
	h.typeIDs[td] = l
	return l
}
