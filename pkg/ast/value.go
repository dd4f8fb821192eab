package ast

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind represents the type of a Node
type Kind int

const (
	KInt     Kind = iota
	KSym          // bare identifier
	KKeyword      // :name, Str holds the name without the colon
	KList
)

// Pos is a 1-based line and column in the script source
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Node is one datum of a heap scenario script
type Node struct {
	Kind Kind
	Pos  Pos

	// KInt
	Int int64

	// KSym, KKeyword
	Str string

	// KList
	Items []*Node
}

// NewInt creates an integer node
func NewInt(i int64, pos Pos) *Node {
	return &Node{Kind: KInt, Int: i, Pos: pos}
}

// NewSym creates a symbol node
func NewSym(s string, pos Pos) *Node {
	return &Node{Kind: KSym, Str: s, Pos: pos}
}

// NewKeyword creates a keyword node; name excludes the leading colon
func NewKeyword(name string, pos Pos) *Node {
	return &Node{Kind: KKeyword, Str: name, Pos: pos}
}

// NewList creates a list node
func NewList(items []*Node, pos Pos) *Node {
	return &Node{Kind: KList, Items: items, Pos: pos}
}

// IsInt checks if a node is an integer
func IsInt(n *Node) bool {
	return n != nil && n.Kind == KInt
}

// IsSym checks if a node is a symbol
func IsSym(n *Node) bool {
	return n != nil && n.Kind == KSym
}

// IsKeyword checks if a node is a keyword
func IsKeyword(n *Node) bool {
	return n != nil && n.Kind == KKeyword
}

// IsList checks if a node is a list
func IsList(n *Node) bool {
	return n != nil && n.Kind == KList
}

// SymEqStr compares a symbol to a string
func SymEqStr(n *Node, s string) bool {
	return IsSym(n) && n.Str == s
}

// Head returns the operator symbol of a form, or "" if n is not a form
func (n *Node) Head() string {
	if !IsList(n) || len(n.Items) == 0 || !IsSym(n.Items[0]) {
		return ""
	}
	return n.Items[0].Str
}

// Args returns the operands of a form
func (n *Node) Args() []*Node {
	if !IsList(n) || len(n.Items) == 0 {
		return nil
	}
	return n.Items[1:]
}

// String returns the source form of a node
func (n *Node) String() string {
	if n == nil {
		return "nil"
	}
	switch n.Kind {
	case KInt:
		return strconv.FormatInt(n.Int, 10)
	case KSym:
		return n.Str
	case KKeyword:
		return ":" + n.Str
	case KList:
		var sb strings.Builder
		sb.WriteByte('(')
		for i, item := range n.Items {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(item.String())
		}
		sb.WriteByte(')')
		return sb.String()
	default:
		return "?"
	}
}

// KindName returns the name of a kind
func KindName(k Kind) string {
	switch k {
	case KInt:
		return "INT"
	case KSym:
		return "SYM"
	case KKeyword:
		return "KEYWORD"
	case KList:
		return "LIST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}
