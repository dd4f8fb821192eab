package memory

// cellSet is an insertion-ordered set of cells. Adding a member twice is a
// no-op; removal swaps the last member into the hole.
type cellSet struct {
	items []cellPtr
	index map[cellPtr]int
}

func newCellSet() *cellSet {
	return &cellSet{index: make(map[cellPtr]int)}
}

func (s *cellSet) add(c cellPtr) {
	if _, ok := s.index[c]; ok {
		return
	}
	s.index[c] = len(s.items)
	s.items = append(s.items, c)
}

func (s *cellSet) remove(c cellPtr) {
	i, ok := s.index[c]
	if !ok {
		return
	}
	last := len(s.items) - 1
	moved := s.items[last]
	s.items[i] = moved
	s.index[moved] = i
	s.items = s.items[:last]
	delete(s.index, c)
}

func (s *cellSet) contains(c cellPtr) bool {
	_, ok := s.index[c]
	return ok
}

func (s *cellSet) len() int {
	return len(s.items)
}

// drain returns the members and empties the set.
func (s *cellSet) drain() []cellPtr {
	items := s.items
	s.items = nil
	s.index = make(map[cellPtr]int)
	return items
}
