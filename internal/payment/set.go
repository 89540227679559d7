package payment

import (
	"slices"
	"strings"
)

// Set holds unique payments in descending order, newest first.
// The zero value is an empty set ready to use. A Set is not safe for
// concurrent mutation.
type Set struct {
	items []Payment
}

func NewSet(payments ...Payment) *Set {
	s := &Set{}
	for _, p := range payments {
		s.Add(p)
	}
	return s
}

func descending(a, b Payment) int {
	return Compare(b, a)
}

// Add inserts p at its sorted position. It returns false if an equal
// payment is already present.
func (s *Set) Add(p Payment) bool {
	i, found := slices.BinarySearchFunc(s.items, p, descending)
	if found {
		return false
	}
	s.items = slices.Insert(s.items, i, p)
	return true
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// All returns a copy of the payments in iteration order.
func (s *Set) All() []Payment {
	if s == nil {
		return nil
	}
	return slices.Clone(s.items)
}

// Equal reports whether both sets hold the same payments in the same order.
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	return slices.Equal(s.items, other.items)
}

func (s *Set) Clone() *Set {
	if s == nil {
		return &Set{}
	}
	return &Set{items: slices.Clone(s.items)}
}

// String joins the display lines of all payments, one per line.
func (s *Set) String() string {
	if s.Len() == 0 {
		return ""
	}
	lines := make([]string, 0, len(s.items))
	for _, p := range s.items {
		lines = append(lines, p.String())
	}
	return strings.Join(lines, "\n")
}
