package payment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireDescending(t *testing.T, payments []Payment) {
	t.Helper()
	for i := 1; i < len(payments); i++ {
		require.Equal(t, 1, Compare(payments[i-1], payments[i]),
			"payments[%d]=%v should sort strictly after payments[%d]=%v", i-1, payments[i-1], i, payments[i])
	}
}

func TestSet_AddKeepsDescendingOrder(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Add(Payment{100, 64, "test"}))
	assert.True(t, s.Add(Payment{300, 1, "later"}))
	assert.True(t, s.Add(Payment{200, -21, "coffee"}))
	assert.True(t, s.Add(Payment{200, -21, "beer"}))

	assert.Equal(t, []Payment{
		{300, 1, "later"},
		{200, -21, "coffee"},
		{200, -21, "beer"},
		{100, 64, "test"},
	}, s.All())
}

func TestSet_AddDuplicate(t *testing.T) {
	s := NewSet(Payment{100, 64, "test"})
	assert.False(t, s.Add(Payment{100, 64, "test"}))
	assert.Equal(t, 1, s.Len())
}

func TestSet_RandomInsertions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewSet()
	seen := map[Payment]bool{}

	for i := 0; i < 500; i++ {
		p := Payment{
			EpochTime:  int64(rng.Intn(20)),
			AmountSats: int64(rng.Intn(10) - 5),
			Comment:    string(rune('a' + rng.Intn(3))),
		}
		added := s.Add(p)
		assert.Equal(t, !seen[p], added)
		seen[p] = true
	}

	assert.Equal(t, len(seen), s.Len())
	requireDescending(t, s.All())
}

func TestSet_Equal(t *testing.T) {
	a := NewSet(Payment{1, 1, "a"}, Payment{2, 2, "b"})
	b := NewSet(Payment{2, 2, "b"}, Payment{1, 1, "a"})
	c := NewSet(Payment{1, 1, "a"})
	d := NewSet(Payment{1, 1, "a"}, Payment{2, 2, "c"})

	assert.True(t, a.Equal(b), "insertion order must not matter")
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.True(t, NewSet().Equal(&Set{}))
	assert.True(t, NewSet().Equal(nil))
}

func TestSet_AllAndCloneAreCopies(t *testing.T) {
	s := NewSet(Payment{1, 1, "a"})

	all := s.All()
	all[0].Comment = "mutated"
	assert.Equal(t, "a", s.All()[0].Comment)

	clone := s.Clone()
	clone.Add(Payment{2, 2, "b"})
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestSet_String(t *testing.T) {
	s := NewSet(Payment{100, 64, "test"}, Payment{200, -21, "coffee"})
	assert.Equal(t, "-21 sats: coffee\n+64 sats: test", s.String())
	assert.Equal(t, "", NewSet().String())
}
