package spatial

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestTree[T comparable](t *testing.T, volume Box, capacity, maxDepth int) *Tree[T] {
	tree, err := New[T](volume, capacity, maxDepth)
	require.NoError(t, err)
	return tree
}

func unitQuad() Box {
	return NewBox(NewVector2(0, 0), NewVector2(8, 8))
}

func TestNew(t *testing.T) {
	t.Run("creates a root", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 4, 3)
		require.Equal(t, 0, tree.Depth())
		require.Equal(t, 4, tree.Capacity())
		require.Equal(t, 3, tree.MaxDepth())
		require.Equal(t, 2, tree.Dimensions())
		require.True(t, tree.IsLeaf())
		require.Nil(t, tree.Parent())
		require.Zero(t, tree.Count())
	})

	tests := []struct {
		name     string
		volume   Box
		capacity int
		maxDepth int
	}{
		{
			name:     "invalid volume",
			volume:   NewBox(NewVector2(1, 1), NewVector2(0, 0)),
			capacity: 1,
		},
		{
			name:     "too many dimensions",
			volume:   NewBox(make(Vector, MaxDimensions+1), make(Vector, MaxDimensions+1)),
			capacity: 1,
		},
		{
			name:     "zero capacity",
			volume:   unitQuad(),
			capacity: 0,
		},
		{
			name:     "negative max depth",
			volume:   unitQuad(),
			capacity: 1,
			maxDepth: -1,
		},
		{
			name:     "max depth above the limit",
			volume:   unitQuad(),
			capacity: 1,
			maxDepth: MaxDepth + 1,
		},
		{
			name:     "max int max depth",
			volume:   unitQuad(),
			capacity: 1,
			maxDepth: math.MaxInt,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New[int](test.volume, test.capacity, test.maxDepth)
			require.Error(t, err)
			require.Equal(t, ErrTypeInvalidTree, errors.Type(err))
		})
	}
}

func TestTreeInsert(t *testing.T) {
	t.Run("inserted items are found", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 2, 4)

		positions := map[string]Vector{
			"a": NewVector2(1, 1),
			"b": NewVector2(7, 7),
			"c": NewVector2(0, 8),
			"d": NewVector2(4, 4),
			"e": NewVector2(3.5, 6.25),
		}
		for item, p := range positions {
			require.NoError(t, tree.Insert(item, p))
		}
		require.Equal(t, len(positions), tree.Count())

		for item, p := range positions {
			found, ok := tree.Find(p)
			require.True(t, ok)
			require.Equal(t, item, found)
		}
	})

	t.Run("out of bounds fails without changing the tree", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 2, 4)
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))

		err := tree.Insert("b", NewVector2(9, 1))
		require.Error(t, err)
		require.Equal(t, ErrTypeOutOfBounds, errors.Type(err))
		require.True(t, IsOutOfBounds(err))
		require.Equal(t, 1, tree.Count())
		require.True(t, tree.IsLeaf())
	})

	t.Run("non finite positions are out of bounds", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 2, 4)

		for _, p := range []Vector{
			NewVector2(math.NaN(), 1),
			NewVector2(1, math.NaN()),
			NewVector2(math.Inf(1), 1),
			NewVector2(1, math.Inf(-1)),
		} {
			err := tree.Insert("a", p)
			require.Error(t, err, "position %s", p)
			require.Equal(t, ErrTypeOutOfBounds, errors.Type(err))

			err = tree.Remove("a", p)
			require.Equal(t, ErrTypeOutOfBounds, errors.Type(err))

			_, ok := tree.Find(p)
			require.False(t, ok)
		}
		require.Zero(t, tree.Count())
	})

	t.Run("dimension mismatch fails", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 2, 4)

		err := tree.Insert("a", NewVector3(1, 1, 1))
		require.Error(t, err)
		require.Equal(t, ErrTypeDimensionMismatch, errors.Type(err))
		require.True(t, IsOutOfBounds(err))
		require.Zero(t, tree.Count())
	})

	t.Run("stored position is not aliased", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 2, 4)

		p := NewVector2(1, 1)
		require.NoError(t, tree.Insert("a", p))
		p[0] = 6

		found, ok := tree.Find(NewVector2(1, 1))
		require.True(t, ok)
		require.Equal(t, "a", found)
	})
}

func TestTreeSubdivide(t *testing.T) {
	t.Run("quad tree", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 4, 3)
		for i := 0; i < 4; i++ {
			require.NoError(t, tree.Insert(i, NewVector2(float64(i)*2+0.5, 1)))
		}
		require.True(t, tree.IsLeaf())

		require.NoError(t, tree.Insert(4, NewVector2(7, 7)))
		require.False(t, tree.IsLeaf())
		require.Len(t, tree.Children(), 4)
		require.Empty(t, tree.Items())
		require.Equal(t, 5, tree.Count())

		for _, c := range tree.Children() {
			require.Equal(t, 1, c.Depth())
			require.Same(t, tree, c.Parent())
			require.Equal(t, 4, c.Capacity())
			require.Equal(t, 3, c.MaxDepth())
			require.True(t, c.IsLeaf())
		}
	})

	t.Run("oct tree", func(t *testing.T) {
		volume := NewBoxFromCenter(NewVector3(0, 0, 0), NewVector3(2, 2, 2))
		tree := newTestTree[int](t, volume, 1, 3)

		require.NoError(t, tree.Insert(1, NewVector3(-0.5, -0.5, -0.5)))
		require.NoError(t, tree.Insert(2, NewVector3(0.5, 0.5, 0.5)))
		require.Len(t, tree.Children(), 8)
		require.Empty(t, tree.Items())

		children := tree.Children()
		require.Equal(t, []int{1}, items(children[0]))
		require.Equal(t, []int{2}, items(children[7]))
	})

	t.Run("items are partitioned without loss or duplication", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 8, 1)
		r := rand.New(rand.NewPCG(1, 2))

		var all []int
		for i := 0; i < 9; i++ {
			require.NoError(t, tree.Insert(i, randomVector(r, tree.Volume())))
			all = append(all, i)
		}
		require.False(t, tree.IsLeaf())

		var got []int
		for _, c := range tree.Children() {
			for _, e := range c.Items() {
				require.True(t, c.Volume().Contains(e.Position))
				got = append(got, e.Item)
			}
		}
		slices.Sort(got)
		require.Equal(t, all, got)
	})

	t.Run("does not cascade into children", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 2, 5)
		require.NoError(t, tree.Insert(1, NewVector2(1, 1)))
		require.NoError(t, tree.Insert(2, NewVector2(1.5, 1.5)))
		require.NoError(t, tree.Insert(3, NewVector2(0.5, 0.5)))

		child := tree.Children()[0]
		require.True(t, child.IsLeaf())
		require.Len(t, child.Items(), 3)

		// The next insert into the over capacity leaf subdivides it.
		require.NoError(t, tree.Insert(4, NewVector2(3, 3)))
		require.False(t, child.IsLeaf())
		require.Len(t, child.Children(), 4)
		require.Equal(t, 4, tree.Count())
	})

	t.Run("max depth prevents subdivision", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 1, 0)
		for i := 0; i < 100; i++ {
			require.NoError(t, tree.Insert(i, NewVector2(1, 1)))
		}
		require.True(t, tree.IsLeaf())
		require.Equal(t, 100, tree.Count())
	})

	t.Run("leaves at max depth exceed capacity", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 1, 2)
		for i := 0; i < 10; i++ {
			require.NoError(t, tree.Insert(i, NewVector2(0.5, 0.5)))
		}

		tree.Walk(func(n *Tree[int]) bool {
			require.LessOrEqual(t, n.Depth(), 2)
			if n.IsLeaf() && n.Depth() < 2 {
				require.LessOrEqual(t, len(n.Items()), 1)
			}
			return true
		})

		leaf, err := tree.FindNode(NewVector2(0.5, 0.5))
		require.NoError(t, err)
		require.Equal(t, 2, leaf.Depth())
		require.Len(t, leaf.Items(), 10)
	})
}

func TestTreeRemove(t *testing.T) {
	t.Run("removes an item", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 4, 3)
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))
		require.NoError(t, tree.Insert("b", NewVector2(2, 2)))

		require.NoError(t, tree.Remove("a", NewVector2(1, 1)))
		require.Equal(t, 1, tree.Count())

		_, ok := tree.Find(NewVector2(1, 1))
		require.False(t, ok)
	})

	t.Run("removing a missing item is a no-op", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 4, 3)
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))

		require.NoError(t, tree.Remove("b", NewVector2(1, 1)))
		require.NoError(t, tree.Remove("a", NewVector2(1, 1.5)))
		require.Equal(t, 1, tree.Count())

		require.NoError(t, tree.Remove("a", NewVector2(1, 1)))
		require.NoError(t, tree.Remove("a", NewVector2(1, 1)))
		require.Zero(t, tree.Count())
	})

	t.Run("out of bounds fails", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 4, 3)
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))

		err := tree.Remove("a", NewVector2(-1, 1))
		require.Error(t, err)
		require.Equal(t, ErrTypeOutOfBounds, errors.Type(err))
		require.Equal(t, 1, tree.Count())
	})

	t.Run("only the matching entry is removed", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 4, 3)
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))
		require.NoError(t, tree.Insert("b", NewVector2(1, 1)))

		require.NoError(t, tree.Remove("a", NewVector2(1, 1)))
		require.Equal(t, 2, tree.Count())
		require.Equal(t, []string{"a", "b"}, tree.RangeSearch(tree.Volume()))
	})
}

func TestTreeReconstruct(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 4, 3)
		positions := []Vector{
			NewVector2(1, 1),
			NewVector2(7, 1),
			NewVector2(1, 7),
			NewVector2(7, 7),
			NewVector2(3, 3),
		}
		for i, p := range positions {
			require.NoError(t, tree.Insert(i, p))
		}
		require.False(t, tree.IsLeaf())
		children := tree.Children()

		require.NoError(t, tree.Remove(4, positions[4]))
		require.True(t, tree.IsLeaf())
		require.Equal(t, 4, tree.Count())

		got := items(tree)
		slices.Sort(got)
		require.Equal(t, []int{0, 1, 2, 3}, got)

		for _, c := range children {
			require.Nil(t, c.Parent())
		}
	})

	t.Run("parent stays internal above capacity", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 2, 3)
		require.NoError(t, tree.Insert(1, NewVector2(1, 1)))
		require.NoError(t, tree.Insert(2, NewVector2(7, 7)))
		require.NoError(t, tree.Insert(3, NewVector2(1, 7)))
		require.NoError(t, tree.Insert(4, NewVector2(7, 1)))

		require.NoError(t, tree.Remove(4, NewVector2(7, 1)))
		require.False(t, tree.IsLeaf())
		require.Equal(t, 3, tree.Count())

		require.NoError(t, tree.Remove(3, NewVector2(1, 7)))
		require.True(t, tree.IsLeaf())
		require.Equal(t, 2, tree.Count())
	})

	t.Run("collapses internal children without losing items", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 2, 4)
		require.NoError(t, tree.Insert("a", NewVector2(7, 7)))
		require.NoError(t, tree.Insert("b", NewVector2(0.5, 0.5)))
		require.NoError(t, tree.Insert("c", NewVector2(0.6, 0.6)))
		require.NoError(t, tree.Insert("d", NewVector2(0.7, 0.7)))
		require.NoError(t, tree.Insert("e", NewVector2(0.8, 0.8)))

		lowerLeft := tree.Children()[0]
		grandchild := lowerLeft.Children()[0]
		require.False(t, grandchild.IsLeaf())

		// Collapses the grandchild only, lowerLeft stays internal.
		require.NoError(t, tree.Remove("e", NewVector2(0.8, 0.8)))
		require.NoError(t, tree.Remove("d", NewVector2(0.7, 0.7)))
		require.True(t, grandchild.IsLeaf())
		require.False(t, lowerLeft.IsLeaf())
		require.False(t, tree.IsLeaf())
		require.Equal(t, 3, tree.Count())

		// The root now qualifies for a merge while lowerLeft is internal.
		require.NoError(t, tree.Remove("a", NewVector2(7, 7)))
		require.True(t, tree.IsLeaf())
		require.Equal(t, 2, tree.Count())

		got := items(tree)
		slices.Sort(got)
		require.Equal(t, []string{"b", "c"}, got)

		for name, p := range map[string]Vector{
			"b": NewVector2(0.5, 0.5),
			"c": NewVector2(0.6, 0.6),
		} {
			found, ok := tree.Find(p)
			require.True(t, ok)
			require.Equal(t, name, found)
		}
	})

	t.Run("merges do not cascade to the grandparent", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 1, 3)
		require.NoError(t, tree.Insert("a", NewVector2(1, 1)))
		require.NoError(t, tree.Insert("b", NewVector2(3, 3)))
		require.NoError(t, tree.Insert("c", NewVector2(0.5, 0.5)))

		child := tree.Children()[0]
		require.False(t, child.IsLeaf())

		require.NoError(t, tree.Remove("b", NewVector2(3, 3)))
		require.False(t, child.IsLeaf())

		require.NoError(t, tree.Remove("c", NewVector2(0.5, 0.5)))
		require.True(t, child.IsLeaf())
		require.Equal(t, []string{"a"}, items(child))

		// The root holds no more than its capacity but is not collapsed.
		require.Equal(t, 1, tree.Count())
		require.False(t, tree.IsLeaf())
		require.Len(t, tree.Children(), 4)
	})
}

func TestTreeMove(t *testing.T) {
	tree := newTestTree[string](t, unitQuad(), 1, 3)
	require.NoError(t, tree.Insert("a", NewVector2(1, 1)))
	require.NoError(t, tree.Insert("b", NewVector2(7, 7)))

	require.NoError(t, tree.Move("a", NewVector2(1, 1), NewVector2(6, 6)))
	require.Equal(t, 2, tree.Count())

	found, ok := tree.Find(NewVector2(6, 6))
	require.True(t, ok)
	require.Equal(t, "a", found)

	_, ok = tree.Find(NewVector2(1, 1))
	require.False(t, ok)

	err := tree.Move("a", NewVector2(6, 6), NewVector2(9, 9))
	require.Error(t, err)
	require.Equal(t, ErrTypeOutOfBounds, errors.Type(err))

	_, ok = tree.Find(NewVector2(6, 6))
	require.True(t, ok)
}

func TestTreeFind(t *testing.T) {
	tree := newTestTree[string](t, unitQuad(), 1, 3)
	require.NoError(t, tree.Insert("a", NewVector2(1, 1)))
	require.NoError(t, tree.Insert("b", NewVector2(1.25, 1.25)))

	found, ok := tree.Find(NewVector2(1.25, 1.25))
	require.True(t, ok)
	require.Equal(t, "b", found)

	_, ok = tree.Find(NewVector2(1.2, 1.25))
	require.False(t, ok)

	_, ok = tree.Find(NewVector2(10, 10))
	require.False(t, ok)

	_, ok = tree.Find(NewVector3(1, 1, 1))
	require.False(t, ok)

	_, err := tree.FindNode(NewVector2(10, 10))
	require.Error(t, err)
	require.Equal(t, ErrTypeOutOfBounds, errors.Type(err))
}

func TestTreeRangeSearch(t *testing.T) {
	t.Run("query outside of the tree", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 2, 3)
		require.NoError(t, tree.Insert(1, NewVector2(1, 1)))

		require.Empty(t, tree.RangeSearch(NewBox(NewVector2(10, 10), NewVector2(20, 20))))
		require.Empty(t, tree.RangeSearch(NewBox(NewVector3(0, 0, 0), NewVector3(8, 8, 8))))
	})

	t.Run("query larger than the tree", func(t *testing.T) {
		tree := newTestTree[int](t, unitQuad(), 2, 3)
		for i := 0; i < 10; i++ {
			require.NoError(t, tree.Insert(i, NewVector2(float64(i)*0.8, 8-float64(i)*0.8)))
		}

		got := tree.RangeSearch(NewBox(NewVector2(-100, -100), NewVector2(100, 100)))
		require.Len(t, got, 10)
	})

	t.Run("results are ordered depth first", func(t *testing.T) {
		tree := newTestTree[string](t, unitQuad(), 1, 3)
		require.NoError(t, tree.Insert("top-right", NewVector2(7, 7)))
		require.NoError(t, tree.Insert("bottom-left", NewVector2(1, 1)))
		require.NoError(t, tree.Insert("bottom-right", NewVector2(7, 1)))

		require.Equal(t,
			[]string{"bottom-left", "bottom-right", "top-right"},
			tree.RangeSearch(tree.Volume()),
		)
	})

	t.Run("matches a brute force scan", func(t *testing.T) {
		for _, volume := range []Box{
			unitQuad(),
			NewBoxFromCenter(NewVector3(0, 0, 0), NewVector3(10, 10, 10)),
		} {
			r := rand.New(rand.NewPCG(42, uint64(volume.Dimensions())))
			tree := newTestTree[int](t, volume, 3, 5)

			positions := make(map[int]Vector)
			for i := 0; i < 500; i++ {
				p := randomVector(r, volume)
				require.NoError(t, tree.Insert(i, p))
				positions[i] = p
			}
			for i := 0; i < 500; i += 3 {
				require.NoError(t, tree.Remove(i, positions[i]))
				delete(positions, i)
			}
			require.Equal(t, len(positions), tree.Count())

			for q := 0; q < 100; q++ {
				a := randomVector(r, volume)
				b := randomVector(r, volume)
				query := NewBox(minVector(a, b), maxVector(a, b))

				var expected []int
				for i, p := range positions {
					if query.Contains(p) {
						expected = append(expected, i)
					}
				}

				got := tree.RangeSearch(query)
				slices.Sort(expected)
				slices.Sort(got)
				require.Equal(t, expected, got)
			}
		}
	})
}

func TestTreeCountConservation(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	tree := newTestTree[int](t, unitQuad(), 2, 6)

	positions := make(map[int]Vector)
	var inserts, removes int

	for i := 0; i < 2000; i++ {
		if len(positions) > 0 && r.IntN(3) == 0 {
			for id, p := range positions {
				require.NoError(t, tree.Remove(id, p))
				delete(positions, id)
				removes++
				break
			}
		} else {
			p := randomVector(r, tree.Volume())
			require.NoError(t, tree.Insert(i, p))
			positions[i] = p
			inserts++
		}

		require.Equal(t, inserts-removes, tree.Count())
	}

	for id, p := range positions {
		found, ok := tree.Find(p)
		require.True(t, ok)
		require.Equal(t, id, found)
	}
}

func TestTreeWalk(t *testing.T) {
	tree := newTestTree[int](t, unitQuad(), 1, 3)
	require.NoError(t, tree.Insert(1, NewVector2(1, 1)))
	require.NoError(t, tree.Insert(2, NewVector2(7, 7)))

	var visited int
	tree.Walk(func(n *Tree[int]) bool {
		visited++
		if n.Depth() > 0 {
			require.Equal(t, n.Parent().Depth()+1, n.Depth())
			require.Equal(t, n.Volume(), n.Parent().Children()[indexOf(n.Parent(), n)].Volume())
		}
		return true
	})
	require.Equal(t, 5, visited)

	visited = 0
	tree.Walk(func(n *Tree[int]) bool {
		visited++
		return false
	})
	require.Equal(t, 1, visited)
}

func TestTreeStats(t *testing.T) {
	tree := newTestTree[int](t, unitQuad(), 1, 3)
	require.NoError(t, tree.Insert(1, NewVector2(1, 1)))
	require.NoError(t, tree.Insert(2, NewVector2(7, 7)))
	require.NoError(t, tree.Insert(3, NewVector2(7.5, 7.5)))

	stats := tree.Stats()
	require.Equal(t, 2, stats.Dimensions)
	require.Equal(t, 3, stats.ItemCount)
	require.Equal(t, 2, stats.Deepest)
	require.Equal(t, 9, stats.NodeCount)
	require.Equal(t, 7, stats.LeafCount)
	require.Equal(t, []int{0, 1, 2}, stats.Occupancy)
}

func TestTreeStatsDeepLimit(t *testing.T) {
	tree := newTestTree[int](t, unitQuad(), 1, MaxDepth)
	require.NoError(t, tree.Insert(1, NewVector2(1, 1)))

	stats := tree.Stats()
	require.Equal(t, MaxDepth, stats.MaxDepth)
	require.Equal(t, []int{1}, stats.Occupancy)
	require.Zero(t, stats.Deepest)
}

// Example scenario: a cube of side 10 centered on the origin, capacity 4 and
// max depth 3.
func TestTreeCornerScenario(t *testing.T) {
	volume := NewBoxFromCenter(NewVector3(0, 0, 0), NewVector3(10, 10, 10))
	tree := newTestTree[string](t, volume, 4, 3)

	points := map[string]Vector{
		"p1": NewVector3(-4, -4, -4),
		"p2": NewVector3(-4.5, -4.5, -4.5),
		"p3": NewVector3(-3, -3, -3),
		"p4": NewVector3(-2.5, -3, -3),
		"p5": NewVector3(-3, -2.5, -2),
	}
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
		require.NoError(t, tree.Insert(name, points[name]))
	}
	require.Len(t, tree.Children(), 8)
	require.Equal(t, 5, tree.Count())

	region := NewBox(NewVector3(-5, -5, -5), NewVector3(-3.5, -3.5, -3.5))
	got := tree.RangeSearch(region)
	slices.Sort(got)
	require.Equal(t, []string{"p1", "p2"}, got)

	require.NoError(t, tree.Remove("p1", points["p1"]))
	require.True(t, tree.IsLeaf())

	got = tree.RangeSearch(tree.Volume())
	slices.Sort(got)
	require.Equal(t, []string{"p2", "p3", "p4", "p5"}, got)
}

func items[T comparable](n *Tree[T]) []T {
	var res []T
	for _, e := range n.Items() {
		res = append(res, e.Item)
	}
	return res
}

func indexOf[T comparable](parent, child *Tree[T]) int {
	return slices.Index(parent.Children(), child)
}

func randomVector(r *rand.Rand, b Box) Vector {
	v := make(Vector, b.Dimensions())
	for i := range v {
		v[i] = b.Min[i] + r.Float64()*(b.Max[i]-b.Min[i])
	}
	return v
}

func minVector(a, b Vector) Vector {
	v := make(Vector, len(a))
	for i := range a {
		v[i] = min(a[i], b[i])
	}
	return v
}

func maxVector(a, b Vector) Vector {
	v := make(Vector, len(a))
	for i := range a {
		v[i] = max(a[i], b[i])
	}
	return v
}
