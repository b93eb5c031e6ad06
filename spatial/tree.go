// Package spatial implements a dimension-generic spatial partitioning tree: a
// quad-tree in 2 dimensions, an oct-tree in 3.
//
// A node is either a leaf holding items or an internal node holding exactly
// 2^d children. A leaf that goes over capacity is subdivided unless it sits
// at the maximum depth. Removing an item collapses the parent of the leaf back
// into a leaf once it holds no more items than its capacity.
//
// A tree is not safe for concurrent use.
package spatial

import (
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// MaxDepth is the deepest level a tree accepts. Halving a float64 extent
// stops producing distinct split planes well before this.
const MaxDepth = 1074

// Entry is an item stored in a leaf along with its position.
type Entry[T comparable] struct {
	Item     T
	Position Vector
}

// Tree is a node of a spatial tree. The root and every subtree share the same
// type.
type Tree[T comparable] struct {
	volume   Box
	capacity int
	maxDepth int
	depth    int

	children []*Tree[T]
	items    []Entry[T]

	// Back-link used to evaluate merges. Cleared when the parent discards
	// its children.
	parent *Tree[T]
}

// New creates the root of a tree covering the given volume. Leaves hold up to
// capacity items before being subdivided, unless they are at maxDepth.
func New[T comparable](volume Box, capacity int, maxDepth int) (*Tree[T], error) {
	if !volume.Valid() {
		return nil, errors.New("invalid tree volume").
			WithType(ErrTypeInvalidTree).
			WithTag("volume", volume.String())
	}
	if dims := volume.Dimensions(); dims > MaxDimensions {
		return nil, errors.New("too many dimensions").
			WithType(ErrTypeInvalidTree).
			WithTag("dimensions", dims).
			WithTag("max_dimensions", MaxDimensions)
	}
	if capacity < 1 {
		return nil, errors.New("capacity must be greater than zero").
			WithType(ErrTypeInvalidTree).
			WithTag("capacity", capacity)
	}
	if maxDepth < 0 || maxDepth > MaxDepth {
		return nil, errors.New("max depth out of range").
			WithType(ErrTypeInvalidTree).
			WithTag("max_depth", maxDepth).
			WithTag("limit", MaxDepth)
	}

	return &Tree[T]{
		volume:   NewBox(volume.Min, volume.Max),
		capacity: capacity,
		maxDepth: maxDepth,
	}, nil
}

func (t *Tree[T]) Volume() Box {
	return t.volume
}

func (t *Tree[T]) Capacity() int {
	return t.capacity
}

func (t *Tree[T]) MaxDepth() int {
	return t.maxDepth
}

func (t *Tree[T]) Depth() int {
	return t.depth
}

func (t *Tree[T]) Dimensions() int {
	return t.volume.Dimensions()
}

func (t *Tree[T]) IsLeaf() bool {
	return len(t.children) == 0
}

// Parent returns the enclosing node, or nil for the root.
func (t *Tree[T]) Parent() *Tree[T] {
	return t.parent
}

// Children returns the children in construction order. The result is empty
// for a leaf.
func (t *Tree[T]) Children() []*Tree[T] {
	return slices.Clone(t.children)
}

// Items returns the entries stored directly at the node.
func (t *Tree[T]) Items() []Entry[T] {
	return slices.Clone(t.items)
}

// Insert stores the item at the given position.
func (t *Tree[T]) Insert(item T, position Vector) error {
	if err := t.checkPosition("insert", position); err != nil {
		return err
	}

	t.insert(Entry[T]{Item: item, Position: position.Copy()})
	return nil
}

func (t *Tree[T]) insert(e Entry[T]) {
	if !t.IsLeaf() && t.depth < t.maxDepth {
		t.children[t.volume.octant(e.Position)].insert(e)
		return
	}

	t.items = append(t.items, e)
	if len(t.items) > t.capacity && t.depth < t.maxDepth {
		t.subdivide()
	}
}

// subdivide turns an over-capacity leaf into an internal node. Items move to
// the children without triggering their own subdivision.
func (t *Tree[T]) subdivide() {
	boxes := t.volume.Split()
	t.children = make([]*Tree[T], len(boxes))
	for i, box := range boxes {
		t.children[i] = &Tree[T]{
			volume:   box,
			capacity: t.capacity,
			maxDepth: t.maxDepth,
			depth:    t.depth + 1,
			parent:   t,
		}
	}

	for _, e := range t.items {
		c := t.children[t.volume.octant(e.Position)]
		c.items = append(c.items, e)
	}
	t.items = nil
}

// Remove deletes the entry matching both the item and the position. Removing
// an entry that is not stored is a no-op.
func (t *Tree[T]) Remove(item T, position Vector) error {
	if err := t.checkPosition("remove", position); err != nil {
		return err
	}

	leaf := t.findSmallestNodeAt(position)
	i := slices.IndexFunc(leaf.items, func(e Entry[T]) bool {
		return e.Item == item && e.Position.Equal(position)
	})
	if i < 0 {
		return nil
	}
	leaf.items = slices.Delete(leaf.items, i, i+1)

	// Only the immediate parent is evaluated, merges do not cascade upward.
	if p := leaf.parent; p != nil && p.Count() <= p.capacity {
		p.reconstruct()
	}
	return nil
}

// Move relocates an entry. Both positions are checked before anything is
// modified. An entry that is not stored at from is inserted at to.
func (t *Tree[T]) Move(item T, from, to Vector) error {
	if err := t.checkPosition("move", from); err != nil {
		return err
	}
	if err := t.checkPosition("move", to); err != nil {
		return err
	}

	if err := t.Remove(item, from); err != nil {
		return err
	}
	return t.Insert(item, to)
}

// reconstruct collapses the node back into a leaf holding every item of its
// subtree.
func (t *Tree[T]) reconstruct() {
	var items []Entry[T]
	for _, c := range t.children {
		items = c.collect(items)
		c.parent = nil
	}

	t.items = append(t.items, items...)
	t.children = nil
}

func (t *Tree[T]) collect(items []Entry[T]) []Entry[T] {
	if t.IsLeaf() {
		return append(items, t.items...)
	}
	for _, c := range t.children {
		items = c.collect(items)
	}
	return items
}

// Count returns the number of items stored in the subtree.
func (t *Tree[T]) Count() int {
	if t.IsLeaf() {
		return len(t.items)
	}

	var count int
	for _, c := range t.children {
		count += c.Count()
	}
	return count
}

// Find returns the first item stored exactly at the given position.
func (t *Tree[T]) Find(position Vector) (T, bool) {
	var zero T
	if t.checkPosition("find", position) != nil {
		return zero, false
	}

	for _, e := range t.findSmallestNodeAt(position).items {
		if e.Position.Equal(position) {
			return e.Item, true
		}
	}
	return zero, false
}

// FindNode returns the leaf that holds or would hold the given position.
func (t *Tree[T]) FindNode(position Vector) (*Tree[T], error) {
	if err := t.checkPosition("find", position); err != nil {
		return nil, err
	}
	return t.findSmallestNodeAt(position), nil
}

// findSmallestNodeAt descends to the leaf covering position. The position must
// have been checked against the volume.
func (t *Tree[T]) findSmallestNodeAt(position Vector) *Tree[T] {
	n := t
	for !n.IsLeaf() {
		n = n.children[n.volume.octant(position)]
	}
	return n
}

// RangeSearch returns every item whose position lies within the query volume.
// Results are ordered depth-first, children visited in construction order.
func (t *Tree[T]) RangeSearch(query Box) []T {
	return t.rangeSearch(query, nil)
}

func (t *Tree[T]) rangeSearch(query Box, found []T) []T {
	if !t.volume.Intersects(query) {
		return found
	}

	if !t.IsLeaf() {
		for _, c := range t.children {
			found = c.rangeSearch(query, found)
		}
		return found
	}

	for _, e := range t.items {
		if query.Contains(e.Position) {
			found = append(found, e.Item)
		}
	}
	return found
}

// Walk visits the node and its descendants depth-first, children in
// construction order. Returning false skips the descendants of a node.
func (t *Tree[T]) Walk(fn func(n *Tree[T]) bool) {
	if !fn(t) {
		return
	}
	for _, c := range t.children {
		c.Walk(fn)
	}
}

func (t *Tree[T]) checkPosition(op string, position Vector) error {
	if len(position) != t.volume.Dimensions() {
		return errDimensionMismatch(op, position, t.volume.Dimensions())
	}
	if !position.Finite() || !t.volume.Contains(position) {
		return errOutOfBounds(op, position, t.volume)
	}
	return nil
}
