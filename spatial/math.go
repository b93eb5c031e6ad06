package spatial

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
)

// MaxDimensions is the highest dimensionality a tree accepts. A node splits
// into 2^d children, so the count grows fast.
const MaxDimensions = 8

// Vector is a point in d dimensions.
type Vector []float64

func NewVector2(x, y float64) Vector {
	return Vector{x, y}
}

func NewVector3(x, y, z float64) Vector {
	return Vector{x, y, z}
}

func (v Vector) Dimensions() int {
	return len(v)
}

// Equal reports whether both vectors have the same dimensions and exactly the
// same coordinates.
func (v Vector) Equal(o Vector) bool {
	return floats.Equal(v, o)
}

func (v Vector) Copy() Vector {
	c := make(Vector, len(v))
	copy(c, v)
	return c
}

func (v Vector) Finite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// R2 projects the vector onto its first two axes.
func (v Vector) R2() r2.Vec {
	return r2.Vec{X: v.at(0), Y: v.at(1)}
}

func (v Vector) at(i int) float64 {
	if i < len(v) {
		return v[i]
	}
	return 0
}

func (v Vector) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, c := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(c, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// Add returns a + b. Both vectors must have the same dimensions.
func Add(a, b Vector) Vector {
	return floats.AddTo(make(Vector, len(a)), a, b)
}

// Sub returns a - b. Both vectors must have the same dimensions.
func Sub(a, b Vector) Vector {
	return floats.SubTo(make(Vector, len(a)), a, b)
}

func Mul(a Vector, s float64) Vector {
	return floats.ScaleTo(make(Vector, len(a)), s, a)
}

// Box is an axis-aligned bounding volume. Both ends are inclusive.
type Box struct {
	Min Vector `json:"min"`
	Max Vector `json:"max"`
}

func NewBox(min, max Vector) Box {
	return Box{Min: min.Copy(), Max: max.Copy()}
}

// NewBoxFromCenter returns the box centered at center with the given full
// size on each axis.
func NewBoxFromCenter(center, size Vector) Box {
	half := Mul(size, 0.5)
	return Box{
		Min: Sub(center, half),
		Max: Add(center, half),
	}
}

func (b Box) Dimensions() int {
	return len(b.Min)
}

// Valid reports whether the box has matching, finite corners with Min <= Max
// on every axis.
func (b Box) Valid() bool {
	if len(b.Min) == 0 || len(b.Min) != len(b.Max) {
		return false
	}
	if !b.Min.Finite() || !b.Max.Finite() {
		return false
	}
	for i := range b.Min {
		if b.Min[i] > b.Max[i] {
			return false
		}
	}
	return true
}

func (b Box) Center() Vector {
	return Mul(Add(b.Min, b.Max), 0.5)
}

func (b Box) Size() Vector {
	return Sub(b.Max, b.Min)
}

// Contains reports whether p lies within the box. NaN coordinates are never
// contained.
func (b Box) Contains(p Vector) bool {
	if len(p) != len(b.Min) {
		return false
	}
	for i := range p {
		if !(p[i] >= b.Min[i] && p[i] <= b.Max[i]) {
			return false
		}
	}
	return true
}

func (b Box) Intersects(o Box) bool {
	if len(b.Min) != len(o.Min) {
		return false
	}
	for i := range b.Min {
		if b.Min[i] > o.Max[i] || b.Max[i] < o.Min[i] {
			return false
		}
	}
	return true
}

// R2 projects the box onto its first two axes.
func (b Box) R2() r2.Box {
	return r2.Box{Min: b.Min.R2(), Max: b.Max.R2()}
}

func (b Box) Equal(o Box) bool {
	return b.Min.Equal(o.Min) && b.Max.Equal(o.Max)
}

// Split bisects the box along every axis and returns the 2^d sub-boxes.
// Sub-box i covers the upper half of axis k when bit k of i is set.
func (b Box) Split() []Box {
	dims := b.Dimensions()
	center := b.Center()

	boxes := make([]Box, 1<<dims)
	for i := range boxes {
		min := make(Vector, dims)
		max := make(Vector, dims)
		for k := 0; k < dims; k++ {
			if i&(1<<k) != 0 {
				min[k], max[k] = center[k], b.Max[k]
			} else {
				min[k], max[k] = b.Min[k], center[k]
			}
		}
		boxes[i] = Box{Min: min, Max: max}
	}
	return boxes
}

// octant returns the index of the sub-box produced by Split that holds p.
// Points on a split plane go to the lower half.
func (b Box) octant(p Vector) int {
	center := b.Center()

	var i int
	for k := range center {
		if p[k] > center[k] {
			i |= 1 << k
		}
	}
	return i
}

func (b Box) String() string {
	return b.Min.String() + "-" + b.Max.String()
}
