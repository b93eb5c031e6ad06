package spatial

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// A position does not lie within the volume of the tree.
	ErrTypeOutOfBounds = "out_of_bounds"

	// A position or a volume does not have the dimensions of the tree.
	ErrTypeDimensionMismatch = "dimension_mismatch"

	// The arguments given to create a tree are invalid.
	ErrTypeInvalidTree = "invalid_tree"
)

func errOutOfBounds(op string, position Vector, volume Box) error {
	return errors.New("position is out of bounds").
		WithType(ErrTypeOutOfBounds).
		WithTag("op", op).
		WithTag("position", position.String()).
		WithTag("volume", volume.String())
}

func errDimensionMismatch(op string, position Vector, dims int) error {
	return errors.New("position dimensions do not match the tree").
		WithType(ErrTypeDimensionMismatch).
		WithTag("op", op).
		WithTag("position", position.String()).
		WithTag("dimensions", dims)
}

// IsOutOfBounds reports whether the error is a caller contract violation:
// a position outside of the tree or with the wrong dimensions.
func IsOutOfBounds(err error) bool {
	return errors.IsType(err, ErrTypeOutOfBounds) ||
		errors.IsType(err, ErrTypeDimensionMismatch)
}
