package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidRegistry is returned by Build when the category configuration is
// inconsistent.
var ErrInvalidRegistry = errors.New("invalid category registry")

// UnknownCategoryError is returned when a category name is not loaded.
type UnknownCategoryError struct {
	Name string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q", e.Name)
}
