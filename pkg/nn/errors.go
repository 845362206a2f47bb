package nn

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidShape    = errors.New("invalid tensor shape")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClassLookup     = errors.New("class id out of range")
)

// ClassLookupError is returned in strict label mode when the model produces a class id
// that has no name.
type ClassLookupError struct {
	ClassID    int
	NumClasses int
}

func (e *ClassLookupError) Error() string {
	return fmt.Sprintf("class id %v out of range (%v classes)", e.ClassID, e.NumClasses)
}

func (e *ClassLookupError) Unwrap() error {
	return ErrClassLookup
}
