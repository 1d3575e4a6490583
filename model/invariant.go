package model

import "fmt"

// InvariantError is the panic value raised when an internal consistency
// rule is broken. These are programming errors and are never recovered by
// the slot loop.
type InvariantError struct {
	Component string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// Invariantf panics with an *InvariantError.
func Invariantf(component, format string, args ...any) {
	panic(&InvariantError{Component: component, Detail: fmt.Sprintf(format, args...)})
}
