package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic converted into an error at a goroutine boundary.
type PanicError struct {
	Scope string
	Value any
	Stack []byte
}

// Error returns the scope and recovered value.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic recovered: %v", e.Scope, e.Value)
}

// Unwrap exposes a recovered error value to errors.Is and errors.As.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

// runSafely executes fn and converts panics into returned errors tagged with scope.
// It is used at goroutine and lifecycle boundaries to prevent process-wide crashes.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = &PanicError{Scope: scope, Value: recovered, Stack: debug.Stack()}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
